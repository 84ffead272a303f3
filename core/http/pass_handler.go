package http

// passHandler completes a request without generating content. It serves
// error responses and client-mode pipelines.
type passHandler struct {
	BaseStage
}

func (h *passHandler) Process(q *Queue) {
	q.Conn.Finalize()
}

// funcHandler adapts a function to a handler stage
type funcHandler struct {
	BaseStage
	fn func(c *Conn)
}

// NewHandler creates a handler stage that calls fn from its Process hook
// and then finalizes the response. flags may restrict methods or add
// StageThread; StageHandler is implied.
func NewHandler(name string, flags StageFlags, fn func(c *Conn)) Stage {
	return &funcHandler{
		BaseStage: NewBaseStage(name, flags|StageHandler|StageIncoming|StageOutgoing),
		fn:        fn,
	}
}

func (h *funcHandler) Process(q *Queue) {
	c := q.Conn
	h.fn(c)
	c.Finalize()
}
