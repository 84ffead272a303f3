// Package status reports service counters and per-handler metrics as a
// protobuf Struct, encoded as JSON or binary protobuf by content
// negotiation.
package status

import (
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/searchktools/stagehttp/core/http"
)

// HandlerName is the registered stage name
const HandlerName = "statusHandler"

// ProtobufType is the content type of binary responses
const ProtobufType = "application/x-protobuf"

// Handler serves the status report
type Handler struct {
	http.BaseStage
	start time.Time
}

// New creates the status handler
func New() *Handler {
	return &Handler{
		BaseStage: http.NewBaseStage(HandlerName,
			http.StageHandler|http.StageIncoming|http.StageOutgoing|http.MethodGet|http.MethodHead),
		start: time.Now(),
	}
}

func (h *Handler) Process(q *http.Queue) {
	c := q.Conn
	report, err := h.Report(c.Service())
	if err != nil {
		c.Log().Error("cannot build status report", zap.Error(err))
		c.Error(http.StatusInternalServerError, "Cannot build status report")
		return
	}

	var data []byte
	if wantsProtobuf(c.Rx().Headers.Get("Accept")) {
		data, err = proto.Marshal(report)
		c.SetContentType(ProtobufType)
	} else {
		data, err = protojson.MarshalOptions{Multiline: true}.Marshal(report)
		c.SetContentType("application/json")
	}
	if err != nil {
		c.Error(http.StatusInternalServerError, "Cannot encode status report")
		return
	}
	c.SetHeader("Cache-Control", "no-cache")
	c.Write(data)
	c.Finalize()
}

func wantsProtobuf(accept string) bool {
	for _, t := range strings.Split(accept, ",") {
		t, _, _ = strings.Cut(t, ";")
		switch strings.TrimSpace(strings.ToLower(t)) {
		case ProtobufType, "application/protobuf":
			return true
		}
	}
	return false
}

// Report builds the status report for svc
func (h *Handler) Report(svc *http.Service) (*structpb.Struct, error) {
	st := svc.Stats()

	handlers := make([]any, 0, len(st.Handlers))
	for _, hs := range st.Handlers {
		latency := make([]any, len(hs.Latency))
		for i, n := range hs.Latency {
			latency[i] = n
		}
		handlers = append(handlers, map[string]any{
			"name":    hs.Name,
			"count":   hs.Count,
			"errors":  hs.Errors,
			"bytes":   hs.Bytes,
			"avg_ms":  ms(hs.Avg),
			"min_ms":  ms(hs.Min),
			"max_ms":  ms(hs.Max),
			"latency": latency,
		})
	}

	var conns []any
	svc.EachConn(func(c *http.Conn) bool {
		conns = append(conns, map[string]any{
			"id":       c.ID,
			"remote":   c.RemoteAddr(),
			"requests": c.RequestCount(),
		})
		return true
	})

	return structpb.NewStruct(map[string]any{
		"server":         svc.ServerName,
		"uptime_s":       time.Since(h.start).Seconds(),
		"active_conns":   st.ActiveConns,
		"accepted_conns": st.AcceptedConns,
		"requests":       st.Requests,
		"timeouts":       st.Timeouts,
		"handlers":       handlers,
		"conns":          conns,
	})
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
