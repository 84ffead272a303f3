// Package upload decodes multipart/form-data request bodies as they
// arrive. Form fields become request params and file parts are streamed
// to a Store and listed in Rx.Files.
package upload

import (
	"bytes"
	"io"
	"mime"
	"strings"

	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"

	"github.com/searchktools/stagehttp/core/http"
)

// FilterName is the registered stage name
const FilterName = "uploadFilter"

// DirKey is the Location.Data key selecting a DirStore directory
const DirKey = "uploadDir"

type partState int

const (
	stateBoundary partState = iota
	stateHeaders
	stateData
	stateEnd
	stateDiscard
)

// Filter is the receive-side multipart decoder
type Filter struct {
	http.BaseStage
	store Store
	// KeepFiles leaves stored files in place when the request ends
	KeepFiles bool
}

type uploadRx struct {
	store     Store
	delim     []byte
	sep       []byte
	buf       *bytebufferpool.ByteBuffer
	state     partState
	total     int64
	field     string
	filename  string
	ctype     string
	value     bytes.Buffer
	dest      io.WriteCloser
	file      *http.UploadFile
	processed int
}

// New creates an upload filter writing files to store. A nil store
// writes to the system temporary directory.
func New(store Store) *Filter {
	if store == nil {
		store = DirStore{}
	}
	return &Filter{
		BaseStage: http.NewBaseStage(FilterName, http.StageFilter|http.StageIncoming),
		store:     store,
	}
}

func (f *Filter) Match(c *http.Conn, dir http.Direction) bool {
	if dir != http.QueueRx || c.IsClient() {
		return false
	}
	return boundary(c.Rx().ContentType) != ""
}

func boundary(contentType string) string {
	mt, params, err := mime.ParseMediaType(contentType)
	if err != nil || mt != "multipart/form-data" {
		return ""
	}
	return params["boundary"]
}

func (f *Filter) Open(q *http.Queue) error {
	c := q.Conn
	st := &uploadRx{
		store: f.store,
		sep:   []byte("\r\n--" + boundary(c.Rx().ContentType)),
		buf:   bytebufferpool.Get(),
	}
	st.delim = st.sep[2:]
	if loc := c.Location(); loc != nil {
		if dir, ok := loc.Data[DirKey].(string); ok && dir != "" {
			st.store = DirStore{Dir: dir}
		}
	}
	if c.Rx().Params == nil {
		c.Rx().Params = make(map[string]string)
	}
	q.Data = st
	return nil
}

func (f *Filter) Close(q *http.Queue) {
	st, ok := q.Data.(*uploadRx)
	if !ok {
		return
	}
	c := q.Conn
	f.closeDest(c, st)
	if st.buf != nil {
		bytebufferpool.Put(st.buf)
		st.buf = nil
	}
	if f.KeepFiles {
		return
	}
	for _, uf := range c.Rx().Files {
		if err := st.store.Remove(uf.Path); err != nil {
			c.Log().Debug("cannot remove upload", zap.String("path", uf.Path), zap.Error(err))
		}
	}
}

func (f *Filter) IncomingData(q *http.Queue, p *http.Packet) {
	c := q.Conn
	st := q.Data.(*uploadRx)
	if p.IsEnd() {
		if st.state != stateEnd && st.state != stateDiscard {
			f.closeDest(c, st)
			c.Error(http.StatusBadRequest, "Client upload aborted")
		}
		q.PutToNext(p)
		return
	}
	if st.state == stateEnd || st.state == stateDiscard {
		c.FreePacket(p)
		return
	}
	st.buf.Write(p.Bytes())
	c.FreePacket(p)
	if !f.parse(c, st) {
		st.state = stateDiscard
		f.closeDest(c, st)
	}
	f.compact(st)
}

// compact drops the parsed prefix of the buffer
func (f *Filter) compact(st *uploadRx) {
	if st.processed == 0 {
		return
	}
	n := copy(st.buf.B, st.buf.B[st.processed:])
	st.buf.B = st.buf.B[:n]
	st.processed = 0
}

// parse consumes as much of the buffer as possible. It returns false when
// the request has been failed.
func (f *Filter) parse(c *http.Conn, st *uploadRx) bool {
	for {
		data := st.buf.B[st.processed:]
		switch st.state {
		case stateBoundary:
			i := bytes.Index(data, st.delim)
			if i < 0 || len(data) < i+len(st.delim)+2 {
				return true
			}
			// Anything before the first boundary is preamble
			rest := data[i+len(st.delim):]
			switch {
			case bytes.HasPrefix(rest, []byte("--")):
				st.state = stateEnd
				st.processed = st.buf.Len()
				return true
			case bytes.HasPrefix(rest, []byte("\r\n")):
				st.processed += i + len(st.delim) + 2
				st.state = stateHeaders
			default:
				c.Error(http.StatusBadRequest, "Bad upload boundary")
				return false
			}

		case stateHeaders:
			end := bytes.Index(data, []byte("\r\n\r\n"))
			if end < 0 {
				if len(data) > c.Limits().HeaderSize {
					c.Error(http.StatusRequestHeaderFieldsTooLarge, "Upload part headers too big")
					return false
				}
				return true
			}
			if !f.startPart(c, st, string(data[:end])) {
				return false
			}
			st.processed += end + 4
			st.state = stateData

		case stateData:
			// A part ends at CRLF followed by the boundary
			i := bytes.Index(data, st.sep)
			if i < 0 {
				// Keep a tail that may hold a partial delimiter
				n := len(data) - len(st.sep)
				if n > 0 {
					if !f.writePart(c, st, data[:n]) {
						return false
					}
					st.processed += n
				}
				return true
			}
			if !f.writePart(c, st, data[:i]) || !f.endPart(c, st) {
				return false
			}
			st.processed += i + 2
			st.state = stateBoundary

		default:
			return true
		}
	}
}

func (f *Filter) startPart(c *http.Conn, st *uploadRx, block string) bool {
	st.field, st.filename, st.ctype = "", "", ""
	st.value.Reset()
	for _, line := range strings.Split(block, "\r\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			c.Error(http.StatusBadRequest, "Bad upload part header")
			return false
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "content-disposition":
			disp, params, err := mime.ParseMediaType(value)
			if err != nil || disp != "form-data" {
				c.Error(http.StatusBadRequest, "Bad upload content disposition")
				return false
			}
			st.field = params["name"]
			st.filename = params["filename"]
		case "content-type":
			st.ctype = value
		}
	}
	if st.field == "" {
		c.Error(http.StatusBadRequest, "Upload part without a name")
		return false
	}
	if st.filename == "" {
		return true
	}
	w, path, err := st.store.Create(st.field, st.filename)
	if err != nil {
		c.Log().Error("cannot create upload file", zap.Error(err))
		c.Error(http.StatusInternalServerError, "Cannot store upload")
		return false
	}
	st.dest = w
	st.file = &http.UploadFile{
		Field:       st.field,
		Filename:    st.filename,
		ContentType: st.ctype,
		Path:        path,
	}
	rx := c.Rx()
	rx.Files = append(rx.Files, st.file)
	return true
}

func (f *Filter) writePart(c *http.Conn, st *uploadRx, b []byte) bool {
	if len(b) == 0 {
		return true
	}
	if st.dest == nil {
		st.value.Write(b)
		return true
	}
	st.total += int64(len(b))
	if st.total > c.Limits().UploadSize {
		c.Error(http.StatusRequestEntityTooLarge, "Uploaded file exceeds maximum %d", c.Limits().UploadSize)
		return false
	}
	if _, err := st.dest.Write(b); err != nil {
		c.Log().Error("cannot write upload file", zap.Error(err))
		c.Error(http.StatusInternalServerError, "Cannot store upload")
		return false
	}
	st.file.Size += int64(len(b))
	return true
}

func (f *Filter) endPart(c *http.Conn, st *uploadRx) bool {
	if st.dest == nil {
		c.Rx().SetParam(st.field, st.value.String())
		return true
	}
	err := st.dest.Close()
	st.dest = nil
	if err != nil {
		c.Log().Error("cannot close upload file", zap.Error(err))
		c.Error(http.StatusInternalServerError, "Cannot store upload")
		return false
	}
	return true
}

func (f *Filter) closeDest(c *http.Conn, st *uploadRx) {
	if st.dest != nil {
		if err := st.dest.Close(); err != nil {
			c.Log().Debug("close upload file", zap.Error(err))
		}
		st.dest = nil
	}
}
