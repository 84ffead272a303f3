// Package file serves static files as deferred entity packets, so the
// connector can send them with sendfile and the range filter can clip
// them without reading.
package file

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/searchktools/stagehttp/core/http"
)

// HandlerName is the registered stage name
const HandlerName = "fileHandler"

// DocumentsKey is the Location.Data key that overrides the document root
const DocumentsKey = "documents"

// Handler is a handler stage serving files below a document root
type Handler struct {
	http.BaseStage
	Root  string
	Index string
	cache *Cache
}

type fileTx struct {
	name  string
	entry *Entry
}

// New creates a file handler serving root. cache may be nil, in which
// case a private cache of 1000 files is used.
func New(root string, cache *Cache) *Handler {
	if cache == nil {
		cache = NewCache(0)
	}
	return &Handler{
		BaseStage: http.NewBaseStage(HandlerName,
			http.StageHandler|http.StageIncoming|http.StageOutgoing|http.MethodGet|http.MethodHead),
		Root:  root,
		Index: "index.html",
		cache: cache,
	}
}

// Cache returns the open file cache
func (h *Handler) Cache() *Cache { return h.cache }

func (h *Handler) documents(loc *http.Location) string {
	if loc != nil {
		if root, ok := loc.Data[DocumentsKey].(string); ok && root != "" {
			return root
		}
	}
	return h.Root
}

// Open maps the request path to a file and prepares the response headers
func (h *Handler) Open(q *http.Queue) error {
	c := q.Conn
	rx, tx := c.Rx(), c.Tx()
	if c.Failed() {
		return nil
	}
	if strings.IndexByte(rx.Path, 0) >= 0 {
		c.Error(http.StatusBadRequest, "Bad path")
		return nil
	}
	clean := path.Clean("/" + rx.Path)
	if loc := c.Location(); loc != nil && loc.Prefix != "/" {
		clean = path.Clean("/" + strings.TrimPrefix(clean, strings.TrimSuffix(loc.Prefix, "/")))
	}
	name := filepath.Join(h.documents(c.Location()), filepath.FromSlash(clean))

	fi, err := os.Stat(name)
	if err != nil {
		return h.statError(c, rx.Path, err)
	}
	if fi.IsDir() {
		if !strings.HasSuffix(rx.Path, "/") {
			target := rx.Path + "/"
			if rx.Query != "" {
				target += "?" + rx.Query
			}
			c.Redirect(http.StatusMovedPermanently, target)
			return nil
		}
		name = filepath.Join(name, h.Index)
		if fi, err = os.Stat(name); err != nil {
			return h.statError(c, rx.Path, err)
		}
	}
	if !fi.Mode().IsRegular() {
		c.Error(http.StatusForbidden, "Cannot serve %s", rx.Path)
		return nil
	}

	st := &fileTx{name: name}
	q.Data = st
	if rx.Method == "GET" && fi.Size() > 0 {
		if st.entry, err = h.cache.Acquire(name, fi); err != nil {
			return h.statError(c, rx.Path, err)
		}
	}

	tx.Length = fi.Size()
	tx.EntityLength = fi.Size()
	tx.LastModified = fi.ModTime()
	tx.ETag = fmt.Sprintf("\"%x-%x\"", fi.Size(), fi.ModTime().UnixNano())
	c.SetContentType(ContentType(name))
	c.SetHeader(http.HeaderAcceptRanges, "bytes")
	return nil
}

func (h *Handler) statError(c *http.Conn, p string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return &http.StatusError{Status: http.StatusNotFound, Msg: "Cannot find " + p, Err: err}
	case errors.Is(err, fs.ErrPermission):
		return &http.StatusError{Status: http.StatusForbidden, Msg: "Cannot access " + p, Err: err}
	}
	c.Log().Warn("cannot open file", zap.String("path", p), zap.Error(err))
	return &http.StatusError{Status: http.StatusInternalServerError, Msg: "Cannot open " + p, Err: err}
}

// Process queues the file as a single entity packet. Downstream queues
// split it to their packet size.
func (h *Handler) Process(q *http.Queue) {
	c := q.Conn
	if c.Tx().Finalized() || c.CheckConditional() {
		return
	}
	if st, ok := q.Data.(*fileTx); ok && st.entry != nil {
		c.WritePacket(http.NewEntityPacket(st.entry.File, 0, int(st.entry.Size)))
	}
	c.Finalize()
}

func (h *Handler) Close(q *http.Queue) {
	if st, ok := q.Data.(*fileTx); ok && st.entry != nil {
		h.cache.Release(st.entry)
		st.entry = nil
	}
}
