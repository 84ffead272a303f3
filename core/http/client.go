package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// ClientRequest describes a request issued by Client.Do
type ClientRequest struct {
	Method string
	URL    string
	Header map[string]string
	Body   []byte
}

// ClientResponse is a fully read response
type ClientResponse struct {
	Status   int
	Message  string
	Version  string
	Headers  *Header
	Trailers *Header
	Body     []byte
}

// Client issues requests over the same Rx/Tx machinery the server uses,
// in client mode: the Tx describes the request and the Rx parses the
// response.
type Client struct {
	svc     *Service
	Dial    func(ctx context.Context, network, addr string) (net.Conn, error)
	Timeout time.Duration
	// Retries is the number of extra attempts for idempotent methods after
	// a connection failure
	Retries int
}

// NewClient creates a client bound to svc for limits and logging
func NewClient(svc *Service) *Client {
	d := &net.Dialer{Timeout: 30 * time.Second}
	return &Client{svc: svc, Dial: d.DialContext, Timeout: 60 * time.Second, Retries: 1}
}

func idempotent(method string) bool {
	switch method {
	case "GET", "HEAD", "PUT", "DELETE", "OPTIONS", "TRACE":
		return true
	}
	return false
}

// Do sends req and reads the whole response
func (cl *Client) Do(ctx context.Context, req *ClientRequest) (*ClientResponse, error) {
	if req.Method == "" {
		req.Method = "GET"
	}
	attempts := 1
	if idempotent(req.Method) {
		attempts += cl.Retries
	}
	var err error
	for i := 0; i < attempts; i++ {
		var resp *ClientResponse
		resp, err = cl.do(ctx, req)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, ErrConnClosed) || ctx.Err() != nil {
			return nil, err
		}
		cl.svc.log.Debug("retrying request", zap.String("url", req.URL), zap.Int("attempt", i+1), zap.Error(err))
	}
	return nil, err
}

// Get is Do for a GET request
func (cl *Client) Get(ctx context.Context, rawURL string) (*ClientResponse, error) {
	return cl.Do(ctx, &ClientRequest{Method: "GET", URL: rawURL})
}

func (cl *Client) do(ctx context.Context, req *ClientRequest) (*ClientResponse, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	addr := u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), "80")
	}
	nc, err := cl.Dial(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if cl.Timeout > 0 {
		nc.SetDeadline(time.Now().Add(cl.Timeout))
	}
	stop := context.AfterFunc(ctx, func() { nc.SetDeadline(time.Now()) })
	defer stop()

	c := cl.svc.NewClientConn(newNetSocket(nc), addr)
	defer c.Close()
	return c.RoundTrip(req.Method, u.RequestURI(), u.Host, req.Header, req.Body)
}

// NewClientConn creates a client-mode connection over sock. Client
// connections are not tracked in the service registry.
func (s *Service) NewClientConn(sock Socket, remote string) *Conn {
	c := s.newConn(sock, remote)
	c.client = true
	return c
}

// RoundTrip sends one request on a client connection and reads the response
func (c *Conn) RoundTrip(method, uri, host string, header map[string]string, body []byte) (*ClientResponse, error) {
	if err := c.startRequest(method, uri, host); err != nil {
		return nil, err
	}
	tx := c.Tx()
	for k, v := range header {
		tx.Headers.Set(k, v)
	}
	if body != nil || method == "POST" || method == "PUT" {
		tx.Length = int64(len(body))
	}
	if len(body) > 0 {
		if _, err := c.WriteBlock(body, true); err != nil {
			return nil, err
		}
	}
	c.Finalize()
	if err := c.Flush(true); err != nil {
		return nil, err
	}
	for c.state < StateParsed && !c.connError {
		if err := c.waitFor(IORead); err != nil {
			return nil, err
		}
	}
	if err := c.roundTripError(); err != nil {
		return nil, err
	}
	rx := c.Rx()
	resp := &ClientResponse{
		Status:  rx.Status,
		Message: rx.StatusMessage,
		Version: rx.Version,
		Headers: rx.Headers,
	}
	data, err := io.ReadAll(connReader{c})
	if err != nil {
		return nil, err
	}
	if err := c.roundTripError(); err != nil {
		return nil, err
	}
	resp.Body = data
	resp.Trailers = rx.Trailers
	return resp, nil
}

// roundTripError reports a failed exchange. Only transport failures wrap
// ErrConnClosed; a malformed response is returned as its *StatusError.
func (c *Conn) roundTripError() error {
	switch {
	case c.connError:
		return fmt.Errorf("%w: %w", ErrConnClosed, c.Err())
	case c.error:
		return c.Err()
	}
	return nil
}

// connReader reads a connection's body with blocking reads
type connReader struct{ c *Conn }

func (r connReader) Read(p []byte) (int, error) {
	return r.c.Read(p, true)
}

// startRequest prepares a client connection for a new request and builds
// its pipeline.
func (c *Conn) startRequest(method, uri, host string) error {
	if c.req != nil {
		c.destroyPipeline()
		c.endRequest()
	}
	c.state = StateBegin
	c.clearError()
	c.beginRequest()
	tx := c.Tx()
	tx.Method = method
	tx.URI = uri
	tx.Host = host
	c.req.loc = c.svc.clientLoc
	if err := c.createPipeline(); err != nil {
		return err
	}
	c.writeq.PutForService(c.NewPacket(0, PacketHeader), false)
	c.startPipeline()
	c.setState(StateStarted)
	return nil
}
