package icap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/peskar/icaro/logger"
	"github.com/peskar/icaro/pkg/metrics"
)

const (
	defaultConnectTimeout = 5 * time.Second
	defaultIOTimeout      = 30 * time.Second

	// streamChunkSize is the chunk size used when streaming document
	// bodies after (or without) a preview.
	streamChunkSize = 8192
)

// Client performs ICAP exchanges against one endpoint. It opens one TCP
// connection per exchange and closes it on every exit path. A Client is safe
// for concurrent use; exchanges run independently.
type Client struct {
	host           string
	port           int
	service        string
	connectTimeout time.Duration
	ioTimeout      time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithConnectTimeout sets the dial timeout. Non-positive values are ignored.
func WithConnectTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithIOTimeout sets the read/write deadline applied to each exchange.
// Non-positive values are ignored.
func WithIOTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.ioTimeout = d
		}
	}
}

// NewClient creates a Client for the given ICAP endpoint. port 0 selects the
// default ICAP port.
func NewClient(host string, port int, service string, opts ...ClientOption) (*Client, error) {
	if host == "" {
		return nil, NewValidationError("icap host must not be empty", nil)
	}
	if service == "" {
		return nil, NewValidationError("icap service must not be empty", nil)
	}
	if port == 0 {
		port = DefaultPort
	}
	if port < 0 || port > 65535 {
		return nil, NewValidationError(fmt.Sprintf("icap port %d is out of range", port), nil)
	}

	c := &Client{
		host:           host,
		port:           port,
		service:        service,
		connectTimeout: defaultConnectTimeout,
		ioTimeout:      defaultIOTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Endpoint returns a stable identifier for the (host, port, service) target,
// suitable as an options-cache key.
func (c *Client) Endpoint() string {
	return fmt.Sprintf("%s:%d/%s", c.host, c.port, c.service)
}

// Options performs an OPTIONS exchange and returns the server's advertised
// capabilities.
func (c *Client) Options(ctx context.Context) (*Options, error) {
	req := NewRequest(MethodOptions)
	resp, err := c.Do(ctx, req, nil)
	if err != nil {
		return nil, err
	}

	opts, err := ParseOptions(resp)
	if err != nil {
		return nil, err
	}

	logger.Debug("ICAP: negotiated server options", "endpoint", c.Endpoint(),
		"istag", opts.ISTag, "preview", opts.PreviewSize, "allow_204", opts.Allow204)
	return opts, nil
}

// Do performs a single ICAP exchange. For RESPMOD requests, opts drives the
// preview negotiation: when the server advertised a preview size, only that
// many body bytes are transmitted before waiting for the server's interim
// answer, and the remainder is sent solely on 100 Continue. A 204 (or any
// final status) after the preview leaves the rest of the document
// untransmitted.
func (c *Client) Do(ctx context.Context, req *Request, opts *Options) (*Response, error) {
	if req.Host == "" {
		req.Host = c.host
		req.Port = c.port
		req.Service = c.service
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.exchange(ctx, req, opts)

	status := "error"
	if err == nil {
		status = strconv.Itoa(resp.StatusCode)
	}
	metrics.ICAPRequestsTotal.WithLabelValues(req.Method, status).Inc()
	metrics.ICAPRequestDuration.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())

	return resp, err
}

func (c *Client) exchange(ctx context.Context, req *Request, opts *Options) (*Response, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	deadline := time.Now().Add(c.ioTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, NewConnectionError("failed to set connection deadline", err)
	}

	enc := NewEncoder(conn)
	dec := NewDecoder(conn)

	previewSize := -1
	if req.Method == MethodRespMod && req.Body != nil && opts != nil && opts.PreviewSize >= 0 {
		previewSize = opts.PreviewSize
	}
	if req.Method == MethodRespMod && opts != nil && opts.Allow204 {
		req.Header.Set(HeaderAllow, "204")
	}

	if err := enc.WriteRequestHeader(req, previewSize); err != nil {
		return nil, classifyNetError("failed to write icap request", err)
	}

	if req.Body == nil {
		if err := enc.Flush(); err != nil {
			return nil, classifyNetError("failed to flush icap request", err)
		}
		return c.readResponse(dec)
	}

	if previewSize >= 0 {
		return c.exchangePreview(enc, dec, req.Body, previewSize)
	}

	if err := c.streamBody(enc, req.Body); err != nil {
		return nil, err
	}
	if err := enc.WriteChunkEnd(false); err != nil {
		return nil, classifyNetError("failed to terminate icap body", err)
	}
	if err := enc.Flush(); err != nil {
		return nil, classifyNetError("failed to flush icap request", err)
	}
	return c.readResponse(dec)
}

// exchangePreview sends the preview window, waits for the server's interim
// answer, and transmits the remainder only on 100 Continue.
func (c *Client) exchangePreview(enc *Encoder, dec *Decoder, body io.Reader, previewSize int) (*Response, error) {
	preview, remainder, ieof, err := readPreview(body, previewSize)
	if err != nil {
		return nil, NewValidationError("failed to read document stream", err)
	}

	if err := enc.WriteChunk(preview); err != nil {
		return nil, classifyNetError("failed to write preview chunk", err)
	}
	if err := enc.WriteChunkEnd(ieof); err != nil {
		return nil, classifyNetError("failed to terminate preview", err)
	}
	if err := enc.Flush(); err != nil {
		return nil, classifyNetError("failed to flush preview", err)
	}

	resp, err := c.readResponse(dec)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != StatusContinue {
		if !ieof {
			// The server produced a verdict from the preview alone;
			// the rest of the document was never transmitted.
			metrics.PreviewShortCircuitsTotal.Inc()
		}
		return resp, nil
	}

	if ieof {
		return nil, NewProtocolError("server sent 100 Continue after complete preview", nil)
	}

	if err := c.streamBody(enc, remainder); err != nil {
		return nil, err
	}
	if err := enc.WriteChunkEnd(false); err != nil {
		return nil, classifyNetError("failed to terminate icap body", err)
	}
	if err := enc.Flush(); err != nil {
		return nil, classifyNetError("failed to flush icap request", err)
	}
	return c.readResponse(dec)
}

// readPreview reads up to previewSize bytes and determines whether they
// constitute the entire document. remainder replays any byte consumed while
// probing for EOF, followed by the rest of the source.
func readPreview(body io.Reader, previewSize int) (preview []byte, remainder io.Reader, ieof bool, err error) {
	buf := make([]byte, previewSize)
	n, err := io.ReadFull(body, buf)
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return buf[:n], nil, true, nil
	case err != nil:
		return nil, nil, false, err
	}

	// The preview window is full. Probe one byte ahead so a document of
	// exactly previewSize bytes is still announced with ieof.
	probe := make([]byte, 1)
	for {
		m, err := body.Read(probe)
		if m > 0 {
			return buf, io.MultiReader(bytes.NewReader(probe[:1]), body), false, nil
		}
		if errors.Is(err, io.EOF) {
			return buf, nil, true, nil
		}
		if err != nil {
			return nil, nil, false, err
		}
	}
}

// streamBody writes the reader as a sequence of chunks.
func (c *Client) streamBody(enc *Encoder, body io.Reader) error {
	buf := make([]byte, streamChunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if werr := enc.WriteChunk(buf[:n]); werr != nil {
				return classifyNetError("failed to write body chunk", werr)
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return NewValidationError("failed to read document stream", err)
		}
	}
}

func (c *Client) readResponse(dec *Decoder) (*Response, error) {
	resp, err := dec.ReadResponse()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, NewTimeoutError("icap exchange timed out", err)
		}
		return nil, err
	}
	return resp, nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: c.connectTimeout}
	addr := net.JoinHostPort(c.host, strconv.Itoa(c.port))

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, classifyNetError(fmt.Sprintf("failed to connect to icap server %s", addr), err)
	}
	return conn, nil
}

// classifyNetError maps transport errors onto the package error taxonomy so
// the orchestrator can distinguish infrastructure failures from protocol
// failures.
func classifyNetError(msg string, err error) error {
	if err == nil {
		return nil
	}

	var icapErr *Error
	if errors.As(err, &icapErr) {
		return icapErr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeoutError(msg, err)
	}
	if errors.Is(err, context.Canceled) {
		return NewTimeoutError(msg, err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return NewUnknownHostError(msg, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewTimeoutError(msg, err)
	}

	return NewConnectionError(msg, err)
}
