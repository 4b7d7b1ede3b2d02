package icap

import (
	"fmt"
	"io"
)

// HTTPEnvelope carries the encapsulated HTTP message sections of a RESPMOD
// request: the original request line and headers the content was fetched
// with, and the original response line and headers it was served with.
// Callers that scan content outside an HTTP exchange leave it empty and the
// orchestrator synthesizes a minimal envelope.
type HTTPEnvelope struct {
	RequestLine    string // e.g. "GET /report.pdf HTTP/1.1"
	RequestHeader  Header
	StatusLine     string // e.g. "HTTP/1.1 200 OK"
	ResponseHeader Header
}

// IsZero reports whether no envelope sections are populated.
func (e *HTTPEnvelope) IsZero() bool {
	return e.RequestLine == "" && e.StatusLine == "" &&
		e.RequestHeader.Len() == 0 && e.ResponseHeader.Len() == 0
}

// Request is a single ICAP request. Build it with NewRequest, populate the
// optional fields, and hand it to Client.Do. A Request must not be reused:
// its Body reader is consumed by the exchange.
type Request struct {
	// Method is MethodOptions or MethodRespMod.
	Method string

	// Host, Port and Service identify the ICAP endpoint. Client.Do fills
	// them from its own configuration when left empty.
	Host    string
	Port    int
	Service string

	// Header holds additional ICAP headers. Host, User-Agent, Allow,
	// Preview and Encapsulated are managed by the encoder and must not be
	// set here.
	Header Header

	// Envelope is the encapsulated HTTP message description.
	Envelope HTTPEnvelope

	// Body is the document to scan. nil for OPTIONS.
	Body io.Reader

	// BodyLength is the document length in bytes, or -1 when unknown.
	BodyLength int64
}

// NewRequest creates a request for the given method. The endpoint fields are
// left empty for Client.Do to fill.
func NewRequest(method string) *Request {
	return &Request{
		Method:     method,
		BodyLength: -1,
	}
}

// URI returns the ICAP URI of the request target.
func (r *Request) URI() string {
	host := r.Host
	if r.Port != 0 && r.Port != DefaultPort {
		host = fmt.Sprintf("%s:%d", r.Host, r.Port)
	}
	return fmt.Sprintf("icap://%s/%s", host, r.Service)
}

// Validate checks the request for structural problems before encoding.
func (r *Request) Validate() error {
	switch r.Method {
	case MethodOptions, MethodRespMod:
	default:
		return NewValidationError(fmt.Sprintf("unsupported ICAP method %q", r.Method), nil)
	}
	if r.Host == "" {
		return NewValidationError("request host must not be empty", nil)
	}
	if r.Service == "" {
		return NewValidationError("request service must not be empty", nil)
	}
	if r.Method == MethodRespMod && r.Body == nil {
		return NewValidationError("RESPMOD request requires a body", nil)
	}
	return nil
}
