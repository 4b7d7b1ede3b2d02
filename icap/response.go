package icap

import "strings"

// Response is a parsed ICAP response, including any encapsulated HTTP
// message the server returned. It is immutable once produced by the decoder.
type Response struct {
	// StatusCode is the ICAP status code (100, 200, 204, ...).
	StatusCode int
	// Status is the full status line as received, e.g. "ICAP/1.0 200 OK".
	Status string
	// Header holds the ICAP headers.
	Header Header

	// EncapsulatedStatusCode is the status code of the encapsulated HTTP
	// response, or 0 when the response carried none.
	EncapsulatedStatusCode int
	// EncapsulatedStatusLine is the encapsulated HTTP status line.
	EncapsulatedStatusLine string
	// EncapsulatedHeader holds the encapsulated HTTP response headers.
	EncapsulatedHeader Header
	// EncapsulatedBody is the decoded (de-chunked) encapsulated body.
	EncapsulatedBody []byte
}

// ISTag returns the server's ISTag with surrounding quotes removed, or "".
func (r *Response) ISTag() string {
	return strings.Trim(r.Header.Get(HeaderISTag), `"`)
}

// NoModifications reports whether the server answered 204, i.e. the content
// passed inspection unmodified.
func (r *Response) NoModifications() bool {
	return r.StatusCode == StatusNoContent
}

// HasEncapsulatedResponse reports whether the response carries an
// encapsulated HTTP response section.
func (r *Response) HasEncapsulatedResponse() bool {
	return r.EncapsulatedStatusCode != 0
}
