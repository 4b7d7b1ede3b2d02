package icap

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Encoder frames ICAP requests onto a wire. All writes are buffered; Flush
// must be called before waiting for a server response.
type Encoder struct {
	w *bufio.Writer
}

// NewEncoder creates an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	bw, ok := w.(*bufio.Writer)
	if !ok {
		bw = bufio.NewWriterSize(w, 8192)
	}
	return &Encoder{w: bw}
}

// Flush flushes buffered data to the underlying writer.
func (e *Encoder) Flush() error {
	return e.w.Flush()
}

// WriteRequestHeader writes the ICAP request line, headers, the Encapsulated
// offset header and the embedded HTTP header sections. previewSize >= 0 adds
// a Preview header announcing that the body will be sent in preview mode;
// previewSize < 0 disables preview. The body itself is written afterwards
// with WriteChunk/WriteChunkEnd.
func (e *Encoder) WriteRequestHeader(req *Request, previewSize int) error {
	if err := req.Validate(); err != nil {
		return err
	}

	reqHdr, resHdr := envelopeBlocks(&req.Envelope)

	host := req.Host
	if req.Port != 0 {
		host = fmt.Sprintf("%s:%d", req.Host, req.Port)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s%s", req.Method, req.URI(), Version, crlf)
	fmt.Fprintf(&b, "%s: %s%s", HeaderHost, host, crlf)
	fmt.Fprintf(&b, "%s: %s%s", HeaderUserAgent, userAgent, crlf)

	req.Header.Each(func(name, value string) {
		fmt.Fprintf(&b, "%s: %s%s", name, value, crlf)
	})

	if previewSize >= 0 {
		fmt.Fprintf(&b, "%s: %d%s", HeaderPreview, previewSize, crlf)
	}

	fmt.Fprintf(&b, "%s: %s%s", HeaderEncapsulated,
		encapsulatedValue(reqHdr, resHdr, req.Body != nil), crlf)
	b.WriteString(crlf)

	if _, err := e.w.WriteString(b.String()); err != nil {
		return err
	}
	if _, err := e.w.Write(reqHdr); err != nil {
		return err
	}
	if _, err := e.w.Write(resHdr); err != nil {
		return err
	}
	return nil
}

// WriteChunk writes one chunk of the encapsulated body using chunked
// transfer encoding. Empty chunks are skipped: a zero-length chunk would
// terminate the body.
func (e *Encoder) WriteChunk(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if _, err := e.w.WriteString(strconv.FormatInt(int64(len(p)), 16)); err != nil {
		return err
	}
	if _, err := e.w.WriteString(crlf); err != nil {
		return err
	}
	if _, err := e.w.Write(p); err != nil {
		return err
	}
	_, err := e.w.WriteString(crlf)
	return err
}

// WriteChunkEnd terminates the chunked body. ieof marks the end of a preview
// that already contained the entire document ("0; ieof"), telling the server
// no continuation will follow.
func (e *Encoder) WriteChunkEnd(ieof bool) error {
	terminator := "0" + crlf + crlf
	if ieof {
		terminator = "0; ieof" + crlf + crlf
	}
	_, err := e.w.WriteString(terminator)
	return err
}

// envelopeBlocks renders the encapsulated HTTP header sections as wire
// bytes. Either block may be empty.
func envelopeBlocks(env *HTTPEnvelope) (reqHdr, resHdr []byte) {
	if env.RequestLine != "" {
		var buf bytes.Buffer
		buf.WriteString(env.RequestLine)
		buf.WriteString(crlf)
		env.RequestHeader.Each(func(name, value string) {
			fmt.Fprintf(&buf, "%s: %s%s", name, value, crlf)
		})
		buf.WriteString(crlf)
		reqHdr = buf.Bytes()
	}
	if env.StatusLine != "" {
		var buf bytes.Buffer
		buf.WriteString(env.StatusLine)
		buf.WriteString(crlf)
		env.ResponseHeader.Each(func(name, value string) {
			fmt.Fprintf(&buf, "%s: %s%s", name, value, crlf)
		})
		buf.WriteString(crlf)
		resHdr = buf.Bytes()
	}
	return reqHdr, resHdr
}

// encapsulatedValue computes the Encapsulated header value: byte offsets of
// each embedded section measured from the start of the encapsulated area.
func encapsulatedValue(reqHdr, resHdr []byte, hasBody bool) string {
	var entries []string
	offset := 0

	if len(reqHdr) > 0 {
		entries = append(entries, fmt.Sprintf("req-hdr=%d", offset))
		offset += len(reqHdr)
	}
	if len(resHdr) > 0 {
		entries = append(entries, fmt.Sprintf("res-hdr=%d", offset))
		offset += len(resHdr)
	}
	if hasBody {
		entries = append(entries, fmt.Sprintf("res-body=%d", offset))
	} else {
		entries = append(entries, fmt.Sprintf("null-body=%d", offset))
	}

	return strings.Join(entries, ", ")
}
