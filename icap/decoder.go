package icap

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// Decoder parses ICAP responses from a wire.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder creates a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReaderSize(r, 8192)
	}
	return &Decoder{r: br}
}

// ReadResponse reads one complete ICAP response: status line, headers, and —
// when the Encapsulated header announces them — the embedded HTTP header
// sections and chunked body. Interim 100 Continue responses consist of the
// status line and headers only; the caller inspects StatusCode and decides
// whether to keep writing.
//
// A missing or malformed Encapsulated header yields a response with an empty
// encapsulated section. A truncated stream or unparseable status line yields
// a protocol error; no partial response is returned.
func (d *Decoder) ReadResponse() (*Response, error) {
	statusLine, err := d.readLine()
	if err != nil {
		return nil, NewProtocolError("failed to read ICAP status line", err)
	}

	resp := &Response{Status: statusLine}
	if resp.StatusCode, err = parseStatusLine(statusLine); err != nil {
		return nil, err
	}

	if err := d.readHeaderSection(&resp.Header); err != nil {
		return nil, NewProtocolError("failed to read ICAP headers", err)
	}

	// An interim response carries no encapsulated section even when an
	// Encapsulated header slipped in.
	if resp.StatusCode == StatusContinue {
		return resp, nil
	}

	entries := parseEncapsulated(resp.Header.Get(HeaderEncapsulated))
	if len(entries) == 0 {
		return resp, nil
	}

	if err := d.readEncapsulated(resp, entries); err != nil {
		return nil, err
	}
	return resp, nil
}

// encapEntry is one offset declaration from an Encapsulated header.
type encapEntry struct {
	name   string
	offset int
}

// parseEncapsulated parses an Encapsulated header value such as
// "res-hdr=0, res-body=83". Malformed values yield nil: the protocol-level
// framing stays intact, the response just has no encapsulated section.
func parseEncapsulated(value string) []encapEntry {
	if strings.TrimSpace(value) == "" {
		return nil
	}

	var entries []encapEntry
	for _, part := range strings.Split(value, ",") {
		name, offsetStr, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return nil
		}
		offset, err := strconv.Atoi(strings.TrimSpace(offsetStr))
		if err != nil || offset < 0 {
			return nil
		}
		switch name = strings.ToLower(strings.TrimSpace(name)); name {
		case "req-hdr", "res-hdr", "req-body", "res-body", "opt-body", "null-body":
			entries = append(entries, encapEntry{name: name, offset: offset})
		default:
			return nil
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].offset < entries[j].offset
	})
	return entries
}

// readEncapsulated consumes the encapsulated sections in offset order.
// Header sections have lengths derived from the offset of the following
// entry; the trailing body section is chunked.
func (d *Decoder) readEncapsulated(resp *Response, entries []encapEntry) error {
	for i, entry := range entries {
		switch entry.name {
		case "req-hdr", "res-hdr":
			if i+1 >= len(entries) {
				return NewProtocolError("encapsulated header section without trailing body entry", nil)
			}
			length := entries[i+1].offset - entry.offset
			if length < 0 {
				return NewProtocolError("encapsulated offsets out of order", nil)
			}
			section := make([]byte, length)
			if _, err := io.ReadFull(d.r, section); err != nil {
				return NewProtocolError("truncated encapsulated header section", err)
			}
			// Only the response section is of interest for a scan
			// verdict; an echoed request section is skipped over.
			if entry.name == "res-hdr" {
				if err := parseHTTPSection(section, resp); err != nil {
					return err
				}
			}

		case "res-body", "req-body", "opt-body":
			body, err := d.readChunkedBody()
			if err != nil {
				return err
			}
			resp.EncapsulatedBody = body

		case "null-body":
			// nothing follows
		}
	}
	return nil
}

// parseHTTPSection parses an embedded HTTP response header block.
func parseHTTPSection(section []byte, resp *Response) error {
	sd := Decoder{r: bufio.NewReader(bytes.NewReader(section))}

	statusLine, err := sd.readLine()
	if err != nil {
		return NewProtocolError("failed to read encapsulated status line", err)
	}
	resp.EncapsulatedStatusLine = statusLine

	// "HTTP/1.1 403 Forbidden"
	parts := strings.SplitN(statusLine, " ", 3)
	if len(parts) >= 2 {
		if code, err := strconv.Atoi(parts[1]); err == nil {
			resp.EncapsulatedStatusCode = code
		}
	}

	if err := sd.readHeaderSection(&resp.EncapsulatedHeader); err != nil {
		return NewProtocolError("failed to read encapsulated headers", err)
	}
	return nil
}

// readChunkedBody decodes a chunked transfer encoded body in full.
func (d *Decoder) readChunkedBody() ([]byte, error) {
	var body bytes.Buffer
	for {
		sizeLine, err := d.readLine()
		if err != nil {
			return nil, NewProtocolError("truncated chunked body", err)
		}

		// Strip chunk extensions such as "0; ieof".
		sizeStr, _, _ := strings.Cut(sizeLine, ";")
		size, err := strconv.ParseInt(strings.TrimSpace(sizeStr), 16, 64)
		if err != nil || size < 0 {
			return nil, NewProtocolError(fmt.Sprintf("invalid chunk size line %q", sizeLine), err)
		}

		if size == 0 {
			// Trailer section: lines up to the terminating blank line.
			for {
				line, err := d.readLine()
				if err != nil {
					return nil, NewProtocolError("truncated chunk trailer", err)
				}
				if line == "" {
					return body.Bytes(), nil
				}
			}
		}

		if _, err := io.CopyN(&body, d.r, size); err != nil {
			return nil, NewProtocolError("truncated chunk data", err)
		}
		if line, err := d.readLine(); err != nil {
			return nil, NewProtocolError("missing chunk terminator", err)
		} else if line != "" {
			return nil, NewProtocolError(fmt.Sprintf("garbage after chunk data: %q", line), nil)
		}
	}
}

// readHeaderSection reads "Name: value" lines into h until a blank line.
func (d *Decoder) readHeaderSection(h *Header) error {
	for {
		line, err := d.readLine()
		if err != nil {
			return err
		}
		if line == "" {
			return nil
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return fmt.Errorf("malformed header line %q", line)
		}
		h.Set(strings.TrimSpace(name), strings.TrimSpace(value))
	}
}

// readLine reads one CRLF-terminated line, without the terminator. A bare LF
// is tolerated.
func (d *Decoder) readLine() (string, error) {
	line, err := d.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// parseStatusLine parses "ICAP/1.0 204 No Content" into its status code.
func parseStatusLine(line string) (int, error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "ICAP/") {
		return 0, NewProtocolError(fmt.Sprintf("malformed ICAP status line %q", line), nil)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, NewProtocolError(fmt.Sprintf("malformed ICAP status code in %q", line), err)
	}
	return code, nil
}
