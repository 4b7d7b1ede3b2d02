// Package icaptest provides an in-process ICAP server for tests. It speaks
// enough of RFC 3507 to exercise OPTIONS discovery, RESPMOD scans, preview
// negotiation with 100 Continue, and early 204 short-circuits, while
// counting requests and body bytes so tests can assert on wire behavior.
package icaptest

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// EicarTestSignature is the standard EICAR anti-virus test string. Any real
// scanner flags it as Eicar-Test-Signature.
const EicarTestSignature = `X5O!P%@AP[4\PZX54(P^)7CC)7}$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*`

// Verdict is the scan outcome the mock server reports for a document.
type Verdict struct {
	Infected bool
	Threat   string
}

// Config controls the mock server's advertised capabilities and behavior.
type Config struct {
	// ISTag is the advertised cache-validity token (default "mock-istag-1").
	ISTag string
	// PreviewSize is the advertised preview size; negative disables
	// preview support.
	PreviewSize int
	// Allow204 advertises 204 support and answers clean scans with 204.
	Allow204 bool
	// DecideAfterPreview makes the server answer with a final status right
	// after the preview instead of requesting the rest with 100 Continue.
	DecideAfterPreview bool
	// Judge inspects the received document bytes and returns the verdict.
	// With DecideAfterPreview set it only ever sees the preview window.
	// nil judges everything clean.
	Judge func(body []byte) Verdict
}

// Server is a mock ICAP server listening on a loopback address.
type Server struct {
	cfg Config
	ln  net.Listener

	mu     sync.Mutex
	closed bool

	optionsCount atomic.Int64
	scanCount    atomic.Int64
	bodyBytes    atomic.Int64
}

// NewServer starts a mock server. Callers must Close it.
func NewServer(cfg Config) (*Server, error) {
	if cfg.ISTag == "" {
		cfg.ISTag = "mock-istag-1"
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	s := &Server{cfg: cfg, ln: ln}
	go s.serve()
	return s, nil
}

// Addr returns the server's listen address ("127.0.0.1:port").
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Host returns the server's listen host.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr())
	return host
}

// Port returns the server's listen port.
func (s *Server) Port() int {
	_, portStr, _ := net.SplitHostPort(s.Addr())
	port, _ := strconv.Atoi(portStr)
	return port
}

// Close shuts the listener down.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.ln.Close()
	}
}

// SetISTag swaps the advertised ISTag, simulating an AV signature database
// update.
func (s *Server) SetISTag(tag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.ISTag = tag
}

func (s *Server) istag() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.ISTag
}

// OptionsCount returns the number of OPTIONS requests served.
func (s *Server) OptionsCount() int64 { return s.optionsCount.Load() }

// ScanCount returns the number of RESPMOD requests served.
func (s *Server) ScanCount() int64 { return s.scanCount.Load() }

// BodyBytes returns the total number of document body bytes received across
// all scans, preview and continuation included.
func (s *Server) BodyBytes() int64 { return s.bodyBytes.Load() }

func (s *Server) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	method, headers, err := readRequestHead(r)
	if err != nil {
		return
	}

	switch method {
	case "OPTIONS":
		s.optionsCount.Add(1)
		s.writeOptionsResponse(w)

	case "RESPMOD":
		s.scanCount.Add(1)
		s.handleRespMod(r, w, headers)
	}
}

func (s *Server) handleRespMod(r *bufio.Reader, w *bufio.Writer, headers map[string]string) {
	// Skip the encapsulated HTTP header sections; their total length is
	// the body entry's offset.
	hdrLen, hasBody := encapsulatedHeaderLength(headers["encapsulated"])
	if hdrLen > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(hdrLen)); err != nil {
			return
		}
	}

	var body bytes.Buffer
	if hasBody {
		ieof, err := readChunkStream(r, &body)
		if err != nil {
			return
		}
		s.bodyBytes.Add(int64(body.Len()))

		_, hasPreview := headers["preview"]
		if hasPreview && !ieof {
			if s.cfg.DecideAfterPreview {
				s.writeVerdictResponse(w, body.Bytes())
				return
			}

			// Ask for the rest of the document.
			fmt.Fprintf(w, "ICAP/1.0 100 Continue\r\n\r\n")
			if w.Flush() != nil {
				return
			}

			before := body.Len()
			if _, err := readChunkStream(r, &body); err != nil {
				return
			}
			s.bodyBytes.Add(int64(body.Len() - before))
		}
	}

	s.writeVerdictResponse(w, body.Bytes())
}

func (s *Server) writeOptionsResponse(w *bufio.Writer) {
	fmt.Fprintf(w, "ICAP/1.0 200 OK\r\n")
	fmt.Fprintf(w, "Methods: RESPMOD\r\n")
	fmt.Fprintf(w, "Service: icaptest mock scanner\r\n")
	fmt.Fprintf(w, "ISTag: \"%s\"\r\n", s.istag())
	if s.cfg.PreviewSize >= 0 {
		fmt.Fprintf(w, "Preview: %d\r\n", s.cfg.PreviewSize)
	}
	if s.cfg.Allow204 {
		fmt.Fprintf(w, "Allow: 204\r\n")
	}
	fmt.Fprintf(w, "Encapsulated: null-body=0\r\n")
	fmt.Fprintf(w, "\r\n")
	w.Flush()
}

func (s *Server) writeVerdictResponse(w *bufio.Writer, body []byte) {
	verdict := Verdict{}
	if s.cfg.Judge != nil {
		verdict = s.cfg.Judge(body)
	}

	if !verdict.Infected {
		if s.cfg.Allow204 {
			fmt.Fprintf(w, "ICAP/1.0 204 No Content\r\n")
			fmt.Fprintf(w, "ISTag: \"%s\"\r\n", s.istag())
			fmt.Fprintf(w, "Encapsulated: null-body=0\r\n")
			fmt.Fprintf(w, "\r\n")
			w.Flush()
			return
		}

		encapsulated := "HTTP/1.1 200 OK\r\n\r\n"
		fmt.Fprintf(w, "ICAP/1.0 200 OK\r\n")
		fmt.Fprintf(w, "ISTag: \"%s\"\r\n", s.istag())
		fmt.Fprintf(w, "Encapsulated: res-hdr=0, null-body=%d\r\n", len(encapsulated))
		fmt.Fprintf(w, "\r\n")
		fmt.Fprintf(w, "%s", encapsulated)
		w.Flush()
		return
	}

	threat := verdict.Threat
	if threat == "" {
		threat = "Unknown-Threat"
	}

	blockPage := fmt.Sprintf("<html><body><h1>Content blocked</h1><p>Threat found: %s</p></body></html>", threat)
	encapsulated := "HTTP/1.1 403 Forbidden\r\n" +
		"Content-Type: text/html\r\n" +
		fmt.Sprintf("Content-Length: %d\r\n", len(blockPage)) +
		"\r\n"

	fmt.Fprintf(w, "ICAP/1.0 200 OK\r\n")
	fmt.Fprintf(w, "ISTag: \"%s\"\r\n", s.istag())
	fmt.Fprintf(w, "X-Infection-Found: Type=0; Resolution=2; Threat=%s;\r\n", threat)
	fmt.Fprintf(w, "X-Virus-ID: %s\r\n", threat)
	fmt.Fprintf(w, "Encapsulated: res-hdr=0, res-body=%d\r\n", len(encapsulated))
	fmt.Fprintf(w, "\r\n")
	fmt.Fprintf(w, "%s", encapsulated)
	fmt.Fprintf(w, "%x\r\n%s\r\n0\r\n\r\n", len(blockPage), blockPage)
	w.Flush()
}

// readRequestHead reads the ICAP request line and headers. Header names are
// lowercased.
func readRequestHead(r *bufio.Reader) (method string, headers map[string]string, err error) {
	requestLine, err := readLine(r)
	if err != nil {
		return "", nil, err
	}
	parts := strings.SplitN(requestLine, " ", 3)
	if len(parts) < 3 {
		return "", nil, fmt.Errorf("malformed request line %q", requestLine)
	}

	headers = make(map[string]string)
	for {
		line, err := readLine(r)
		if err != nil {
			return "", nil, err
		}
		if line == "" {
			return parts[0], headers, nil
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return "", nil, fmt.Errorf("malformed header line %q", line)
		}
		headers[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(value)
	}
}

// encapsulatedHeaderLength returns the offset of the body entry (i.e. the
// combined length of the embedded header sections) and whether a body
// follows.
func encapsulatedHeaderLength(value string) (length int, hasBody bool) {
	for _, part := range strings.Split(value, ",") {
		name, offsetStr, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		offset, err := strconv.Atoi(strings.TrimSpace(offsetStr))
		if err != nil {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "res-body", "req-body":
			return offset, true
		case "null-body":
			return offset, false
		}
	}
	return 0, false
}

// readChunkStream consumes one chunked body stream up to its terminator,
// appending chunk data to body. ieof reports whether the terminator carried
// the "ieof" extension, i.e. the preview already contained the whole
// document.
func readChunkStream(r *bufio.Reader, body *bytes.Buffer) (ieof bool, err error) {
	for {
		sizeLine, err := readLine(r)
		if err != nil {
			return false, err
		}

		sizeStr, ext, _ := strings.Cut(sizeLine, ";")
		size, err := strconv.ParseInt(strings.TrimSpace(sizeStr), 16, 64)
		if err != nil {
			return false, fmt.Errorf("invalid chunk size %q", sizeLine)
		}

		if size == 0 {
			ieof = strings.TrimSpace(ext) == "ieof"
			// Trailer up to the blank line.
			for {
				line, err := readLine(r)
				if err != nil {
					return false, err
				}
				if line == "" {
					return ieof, nil
				}
			}
		}

		if _, err := io.CopyN(body, r, size); err != nil {
			return false, err
		}
		if _, err := readLine(r); err != nil {
			return false, err
		}
	}
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
