package icap

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Options holds a server's advertised capabilities, as discovered by an
// OPTIONS exchange. Cached entries have no TTL of their own: staleness is
// detected by ISTag comparison against later scan responses.
type Options struct {
	// Methods lists the ICAP methods the service supports.
	Methods []string
	// Service is the server's service description string.
	Service string
	// ISTag is the server's current cache-validity token. A change means
	// the AV signature database was updated and earlier verdicts are no
	// longer trustworthy.
	ISTag string
	// PreviewSize is the server's advertised preview size in bytes, or -1
	// when the server does not support preview.
	PreviewSize int
	// Allow204 reports whether the server may answer 204 No Content.
	Allow204 bool
	// MaxConnections is the server's advertised connection limit, or 0.
	MaxConnections int
	// FetchedAt records when this snapshot was taken.
	FetchedAt time.Time
}

// ParseOptions builds Options from a decoded OPTIONS response.
func ParseOptions(resp *Response) (*Options, error) {
	if resp.StatusCode != StatusOK {
		return nil, NewProtocolError(
			fmt.Sprintf("OPTIONS request failed with status %d", resp.StatusCode), nil)
	}

	opts := &Options{
		Service:     resp.Header.Get(HeaderService),
		ISTag:       resp.ISTag(),
		PreviewSize: -1,
		FetchedAt:   time.Now(),
	}

	if methods := resp.Header.Get(HeaderMethods); methods != "" {
		for _, m := range strings.Split(methods, ",") {
			opts.Methods = append(opts.Methods, strings.ToUpper(strings.TrimSpace(m)))
		}
	}

	if preview := resp.Header.Get(HeaderPreview); preview != "" {
		size, err := strconv.Atoi(strings.TrimSpace(preview))
		if err != nil || size < 0 {
			return nil, NewProtocolError(fmt.Sprintf("invalid Preview header %q", preview), err)
		}
		opts.PreviewSize = size
	}

	if allow := resp.Header.Get(HeaderAllow); allow != "" {
		for _, a := range strings.Split(allow, ",") {
			if strings.TrimSpace(a) == "204" {
				opts.Allow204 = true
				break
			}
		}
	}

	if maxConns := resp.Header.Get(HeaderMaxConnections); maxConns != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(maxConns)); err == nil && n > 0 {
			opts.MaxConnections = n
		}
	}

	return opts, nil
}

// SupportsMethod reports whether the service advertised the given method.
func (o *Options) SupportsMethod(method string) bool {
	for _, m := range o.Methods {
		if m == method {
			return true
		}
	}
	return false
}
