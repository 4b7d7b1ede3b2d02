package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/peskar/icaro/antivirus"
	"github.com/peskar/icaro/icap"
)

type stubScanner struct {
	verdict    *antivirus.Verdict
	options    *icap.Options
	optionsErr error
	lastJob    *antivirus.ScanJob
	purged     bool
}

func (s *stubScanner) Scan(ctx context.Context, job *antivirus.ScanJob) *antivirus.Verdict {
	s.lastJob = job
	return s.verdict
}

func (s *stubScanner) ServerOptions(ctx context.Context) (*icap.Options, error) {
	return s.options, s.optionsErr
}

func (s *stubScanner) VerdictCacheStats() antivirus.VerdictCacheStats {
	return antivirus.VerdictCacheStats{Entries: 3, Hits: 2, Misses: 1}
}

func (s *stubScanner) PurgeVerdicts() { s.purged = true }

func cleanStub() *stubScanner {
	return &stubScanner{
		verdict: &antivirus.Verdict{Status: antivirus.StatusClean, ISTag: "tag-1"},
	}
}

func newTestServer(t *testing.T, scanner Scanner, mutate func(*ServerOptions)) *Server {
	t.Helper()
	options := ServerOptions{
		Addr:   ":0",
		APIKey: "test-key",
	}
	if mutate != nil {
		mutate(&options)
	}
	srv, err := New(scanner, options)
	require.NoError(t, err)
	return srv
}

func doRequest(srv *Server, method, path string, body io.Reader, mutate func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Authorization", "Bearer test-key")
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	srv.setupRoutes().ServeHTTP(rec, req)
	return rec
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(cleanStub(), ServerOptions{Addr: ":0"})
	assert.ErrorContains(t, err, "API key")

	_, err = New(nil, ServerOptions{Addr: ":0", APIKey: "k"})
	assert.ErrorContains(t, err, "scanner")

	_, err = New(cleanStub(), ServerOptions{Addr: ":0", APIKey: "k", TLS: true})
	assert.ErrorContains(t, err, "TLS")
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t, cleanStub(), nil)

	rec := doRequest(srv, "GET", "/api/v1/cache/stats", nil, func(r *http.Request) {
		r.Header.Del("Authorization")
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(srv, "GET", "/api/v1/cache/stats", nil, func(r *http.Request) {
		r.Header.Set("Authorization", "test-key")
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(srv, "GET", "/api/v1/cache/stats", nil, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer wrong-key")
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(srv, "GET", "/api/v1/cache/stats", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthBcryptHash(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)

	srv := newTestServer(t, cleanStub(), func(o *ServerOptions) {
		o.APIKey = ""
		o.APIKeyHash = string(hash)
	})

	rec := doRequest(srv, "GET", "/api/v1/cache/stats", nil, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer hunter2")
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(srv, "GET", "/api/v1/cache/stats", nil, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer hunter3")
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAllowedHosts(t *testing.T) {
	srv := newTestServer(t, cleanStub(), func(o *ServerOptions) {
		o.AllowedHosts = []string{"10.1.2.3", "192.168.0.0/16"}
	})

	tests := []struct {
		name     string
		remote   string
		expected int
	}{
		{"exact match", "10.1.2.3:5000", http.StatusOK},
		{"cidr match", "192.168.44.7:5000", http.StatusOK},
		{"not allowed", "172.16.0.1:5000", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(srv, "GET", "/api/v1/cache/stats", nil, func(r *http.Request) {
				r.RemoteAddr = tt.remote
			})
			assert.Equal(t, tt.expected, rec.Code)
		})
	}
}

func TestAllowedHostsForwardedFor(t *testing.T) {
	srv := newTestServer(t, cleanStub(), func(o *ServerOptions) {
		o.AllowedHosts = []string{"10.1.2.3"}
	})

	rec := doRequest(srv, "GET", "/api/v1/cache/stats", nil, func(r *http.Request) {
		r.RemoteAddr = "127.0.0.1:5000"
		r.Header.Set("X-Forwarded-For", "10.1.2.3, 127.0.0.1")
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestScanClean(t *testing.T) {
	scanner := cleanStub()
	srv := newTestServer(t, scanner, nil)

	rec := doRequest(srv, "POST", "/api/v1/scan", strings.NewReader("hello world"), func(r *http.Request) {
		r.Header.Set("Content-Type", "text/plain")
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ScanResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, antivirus.StatusClean, resp.Verdict.Status)
	assert.False(t, resp.Blocked)

	require.NotNil(t, scanner.lastJob)
	assert.True(t, strings.HasPrefix(scanner.lastJob.UniqueID, "blake3:"))
	assert.EqualValues(t, 11, scanner.lastJob.ContentLength)
	assert.Equal(t, "text/plain", scanner.lastJob.ContentType)

	// The data source must be reopenable and yield the uploaded bytes.
	rc, err := scanner.lastJob.DataSource()
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestScanCallerSuppliedID(t *testing.T) {
	scanner := cleanStub()
	srv := newTestServer(t, scanner, nil)

	rec := doRequest(srv, "POST", "/api/v1/scan", strings.NewReader("content"), func(r *http.Request) {
		r.Header.Set("X-Scan-ID", "msg/42@etag")
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "msg/42@etag", scanner.lastJob.UniqueID)
}

func TestScanInfectedBlocks(t *testing.T) {
	scanner := &stubScanner{
		verdict: &antivirus.Verdict{
			Status: antivirus.StatusInfected,
			Threat: "Eicar-Test-Signature",
			ISTag:  "tag-1",
		},
	}
	srv := newTestServer(t, scanner, nil)

	rec := doRequest(srv, "POST", "/api/v1/scan", strings.NewReader("x"), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ScanResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Blocked)
	assert.Equal(t, "Eicar-Test-Signature", resp.Verdict.Threat)
}

func TestScanFailedFailMode(t *testing.T) {
	failed := &antivirus.Verdict{
		Status:        antivirus.StatusFailed,
		ErrorCategory: antivirus.ErrorConnectivity,
	}

	// Fail-closed (default): a failed scan blocks.
	srv := newTestServer(t, &stubScanner{verdict: failed}, nil)
	rec := doRequest(srv, "POST", "/api/v1/scan", strings.NewReader("x"), nil)
	var resp ScanResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Blocked)

	// Fail-open: the same verdict passes.
	srv = newTestServer(t, &stubScanner{verdict: failed}, func(o *ServerOptions) {
		o.FailOpen = true
	})
	rec = doRequest(srv, "POST", "/api/v1/scan", strings.NewReader("x"), nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Blocked)

	// Fail-open never lets an infection through.
	srv = newTestServer(t, &stubScanner{verdict: &antivirus.Verdict{Status: antivirus.StatusInfected}}, func(o *ServerOptions) {
		o.FailOpen = true
	})
	rec = doRequest(srv, "POST", "/api/v1/scan", strings.NewReader("x"), nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Blocked)
}

func TestScanEmptyBody(t *testing.T) {
	srv := newTestServer(t, cleanStub(), nil)
	rec := doRequest(srv, "POST", "/api/v1/scan", bytes.NewReader(nil), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScanBodyTooLarge(t *testing.T) {
	srv := newTestServer(t, cleanStub(), func(o *ServerOptions) {
		o.MaxBodySize = 16
	})
	rec := doRequest(srv, "POST", "/api/v1/scan", strings.NewReader(strings.Repeat("a", 64)), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestScanObjectWithoutStore(t *testing.T) {
	srv := newTestServer(t, cleanStub(), nil)
	rec := doRequest(srv, "POST", "/api/v1/scan/object", strings.NewReader(`{"key":"a/b"}`), nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestOptionsEndpoint(t *testing.T) {
	scanner := cleanStub()
	scanner.options = &icap.Options{
		Methods:     []string{"RESPMOD"},
		Service:     "ClamAV",
		ISTag:       "tag-1",
		PreviewSize: 1024,
		Allow204:    true,
		FetchedAt:   time.Now(),
	}
	srv := newTestServer(t, scanner, nil)

	rec := doRequest(srv, "GET", "/api/v1/options", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp OptionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"RESPMOD"}, resp.Methods)
	assert.Equal(t, "tag-1", resp.ISTag)
	assert.Equal(t, 1024, resp.PreviewSize)
	assert.True(t, resp.Allow204)
}

func TestOptionsEndpointUnavailable(t *testing.T) {
	scanner := cleanStub()
	scanner.optionsErr = errors.New("connection refused")
	srv := newTestServer(t, scanner, nil)

	rec := doRequest(srv, "GET", "/api/v1/options", nil, nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestHealth(t *testing.T) {
	scanner := cleanStub()
	scanner.options = &icap.Options{ISTag: "tag-1"}
	srv := newTestServer(t, scanner, nil)

	rec := doRequest(srv, "GET", "/api/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")

	scanner.optionsErr = errors.New("connection refused")
	rec = doRequest(srv, "GET", "/api/v1/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "unhealthy")
}

func TestCacheStatsAndPurge(t *testing.T) {
	scanner := cleanStub()
	srv := newTestServer(t, scanner, nil)

	rec := doRequest(srv, "GET", "/api/v1/cache/stats", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats antivirus.VerdictCacheStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 3, stats.Entries)

	rec = doRequest(srv, "POST", "/api/v1/cache/purge", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, scanner.purged)
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, cleanStub(), nil)

	rec := doRequest(srv, "GET", "/api/v1/scan", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Contains(t, rec.Body.String(), "Method not allowed")

	rec = doRequest(srv, "DELETE", "/api/v1/cache/purge", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
