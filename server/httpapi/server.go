// Package httpapi exposes the scanner over an operational REST API:
// submit content for scanning, scan stored objects by reference, inspect the
// negotiated server capabilities and manage the verdict cache.
package httpapi

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"

	"github.com/peskar/icaro/antivirus"
	"github.com/peskar/icaro/consts"
	"github.com/peskar/icaro/helpers"
	"github.com/peskar/icaro/icap"
	"github.com/peskar/icaro/logger"
	"github.com/peskar/icaro/pkg/metrics"
	"github.com/peskar/icaro/storage"
)

// Scanner is the scan surface the API serves. Satisfied by
// *antivirus.Scanner; tests substitute a stub.
type Scanner interface {
	Scan(ctx context.Context, job *antivirus.ScanJob) *antivirus.Verdict
	ServerOptions(ctx context.Context) (*icap.Options, error)
	VerdictCacheStats() antivirus.VerdictCacheStats
	PurgeVerdicts()
}

// Server represents the HTTP API server
type Server struct {
	addr         string
	apiKey       string
	apiKeyHash   string
	allowedHosts []string
	scanner      Scanner
	store        *storage.S3Storage
	maxBodySize  int64
	failOpen     bool
	server       *http.Server
	tls          bool
	tlsCertFile  string
	tlsKeyFile   string
}

// ServerOptions holds configuration options for the HTTP API server
type ServerOptions struct {
	Addr         string
	APIKey       string
	APIKeyHash   string // bcrypt hash; takes precedence over APIKey
	AllowedHosts []string
	Store        *storage.S3Storage // nil disables object scanning
	MaxBodySize  int64              // upload limit for POST /scan; 0 means unlimited
	FailOpen     bool
	TLS          bool
	TLSCertFile  string
	TLSKeyFile   string
}

// New creates a new HTTP API server
func New(scanner Scanner, options ServerOptions) (*Server, error) {
	if options.APIKey == "" && options.APIKeyHash == "" {
		return nil, fmt.Errorf("API key is required for HTTP API server")
	}
	if scanner == nil {
		return nil, fmt.Errorf("scanner is required for HTTP API server")
	}

	// Validate TLS configuration
	if options.TLS {
		if options.TLSCertFile == "" || options.TLSKeyFile == "" {
			return nil, fmt.Errorf("TLS certificate and key files are required when TLS is enabled")
		}
	}

	s := &Server{
		addr:         options.Addr,
		apiKey:       options.APIKey,
		apiKeyHash:   options.APIKeyHash,
		allowedHosts: options.AllowedHosts,
		scanner:      scanner,
		store:        options.Store,
		maxBodySize:  options.MaxBodySize,
		failOpen:     options.FailOpen,
		tls:          options.TLS,
		tlsCertFile:  options.TLSCertFile,
		tlsKeyFile:   options.TLSKeyFile,
	}

	return s, nil
}

// Start starts the HTTP API server and reports fatal errors on errChan.
func Start(ctx context.Context, scanner Scanner, options ServerOptions, errChan chan error) {
	server, err := New(scanner, options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create HTTP API server: %w", err)
		return
	}

	protocol := "HTTP"
	if options.TLS {
		protocol = "HTTPS"
	}
	logger.Infof("Starting %s API server on %s", protocol, options.Addr)
	if err := server.start(ctx); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
		errChan <- fmt.Errorf("HTTP API server failed: %w", err)
	}
}

// start initializes and starts the HTTP server
func (s *Server) start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: router,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		logger.Info("Shutting down HTTP API server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("Error shutting down HTTP API server: %v", err)
		}
	}()

	if s.tls {
		return s.server.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}
	return s.server.ListenAndServe()
}

// setupRoutes configures all HTTP routes and middleware
func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	// Add middleware
	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)
	router.Use(s.authMiddleware)

	// API v1 routes
	v1 := router.PathPrefix("/api/v1").Subrouter()

	// Scan routes
	v1.HandleFunc("/scan", s.handleScan).Methods("POST")
	v1.HandleFunc("/scan/object", s.handleScanObject).Methods("POST")

	// Server capability routes
	v1.HandleFunc("/options", s.handleOptions).Methods("GET")
	v1.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Cache management routes
	v1.HandleFunc("/cache/stats", s.handleCacheStats).Methods("GET")
	v1.HandleFunc("/cache/purge", s.handleCachePurge).Methods("POST")

	return router
}

// Middleware functions

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		metrics.HTTPRequestsTotal.WithLabelValues(route, fmt.Sprintf("%d", rec.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())

		logger.Debug("HTTP API: request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"status", rec.status,
			"duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			// No restrictions, allow all hosts
			next.ServeHTTP(w, r)
			return
		}

		clientIP := getClientIP(r)

		allowed := false
		for _, allowedHost := range s.allowedHosts {
			if allowedHost == clientIP {
				allowed = true
				break
			}
			// Check CIDR blocks
			if strings.Contains(allowedHost, "/") {
				if _, cidr, err := net.ParseCIDR(allowedHost); err == nil {
					if ip := net.ParseIP(clientIP); ip != nil {
						if cidr.Contains(ip) {
							allowed = true
							break
						}
					}
				}
			}
		}

		if !allowed {
			s.writeError(w, http.StatusForbidden, "Host not allowed")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if !s.tokenValid(parts[1]) {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) tokenValid(token string) bool {
	if s.apiKeyHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(s.apiKeyHash), []byte(token)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.apiKey)) == 1
}

// Utility functions

func getClientIP(r *http.Request) string {
	// Try X-Forwarded-For header first (for proxies)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}

	// Try X-Real-IP header
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	// Fall back to RemoteAddr
	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("HTTP API: Error encoding JSON response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// Request/Response types

type ScanObjectRequest struct {
	Key string `json:"key"`
}

type ScanResponse struct {
	Verdict *antivirus.Verdict `json:"verdict"`
	// Blocked applies the configured fail mode: infections always block,
	// failed scans block unless fail-open is enabled.
	Blocked bool `json:"blocked"`
}

type OptionsResponse struct {
	Methods        []string  `json:"methods"`
	Service        string    `json:"service,omitempty"`
	ISTag          string    `json:"istag"`
	PreviewSize    int       `json:"preview_size"`
	Allow204       bool      `json:"allow_204"`
	MaxConnections int       `json:"max_connections,omitempty"`
	FetchedAt      time.Time `json:"fetched_at"`
}

// Handler functions

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	body := io.Reader(r.Body)
	if s.maxBodySize > 0 {
		body = http.MaxBytesReader(w, r.Body, s.maxBodySize)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "Content exceeds maximum scannable size")
			return
		}
		s.writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}
	if len(data) == 0 {
		s.writeError(w, http.StatusBadRequest, "Request body is empty")
		return
	}

	// A caller-supplied id wins; otherwise derive one from the content so
	// repeated uploads of the same bytes hit the verdict cache.
	uniqueID := r.Header.Get("X-Scan-ID")
	if uniqueID == "" {
		digest, _, digestErr := helpers.ContentDigest(bytes.NewReader(data))
		if digestErr == nil {
			uniqueID = "blake3:" + digest
		}
	}

	job := &antivirus.ScanJob{
		DataSource: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
		UniqueID:      uniqueID,
		ContentLength: int64(len(data)),
		ContentType:   r.Header.Get("Content-Type"),
	}

	verdict := s.scanner.Scan(r.Context(), job)
	s.writeVerdict(w, verdict)
}

func (s *Server) handleScanObject(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	if s.store == nil {
		s.writeError(w, http.StatusNotImplemented, "Object storage is not configured")
		return
	}

	var req ScanObjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Key == "" {
		s.writeError(w, http.StatusBadRequest, "Object key is required")
		return
	}

	ctx := r.Context()
	info, err := s.store.Stat(ctx, req.Key)
	if err != nil {
		if errors.Is(err, consts.ErrObjectNotFound) {
			s.writeError(w, http.StatusNotFound, fmt.Sprintf("Object %q not found", req.Key))
			return
		}
		s.writeError(w, http.StatusBadGateway, fmt.Sprintf("Object storage error: %v", err))
		return
	}

	job := &antivirus.ScanJob{
		DataSource: func() (io.ReadCloser, error) {
			return s.store.GetWithRetry(ctx, req.Key)
		},
		UniqueID:      s.store.ObjectID(req.Key, info.ETag),
		ContentLength: info.Size,
		ContentType:   info.ContentType,
	}

	verdict := s.scanner.Scan(ctx, job)
	s.writeVerdict(w, verdict)
}

func (s *Server) writeVerdict(w http.ResponseWriter, verdict *antivirus.Verdict) {
	blocked := verdict.IsInfected() || (verdict.IsFailed() && !s.failOpen)
	s.writeJSON(w, http.StatusOK, ScanResponse{
		Verdict: verdict,
		Blocked: blocked,
	})
}

func (s *Server) handleOptions(w http.ResponseWriter, r *http.Request) {
	opts, err := s.scanner.ServerOptions(r.Context())
	if err != nil {
		s.writeError(w, http.StatusBadGateway, fmt.Sprintf("Failed to fetch server options: %v", err))
		return
	}

	s.writeJSON(w, http.StatusOK, OptionsResponse{
		Methods:        opts.Methods,
		Service:        opts.Service,
		ISTag:          opts.ISTag,
		PreviewSize:    opts.PreviewSize,
		Allow204:       opts.Allow204,
		MaxConnections: opts.MaxConnections,
		FetchedAt:      opts.FetchedAt,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	opts, err := s.scanner.ServerOptions(r.Context())
	if err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"istag":  opts.ISTag,
	})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.scanner.VerdictCacheStats())
}

func (s *Server) handleCachePurge(w http.ResponseWriter, r *http.Request) {
	s.scanner.PurgeVerdicts()
	logger.Info("HTTP API: verdict cache purged")
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "purged"})
}
