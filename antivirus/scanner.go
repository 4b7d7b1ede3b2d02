package antivirus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/peskar/icaro/consts"
	"github.com/peskar/icaro/helpers"
	"github.com/peskar/icaro/icap"
	"github.com/peskar/icaro/logger"
	"github.com/peskar/icaro/pkg/metrics"
	"github.com/peskar/icaro/pkg/retry"
)

// Transport is the ICAP exchange surface the scanner depends on. It is
// satisfied by *icap.Client; tests substitute a mock to count network calls
// and transmitted bytes.
type Transport interface {
	// Options discovers the server's capabilities.
	Options(ctx context.Context) (*icap.Options, error)
	// Do performs a full request/response exchange.
	Do(ctx context.Context, req *icap.Request, opts *icap.Options) (*icap.Response, error)
	// Endpoint identifies the target for options caching.
	Endpoint() string
}

// ScanJob describes one document to scan.
type ScanJob struct {
	// DataSource opens the document's byte stream. It may be called more
	// than once when the scanner operates in prefetch mode or retries.
	DataSource func() (io.ReadCloser, error)

	// UniqueID is the caller-chosen cache key. Empty disables caching and
	// locking for this job: without a stable key every call is a live scan.
	UniqueID string

	// ContentLength is the document size in bytes, or -1 when unknown.
	ContentLength int64

	// ContentType annotates the synthesized HTTP envelope. Optional.
	ContentType string

	// Envelope optionally carries the original HTTP exchange the content
	// came from. When empty the scanner synthesizes a minimal one.
	Envelope icap.HTTPEnvelope
}

// ScannerOptions configures a Scanner.
type ScannerOptions struct {
	// MaxFileSize is the largest scannable document in bytes. Zero
	// disables scanning entirely.
	MaxFileSize int64
	// LockWait bounds how long a call waits for the per-id lock.
	LockWait time.Duration
	// Mode selects body handling: streaming pipes the data source straight
	// onto the wire, prefetch buffers it first so the length is exact.
	Mode string
	// VerdictCacheSize bounds the verdict cache.
	VerdictCacheSize int
	// VerdictCacheMaxAge optionally expires verdicts by age. Zero keeps
	// entries until their ISTag goes stale.
	VerdictCacheMaxAge time.Duration
}

// Scanner is the orchestration layer tying together the verdict cache, the
// per-id lock service and the ICAP transport. Every Scan call returns a
// well-formed Verdict; low-level failures are converted into error verdicts
// at this boundary.
type Scanner struct {
	transport Transport
	verdicts  *VerdictCache
	options   *OptionsCache
	locks     LockService

	maxFileSize int64
	lockWait    time.Duration
	prefetch    bool

	retryConfig retry.BackoffConfig
}

// NewScanner creates a scanner around the given transport and lock service.
func NewScanner(transport Transport, locks LockService, opts ScannerOptions) *Scanner {
	if locks == nil {
		locks = NewNoopLockService()
	}
	return &Scanner{
		transport:   transport,
		verdicts:    NewVerdictCache(opts.VerdictCacheSize, opts.VerdictCacheMaxAge),
		options:     NewOptionsCache(),
		locks:       locks,
		maxFileSize: opts.MaxFileSize,
		lockWait:    opts.LockWait,
		prefetch:    opts.Mode == "prefetch",
		retryConfig: retry.DefaultBackoffConfig(),
	}
}

// VerdictCacheStats exposes verdict cache counters for the admin surface.
func (s *Scanner) VerdictCacheStats() VerdictCacheStats {
	return s.verdicts.Stats()
}

// PurgeVerdicts drops every cached verdict.
func (s *Scanner) PurgeVerdicts() {
	s.verdicts.Clear()
}

// ServerOptions returns the target server's capabilities, fetched through
// the options cache.
func (s *Scanner) ServerOptions(ctx context.Context) (*icap.Options, error) {
	return s.fetchOptions(ctx)
}

// Scan inspects the job's content and returns a verdict. It never returns
// an error: failures are carried inside the verdict so the caller can apply
// its own fail-open or fail-closed policy.
func (s *Scanner) Scan(ctx context.Context, job *ScanJob) *Verdict {
	start := time.Now()
	verdict := s.scan(ctx, job)
	s.observe(verdict, start)
	return verdict
}

// observe records outcome metrics for a finished call. Metrics are
// best-effort and never affect the verdict.
func (s *Scanner) observe(v *Verdict, start time.Time) {
	metrics.ScansTotal.WithLabelValues(string(v.Status)).Inc()
	if !v.FromCache {
		metrics.ScanDuration.Observe(time.Since(start).Seconds())
		if v.IsInfected() {
			metrics.InfectionsTotal.Inc()
		}
	}
	if v.IsFailed() {
		metrics.ScanErrorsTotal.WithLabelValues(string(v.ErrorCategory)).Inc()
	}
}

func (s *Scanner) scan(ctx context.Context, job *ScanJob) *Verdict {
	if s.maxFileSize == 0 {
		return errorVerdict(ErrorConfiguration, consts.ErrScanningDisabled)
	}
	if job.ContentLength > s.maxFileSize {
		logger.Debug("Scanner: content exceeds maximum scannable size",
			"unique_id", job.UniqueID,
			"content_length", job.ContentLength,
			"max_file_size", s.maxFileSize)
		return errorVerdict(ErrorSizeExceeded,
			fmt.Errorf("%w: %s exceeds limit of %s", consts.ErrFileTooLarge,
				helpers.FormatSize(job.ContentLength), helpers.FormatSize(s.maxFileSize)))
	}
	if job.DataSource == nil {
		return errorVerdict(ErrorConfiguration, consts.ErrNoDataSource)
	}

	// Without a stable key there is nothing to cache or lock against.
	if job.UniqueID == "" {
		return s.liveScan(ctx, job)
	}

	opts, err := s.fetchOptions(ctx)
	if err != nil {
		return s.transportFailure(err)
	}

	if v, ok := s.lookupValid(job.UniqueID, opts.ISTag); ok {
		return v
	}

	release, err := s.locks.Acquire(ctx, job.UniqueID, s.lockWait)
	if err != nil {
		if errors.Is(err, consts.ErrLockTimeout) {
			return errorVerdict(ErrorLockTimeout, err)
		}
		return errorVerdict(ErrorInternal, err)
	}
	defer release()

	// Another caller may have produced a fresh verdict while this one
	// waited for the lock.
	if v, ok := s.lookupValid(job.UniqueID, opts.ISTag); ok {
		return v
	}

	verdict := s.liveScan(ctx, job)
	if verdict.Cacheable() {
		s.verdicts.Set(job.UniqueID, verdict)
	}
	return verdict
}

// lookupValid returns the cached verdict for the id when its ISTag still
// matches the server's current one. A mismatch drops the entry.
func (s *Scanner) lookupValid(id, currentISTag string) (*Verdict, bool) {
	cached, ok := s.verdicts.Get(id)
	if !ok {
		return nil, false
	}
	if cached.ISTag != currentISTag {
		s.verdicts.Invalidate(id, "istag_mismatch")
		return nil, false
	}

	v := *cached
	v.FromCache = true
	v.Duration = 0
	return &v, true
}

// fetchOptions returns the server capabilities, going through the options
// cache and retrying transient failures of the underlying OPTIONS exchange.
func (s *Scanner) fetchOptions(ctx context.Context) (*icap.Options, error) {
	opts, _, err := s.options.GetOrFetch(s.transport.Endpoint(), func() (*icap.Options, error) {
		var fetched *icap.Options
		retryErr := retry.WithRetry(ctx, func() error {
			result, optErr := s.transport.Options(ctx)
			if optErr != nil {
				if icap.IsValidationError(optErr) || icap.IsProtocolError(optErr) {
					return retry.Stop(optErr)
				}
				return optErr
			}
			fetched = result
			return nil
		}, s.retryConfig)
		if retryErr != nil {
			return nil, retryErr
		}
		return fetched, nil
	})
	if err != nil {
		// The cause stays in the chain so transportFailure can still
		// classify connection and protocol failures.
		return nil, fmt.Errorf("%w: %w", consts.ErrOptionsUnavailable, err)
	}
	return opts, nil
}

func (s *Scanner) liveScan(ctx context.Context, job *ScanJob) *Verdict {
	start := time.Now()

	opts, err := s.fetchOptions(ctx)
	if err != nil {
		return s.transportFailure(err)
	}

	body, length, err := s.openBody(job)
	if err != nil {
		return errorVerdict(ErrorInternal, err)
	}
	defer body.Close()

	req := icap.NewRequest(icap.MethodRespMod)
	req.Body = body
	req.BodyLength = length
	req.Envelope = job.Envelope
	if req.Envelope.IsZero() {
		req.Envelope = synthesizeEnvelope(job, length)
	}

	resp, err := s.transport.Do(ctx, req, opts)
	if err != nil {
		return s.transportFailure(err)
	}

	if length > 0 {
		metrics.ScannedBytesTotal.Add(float64(length))
	}

	verdict := s.interpret(resp, time.Since(start))
	if verdict.ISTag != "" && verdict.ISTag != opts.ISTag {
		// The server rotated its signature database mid-flight. Refresh
		// the cached capabilities so validity checks use the new tag.
		refreshed := *opts
		refreshed.ISTag = verdict.ISTag
		refreshed.FetchedAt = time.Now()
		s.options.Replace(s.transport.Endpoint(), &refreshed)
	}
	return verdict
}

// openBody opens the job's data source. In prefetch mode the whole document
// is buffered so the exchange runs against an exact length; streaming mode
// hands the reader straight to the transport.
func (s *Scanner) openBody(job *ScanJob) (io.ReadCloser, int64, error) {
	src, err := job.DataSource()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", consts.ErrNoDataSource, err)
	}
	if !s.prefetch {
		return src, job.ContentLength, nil
	}

	defer src.Close()
	data, err := io.ReadAll(io.LimitReader(src, s.maxFileSize+1))
	if err != nil {
		return nil, 0, fmt.Errorf("reading data source: %w", err)
	}
	if int64(len(data)) > s.maxFileSize {
		return nil, 0, fmt.Errorf("%w: content larger than %s", consts.ErrFileTooLarge,
			helpers.FormatSize(s.maxFileSize))
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

// transportFailure converts a client error into an error verdict and, for
// protocol-level failures, drops the cached server capabilities so the next
// call re-negotiates.
func (s *Scanner) transportFailure(err error) *Verdict {
	switch {
	case icap.IsProtocolError(err):
		s.options.Invalidate(s.transport.Endpoint())
		return errorVerdict(ErrorProtocol, err)
	case icap.IsUnknownHostError(err), icap.IsConnectionError(err), icap.IsTimeoutError(err):
		return errorVerdict(ErrorConnectivity, err)
	case icap.IsValidationError(err):
		return errorVerdict(ErrorConfiguration, err)
	default:
		return errorVerdict(ErrorInternal, err)
	}
}

// interpret maps a decoded ICAP response onto a verdict. The verdict's
// ISTag comes from the response alone; a response without one yields a
// verdict that Cacheable() rejects, since its validity cannot be checked
// against a later ISTag.
func (s *Scanner) interpret(resp *icap.Response, duration time.Duration) *Verdict {
	istag := resp.ISTag()

	switch resp.StatusCode {
	case icap.StatusNoContent:
		return cleanVerdict(istag, duration)

	case icap.StatusOK:
		if threat, found := detectInfection(resp); found {
			message := blockPageText(resp)
			logger.Info("Scanner: threat detected",
				"threat", threat,
				"istag", istag)
			return infectedVerdict(istag, threat, message, duration)
		}
		return cleanVerdict(istag, duration)

	default:
		s.options.Invalidate(s.transport.Endpoint())
		return errorVerdict(ErrorProtocol,
			icap.NewProtocolError(fmt.Sprintf("unexpected scan status %d %s",
				resp.StatusCode, resp.Status), nil))
	}
}

// detectInfection checks the markers ICAP AV servers use to flag a threat:
// the X-Infection-Found / X-Virus-ID headers and an encapsulated HTTP error
// status replacing the original content.
func detectInfection(resp *icap.Response) (threat string, found bool) {
	if infection := resp.Header.Get(icap.HeaderInfectionFound); infection != "" {
		return parseThreatName(infection), true
	}
	if virusID := resp.Header.Get(icap.HeaderVirusID); virusID != "" {
		return strings.TrimSpace(virusID), true
	}
	if resp.HasEncapsulatedResponse() && resp.EncapsulatedStatusCode >= 400 {
		return "", true
	}
	return "", false
}

// parseThreatName extracts the threat from an X-Infection-Found value such
// as "Type=0; Resolution=2; Threat=Eicar-Test-Signature;".
func parseThreatName(value string) string {
	for _, part := range strings.Split(value, ";") {
		part = strings.TrimSpace(part)
		if name, ok := strings.CutPrefix(part, "Threat="); ok {
			return strings.TrimSpace(name)
		}
	}
	return strings.TrimSpace(value)
}

// blockPageText renders the server's encapsulated block page, if any, as
// plain text suitable for logs and API responses.
func blockPageText(resp *icap.Response) string {
	if len(resp.EncapsulatedBody) == 0 {
		return ""
	}
	text := helpers.HTMLToText(string(resp.EncapsulatedBody))
	text = helpers.SanitizeUTF8(text)
	return helpers.Truncate(text, 512)
}

// synthesizeEnvelope builds the minimal encapsulated HTTP exchange RESPMOD
// requires when the content did not come from a real HTTP transaction.
func synthesizeEnvelope(job *ScanJob, length int64) icap.HTTPEnvelope {
	target := job.UniqueID
	if target == "" {
		target = "content"
	}
	// The target is only informational but must form a valid request line.
	target = strings.ReplaceAll(target, " ", "%20")

	env := icap.HTTPEnvelope{
		RequestLine: fmt.Sprintf("GET /%s HTTP/1.1", target),
		StatusLine:  "HTTP/1.1 200 OK",
	}
	if job.ContentType != "" {
		env.ResponseHeader.Set("Content-Type", job.ContentType)
	}
	if length >= 0 {
		env.ResponseHeader.Set("Content-Length", fmt.Sprintf("%d", length))
	}
	return env
}
