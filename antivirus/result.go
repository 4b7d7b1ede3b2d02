package antivirus

import "time"

// Status is the outcome of a scan.
type Status string

const (
	StatusClean    Status = "clean"
	StatusInfected Status = "infected"
	StatusFailed   Status = "error"
)

// ErrorCategory classifies why a scan failed. Callers use it to decide
// between fail-closed and fail-open handling; infrastructure failures
// (connectivity) are never cached.
type ErrorCategory string

const (
	ErrorNone          ErrorCategory = ""
	ErrorConfiguration ErrorCategory = "configuration"
	ErrorSizeExceeded  ErrorCategory = "size_exceeded"
	ErrorConnectivity  ErrorCategory = "connectivity"
	ErrorProtocol      ErrorCategory = "protocol"
	ErrorLockTimeout   ErrorCategory = "lock_timeout"
	ErrorInternal      ErrorCategory = "internal"
)

// Verdict is the result of a scan request. Every Scan call returns a
// well-formed Verdict; failures are carried inside it rather than thrown
// past the orchestrator boundary.
type Verdict struct {
	// Status is the scan outcome.
	Status Status `json:"status"`
	// Threat is the detected threat name when Status is infected.
	Threat string `json:"threat,omitempty"`
	// Message is a human-readable elaboration: the scanner's block page
	// text for infections, the failure description for errors.
	Message string `json:"message,omitempty"`
	// ISTag is the server's cache-validity token observed at scan time.
	ISTag string `json:"istag,omitempty"`
	// ErrorCategory classifies a failed scan.
	ErrorCategory ErrorCategory `json:"error_category,omitempty"`
	// Err is the underlying error of a failed scan.
	Err error `json:"-"`
	// ScannedAt records when the verdict was produced.
	ScannedAt time.Time `json:"scanned_at"`
	// Duration is how long the producing scan took. Zero for verdicts
	// answered from cache.
	Duration time.Duration `json:"duration"`
	// FromCache reports whether this verdict was served from the verdict
	// cache rather than a live exchange.
	FromCache bool `json:"from_cache"`
}

// IsClean reports whether the content passed inspection.
func (v *Verdict) IsClean() bool { return v.Status == StatusClean }

// IsInfected reports whether a threat was found.
func (v *Verdict) IsInfected() bool { return v.Status == StatusInfected }

// IsFailed reports whether the scan could not be completed.
func (v *Verdict) IsFailed() bool { return v.Status == StatusFailed }

// Cacheable reports whether the verdict may be remembered: only definitive
// outcomes tied to a server ISTag are safe to reuse. An outage must never be
// remembered as "scanned".
func (v *Verdict) Cacheable() bool {
	return !v.IsFailed() && v.ISTag != ""
}

func cleanVerdict(istag string, duration time.Duration) *Verdict {
	return &Verdict{
		Status:    StatusClean,
		ISTag:     istag,
		ScannedAt: time.Now(),
		Duration:  duration,
	}
}

func infectedVerdict(istag, threat, message string, duration time.Duration) *Verdict {
	return &Verdict{
		Status:    StatusInfected,
		Threat:    threat,
		Message:   message,
		ISTag:     istag,
		ScannedAt: time.Now(),
		Duration:  duration,
	}
}

func errorVerdict(category ErrorCategory, err error) *Verdict {
	v := &Verdict{
		Status:        StatusFailed,
		ErrorCategory: category,
		Err:           err,
		ScannedAt:     time.Now(),
	}
	if err != nil {
		v.Message = err.Error()
	}
	return v
}
