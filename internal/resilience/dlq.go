package resilience

import (
	"time"
)

// DLQEntry is an approved lot whose commit failed and may be retried.
type DLQEntry struct {
	ID          string    `json:"id"`
	RunID       string    `json:"run_id"`
	LotID       string    `json:"lot_id"`
	SourcePath  string    `json:"source_path"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Error       string    `json:"error"`
	ErrorType   string    `json:"error_type"` // one of the Class constants
	Attempts    int       `json:"attempts"`
	RetryCount  int       `json:"retry_count"`
	MaxRetries  int       `json:"max_retries"`
	CreatedAt   time.Time `json:"created_at"`
}

// DLQFilter specifies criteria for querying the dead letter queue.
type DLQFilter struct {
	RunID     string `json:"run_id,omitempty"`
	ErrorType string `json:"error_type,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// CanRetry reports whether the entry has retries left.
func (e *DLQEntry) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}
