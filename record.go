package ingest

import "time"

// UploadRecord is the ledger entry for one ingested file.
type UploadRecord struct {
	// ID is the unique, immutable identifier.
	ID string `json:"id"`
	// Filename is the display name.
	Filename string `json:"filename"`
	// Phase is the current pipeline phase.
	Phase Phase `json:"phase"`
	// StartTime is when the record entered its current phase. Stuck detection
	// is based on it, not on CreatedAt.
	StartTime time.Time `json:"start_time"`
	// LastUpdated is the time of the last write to the record.
	LastUpdated time.Time `json:"last_updated"`
	// CreatedAt is when the record was created.
	CreatedAt time.Time `json:"created_at"`
	// RetryCount is incremented by failure recoveries only.
	RetryCount int `json:"retry_count"`
	// WarningCount counts failure recoveries, alongside LastWarningAt and ProcessingWarnings.
	WarningCount int `json:"warning_count"`
	// LastWarningAt is the time of the last failure recovery, if any.
	LastWarningAt *time.Time `json:"last_warning_at,omitempty"`
	// ProcessingWarnings is the last recovery diagnostic.
	ProcessingWarnings string `json:"processing_warnings,omitempty"`
	// DeletedAt marks a soft-deleted record.
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// PhaseTime returns how long the record has been in its current phase at now.
func (r *UploadRecord) PhaseTime(now time.Time) time.Duration {
	if r == nil || r.StartTime.IsZero() {
		return 0
	}
	d := now.Sub(r.StartTime)
	if d < 0 {
		return 0
	}
	return d
}
