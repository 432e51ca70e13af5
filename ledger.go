package ingest

import (
	"context"
	"fmt"
	"time"
)

// Ledger is the durable record of every upload and the single source of truth
// for pipeline state. Phase changes go exclusively through Advance.
type Ledger interface {
	// Create appends a new record in PhaseUploaded.
	Create(ctx context.Context, filename string, opts ...Option) (*UploadRecord, error)
	// Get returns a live record or ErrRecordNotFound.
	Get(ctx context.Context, id string) (*UploadRecord, error)
	// GetMany returns the live records among ids, in the order given. Unknown ids are skipped.
	GetMany(ctx context.Context, ids []string) ([]*UploadRecord, error)
	// Advance moves a record from -> to only if its current phase is from.
	// It returns ErrPhaseMismatch when another actor got there first.
	Advance(ctx context.Context, id string, from, to Phase) error
	// FindStuck returns live records in phase whose time in phase exceeds
	// threshold, oldest first.
	FindStuck(ctx context.Context, phase Phase, threshold time.Duration) ([]*UploadRecord, error)
	// FindByPhase lists live records in phase, oldest first. limit <= 0 means all.
	FindByPhase(ctx context.Context, phase Phase, limit int) ([]*UploadRecord, error)
	// RecordWarning writes failure-recovery telemetry unconditionally:
	// retry and warning counters +1, last warning time and diagnostic note.
	RecordWarning(ctx context.Context, id, note string) error
	// Touch updates LastUpdated only.
	Touch(ctx context.Context, id string) error
	// SoftDelete marks a record deleted; it disappears from scans and listings.
	SoftDelete(ctx context.Context, id string) error
	// CountByPhase returns the number of live records per phase.
	CountByPhase(ctx context.Context) (map[Phase]int64, error)
	// Now returns the ledger's clock.
	Now() time.Time
}

func checkAdvance(from, to Phase) error {
	if !from.Valid() || !to.Valid() {
		return ErrInvalidPhase
	}
	if !CanAdvance(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

func unavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrLedgerUnavailable, err)
}

func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
