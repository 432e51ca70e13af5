package ingest

import "errors"

// ErrPhaseMismatch is returned by Advance when the record is no longer in the
// expected phase. Callers treat it as "already handled".
var ErrPhaseMismatch = errors.New("ingest: phase mismatch")

// ErrInvalidPhase is returned when a phase value is outside the recognised set.
var ErrInvalidPhase = errors.New("ingest: invalid phase")

// ErrInvalidTransition is returned when Advance is asked for an edge the pipeline does not have.
var ErrInvalidTransition = errors.New("ingest: invalid phase transition")

// ErrRecordNotFound is returned when no live (non-deleted) record has the given ID.
var ErrRecordNotFound = errors.New("ingest: record not found")

// ErrDuplicateRecord is returned by Create when the ID already exists.
var ErrDuplicateRecord = errors.New("ingest: duplicate record id")

// ErrLedgerUnavailable wraps failures of the durable store itself.
// It is the only error that aborts a whole recovery or admission pass.
var ErrLedgerUnavailable = errors.New("ingest: ledger unavailable")
