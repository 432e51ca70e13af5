package ingest

import "strings"

// Phase is a stage in the linear upload pipeline.
// Use the exported constants instead of raw strings to avoid typos.
type Phase string

const (
	// PhaseUploaded is the initial phase of every record.
	PhaseUploaded Phase = "uploaded"
	// PhaseValidating is set by the validation stage while a file is checked.
	PhaseValidating Phase = "validating"
	// PhaseIdentified means the file type was recognised.
	PhaseIdentified Phase = "identified"
	// PhaseEncoded is the phase immediately preceding the slot-managed stage.
	PhaseEncoded Phase = "encoded"
	// PhaseProcessing is the expensive stage; only records here may hold a slot.
	PhaseProcessing Phase = "processing"
	// PhaseCompleted is terminal success.
	PhaseCompleted Phase = "completed"
	// PhaseError is the failure side state.
	PhaseError Phase = "error"
)

// AllPhases lists every valid phase in pipeline order.
var AllPhases = []Phase{
	PhaseUploaded,
	PhaseValidating,
	PhaseIdentified,
	PhaseEncoded,
	PhaseProcessing,
	PhaseCompleted,
	PhaseError,
}

// RecoverablePhases lists the phases a stuck record can be rolled back from.
var RecoverablePhases = []Phase{PhaseValidating, PhaseIdentified, PhaseProcessing, PhaseError}

// String returns the raw string value of the phase.
func (p Phase) String() string { return string(p) }

// Valid reports whether p is one of the recognised phases.
func (p Phase) Valid() bool {
	switch p {
	case PhaseUploaded, PhaseValidating, PhaseIdentified, PhaseEncoded,
		PhaseProcessing, PhaseCompleted, PhaseError:
		return true
	}
	return false
}

// FailureOrigin reports whether a stuck record in p counts as a failure.
// Recovery from these phases bumps retry and warning telemetry.
func (p Phase) FailureOrigin() bool {
	return p == PhaseProcessing || p == PhaseError
}

// ParsePhase converts a string into a Phase, returning ErrInvalidPhase for unknown values.
func ParsePhase(s string) (Phase, error) {
	p := Phase(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", ErrInvalidPhase
	}
	return p, nil
}

// ResetTarget returns the phase a stuck record in p is rolled back to.
// The table encodes the pipeline topology; ok is false for phases that are
// never recovered.
func ResetTarget(p Phase) (target Phase, ok bool) {
	switch p {
	case PhaseValidating, PhaseIdentified:
		return PhaseUploaded, true
	case PhaseProcessing, PhaseError:
		return PhaseEncoded, true
	}
	return "", false
}

// CanAdvance reports whether from -> to is an edge the ledger accepts:
// a forward step, a move into Error, or a recovery rollback.
func CanAdvance(from, to Phase) bool {
	if !from.Valid() || !to.Valid() || from == to {
		return false
	}
	if target, ok := ResetTarget(from); ok && target == to {
		return true
	}
	switch from {
	case PhaseUploaded:
		return to == PhaseValidating
	case PhaseValidating:
		return to == PhaseIdentified || to == PhaseError
	case PhaseIdentified:
		return to == PhaseEncoded || to == PhaseError
	case PhaseEncoded:
		return to == PhaseProcessing
	case PhaseProcessing:
		return to == PhaseCompleted || to == PhaseError
	}
	return false
}
