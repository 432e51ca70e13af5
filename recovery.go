package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultRetryBudget is the number of failure recoveries a record gets before
// it stops being recycled.
const DefaultRetryBudget = 3

var tracer = otel.Tracer("github.com/UniQw/uniqw-ingest")

// Outcome is the per-record result of a recovery pass.
type Outcome string

const (
	// OutcomeReset means the record was rolled back to its reset phase.
	OutcomeReset Outcome = "reset"
	// OutcomeSkipped means another actor moved the record first.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeExhausted means the retry budget was spent and the record was not recycled.
	OutcomeExhausted Outcome = "exhausted"
	// OutcomeFailed means the ledger write failed.
	OutcomeFailed Outcome = "failed"
)

// RecoveryConfig configures a Coordinator.
type RecoveryConfig struct {
	// RetryBudget caps failure recoveries per record. 0 means DefaultRetryBudget;
	// a negative value disables the cap.
	RetryBudget int
	// Audit receives one entry per record and one summary per pass. Defaults to a LogAuditSink.
	Audit AuditSink
	// Logger is used for warnings about exhausted records and audit failures.
	Logger Logger
}

// RecordOutcome describes what a recovery pass did with one record.
type RecordOutcome struct {
	ID           string        `json:"id"`
	Filename     string        `json:"filename"`
	From         Phase         `json:"from"`
	To           Phase         `json:"to,omitempty"`
	Outcome      Outcome       `json:"outcome"`
	StuckFor     time.Duration `json:"stuck_for"`
	RetryCount   int           `json:"retry_count"`
	SlotReleased bool          `json:"slot_released"`
	// Forced is set when a record past its retry budget was recycled anyway.
	Forced bool   `json:"forced,omitempty"`
	Error  string `json:"error,omitempty"`
}

// RecoveryResult aggregates a recovery pass. Counts are always present, even when zero.
type RecoveryResult struct {
	Phase          Phase           `json:"phase"`
	Requested      int             `json:"requested"`
	FilesReset     int             `json:"files_reset"`
	Skipped        int             `json:"skipped"`
	Exhausted      int             `json:"exhausted"`
	Failed         int             `json:"failed"`
	SlotsCleared   int             `json:"slots_cleared"`
	RemainingSlots int             `json:"remaining_slots"`
	Outcomes       []RecordOutcome `json:"outcomes"`
	// Stopped is set when the pass was cancelled between records.
	Stopped bool `json:"stopped,omitempty"`
}

func (r *RecoveryResult) add(o RecordOutcome) {
	r.Outcomes = append(r.Outcomes, o)
	switch o.Outcome {
	case OutcomeReset:
		r.FilesReset++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeExhausted:
		r.Exhausted++
	case OutcomeFailed:
		r.Failed++
	}
	if o.SlotReleased {
		r.SlotsCleared++
	}
}

// Coordinator rolls stuck records back to their reset phase and releases any
// slot they hold.
type Coordinator struct {
	ledger Ledger
	slots  SlotReleaser
	budget int
	audit  AuditSink
	log    Logger
}

// NewCoordinator creates a recovery coordinator.
func NewCoordinator(l Ledger, slots SlotReleaser, cfg RecoveryConfig) *Coordinator {
	if cfg.RetryBudget == 0 {
		cfg.RetryBudget = DefaultRetryBudget
	}
	log := orNoop(cfg.Logger)
	if cfg.Audit == nil {
		cfg.Audit = NewLogAuditSink(log)
	}
	return &Coordinator{ledger: l, slots: slots, budget: cfg.RetryBudget, audit: cfg.Audit, log: log}
}

// RetryBudget returns the effective budget; negative means unlimited.
func (c *Coordinator) RetryBudget() int { return c.budget }

func (c *Coordinator) exhausted(retries int) bool {
	return c.budget > 0 && retries >= c.budget
}

// parked reports whether s is an Error record that recovery will leave alone.
func (c *Coordinator) parked(s StuckRecord) bool {
	return s.Phase == PhaseError && c.exhausted(s.RetryCount)
}

// Recover runs one recovery pass over stuck records, all of which must be in phase.
// Records are handled one at a time and cancellation is only observed between
// records. A lost race is counted as skipped; only ErrLedgerUnavailable ends
// the pass early, and the partial result is returned with it.
// force recycles records even when their retry budget is spent.
func (c *Coordinator) Recover(ctx context.Context, phase Phase, stuck []StuckRecord, force bool) (*RecoveryResult, error) {
	target, ok := ResetTarget(phase)
	if !ok {
		return nil, ErrInvalidPhase
	}
	ctx, span := tracer.Start(ctx, "ingest.recover", trace.WithAttributes(
		attribute.String("ingest.phase", string(phase)),
		attribute.Int("ingest.stuck", len(stuck)),
		attribute.Bool("ingest.force", force),
	))
	defer span.End()

	// record-level writes are never interrupted halfway
	work := context.WithoutCancel(ctx)
	res := &RecoveryResult{Phase: phase, Requested: len(stuck), Outcomes: make([]RecordOutcome, 0, len(stuck))}
	var fatal error
	for _, s := range stuck {
		if ctx.Err() != nil {
			res.Stopped = true
			break
		}
		out, err := c.recoverOne(work, phase, target, s, force)
		res.add(out)
		c.recordEntry(work, out)
		if err != nil {
			fatal = err
			break
		}
	}
	res.RemainingSlots = c.slots.Remaining()

	span.SetAttributes(
		attribute.Int("ingest.reset", res.FilesReset),
		attribute.Int("ingest.slots_cleared", res.SlotsCleared),
	)
	if fatal != nil {
		span.RecordError(fatal)
		span.SetStatus(codes.Error, "ledger unavailable")
	}
	c.recordSummary(work, res)
	return res, fatal
}

func (c *Coordinator) recoverOne(ctx context.Context, phase, target Phase, s StuckRecord, force bool) (RecordOutcome, error) {
	out := RecordOutcome{
		ID:         s.ID,
		Filename:   s.Filename,
		From:       phase,
		StuckFor:   s.PhaseTime,
		RetryCount: s.RetryCount,
	}
	if phase.FailureOrigin() && c.exhausted(s.RetryCount) {
		if !force {
			return c.exhaust(ctx, phase, s, out)
		}
		out.Forced = true
	}

	if err := c.ledger.Advance(ctx, s.ID, phase, target); err != nil {
		return c.advanceFailed(out, err)
	}
	out.To = target
	out.Outcome = OutcomeReset
	out.SlotReleased = c.slots.Release(ctx, s.ID)

	var err error
	if phase.FailureOrigin() {
		out.RetryCount = s.RetryCount + 1
		note := fmt.Sprintf("Stuck in %s for %d minutes; reset to %s (attempt %d)", phase, s.Minutes(), target, out.RetryCount)
		err = c.ledger.RecordWarning(ctx, s.ID, note)
	} else {
		err = c.ledger.Touch(ctx, s.ID)
	}
	if err != nil {
		out.Error = err.Error()
		if errors.Is(err, ErrLedgerUnavailable) {
			return out, err
		}
		c.log.Warnf("recovery telemetry not written: id=%s err=%v", s.ID, err)
	}
	return out, nil
}

// exhaust handles a failure-origin record past its budget: Processing is
// moved to Error, Error is left where it is.
func (c *Coordinator) exhaust(ctx context.Context, phase Phase, s StuckRecord, out RecordOutcome) (RecordOutcome, error) {
	if phase == PhaseProcessing {
		if err := c.ledger.Advance(ctx, s.ID, PhaseProcessing, PhaseError); err != nil {
			return c.advanceFailed(out, err)
		}
		out.To = PhaseError
		if err := c.ledger.Touch(ctx, s.ID); err != nil && errors.Is(err, ErrLedgerUnavailable) {
			out.Outcome = OutcomeExhausted
			out.SlotReleased = c.slots.Release(ctx, s.ID)
			out.Error = err.Error()
			return out, err
		}
	}
	out.Outcome = OutcomeExhausted
	out.SlotReleased = c.slots.Release(ctx, s.ID)
	c.log.Warnf("retry budget exhausted: id=%s file=%s phase=%s retries=%d budget=%d",
		s.ID, s.Filename, phase, s.RetryCount, c.budget)
	return out, nil
}

func (c *Coordinator) advanceFailed(out RecordOutcome, err error) (RecordOutcome, error) {
	if errors.Is(err, ErrPhaseMismatch) || errors.Is(err, ErrRecordNotFound) {
		out.Outcome = OutcomeSkipped
		return out, nil
	}
	out.Outcome = OutcomeFailed
	out.Error = err.Error()
	if errors.Is(err, ErrLedgerUnavailable) {
		return out, err
	}
	return out, nil
}

func (c *Coordinator) recordEntry(ctx context.Context, o RecordOutcome) {
	e := RecoveryEntry{
		At:         c.ledger.Now(),
		ID:         o.ID,
		Filename:   o.Filename,
		From:       o.From,
		To:         o.To,
		StuckFor:   o.StuckFor.Milliseconds(),
		RetryCount: o.RetryCount,
		Outcome:    o.Outcome,
		Forced:     o.Forced,
		Error:      o.Error,
	}
	if err := c.audit.RecordEntry(ctx, e); err != nil {
		c.log.Warnf("audit entry failed: id=%s err=%v", o.ID, err)
	}
}

func (c *Coordinator) recordSummary(ctx context.Context, r *RecoveryResult) {
	s := RecoverySummary{
		At:           c.ledger.Now(),
		Phase:        r.Phase,
		Requested:    r.Requested,
		Reset:        r.FilesReset,
		Skipped:      r.Skipped,
		Exhausted:    r.Exhausted,
		Failed:       r.Failed,
		SlotsCleared: r.SlotsCleared,
		Stopped:      r.Stopped,
	}
	if err := c.audit.RecordSummary(ctx, s); err != nil {
		c.log.Warnf("audit summary failed: phase=%s err=%v", r.Phase, err)
	}
}
