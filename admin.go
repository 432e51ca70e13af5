package ingest

import (
	"context"
	"time"
)

// ResetRequest is the operator input of ResetStuck.
type ResetRequest struct {
	// IDs restricts the pass to these records; empty means every stuck record.
	IDs []string `json:"ids,omitempty"`
	// ThresholdMinutes overrides the stuck threshold. Ignored when IDs is set.
	ThresholdMinutes int `json:"threshold_minutes,omitempty"`
	// Phase to recover from; defaults to "processing".
	Phase string `json:"phase,omitempty"`
	// Force recycles records even when their retry budget is spent.
	Force bool `json:"force,omitempty"`
}

// ClearResult is returned by ClearQueue and ClearSlots.
type ClearResult struct {
	QueueCleared   int `json:"queue_cleared"`
	SlotsCleared   int `json:"slots_cleared"`
	RemainingSlots int `json:"remaining_slots"`
}

// StatsResult is the read-only detector output.
type StatsResult struct {
	Phase            Phase         `json:"phase"`
	ThresholdMinutes int           `json:"threshold_minutes"`
	Count            int           `json:"count"`
	Records          []StuckRecord `json:"records"`
}

// AuditReader is implemented by sinks that can list recent events.
type AuditReader interface {
	Recent(ctx context.Context, n int) ([]AuditEvent, error)
}

var _ AuditReader = (*RedisAuditSink)(nil)

// Admin is the operator surface over the pipeline.
type Admin struct {
	driver   *Driver
	slots    *SlotManager
	detector *Detector
	coord    *Coordinator
	audit    AuditReader
	log      Logger
}

// NewAdmin composes the operator surface. audit may be nil.
func NewAdmin(d *Driver, slots *SlotManager, det *Detector, coord *Coordinator, audit AuditReader, log Logger) *Admin {
	return &Admin{driver: d, slots: slots, detector: det, coord: coord, audit: audit, log: orNoop(log)}
}

// GetStatus returns the combined queue and slot view.
func (a *Admin) GetStatus(ctx context.Context) (*QueueView, error) {
	return a.driver.View(ctx, 0)
}

// ResetStuck detects stuck records and recovers them. The phase is checked
// before the ledger is touched.
func (a *Admin) ResetStuck(ctx context.Context, req ResetRequest) (*RecoveryResult, error) {
	phase := PhaseProcessing
	if req.Phase != "" {
		p, err := ParsePhase(req.Phase)
		if err != nil {
			return nil, err
		}
		phase = p
	}
	if _, ok := ResetTarget(phase); !ok {
		return nil, ErrInvalidPhase
	}

	var (
		stuck []StuckRecord
		err   error
	)
	if len(req.IDs) > 0 {
		stuck, err = a.detector.ScanSubset(ctx, phase, req.IDs)
	} else {
		stuck, err = a.detector.ScanAll(ctx, phase, minutes(req.ThresholdMinutes))
	}
	if err != nil {
		return nil, err
	}
	res, err := a.coord.Recover(ctx, phase, stuck, req.Force)
	if err != nil {
		return res, err
	}
	a.log.Infof("reset stuck: phase=%s requested=%d reset=%d skipped=%d slots_cleared=%d",
		phase, res.Requested, res.FilesReset, res.Skipped, res.SlotsCleared)
	return res, nil
}

// ClearQueue drops every pending admission request.
func (a *Admin) ClearQueue() ClearResult {
	n := a.slots.ClearAll()
	a.log.Infof("queue cleared: dropped=%d", n)
	return ClearResult{QueueCleared: n, RemainingSlots: a.slots.Remaining()}
}

// ClearSlots frees the named slots without rewriting ledger phases.
func (a *Admin) ClearSlots(ctx context.Context, ids []string) ClearResult {
	n := a.slots.ClearStuck(ctx, dedupe(ids))
	a.log.Infof("slots cleared: requested=%d cleared=%d", len(ids), n)
	return ClearResult{SlotsCleared: n, RemainingSlots: a.slots.Remaining()}
}

// GetStats returns the stuck records of phase without changing anything.
// An empty phase means processing.
func (a *Admin) GetStats(ctx context.Context, phase string, thresholdMinutes int) (*StatsResult, error) {
	p := PhaseProcessing
	if phase != "" {
		var err error
		if p, err = ParsePhase(phase); err != nil {
			return nil, err
		}
	}
	threshold := minutes(thresholdMinutes)
	if threshold <= 0 {
		threshold = a.detector.DefaultThreshold()
	}
	stuck, err := a.detector.ScanAll(ctx, p, threshold)
	if err != nil {
		return nil, err
	}
	return &StatsResult{
		Phase:            p,
		ThresholdMinutes: int(threshold / time.Minute),
		Count:            len(stuck),
		Records:          stuck,
	}, nil
}

// Pause stops new admissions and reports the resulting state.
func (a *Admin) Pause() bool {
	a.driver.Pause()
	return a.driver.Paused()
}

// Resume re-enables admissions and reports the resulting state.
func (a *Admin) Resume() bool {
	a.driver.Resume()
	return a.driver.Paused()
}

// RecentAudit lists the newest audit events, or nil when no reader is configured.
func (a *Admin) RecentAudit(ctx context.Context, n int) ([]AuditEvent, error) {
	if a.audit == nil {
		return nil, nil
	}
	return a.audit.Recent(ctx, n)
}

func minutes(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Minute
}
