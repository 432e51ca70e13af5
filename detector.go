package ingest

import (
	"context"
	"sort"
	"time"
)

// DefaultStuckThreshold is the time-in-phase after which a record counts as stuck.
const DefaultStuckThreshold = 10 * time.Minute

// StuckRecord is one detector hit. PhaseTime is derived at scan time.
type StuckRecord struct {
	ID         string        `json:"id"`
	Filename   string        `json:"filename"`
	Phase      Phase         `json:"phase"`
	StartTime  time.Time     `json:"start_time"`
	PhaseTime  time.Duration `json:"phase_time"`
	RetryCount int           `json:"retry_count"`
}

// Minutes returns PhaseTime in whole minutes.
func (s StuckRecord) Minutes() int { return int(s.PhaseTime / time.Minute) }

// Detector is a read-only query wrapper over the ledger.
type Detector struct {
	ledger    Ledger
	threshold time.Duration
}

// NewDetector creates a detector over l.
func NewDetector(l Ledger, opts ...DetectorOption) *Detector {
	d := &Detector{ledger: l, threshold: DefaultStuckThreshold}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DefaultThreshold returns the threshold applied when a scan passes none.
func (d *Detector) DefaultThreshold() time.Duration { return d.threshold }

// ScanAll returns every record in phase whose time in phase exceeds threshold,
// oldest first. A threshold <= 0 uses the detector's default threshold.
func (d *Detector) ScanAll(ctx context.Context, phase Phase, threshold time.Duration) ([]StuckRecord, error) {
	if !phase.Valid() {
		return nil, ErrInvalidPhase
	}
	if threshold <= 0 {
		threshold = d.threshold
	}
	recs, err := d.ledger.FindStuck(ctx, phase, threshold)
	if err != nil {
		return nil, err
	}
	return toStuck(recs, d.ledger.Now()), nil
}

// ScanSubset checks the given ids and keeps those currently in phase, oldest
// first. An operator naming ids has already decided they are stuck, so the
// threshold is not applied.
func (d *Detector) ScanSubset(ctx context.Context, phase Phase, ids []string) ([]StuckRecord, error) {
	if !phase.Valid() {
		return nil, ErrInvalidPhase
	}
	if len(ids) == 0 {
		return nil, nil
	}
	recs, err := d.ledger.GetMany(ctx, dedupe(ids))
	if err != nil {
		return nil, err
	}
	inPhase := recs[:0]
	for _, r := range recs {
		if r.Phase == phase {
			inPhase = append(inPhase, r)
		}
	}
	sort.SliceStable(inPhase, func(i, j int) bool {
		return inPhase[i].StartTime.Before(inPhase[j].StartTime)
	})
	return toStuck(inPhase, d.ledger.Now()), nil
}

func toStuck(recs []*UploadRecord, now time.Time) []StuckRecord {
	out := make([]StuckRecord, 0, len(recs))
	for _, r := range recs {
		out = append(out, StuckRecord{
			ID:         r.ID,
			Filename:   r.Filename,
			Phase:      r.Phase,
			StartTime:  r.StartTime,
			PhaseTime:  r.PhaseTime(now),
			RetryCount: r.RetryCount,
		})
	}
	return out
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
