package ingest

import (
	"context"
	"errors"
	"time"
)

// DefaultWatchInterval is how often the stuck watcher sweeps.
const DefaultWatchInterval = time.Minute

// WatchRule is one {phase, threshold} pair swept by the watcher.
type WatchRule struct {
	Phase     Phase         `json:"phase" yaml:"phase"`
	Threshold time.Duration `json:"threshold" yaml:"threshold"`
}

// DefaultWatchRules covers every recoverable phase at DefaultStuckThreshold.
func DefaultWatchRules() []WatchRule {
	out := make([]WatchRule, len(RecoverablePhases))
	for i, p := range RecoverablePhases {
		out[i] = WatchRule{Phase: p, Threshold: DefaultStuckThreshold}
	}
	return out
}

// WatcherConfig configures the stuck watcher.
type WatcherConfig struct {
	Interval time.Duration
	Rules    []WatchRule
	Logger   Logger
}

// SweepResult is the outcome of one watcher sweep.
type SweepResult struct {
	Reconcile *ReconcileResult  `json:"reconcile,omitempty"`
	Passes    []*RecoveryResult `json:"passes"`
}

// Watcher is the timer mode of stuck detection: it reconciles slots with the
// ledger, then detects and recovers stuck records for each rule.
type Watcher struct {
	detector *Detector
	coord    *Coordinator
	bridge   *Bridge
	interval time.Duration
	rules    []WatchRule
	log      Logger
}

// NewWatcher validates rules and creates a watcher. A rule for a phase that
// has no reset target is rejected with ErrInvalidPhase.
func NewWatcher(d *Detector, c *Coordinator, b *Bridge, cfg WatcherConfig) (*Watcher, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultWatchInterval
	}
	if len(cfg.Rules) == 0 {
		cfg.Rules = DefaultWatchRules()
	}
	rules := make([]WatchRule, 0, len(cfg.Rules))
	for _, r := range cfg.Rules {
		if _, ok := ResetTarget(r.Phase); !ok {
			return nil, ErrInvalidPhase
		}
		if r.Threshold <= 0 {
			r.Threshold = DefaultStuckThreshold
		}
		rules = append(rules, r)
	}
	return &Watcher{detector: d, coord: c, bridge: b, interval: cfg.Interval, rules: rules, log: orNoop(cfg.Logger)}, nil
}

// Interval returns the sweep interval.
func (w *Watcher) Interval() time.Duration { return w.interval }

// Rules returns a copy of the configured rules.
func (w *Watcher) Rules() []WatchRule { return append([]WatchRule(nil), w.rules...) }

// Sweep runs one reconcile and one detect+recover pass per rule. A ledger
// failure stops the sweep; the passes completed so far are returned with it.
func (w *Watcher) Sweep(ctx context.Context) (*SweepResult, error) {
	res := &SweepResult{}
	if w.bridge != nil {
		rec, err := w.bridge.Reconcile(ctx)
		if err != nil {
			return res, err
		}
		res.Reconcile = rec
		if len(rec.Orphans) > 0 {
			w.log.Infof("processing records without a slot: count=%d", len(rec.Orphans))
		}
	}
	for _, r := range w.rules {
		if ctx.Err() != nil {
			return res, nil
		}
		stuck, err := w.detector.ScanAll(ctx, r.Phase, r.Threshold)
		if err != nil {
			return res, err
		}
		stuck = w.dropParked(stuck)
		if len(stuck) == 0 {
			continue
		}
		pass, err := w.coord.Recover(ctx, r.Phase, stuck, false)
		if pass != nil {
			res.Passes = append(res.Passes, pass)
			w.log.Infof("stuck sweep: phase=%s found=%d reset=%d exhausted=%d slots_cleared=%d",
				r.Phase, len(stuck), pass.FilesReset, pass.Exhausted, pass.SlotsCleared)
		}
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

// dropParked removes Error records past their retry budget. They stay in
// Error until an operator forces a reset.
func (w *Watcher) dropParked(stuck []StuckRecord) []StuckRecord {
	out := stuck[:0]
	for _, s := range stuck {
		if !w.coord.parked(s) {
			out = append(out, s)
		}
	}
	return out
}

func (w *Watcher) loop(ctx context.Context) error {
	_, err := w.Sweep(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
