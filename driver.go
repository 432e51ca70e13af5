package ingest

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultDriverInterval is how often the driver looks for eligible records.
	DefaultDriverInterval = 2 * time.Second
	// DefaultDriverBatch caps the Encoded records read per tick.
	DefaultDriverBatch = 100
)

// DriverConfig configures the pipeline driver.
type DriverConfig struct {
	Interval    time.Duration
	BatchSize   int
	StartPaused bool
	Logger      Logger
}

// TickResult summarizes one admission pass.
type TickResult struct {
	Paused     bool `json:"paused"`
	Considered int  `json:"considered"`
	Admitted   int  `json:"admitted"`
	Queued     int  `json:"queued"`
	Dropped    int  `json:"dropped"`
}

// Driver feeds Encoded records to the admission controller and builds the
// combined queue view.
type Driver struct {
	ledger   Ledger
	slots    *SlotManager
	interval time.Duration
	batch    int
	enabled  atomic.Bool
	log      Logger
}

// NewDriver creates a driver over l and slots.
func NewDriver(l Ledger, slots *SlotManager, cfg DriverConfig) *Driver {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultDriverInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultDriverBatch
	}
	d := &Driver{ledger: l, slots: slots, interval: cfg.Interval, batch: cfg.BatchSize, log: orNoop(cfg.Logger)}
	d.enabled.Store(!cfg.StartPaused)
	return d
}

// Interval returns the configured tick interval.
func (d *Driver) Interval() time.Duration { return d.interval }

// Pause stops new admissions. Records already queued still drain as slots free up.
func (d *Driver) Pause() {
	if d.enabled.Swap(false) {
		d.log.Infof("admission paused")
	}
}

// Resume re-enables admissions.
func (d *Driver) Resume() {
	if !d.enabled.Swap(true) {
		d.log.Infof("admission resumed")
	}
}

// Paused reports whether admissions are paused.
func (d *Driver) Paused() bool { return !d.enabled.Load() }

// Tick runs one admission pass with the current enabled state.
func (d *Driver) Tick(ctx context.Context) (TickResult, error) {
	return d.admit(ctx, d.enabled.Load())
}

// admit lists Encoded records not yet tracked by the slot manager and offers
// each to TryAdmit in ledger order.
func (d *Driver) admit(ctx context.Context, enabled bool) (TickResult, error) {
	if !enabled {
		return TickResult{Paused: true}, nil
	}
	ctx, span := tracer.Start(ctx, "ingest.admit")
	defer span.End()

	var res TickResult
	recs, err := d.ledger.FindByPhase(ctx, PhaseEncoded, d.batch)
	if err != nil {
		span.RecordError(err)
		return res, err
	}
	for _, r := range recs {
		if d.slots.Tracks(r.ID) {
			continue
		}
		res.Considered++
		adm, err := d.slots.TryAdmit(ctx, r.ID, r.Filename)
		switch {
		case errors.Is(err, ErrPhaseMismatch), errors.Is(err, ErrRecordNotFound):
			res.Dropped++
		case err != nil:
			span.RecordError(err)
			return res, err
		case adm == Admitted:
			res.Admitted++
		default:
			res.Queued++
		}
	}
	span.SetAttributes(
		attribute.Int("ingest.considered", res.Considered),
		attribute.Int("ingest.admitted", res.Admitted),
	)
	if res.Admitted > 0 || res.Queued > 0 {
		d.log.Debugf("admission pass: considered=%d admitted=%d queued=%d dropped=%d",
			res.Considered, res.Admitted, res.Queued, res.Dropped)
	}
	return res, nil
}

// PhaseEntry is a ledger record listed in the queue view.
type PhaseEntry struct {
	ID        string        `json:"id"`
	Filename  string        `json:"filename"`
	StartTime time.Time     `json:"start_time"`
	PhaseTime time.Duration `json:"phase_time"`
}

// QueueView combines slot status with ledger-only phases.
type QueueView struct {
	Slots SlotStatus `json:"slots"`
	// Waiting lists records in phases before admission. Encoded records already
	// in the slot queue are not repeated here.
	Waiting     map[Phase][]PhaseEntry `json:"waiting"`
	Counts      map[Phase]int64        `json:"counts"`
	Pending     int64                  `json:"pending"`
	Processing  int64                  `json:"processing"`
	Completed   int64                  `json:"completed"`
	Failed      int64                  `json:"failed"`
	Busy        bool                   `json:"busy"`
	Paused      bool                   `json:"paused"`
	GeneratedAt time.Time              `json:"generated_at"`
}

var waitingPhases = []Phase{PhaseUploaded, PhaseValidating, PhaseIdentified, PhaseEncoded}

// View builds the combined queue view. limit caps each ledger listing; <= 0 uses the batch size.
func (d *Driver) View(ctx context.Context, limit int) (*QueueView, error) {
	if limit <= 0 {
		limit = d.batch
	}
	ctx, span := tracer.Start(ctx, "ingest.view", trace.WithAttributes(attribute.Int("ingest.limit", limit)))
	defer span.End()

	lists := make([][]*UploadRecord, len(waitingPhases))
	var counts map[Phase]int64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c, err := d.ledger.CountByPhase(gctx)
		counts = c
		return err
	})
	for i, p := range waitingPhases {
		g.Go(func() error {
			recs, err := d.ledger.FindByPhase(gctx, p, limit)
			lists[i] = recs
			return err
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	now := d.ledger.Now()
	v := &QueueView{
		Slots:       d.slots.Status(),
		Waiting:     make(map[Phase][]PhaseEntry, len(waitingPhases)),
		Counts:      counts,
		Paused:      d.Paused(),
		GeneratedAt: now,
	}
	for i, p := range waitingPhases {
		entries := make([]PhaseEntry, 0, len(lists[i]))
		for _, r := range lists[i] {
			if p == PhaseEncoded && d.slots.Tracks(r.ID) {
				continue
			}
			entries = append(entries, PhaseEntry{ID: r.ID, Filename: r.Filename, StartTime: r.StartTime, PhaseTime: r.PhaseTime(now)})
		}
		v.Waiting[p] = entries
	}
	v.Pending = counts[PhaseUploaded] + counts[PhaseValidating] + counts[PhaseIdentified] + counts[PhaseEncoded]
	v.Processing = counts[PhaseProcessing]
	v.Completed = counts[PhaseCompleted]
	v.Failed = counts[PhaseError]
	v.Busy = v.Slots.RemainingSlots == 0 || len(v.Slots.Queue) > 0
	return v, nil
}
