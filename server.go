package ingest

import (
	"context"
	"sync"
	"time"

	rtm "github.com/UniQw/uniqw-ingest/internal/runtime"
)

// ServerConfig defines the configuration for an ingest server.
type ServerConfig struct {
	// Capacity is the number of slots for the expensive stage.
	Capacity int
	// Concurrency is the number of worker goroutines. Defaults to Capacity.
	Concurrency int
	// DriverInterval is how often Encoded records are offered for admission.
	DriverInterval time.Duration
	// DriverBatch caps the Encoded records read per driver tick.
	DriverBatch int
	// WatchInterval is how often the stuck watcher sweeps.
	WatchInterval time.Duration
	// WatchRules are the {phase, threshold} pairs swept by the watcher.
	WatchRules []WatchRule
	// DefaultThreshold is the stuck threshold for admin scans that name none.
	// Defaults to DefaultStuckThreshold.
	DefaultThreshold time.Duration
	// RetryBudget caps failure recoveries per record (see RecoveryConfig).
	RetryBudget int
	// StartPaused starts with admissions disabled.
	StartPaused bool
	// Audit receives recovery audit records. Sinks implementing AuditReader
	// also back the admin audit listing.
	Audit AuditSink
	// Logger is the logger used for server events.
	Logger Logger
}

// Server wires the slot manager, driver, watcher and workers onto one runtime.
type Server struct {
	ledger  Ledger
	slots   *SlotManager
	driver  *Driver
	coord   *Coordinator
	bridge  *Bridge
	watcher *Watcher
	worker  *Worker
	admin   *Admin
	rt      *rtm.Runtime
	mu      sync.Mutex
	started bool
	log     Logger
}

// NewServer creates a server processing admitted records with proc.
func NewServer(l Ledger, cfg ServerConfig, proc Processor) (*Server, error) {
	lg := cfg.Logger
	if lg == nil {
		lg = NewFmtLogger()
	}
	slots := NewSlotManager(l, SlotConfig{Capacity: cfg.Capacity, Logger: lg})
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = slots.Capacity()
	}
	bridge := NewBridge(slots, l, lg)
	det := NewDetector(l, WithDefaultThreshold(cfg.DefaultThreshold))
	coord := NewCoordinator(l, bridge, RecoveryConfig{RetryBudget: cfg.RetryBudget, Audit: cfg.Audit, Logger: lg})
	watcher, err := NewWatcher(det, coord, bridge, WatcherConfig{Interval: cfg.WatchInterval, Rules: cfg.WatchRules, Logger: lg})
	if err != nil {
		return nil, err
	}
	driver := NewDriver(l, slots, DriverConfig{
		Interval:    cfg.DriverInterval,
		BatchSize:   cfg.DriverBatch,
		StartPaused: cfg.StartPaused,
		Logger:      lg,
	})
	worker := NewWorker(l, slots, proc, lg)
	reader, _ := cfg.Audit.(AuditReader)

	s := &Server{
		ledger:  l,
		slots:   slots,
		driver:  driver,
		coord:   coord,
		bridge:  bridge,
		watcher: watcher,
		worker:  worker,
		admin:   NewAdmin(driver, slots, det, coord, reader, lg),
		log:     lg,
	}
	work := func(ctx context.Context, id string) {
		if err := worker.Process(ctx, id); err != nil && ctx.Err() == nil {
			lg.Warnf("process failed: id=%s err=%v", id, err)
		}
	}
	s.rt = rtm.New(rtm.Config{Concurrency: cfg.Concurrency, Logger: rtLogger{Logger: lg}}, slots.Dispatch(), work,
		rtm.Loop{Name: "driver", Interval: driver.Interval(), Fn: func(ctx context.Context) error {
			_, err := driver.Tick(ctx)
			return err
		}},
		rtm.Loop{Name: "watcher", Interval: watcher.Interval(), Fn: watcher.loop},
	)
	return s, nil
}

// Use adds processor middleware. Call it before Start.
func (s *Server) Use(mw Middleware) { s.worker.Use(mw) }

// Admin returns the operator surface.
func (s *Server) Admin() *Admin { return s.admin }

// Slots returns the admission controller.
func (s *Server) Slots() *SlotManager { return s.slots }

// Driver returns the pipeline driver.
func (s *Server) Driver() *Driver { return s.driver }

// Watcher returns the stuck watcher.
func (s *Server) Watcher() *Watcher { return s.watcher }

// Ledger returns the ledger the server runs on.
func (s *Server) Ledger() Ledger { return s.ledger }

// Start launches workers, the driver and the watcher.
// It is idempotent and non-blocking.
func (s *Server) Start() {
	s.mu.Lock()
	if s.started {
		s.log.Warnf("server already started; ignoring Start()")
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()
	s.log.Infof("starting server: capacity=%d paused=%t", s.slots.Capacity(), s.driver.Paused())
	s.rt.Start()
}

// Stop shuts down the server, waiting for in-flight processors to return.
// Records whose processing was interrupted stay in Processing and are picked
// up by the stuck watcher after a restart.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.started {
		s.log.Warnf("server not started; ignoring Stop()")
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()
	s.log.Infof("stopping server")
	s.rt.Stop()
}

// rtLogger adapts the public Logger to the internal runtime logger interface.
type rtLogger struct{ Logger }
