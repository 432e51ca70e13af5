package runtime

import (
	"context"
	"sync"
	"time"
)

// Logger is a minimal logging interface used internally by the runtime.
// It mirrors the public logger in the root package to avoid an import cycle.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}

// Loop is a maintenance routine run on a ticker until the runtime stops.
type Loop struct {
	Name     string
	Interval time.Duration
	Fn       func(ctx context.Context) error
}

// Work handles one id received from the source channel.
type Work func(ctx context.Context, id string)

type Config struct {
	// Concurrency is the number of goroutines draining the source channel.
	Concurrency int
	Logger      Logger
}

// Runtime runs worker goroutines over a channel of ids plus periodic loops.
type Runtime struct {
	cfg     Config
	source  <-chan string
	work    Work
	loops   []Loop
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	log     Logger
}

// New creates a runtime. source may be nil when only loops are needed.
func New(cfg Config, source <-chan string, work Work, loops ...Loop) *Runtime {
	lg := cfg.Logger
	if lg == nil {
		lg = noopLogger{}
	}
	return &Runtime{cfg: cfg, source: source, work: work, loops: loops, log: lg}
}

// Start launches workers and loops. It is idempotent and non-blocking.
func (rt *Runtime) Start() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.started {
		rt.log.Warnf("runtime already started; ignoring Start()")
		return
	}
	rt.started = true
	ctx, cancel := context.WithCancel(context.Background())
	rt.cancel = cancel
	rt.log.Infof("runtime starting: concurrency=%d loops=%d", rt.cfg.Concurrency, len(rt.loops))

	if rt.source != nil && rt.work != nil {
		for i := 0; i < rt.cfg.Concurrency; i++ {
			rt.wg.Add(1)
			go func() {
				defer rt.wg.Done()
				rt.workerLoop(ctx)
			}()
		}
	}
	for _, l := range rt.loops {
		if l.Fn == nil || l.Interval <= 0 {
			continue
		}
		rt.wg.Add(1)
		go func(l Loop) {
			defer rt.wg.Done()
			rt.tick(ctx, l)
		}(l)
	}
}

// Stop cancels the internal context and waits for all goroutines to exit.
func (rt *Runtime) Stop() {
	rt.mu.Lock()
	if !rt.started {
		rt.log.Warnf("runtime not started; ignoring Stop()")
		rt.mu.Unlock()
		return
	}
	rt.started = false
	cancel := rt.cancel
	rt.mu.Unlock()
	rt.log.Infof("runtime stopping")

	cancel()
	rt.wg.Wait()
}

// Running reports whether Start has been called without a matching Stop.
func (rt *Runtime) Running() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.started
}

func (rt *Runtime) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-rt.source:
			if !ok {
				return
			}
			rt.work(ctx, id)
		}
	}
}

func (rt *Runtime) tick(ctx context.Context, l Loop) {
	ticker := time.NewTicker(l.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Fn(ctx); err != nil && ctx.Err() == nil {
				rt.log.Warnf("%s: %v", l.Name, err)
			}
		}
	}
}
