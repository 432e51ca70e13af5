package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/UniQw/uniqw-ingest/internal/hctx"
)

// Processor is the expensive stage: it transforms one admitted record.
// A nil error completes the record, anything else sends it to PhaseError.
type Processor func(ctx context.Context, rec *UploadRecord) error

// Middleware wraps a Processor to provide cross-cutting concerns.
type Middleware func(Processor) Processor

// Worker runs a Processor for records admitted by a SlotManager and reports
// the terminal phase back to the ledger.
type Worker struct {
	ledger      Ledger
	slots       *SlotManager
	proc        Processor
	middlewares []Middleware
	log         Logger
}

// NewWorker creates a worker harness around proc.
func NewWorker(l Ledger, slots *SlotManager, proc Processor, log Logger) *Worker {
	return &Worker{ledger: l, slots: slots, proc: proc, log: orNoop(log)}
}

// Use adds middleware(s) to the worker. Middlewares are executed in the order they are added.
func (w *Worker) Use(mw Middleware) {
	w.middlewares = append(w.middlewares, mw)
}

func (w *Worker) wrap(p Processor) Processor {
	for i := len(w.middlewares) - 1; i >= 0; i-- {
		p = w.middlewares[i](p)
	}
	return p
}

// Run processes admitted ids from the slot manager until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-w.slots.Dispatch():
			if err := w.Process(ctx, id); err != nil {
				w.log.Warnf("process failed: id=%s err=%v", id, err)
			}
		}
	}
}

// Process runs the processor for one admitted id, writes Processing->Completed
// or Processing->Error and releases the slot.
// If the record was moved by someone else meanwhile (typically recovery), the
// result is dropped and the slot is left alone. A record deleted meanwhile
// gives its slot back. If ctx is cancelled while the
// processor runs, the record is left in Processing for the stuck watcher.
func (w *Worker) Process(ctx context.Context, id string) error {
	if !w.slots.Holds(id) {
		w.log.Debugf("dispatch without slot ignored: id=%s", id)
		return nil
	}
	rec, err := w.ledger.Get(ctx, id)
	if errors.Is(err, ErrRecordNotFound) {
		w.slots.Release(ctx, id)
		return nil
	}
	if err != nil {
		return err
	}
	if rec.Phase != PhaseProcessing {
		w.log.Warnf("admitted record not in processing: id=%s phase=%s", id, rec.Phase)
		w.slots.Release(ctx, id)
		return nil
	}

	st := hctx.New(id, w.slots.SetProgress)
	perr := w.wrap(w.proc)(hctx.WithState(ctx, st), rec)
	if ctx.Err() != nil {
		w.log.Warnf("processing abandoned: id=%s err=%v", id, ctx.Err())
		return ctx.Err()
	}

	to := PhaseCompleted
	if perr != nil {
		to = PhaseError
		w.log.Warnf("processing failed: id=%s file=%s err=%v", id, rec.Filename, perr)
	}
	err = w.ledger.Advance(ctx, id, PhaseProcessing, to)
	if errors.Is(err, ErrPhaseMismatch) {
		w.log.Infof("stale completion ignored: id=%s outcome=%s", id, to)
		return nil
	}
	if errors.Is(err, ErrRecordNotFound) {
		w.log.Infof("record deleted during processing: id=%s outcome=%s", id, to)
		w.slots.Release(ctx, id)
		return nil
	}
	if err != nil {
		return err
	}
	w.slots.Release(ctx, id)
	w.log.Debugf("processed: id=%s phase=%s", id, to)
	return nil
}

// RecoverPanics turns a processor panic into an error so the record goes to
// PhaseError instead of crashing the worker.
func RecoverPanics(log Logger) Middleware {
	log = orNoop(log)
	return func(next Processor) Processor {
		return func(ctx context.Context, rec *UploadRecord) (err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("processor panic: id=%s panic=%v", rec.ID, r)
					err = fmt.Errorf("processor panic: %v", r)
				}
			}()
			return next(ctx, rec)
		}
	}
}
