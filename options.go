package ingest

import "time"

type options struct {
	id string
}

// Option is a function that configures record creation.
type Option func(*options)

// RecordID sets a custom ID for the record. If not provided, a random UUID will be generated.
func RecordID(id string) Option {
	return func(o *options) {
		o.id = id
	}
}

type ledgerOptions struct {
	now       func() time.Time
	namespace string
}

// LedgerOption configures a ledger backend.
type LedgerOption func(*ledgerOptions)

// WithClock overrides the time source used for phase timestamps and stuck scans.
func WithClock(now func() time.Time) LedgerOption {
	return func(o *ledgerOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// WithNamespace sets the Redis hash tag used for ledger keys. Ignored by the SQL ledger.
func WithNamespace(ns string) LedgerOption {
	return func(o *ledgerOptions) {
		if ns != "" {
			o.namespace = ns
		}
	}
}

func applyLedgerOptions(opts []LedgerOption) ledgerOptions {
	o := ledgerOptions{now: time.Now, namespace: "uploads"}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// DetectorOption configures a Detector.
type DetectorOption func(*Detector)

// WithDefaultThreshold sets the threshold used by scans that pass none.
// Non-positive values keep DefaultStuckThreshold.
func WithDefaultThreshold(d time.Duration) DetectorOption {
	return func(det *Detector) {
		if d > 0 {
			det.threshold = d
		}
	}
}
