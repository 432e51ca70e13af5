package ingest

import (
	"context"
	"sort"
)

// SlotReleaser is the part of the admission controller recovery needs.
// Release must be safe to call for ids that hold no slot.
type SlotReleaser interface {
	Release(ctx context.Context, id string) bool
	Remaining() int
}

var _ SlotReleaser = (*SlotManager)(nil)

// Bridge connects recovery to the slot pool and repairs divergence between
// ledger phase and slot occupancy.
type Bridge struct {
	slots  *SlotManager
	ledger Ledger
	log    Logger
}

var _ SlotReleaser = (*Bridge)(nil)

// NewBridge creates a bridge over slots and l.
func NewBridge(slots *SlotManager, l Ledger, log Logger) *Bridge {
	return &Bridge{slots: slots, ledger: l, log: orNoop(log)}
}

// Release frees any slot or queue entry bound to id.
func (b *Bridge) Release(ctx context.Context, id string) bool {
	released := b.slots.Release(ctx, id)
	if released {
		b.log.Debugf("slot released by recovery: id=%s", id)
	}
	return released
}

// Remaining returns the number of free slots.
func (b *Bridge) Remaining() int { return b.slots.Remaining() }

// ReconcileResult reports what Reconcile found.
type ReconcileResult struct {
	// Released lists slots freed because their record left Processing.
	Released []string `json:"released"`
	// Orphans lists Processing records holding no slot. They are left to the
	// stuck watcher, which rolls them back once past threshold.
	Orphans []string `json:"orphans"`
}

// Reconcile compares slot occupancy with the ledger. A slot whose record is
// no longer in Processing (or no longer exists) is released, unless the slot
// was released and re-admitted after the ledger was read.
func (b *Bridge) Reconcile(ctx context.Context) (*ReconcileResult, error) {
	res := &ReconcileResult{}
	held := b.slots.heldSlots()
	if len(held) > 0 {
		ids := make([]string, 0, len(held))
		for id := range held {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		recs, err := b.ledger.GetMany(ctx, ids)
		if err != nil {
			return nil, err
		}
		live := make(map[string]Phase, len(recs))
		for _, r := range recs {
			live[r.ID] = r.Phase
		}
		for _, id := range ids {
			if p, ok := live[id]; ok && p == PhaseProcessing {
				continue
			}
			// a slot re-admitted since the snapshot belongs to a newer admission
			if b.slots.releaseIf(ctx, id, held[id]) {
				res.Released = append(res.Released, id)
				b.log.Warnf("released slot for record outside processing: id=%s phase=%s", id, live[id])
			}
		}
	}

	procs, err := b.ledger.FindByPhase(ctx, PhaseProcessing, 0)
	if err != nil {
		return nil, err
	}
	for _, r := range procs {
		if !b.slots.Tracks(r.ID) {
			res.Orphans = append(res.Orphans, r.ID)
		}
	}
	return res, nil
}
