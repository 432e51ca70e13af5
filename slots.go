package ingest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// DefaultCapacity is the slot pool size used when SlotConfig.Capacity is unset.
const DefaultCapacity = 2

// SlotConfig configures the admission controller.
type SlotConfig struct {
	// Capacity is the number of records allowed in PhaseProcessing at once.
	Capacity int
	// DispatchBuffer is the size of the channel that hands admitted ids to workers.
	// Defaults to twice the capacity.
	DispatchBuffer int
	// Logger is used for admission events.
	Logger Logger
}

// Admission is the outcome of TryAdmit.
type Admission int

const (
	// Queued means no slot was free; the record waits in the FIFO queue.
	Queued Admission = iota
	// Admitted means the record holds a slot and is now in PhaseProcessing.
	Admitted
)

func (a Admission) String() string {
	if a == Admitted {
		return "admitted"
	}
	return "queued"
}

// Slot describes one occupied slot.
type Slot struct {
	ID         string        `json:"id"`
	Filename   string        `json:"filename"`
	AdmittedAt time.Time     `json:"admitted_at"`
	Elapsed    time.Duration `json:"elapsed"`
	Progress   int           `json:"progress"`
	// Admitting is true while the ledger transition into Processing is in flight.
	Admitting bool `json:"admitting,omitempty"`
}

// QueueEntry describes one record waiting for a slot.
type QueueEntry struct {
	ID         string        `json:"id"`
	Filename   string        `json:"filename"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
	Waiting    time.Duration `json:"waiting"`
}

// SlotStatus is a point-in-time view of the pool.
type SlotStatus struct {
	Capacity       int          `json:"capacity"`
	Active         []Slot       `json:"active"`
	Queue          []QueueEntry `json:"queue"`
	RemainingSlots int          `json:"remaining_slots"`
}

type slotEntry struct {
	id         string
	filename   string
	admittedAt time.Time
	admitting  bool
	progress   int
	// gen distinguishes successive admissions of the same id.
	gen uint64
}

type queueItem struct {
	id         string
	filename   string
	enqueuedAt time.Time
}

// SlotManager is the admission controller: a fixed pool of slots gating entry
// into PhaseProcessing, with a FIFO queue for overflow. Its state is in memory
// and is not transactionally coupled to the ledger.
type SlotManager struct {
	ledger   Ledger
	capacity int
	log      Logger

	// admitMu serializes admissions so the queue drains strictly in order.
	admitMu sync.Mutex

	mu     sync.Mutex
	active map[string]*slotEntry
	queue  []*queueItem
	queued map[string]*queueItem
	gen    uint64

	dispatch chan string
}

// NewSlotManager creates an admission controller over l.
func NewSlotManager(l Ledger, cfg SlotConfig) *SlotManager {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.DispatchBuffer <= 0 {
		cfg.DispatchBuffer = 2 * cfg.Capacity
	}
	return &SlotManager{
		ledger:   l,
		capacity: cfg.Capacity,
		log:      orNoop(cfg.Logger),
		active:   make(map[string]*slotEntry, cfg.Capacity),
		queued:   make(map[string]*queueItem),
		dispatch: make(chan string, cfg.DispatchBuffer),
	}
}

// TryAdmit asks for a slot for record id, which must be in PhaseEncoded.
// The id joins the back of the queue and the queue is drained head-first while
// capacity allows, so a newer record never overtakes an older one.
// A record whose ledger transition fails with ErrPhaseMismatch or
// ErrRecordNotFound is dropped and that error is returned.
func (m *SlotManager) TryAdmit(ctx context.Context, id, filename string) (Admission, error) {
	if id == "" {
		return Queued, ErrRecordNotFound
	}
	m.admitMu.Lock()
	defer m.admitMu.Unlock()

	m.mu.Lock()
	if _, ok := m.active[id]; ok {
		m.mu.Unlock()
		return Admitted, nil
	}
	if _, ok := m.queued[id]; !ok {
		it := &queueItem{id: id, filename: filename, enqueuedAt: m.ledger.Now()}
		m.queue = append(m.queue, it)
		m.queued[id] = it
	}
	m.mu.Unlock()

	dropped, err := m.drain(ctx)
	if derr, ok := dropped[id]; ok {
		return Queued, derr
	}
	if m.Holds(id) {
		return Admitted, nil
	}
	return Queued, err
}

// Promote admits queued records into free slots.
func (m *SlotManager) Promote(ctx context.Context) error {
	m.admitMu.Lock()
	defer m.admitMu.Unlock()
	_, err := m.drain(ctx)
	return err
}

// drain must be called with admitMu held. A slot is reserved before the ledger
// call so concurrent readers never see more than capacity occupied.
func (m *SlotManager) drain(ctx context.Context) (map[string]error, error) {
	var dropped map[string]error
	for {
		m.mu.Lock()
		if len(m.queue) == 0 || len(m.active) >= m.capacity {
			m.mu.Unlock()
			return dropped, nil
		}
		head := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		delete(m.queued, head.id)
		m.gen++
		m.active[head.id] = &slotEntry{id: head.id, filename: head.filename, admitting: true, gen: m.gen}
		m.mu.Unlock()

		err := m.ledger.Advance(ctx, head.id, PhaseEncoded, PhaseProcessing)

		m.mu.Lock()
		e, held := m.active[head.id]
		if err != nil {
			if held && e.admitting {
				delete(m.active, head.id)
			}
			if !errors.Is(err, ErrPhaseMismatch) && !errors.Is(err, ErrRecordNotFound) {
				// keep its place at the head; the ledger is the problem, not the record
				if _, again := m.queued[head.id]; !again {
					m.queue = append([]*queueItem{head}, m.queue...)
					m.queued[head.id] = head
				}
				m.mu.Unlock()
				return dropped, err
			}
			m.mu.Unlock()
			if dropped == nil {
				dropped = make(map[string]error)
			}
			dropped[head.id] = err
			m.log.Debugf("admission dropped: id=%s err=%v", head.id, err)
			continue
		}
		if !held {
			m.mu.Unlock()
			m.log.Warnf("slot released during admission: id=%s", head.id)
			continue
		}
		e.admitting = false
		e.admittedAt = m.ledger.Now()
		m.mu.Unlock()

		m.log.Debugf("admitted: id=%s file=%s", head.id, head.filename)
		m.notify(head.id)
	}
}

func (m *SlotManager) notify(id string) {
	select {
	case m.dispatch <- id:
	default:
		m.log.Warnf("dispatch full; admitted record left for recovery: id=%s", id)
	}
}

// Release removes any slot or queue entry bound to id and refills freed capacity
// from the queue. It is idempotent and reports whether a slot was freed.
func (m *SlotManager) Release(ctx context.Context, id string) bool {
	m.mu.Lock()
	_, freed := m.active[id]
	delete(m.active, id)
	m.unqueue(id)
	m.mu.Unlock()

	if freed {
		if err := m.Promote(ctx); err != nil {
			m.log.Warnf("promote after release failed: id=%s err=%v", id, err)
		}
	}
	return freed
}

// releaseIf frees the slot of id only if it is still the admission identified
// by gen. Queue entries are left alone.
func (m *SlotManager) releaseIf(ctx context.Context, id string, gen uint64) bool {
	m.mu.Lock()
	e, ok := m.active[id]
	freed := ok && !e.admitting && e.gen == gen
	if freed {
		delete(m.active, id)
	}
	m.mu.Unlock()

	if freed {
		if err := m.Promote(ctx); err != nil {
			m.log.Warnf("promote after release failed: id=%s err=%v", id, err)
		}
	}
	return freed
}

// ClearAll empties the queue without touching active slots or ledger phases.
// It returns the number of dropped queue entries.
func (m *SlotManager) ClearAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.queue)
	m.queue = nil
	m.queued = make(map[string]*queueItem)
	return n
}

// ClearStuck forcibly frees the named slots without touching the ledger, then
// refills from the queue. It returns the number of slots freed.
func (m *SlotManager) ClearStuck(ctx context.Context, ids []string) int {
	m.mu.Lock()
	n := 0
	for _, id := range ids {
		if _, ok := m.active[id]; ok {
			delete(m.active, id)
			n++
		}
	}
	m.mu.Unlock()

	if n > 0 {
		if err := m.Promote(ctx); err != nil {
			m.log.Warnf("promote after clear failed: err=%v", err)
		}
	}
	return n
}

// Status returns the active slots (oldest admission first), the queue in FIFO
// order and the number of free slots.
func (m *SlotManager) Status() SlotStatus {
	now := m.ledger.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	st := SlotStatus{
		Capacity:       m.capacity,
		Active:         make([]Slot, 0, len(m.active)),
		Queue:          make([]QueueEntry, 0, len(m.queue)),
		RemainingSlots: m.remainingLocked(),
	}
	for _, e := range m.active {
		s := Slot{ID: e.id, Filename: e.filename, AdmittedAt: e.admittedAt, Progress: e.progress, Admitting: e.admitting}
		if !e.admitting {
			s.Elapsed = nonNegative(now.Sub(e.admittedAt))
		}
		st.Active = append(st.Active, s)
	}
	sort.Slice(st.Active, func(i, j int) bool {
		a, b := st.Active[i], st.Active[j]
		if !a.AdmittedAt.Equal(b.AdmittedAt) {
			return a.AdmittedAt.Before(b.AdmittedAt)
		}
		return a.ID < b.ID
	})
	for _, it := range m.queue {
		st.Queue = append(st.Queue, QueueEntry{
			ID:         it.id,
			Filename:   it.filename,
			EnqueuedAt: it.enqueuedAt,
			Waiting:    nonNegative(now.Sub(it.enqueuedAt)),
		})
	}
	return st
}

// Remaining returns capacity minus occupied slots.
func (m *SlotManager) Remaining() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remainingLocked()
}

// Capacity returns the configured pool size.
func (m *SlotManager) Capacity() int { return m.capacity }

// Holds reports whether id occupies a fully admitted slot.
func (m *SlotManager) Holds(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.active[id]
	return ok && !e.admitting
}

// Tracks reports whether id holds a slot or waits in the queue.
func (m *SlotManager) Tracks(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[id]; ok {
		return true
	}
	_, ok := m.queued[id]
	return ok
}

// ActiveIDs returns the ids of fully admitted slots.
func (m *SlotManager) ActiveIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.active))
	for id, e := range m.active {
		if !e.admitting {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// heldSlots returns the admission generation of every fully admitted slot.
func (m *SlotManager) heldSlots() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.active))
	for id, e := range m.active {
		if !e.admitting {
			out[id] = e.gen
		}
	}
	return out
}

// Dispatch returns the channel on which admitted ids are handed to workers.
func (m *SlotManager) Dispatch() <-chan string { return m.dispatch }

// SetProgress records processor progress for an active slot.
func (m *SlotManager) SetProgress(id string, p int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.active[id]; ok {
		e.progress = p
	}
}

func (m *SlotManager) remainingLocked() int {
	n := m.capacity - len(m.active)
	if n < 0 {
		return 0
	}
	return n
}

// unqueue must be called with mu held.
func (m *SlotManager) unqueue(id string) {
	if _, ok := m.queued[id]; !ok {
		return
	}
	delete(m.queued, id)
	for i, it := range m.queue {
		if it.id == id {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return
		}
	}
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
