package ingest

import (
	"context"
	"strconv"
	"time"

	ikeys "github.com/UniQw/uniqw-ingest/internal/keys"
	"github.com/UniQw/uniqw-ingest/internal/store"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLedger stores upload records in Redis: one HASH per record plus one
// ZSET per phase scored by phase start time, so stuck scans are range queries.
type RedisLedger struct {
	rdb  redis.UniversalClient
	keys ikeys.Ledger
	now  func() time.Time
}

var _ Ledger = (*RedisLedger)(nil)

// NewRedisLedger creates a Redis-backed ledger.
func NewRedisLedger(rdb redis.UniversalClient, opts ...LedgerOption) *RedisLedger {
	o := applyLedgerOptions(opts)
	return &RedisLedger{rdb: rdb, keys: ikeys.For(o.namespace), now: o.now}
}

// Now returns the ledger clock.
func (l *RedisLedger) Now() time.Time { return l.now() }

// Create appends a new record in PhaseUploaded.
// It returns ErrDuplicateRecord if the ID (explicit or generated) already exists.
func (l *RedisLedger) Create(ctx context.Context, filename string, opts ...Option) (*UploadRecord, error) {
	cfg := &options{}
	for _, opt := range opts {
		opt(cfg)
	}
	id := cfg.id
	if id == "" {
		id = uuid.NewString()
	}
	now := l.now()
	row := &store.Row{ID: id, Filename: filename, Phase: string(PhaseUploaded), StartMs: now.UnixMilli()}
	ok, err := store.Create(ctx, l.rdb, l.keys, row)
	if err != nil {
		return nil, unavailable(err)
	}
	if !ok {
		return nil, ErrDuplicateRecord
	}
	at := fromMillis(row.StartMs)
	return &UploadRecord{
		ID:          id,
		Filename:    filename,
		Phase:       PhaseUploaded,
		StartTime:   at,
		LastUpdated: at,
		CreatedAt:   at,
	}, nil
}

// Get returns a live record by ID.
func (l *RedisLedger) Get(ctx context.Context, id string) (*UploadRecord, error) {
	row, err := store.Load(ctx, l.rdb, l.keys, id)
	if err != nil {
		return nil, unavailable(err)
	}
	if row == nil {
		return nil, ErrRecordNotFound
	}
	defer store.Recycle(row)
	if row.DeletedMs > 0 {
		return nil, ErrRecordNotFound
	}
	return rowToRecord(row), nil
}

// GetMany returns the live records among ids in the order given.
func (l *RedisLedger) GetMany(ctx context.Context, ids []string) ([]*UploadRecord, error) {
	rows, err := store.LoadMany(ctx, l.rdb, l.keys, ids)
	if err != nil {
		return nil, unavailable(err)
	}
	out := make([]*UploadRecord, 0, len(rows))
	for _, r := range rows {
		if r.DeletedMs == 0 {
			out = append(out, rowToRecord(r))
		}
		store.Recycle(r)
	}
	return out, nil
}

// Advance moves a record from -> to if and only if its phase is still from.
func (l *RedisLedger) Advance(ctx context.Context, id string, from, to Phase) error {
	if err := checkAdvance(from, to); err != nil {
		return err
	}
	res, err := store.Advance(ctx, l.rdb, l.keys, id, string(from), string(to), l.now().UnixMilli())
	if err != nil {
		return unavailable(err)
	}
	switch res {
	case store.Moved:
		return nil
	case store.Missing:
		return ErrRecordNotFound
	default:
		return ErrPhaseMismatch
	}
}

// FindStuck returns records in phase whose phase start is older than now-threshold, oldest first.
func (l *RedisLedger) FindStuck(ctx context.Context, phase Phase, threshold time.Duration) ([]*UploadRecord, error) {
	if !phase.Valid() {
		return nil, ErrInvalidPhase
	}
	cutoff := l.now().Add(-threshold).UnixMilli()
	ids, err := l.rdb.ZRangeByScore(ctx, l.keys.Phase(string(phase)), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, unavailable(err)
	}
	return l.loadInPhase(ctx, ids, phase)
}

// FindByPhase lists records in phase, oldest first. limit <= 0 returns all.
func (l *RedisLedger) FindByPhase(ctx context.Context, phase Phase, limit int) ([]*UploadRecord, error) {
	if !phase.Valid() {
		return nil, ErrInvalidPhase
	}
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := l.rdb.ZRange(ctx, l.keys.Phase(string(phase)), 0, stop).Result()
	if err != nil && err != redis.Nil {
		return nil, unavailable(err)
	}
	return l.loadInPhase(ctx, ids, phase)
}

// loadInPhase loads ids and drops entries whose hash no longer agrees with the
// index they were found in (a concurrent Advance between the two reads).
func (l *RedisLedger) loadInPhase(ctx context.Context, ids []string, phase Phase) ([]*UploadRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	recs, err := l.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := recs[:0]
	for _, r := range recs {
		if r.Phase == phase {
			out = append(out, r)
		}
	}
	return out, nil
}

// RecordWarning bumps failure-recovery telemetry.
func (l *RedisLedger) RecordWarning(ctx context.Context, id, note string) error {
	ok, err := store.Warn(ctx, l.rdb, l.keys, id, note, l.now().UnixMilli())
	if err != nil {
		return unavailable(err)
	}
	if !ok {
		return ErrRecordNotFound
	}
	return nil
}

// Touch updates LastUpdated.
func (l *RedisLedger) Touch(ctx context.Context, id string) error {
	ok, err := store.Touch(ctx, l.rdb, l.keys, id, l.now().UnixMilli())
	if err != nil {
		return unavailable(err)
	}
	if !ok {
		return ErrRecordNotFound
	}
	return nil
}

// SoftDelete marks the record deleted and removes it from every phase index.
func (l *RedisLedger) SoftDelete(ctx context.Context, id string) error {
	phases := make([]string, len(AllPhases))
	for i, p := range AllPhases {
		phases[i] = string(p)
	}
	ok, err := store.Delete(ctx, l.rdb, l.keys, id, phases, l.now().UnixMilli())
	if err != nil {
		return unavailable(err)
	}
	if !ok {
		return ErrRecordNotFound
	}
	return nil
}

// CountByPhase returns the size of every phase index.
func (l *RedisLedger) CountByPhase(ctx context.Context) (map[Phase]int64, error) {
	cmds := make([]*redis.IntCmd, len(AllPhases))
	_, err := l.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, ph := range AllPhases {
			cmds[i] = p.ZCard(ctx, l.keys.Phase(string(ph)))
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, unavailable(err)
	}
	out := make(map[Phase]int64, len(AllPhases))
	for i, ph := range AllPhases {
		out[ph] = cmds[i].Val()
	}
	return out, nil
}

func rowToRecord(r *store.Row) *UploadRecord {
	rec := &UploadRecord{
		ID:                 r.ID,
		Filename:           r.Filename,
		Phase:              Phase(r.Phase),
		StartTime:          fromMillis(r.StartMs),
		LastUpdated:        fromMillis(r.UpdatedMs),
		CreatedAt:          fromMillis(r.CreatedMs),
		RetryCount:         r.Retry,
		WarningCount:       r.WarnCount,
		ProcessingWarnings: r.Warnings,
	}
	if r.WarnMs > 0 {
		t := fromMillis(r.WarnMs)
		rec.LastWarningAt = &t
	}
	if r.DeletedMs > 0 {
		t := fromMillis(r.DeletedMs)
		rec.DeletedAt = &t
	}
	return rec
}
