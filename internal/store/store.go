package store

import (
	"context"
	"strconv"
	"sync"

	"github.com/UniQw/uniqw-ingest/internal/keys"
	"github.com/redis/go-redis/v9"
)

// Row is the HASH layout of one upload record.
type Row struct {
	ID        string `redis:"id"`
	Filename  string `redis:"filename"`
	Phase     string `redis:"phase"`
	CreatedMs int64  `redis:"created_ms"`
	StartMs   int64  `redis:"start_ms"`
	UpdatedMs int64  `redis:"updated_ms"`
	Retry     int    `redis:"retry"`
	WarnCount int    `redis:"warn_count"`
	WarnMs    int64  `redis:"last_warn_ms"`
	Warnings  string `redis:"warnings"`
	DeletedMs int64  `redis:"deleted_ms"`
}

var rowPool = sync.Pool{New: func() any { return new(Row) }}

// Recycle returns a Row to the pool to reduce allocations.
func Recycle(r *Row) {
	if r == nil {
		return
	}
	*r = Row{}
	rowPool.Put(r)
}

// Advance results.
const (
	Missing  = -1
	Mismatch = 0
	Moved    = 1
)

// createScript reserves the id and writes the record with its phase index atomically.
var createScript = redis.NewScript(`
if redis.call('SADD', KEYS[1], ARGV[1]) == 0 then return 0 end
redis.call('HSET', KEYS[2],
  'id', ARGV[1], 'filename', ARGV[2], 'phase', ARGV[3],
  'created_ms', ARGV[4], 'start_ms', ARGV[4], 'updated_ms', ARGV[4],
  'retry', 0, 'warn_count', 0, 'last_warn_ms', 0, 'deleted_ms', 0)
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
return 1
`)

// advanceScript is a compare-and-swap on the phase field. On success it resets
// the phase start time and moves the id between phase indexes.
var advanceScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'phase')
if not cur then return -1 end
local del = redis.call('HGET', KEYS[1], 'deleted_ms')
if del and del ~= '0' then return -1 end
if cur ~= ARGV[2] then return 0 end
redis.call('HSET', KEYS[1], 'phase', ARGV[3], 'start_ms', ARGV[4], 'updated_ms', ARGV[4])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
return 1
`)

// warnScript bumps recovery telemetry on a live record.
var warnScript = redis.NewScript(`
local del = redis.call('HGET', KEYS[1], 'deleted_ms')
if not del or del ~= '0' then return 0 end
redis.call('HINCRBY', KEYS[1], 'retry', 1)
redis.call('HINCRBY', KEYS[1], 'warn_count', 1)
redis.call('HSET', KEYS[1], 'last_warn_ms', ARGV[1], 'updated_ms', ARGV[1], 'warnings', ARGV[2])
return 1
`)

// touchScript sets updated_ms on a live record.
var touchScript = redis.NewScript(`
local del = redis.call('HGET', KEYS[1], 'deleted_ms')
if not del or del ~= '0' then return 0 end
redis.call('HSET', KEYS[1], 'updated_ms', ARGV[1])
return 1
`)

// deleteScript soft-deletes a record and drops it from every phase index (KEYS[2..]).
var deleteScript = redis.NewScript(`
local del = redis.call('HGET', KEYS[1], 'deleted_ms')
if not del or del ~= '0' then return 0 end
redis.call('HSET', KEYS[1], 'deleted_ms', ARGV[2], 'updated_ms', ARGV[2])
for i = 2, #KEYS do
  redis.call('ZREM', KEYS[i], ARGV[1])
end
return 1
`)

// Create writes a new record. It returns false if the id is already taken.
func Create(ctx context.Context, rdb redis.UniversalClient, k keys.Ledger, r *Row) (bool, error) {
	n, err := createScript.Run(ctx, rdb,
		[]string{k.IDs, k.Record(r.ID), k.Phase(r.Phase)},
		r.ID, r.Filename, r.Phase, strconv.FormatInt(r.StartMs, 10)).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Advance runs the phase compare-and-swap and returns Moved, Mismatch or Missing.
func Advance(ctx context.Context, rdb redis.UniversalClient, k keys.Ledger, id, from, to string, nowMs int64) (int, error) {
	return advanceScript.Run(ctx, rdb,
		[]string{k.Record(id), k.Phase(from), k.Phase(to)},
		id, from, to, strconv.FormatInt(nowMs, 10)).Int()
}

// Warn records one failure recovery. It returns false if the record is missing or deleted.
func Warn(ctx context.Context, rdb redis.UniversalClient, k keys.Ledger, id, note string, nowMs int64) (bool, error) {
	n, err := warnScript.Run(ctx, rdb, []string{k.Record(id)}, strconv.FormatInt(nowMs, 10), note).Int()
	return n == 1, err
}

// Touch updates the last-updated timestamp. It returns false if the record is missing or deleted.
func Touch(ctx context.Context, rdb redis.UniversalClient, k keys.Ledger, id string, nowMs int64) (bool, error) {
	n, err := touchScript.Run(ctx, rdb, []string{k.Record(id)}, strconv.FormatInt(nowMs, 10)).Int()
	return n == 1, err
}

// Delete soft-deletes a record and removes it from the given phase indexes.
func Delete(ctx context.Context, rdb redis.UniversalClient, k keys.Ledger, id string, phases []string, nowMs int64) (bool, error) {
	ks := append([]string{k.Record(id)}, k.Phases(phases)...)
	n, err := deleteScript.Run(ctx, rdb, ks, id, strconv.FormatInt(nowMs, 10)).Int()
	return n == 1, err
}

// Load reads one record. It returns nil, nil when the record does not exist.
// The returned Row comes from a pool; pass it to Recycle when done.
func Load(ctx context.Context, rdb redis.UniversalClient, k keys.Ledger, id string) (*Row, error) {
	rows, err := LoadMany(ctx, rdb, k, []string{id})
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

// LoadMany reads records in a single pipeline, skipping ids that do not exist.
// Order follows ids.
func LoadMany(ctx context.Context, rdb redis.UniversalClient, k keys.Ledger, ids []string) ([]*Row, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, k.Record(id))
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, err
	}
	out := make([]*Row, 0, len(ids))
	for _, cmd := range cmds {
		if len(cmd.Val()) == 0 {
			continue
		}
		r := rowPool.Get().(*Row)
		if err := cmd.Scan(r); err != nil {
			Recycle(r)
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
