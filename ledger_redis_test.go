package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	ikeys "github.com/UniQw/uniqw-ingest/internal/keys"
	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// interceptingClient wraps a real redis.Client and can inject failures for specific commands.
type interceptingClient struct {
	*redis.Client
	failScripts  bool
	failPipeline bool
}

func (ic *interceptingClient) EvalSha(ctx context.Context, sha1 string, keys []string, args ...any) *redis.Cmd {
	if ic.failScripts {
		cmd := redis.NewCmd(ctx)
		cmd.SetErr(errors.New("EVALSHA failure (injected)"))
		return cmd
	}
	return ic.Client.EvalSha(ctx, sha1, keys, args...)
}

func (ic *interceptingClient) Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd {
	if ic.failScripts {
		cmd := redis.NewCmd(ctx)
		cmd.SetErr(errors.New("EVAL failure (injected)"))
		return cmd
	}
	return ic.Client.Eval(ctx, script, keys, args...)
}

func (ic *interceptingClient) Pipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error) {
	if ic.failPipeline {
		return nil, errors.New("pipeline failure (injected)")
	}
	return ic.Client.Pipelined(ctx, fn)
}

func newInterceptingClient(t *testing.T) *interceptingClient {
	t.Helper()
	s := mrd.RunT(t)
	base := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = base.Close() })
	return &interceptingClient{Client: base}
}

func TestRedisLedger_KeyLayout(t *testing.T) {
	rdb, _ := newMiniClient(t)
	clk := newClock()
	l := NewRedisLedger(rdb, WithClock(clk.Now), WithNamespace("acme"))
	ctx := context.Background()
	k := ikeys.For("acme")

	_, err := l.Create(ctx, "a.csv", RecordID("r1"))
	require.NoError(t, err)
	clk.Add(time.Minute)
	require.NoError(t, l.Advance(ctx, "r1", PhaseUploaded, PhaseValidating))

	phase, err := rdb.HGet(ctx, k.Record("r1"), "phase").Result()
	require.NoError(t, err)
	assert.Equal(t, "validating", phase)

	n, _ := rdb.ZCard(ctx, k.Phase("uploaded")).Result()
	assert.Zero(t, n, "id leaves the old phase index")
	score, err := rdb.ZScore(ctx, k.Phase("validating"), "r1").Result()
	require.NoError(t, err)
	assert.Equal(t, float64(clk.Now().UnixMilli()), score, "index scored by phase start")

	member, _ := rdb.SIsMember(ctx, k.IDs, "r1").Result()
	assert.True(t, member)
}

func TestRedisLedger_IndexDriftIsFiltered(t *testing.T) {
	rdb, _ := newMiniClient(t)
	clk := newClock()
	l := NewRedisLedger(rdb, WithClock(clk.Now), WithNamespace("drift"))
	ctx := context.Background()
	seed(t, l, "r1", PhaseProcessing)

	// a stale index entry for a record that is really in processing
	k := ikeys.For("drift")
	require.NoError(t, rdb.ZAdd(ctx, k.Phase("encoded"), redis.Z{Score: 1, Member: "r1"}).Err())

	recs, err := l.FindByPhase(ctx, PhaseEncoded, 0)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRedisLedger_BackendFailuresAreUnavailable(t *testing.T) {
	ic := newInterceptingClient(t)
	l := NewRedisLedger(ic, WithNamespace("fail"))
	ctx := context.Background()
	seed(t, l, "r1", PhaseEncoded)

	ic.failScripts = true
	_, err := l.Create(ctx, "b.csv")
	require.ErrorIs(t, err, ErrLedgerUnavailable)
	require.ErrorIs(t, l.Advance(ctx, "r1", PhaseEncoded, PhaseProcessing), ErrLedgerUnavailable)
	require.ErrorIs(t, l.RecordWarning(ctx, "r1", "x"), ErrLedgerUnavailable)
	require.ErrorIs(t, l.Touch(ctx, "r1"), ErrLedgerUnavailable)
	require.ErrorIs(t, l.SoftDelete(ctx, "r1"), ErrLedgerUnavailable)
	ic.failScripts = false

	ic.failPipeline = true
	_, err = l.Get(ctx, "r1")
	require.ErrorIs(t, err, ErrLedgerUnavailable)
	_, err = l.CountByPhase(ctx)
	require.ErrorIs(t, err, ErrLedgerUnavailable)
	_, err = l.FindByPhase(ctx, PhaseEncoded, 0)
	require.ErrorIs(t, err, ErrLedgerUnavailable)
	ic.failPipeline = false

	// nothing moved while the backend was failing
	assert.Equal(t, PhaseEncoded, mustGet(t, l, "r1").Phase)
}

func TestRedisLedger_UnavailableKeepsCause(t *testing.T) {
	l := newRedisTestLedger(t, newClock())
	seed(t, l, "r1", PhaseEncoded)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.Get(ctx, "r1")
	require.ErrorIs(t, err, ErrLedgerUnavailable)
	assert.ErrorIs(t, err, context.Canceled)
	err = l.Advance(ctx, "r1", PhaseEncoded, PhaseProcessing)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, PhaseEncoded, mustGet(t, l, "r1").Phase)
}
