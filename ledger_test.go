package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger_CreateAndGet(t *testing.T) {
	forEachLedger(t, func(t *testing.T, l Ledger, clk *fakeClock) {
		ctx := context.Background()
		rec, err := l.Create(ctx, "statement.csv")
		require.NoError(t, err)
		require.NotEmpty(t, rec.ID, "generated id")
		assert.Equal(t, PhaseUploaded, rec.Phase)
		assert.Equal(t, clk.Now().UnixMilli(), rec.StartTime.UnixMilli())

		got := mustGet(t, l, rec.ID)
		assert.Equal(t, "statement.csv", got.Filename)
		assert.Equal(t, PhaseUploaded, got.Phase)
		assert.Zero(t, got.RetryCount)
		assert.Zero(t, got.WarningCount)
		assert.Nil(t, got.LastWarningAt)
		assert.Nil(t, got.DeletedAt)

		_, err = l.Create(ctx, "other.csv", RecordID(rec.ID))
		require.ErrorIs(t, err, ErrDuplicateRecord)

		_, err = l.Get(ctx, "missing")
		require.ErrorIs(t, err, ErrRecordNotFound)
	})
}

func TestLedger_AdvanceIsConditional(t *testing.T) {
	forEachLedger(t, func(t *testing.T, l Ledger, clk *fakeClock) {
		ctx := context.Background()
		seed(t, l, "u1", PhaseEncoded)

		clk.Add(3 * time.Minute)
		require.NoError(t, l.Advance(ctx, "u1", PhaseEncoded, PhaseProcessing))
		rec := mustGet(t, l, "u1")
		assert.Equal(t, PhaseProcessing, rec.Phase)
		assert.Equal(t, clk.Now().UnixMilli(), rec.StartTime.UnixMilli(), "start time resets on transition")
		assert.Equal(t, clk.Now().UnixMilli(), rec.LastUpdated.UnixMilli())

		// stale expectation
		require.ErrorIs(t, l.Advance(ctx, "u1", PhaseEncoded, PhaseProcessing), ErrPhaseMismatch)
		assert.Equal(t, PhaseProcessing, mustGet(t, l, "u1").Phase)

		require.ErrorIs(t, l.Advance(ctx, "nope", PhaseEncoded, PhaseProcessing), ErrRecordNotFound)
		require.ErrorIs(t, l.Advance(ctx, "u1", PhaseProcessing, PhaseUploaded), ErrInvalidTransition)
		require.ErrorIs(t, l.Advance(ctx, "u1", "bogus", PhaseEncoded), ErrInvalidPhase)
	})
}

func TestLedger_ConcurrentAdvance_OneWinner(t *testing.T) {
	forEachLedger(t, func(t *testing.T, l Ledger, _ *fakeClock) {
		ctx := context.Background()
		seed(t, l, "race", PhaseProcessing)

		const n = 8
		errs := make([]error, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Go(func() {
				to := PhaseCompleted
				if i%2 == 1 {
					to = PhaseEncoded
				}
				errs[i] = l.Advance(ctx, "race", PhaseProcessing, to)
			})
		}
		wg.Wait()

		wins := 0
		for _, err := range errs {
			if err == nil {
				wins++
				continue
			}
			require.ErrorIs(t, err, ErrPhaseMismatch)
		}
		require.Equal(t, 1, wins, "exactly one advance may succeed")
	})
}

func TestLedger_FindStuck_OldestFirst(t *testing.T) {
	forEachLedger(t, func(t *testing.T, l Ledger, clk *fakeClock) {
		ctx := context.Background()
		seed(t, l, "a", PhaseProcessing)
		clk.Add(5 * time.Minute)
		seed(t, l, "b", PhaseProcessing)
		clk.Add(7 * time.Minute)
		seed(t, l, "c", PhaseProcessing)
		seed(t, l, "gone", PhaseProcessing)
		seed(t, l, "v", PhaseValidating)
		require.NoError(t, l.SoftDelete(ctx, "gone"))
		clk.Add(8 * time.Minute)

		// a: 20m, b: 15m, c: 8m
		recs, err := l.FindStuck(ctx, PhaseProcessing, 10*time.Minute)
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, "a", recs[0].ID)
		assert.Equal(t, "b", recs[1].ID)
		assert.Equal(t, 20*time.Minute, recs[0].PhaseTime(clk.Now()))

		recs, err = l.FindStuck(ctx, PhaseProcessing, time.Minute)
		require.NoError(t, err)
		require.Len(t, recs, 3, "deleted record excluded")

		_, err = l.FindStuck(ctx, "bogus", time.Minute)
		require.ErrorIs(t, err, ErrInvalidPhase)
	})
}

func TestLedger_FindByPhase_LimitAndOrder(t *testing.T) {
	forEachLedger(t, func(t *testing.T, l Ledger, clk *fakeClock) {
		ctx := context.Background()
		for _, id := range []string{"e1", "e2", "e3"} {
			seed(t, l, id, PhaseEncoded)
			clk.Add(time.Second)
		}
		seed(t, l, "v1", PhaseValidating)

		all, err := l.FindByPhase(ctx, PhaseEncoded, 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []string{"e1", "e2", "e3"}, ids(all))

		two, err := l.FindByPhase(ctx, PhaseEncoded, 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"e1", "e2"}, ids(two))

		val, err := l.FindByPhase(ctx, PhaseValidating, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"v1"}, ids(val))
	})
}

func TestLedger_TelemetryWrites(t *testing.T) {
	forEachLedger(t, func(t *testing.T, l Ledger, clk *fakeClock) {
		ctx := context.Background()
		seed(t, l, "w", PhaseEncoded)
		start := mustGet(t, l, "w").StartTime

		clk.Add(time.Minute)
		require.NoError(t, l.RecordWarning(ctx, "w", "first"))
		clk.Add(time.Minute)
		require.NoError(t, l.RecordWarning(ctx, "w", "second"))
		rec := mustGet(t, l, "w")
		assert.Equal(t, 2, rec.RetryCount)
		assert.Equal(t, 2, rec.WarningCount)
		assert.Equal(t, "second", rec.ProcessingWarnings)
		require.NotNil(t, rec.LastWarningAt)
		assert.Equal(t, clk.Now().UnixMilli(), rec.LastWarningAt.UnixMilli())
		assert.Equal(t, PhaseEncoded, rec.Phase, "telemetry never changes phase")
		assert.Equal(t, start.UnixMilli(), rec.StartTime.UnixMilli())

		clk.Add(time.Minute)
		require.NoError(t, l.Touch(ctx, "w"))
		rec = mustGet(t, l, "w")
		assert.Equal(t, clk.Now().UnixMilli(), rec.LastUpdated.UnixMilli())
		assert.Equal(t, 2, rec.WarningCount)

		require.ErrorIs(t, l.RecordWarning(ctx, "nope", "x"), ErrRecordNotFound)
		require.ErrorIs(t, l.Touch(ctx, "nope"), ErrRecordNotFound)
	})
}

func TestLedger_SoftDelete(t *testing.T) {
	forEachLedger(t, func(t *testing.T, l Ledger, _ *fakeClock) {
		ctx := context.Background()
		seed(t, l, "d", PhaseEncoded)
		seed(t, l, "k", PhaseEncoded)

		require.NoError(t, l.SoftDelete(ctx, "d"))
		require.ErrorIs(t, l.SoftDelete(ctx, "d"), ErrRecordNotFound)

		_, err := l.Get(ctx, "d")
		require.ErrorIs(t, err, ErrRecordNotFound)
		require.ErrorIs(t, l.Advance(ctx, "d", PhaseEncoded, PhaseProcessing), ErrRecordNotFound)
		require.ErrorIs(t, l.Touch(ctx, "d"), ErrRecordNotFound)

		recs, err := l.FindByPhase(ctx, PhaseEncoded, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"k"}, ids(recs))

		many, err := l.GetMany(ctx, []string{"d", "k"})
		require.NoError(t, err)
		assert.Equal(t, []string{"k"}, ids(many))

		_, err = l.Create(ctx, "again.csv", RecordID("d"))
		require.ErrorIs(t, err, ErrDuplicateRecord, "deleted ids stay reserved")
	})
}

func TestLedger_GetManyAndCounts(t *testing.T) {
	forEachLedger(t, func(t *testing.T, l Ledger, _ *fakeClock) {
		ctx := context.Background()
		seed(t, l, "p1", PhaseProcessing)
		seed(t, l, "p2", PhaseProcessing)
		seed(t, l, "c1", PhaseCompleted)
		seed(t, l, "x1", PhaseError)
		seed(t, l, "u1", PhaseUploaded)

		many, err := l.GetMany(ctx, []string{"x1", "missing", "p1"})
		require.NoError(t, err)
		assert.Equal(t, []string{"x1", "p1"}, ids(many), "order follows the request")

		counts, err := l.CountByPhase(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), counts[PhaseProcessing])
		assert.Equal(t, int64(1), counts[PhaseCompleted])
		assert.Equal(t, int64(1), counts[PhaseError])
		assert.Equal(t, int64(1), counts[PhaseUploaded])
		assert.Equal(t, int64(0), counts[PhaseEncoded])
		assert.Len(t, counts, len(AllPhases))
	})
}

func ids(recs []*UploadRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}
