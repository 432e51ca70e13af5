package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDriver(t *testing.T, capacity int, cfg DriverConfig) (*Driver, *SlotManager, *RedisLedger, *fakeClock) {
	t.Helper()
	clk := newClock()
	l := newRedisTestLedger(t, clk)
	slots := NewSlotManager(l, SlotConfig{Capacity: capacity})
	return NewDriver(l, slots, cfg), slots, l, clk
}

func TestDriver_Defaults(t *testing.T) {
	d, _, _, _ := newTestDriver(t, 1, DriverConfig{})
	assert.Equal(t, DefaultDriverInterval, d.Interval())
	assert.False(t, d.Paused())

	d, _, _, _ = newTestDriver(t, 1, DriverConfig{StartPaused: true})
	assert.True(t, d.Paused())
}

func TestDriver_TickAdmitsInLedgerOrder(t *testing.T) {
	d, slots, l, clk := newTestDriver(t, 2, DriverConfig{})
	ctx := context.Background()
	for _, id := range []string{"e1", "e2", "e3"} {
		seed(t, l, id, PhaseEncoded)
		clk.Add(time.Second)
	}

	res, err := d.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, TickResult{Considered: 3, Admitted: 2, Queued: 1}, res)
	assert.Equal(t, []string{"e1", "e2"}, slots.ActiveIDs())
	assert.Equal(t, []string{"e3"}, queueIDs(slots.Status()))

	res, err = d.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Considered, "tracked records are not offered twice")
}

func TestDriver_PausedTickAdmitsNothing(t *testing.T) {
	d, slots, l, _ := newTestDriver(t, 2, DriverConfig{})
	ctx := context.Background()
	seed(t, l, "e1", PhaseEncoded)

	d.Pause()
	res, err := d.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, res.Paused)
	assert.Empty(t, slots.ActiveIDs())
	assert.Equal(t, PhaseEncoded, mustGet(t, l, "e1").Phase)

	d.Resume()
	res, err = d.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Admitted)
}

func TestDriver_PauseStillDrainsQueue(t *testing.T) {
	d, slots, l, _ := newTestDriver(t, 1, DriverConfig{})
	ctx := context.Background()
	seed(t, l, "a", PhaseEncoded)
	seed(t, l, "b", PhaseEncoded)
	_, err := d.Tick(ctx)
	require.NoError(t, err)

	d.Pause()
	slots.Release(ctx, "a")
	assert.Equal(t, []string{"b"}, slots.ActiveIDs())
}

func TestDriver_View(t *testing.T) {
	d, _, l, clk := newTestDriver(t, 1, DriverConfig{})
	ctx := context.Background()
	seed(t, l, "up", PhaseUploaded)
	seed(t, l, "val", PhaseValidating)
	seed(t, l, "e1", PhaseEncoded)
	seed(t, l, "e2", PhaseEncoded)
	seed(t, l, "e3", PhaseEncoded)
	seed(t, l, "ok", PhaseCompleted)
	seed(t, l, "bad", PhaseError)
	_, err := d.Tick(ctx)
	require.NoError(t, err)
	clk.Add(time.Minute)

	v, err := d.View(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v.Processing)
	assert.Equal(t, int64(1), v.Completed)
	assert.Equal(t, int64(1), v.Failed)
	assert.Equal(t, int64(4), v.Pending)
	assert.True(t, v.Busy)
	assert.False(t, v.Paused)
	assert.Len(t, v.Slots.Queue, 2)
	assert.Empty(t, v.Waiting[PhaseEncoded], "queued records are listed once")
	require.Len(t, v.Waiting[PhaseUploaded], 1)
	assert.Equal(t, time.Minute, v.Waiting[PhaseUploaded][0].PhaseTime)
	assert.Len(t, v.Waiting[PhaseValidating], 1)
	assert.Empty(t, v.Waiting[PhaseIdentified])
	assert.True(t, v.GeneratedAt.Equal(clk.Now()))
}

func TestDriver_ViewIdle(t *testing.T) {
	d, _, _, _ := newTestDriver(t, 2, DriverConfig{StartPaused: true})
	v, err := d.View(context.Background(), 10)
	require.NoError(t, err)
	assert.False(t, v.Busy)
	assert.True(t, v.Paused)
	assert.Equal(t, 2, v.Slots.RemainingSlots)
}
