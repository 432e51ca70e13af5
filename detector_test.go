package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetector_ScanAll_DefaultThreshold(t *testing.T) {
	clk := newClock()
	l := newRedisTestLedger(t, clk)
	d := NewDetector(l)
	ctx := context.Background()

	seed(t, l, "old", PhaseProcessing)
	clk.Add(6 * time.Minute)
	seed(t, l, "young", PhaseProcessing)
	clk.Add(6 * time.Minute)

	// old: 12m, young: 6m
	hits, err := d.ScanAll(ctx, PhaseProcessing, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "old", hits[0].ID)
	assert.Equal(t, "old.csv", hits[0].Filename)
	assert.Equal(t, 12, hits[0].Minutes())

	hits, err = d.ScanAll(ctx, PhaseProcessing, 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, []string{"old", "young"}, []string{hits[0].ID, hits[1].ID})

	_, err = d.ScanAll(ctx, "stalled", time.Minute)
	require.ErrorIs(t, err, ErrInvalidPhase)
}

func TestDetector_ScanSubset_FiltersByPhase(t *testing.T) {
	clk := newClock()
	l := newRedisTestLedger(t, clk)
	d := NewDetector(l)
	ctx := context.Background()

	seed(t, l, "p1", PhaseProcessing)
	clk.Add(time.Minute)
	seed(t, l, "p0", PhaseProcessing)
	seed(t, l, "e1", PhaseEncoded)
	clk.Add(time.Minute)

	hits, err := d.ScanSubset(ctx, PhaseProcessing, []string{"p0", "e1", "missing", "p1", "p0"})
	require.NoError(t, err)
	require.Len(t, hits, 2, "other phases, unknown ids and duplicates dropped")
	assert.Equal(t, "p1", hits[0].ID, "oldest first")
	assert.Equal(t, "p0", hits[1].ID)
	assert.Equal(t, 2*time.Minute, hits[0].PhaseTime)

	hits, err = d.ScanSubset(ctx, PhaseProcessing, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestDetector_ConfiguredDefaultThreshold(t *testing.T) {
	clk := newClock()
	l := newRedisTestLedger(t, clk)
	ctx := context.Background()
	seed(t, l, "p", PhaseProcessing)
	clk.Add(5 * time.Minute)

	d := NewDetector(l, WithDefaultThreshold(3*time.Minute))
	assert.Equal(t, 3*time.Minute, d.DefaultThreshold())
	hits, err := d.ScanAll(ctx, PhaseProcessing, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	d = NewDetector(l, WithDefaultThreshold(0))
	assert.Equal(t, DefaultStuckThreshold, d.DefaultThreshold())
	hits, err = d.ScanAll(ctx, PhaseProcessing, 0)
	require.NoError(t, err)
	assert.Empty(t, hits)
}
