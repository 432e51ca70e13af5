package ingest

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// fakeClock is a manually advanced time source shared by a ledger and its test.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.UnixMilli(1_760_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Add(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newMiniClient(t testing.TB) (*redis.Client, *mrd.Miniredis) {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb, s
}

func newRedisTestLedger(t testing.TB, clk *fakeClock) *RedisLedger {
	t.Helper()
	rdb, _ := newMiniClient(t)
	return NewRedisLedger(rdb, WithClock(clk.Now), WithNamespace("test"))
}

func newSQLTestLedger(t *testing.T, clk *fakeClock) *SQLLedger {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "ledger.db") + "?_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent), TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	l := NewSQLLedger(db, WithClock(clk.Now))
	require.NoError(t, l.Migrate(context.Background()))
	return l
}

// forEachLedger runs fn against every ledger backend.
func forEachLedger(t *testing.T, fn func(t *testing.T, l Ledger, clk *fakeClock)) {
	backends := []struct {
		name string
		open func(*testing.T, *fakeClock) Ledger
	}{
		{"redis", func(t *testing.T, c *fakeClock) Ledger { return newRedisTestLedger(t, c) }},
		{"sql", func(t *testing.T, c *fakeClock) Ledger { return newSQLTestLedger(t, c) }},
	}
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			clk := newClock()
			fn(t, b.open(t, clk), clk)
		})
	}
}

var pathTo = map[Phase][]Phase{
	PhaseUploaded:   nil,
	PhaseValidating: {PhaseValidating},
	PhaseIdentified: {PhaseValidating, PhaseIdentified},
	PhaseEncoded:    {PhaseValidating, PhaseIdentified, PhaseEncoded},
	PhaseProcessing: {PhaseValidating, PhaseIdentified, PhaseEncoded, PhaseProcessing},
	PhaseCompleted:  {PhaseValidating, PhaseIdentified, PhaseEncoded, PhaseProcessing, PhaseCompleted},
	PhaseError:      {PhaseValidating, PhaseIdentified, PhaseEncoded, PhaseProcessing, PhaseError},
}

// seed creates a record with the given id and drives it to phase.
func seed(t testing.TB, l Ledger, id string, phase Phase) *UploadRecord {
	t.Helper()
	ctx := context.Background()
	rec, err := l.Create(ctx, id+".csv", RecordID(id))
	require.NoError(t, err)
	from := PhaseUploaded
	for _, to := range pathTo[phase] {
		require.NoError(t, l.Advance(ctx, id, from, to))
		from = to
	}
	rec, err = l.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, phase, rec.Phase)
	return rec
}

func mustGet(t *testing.T, l Ledger, id string) *UploadRecord {
	t.Helper()
	rec, err := l.Get(context.Background(), id)
	require.NoError(t, err)
	return rec
}

// recordingLogger captures log lines for assertions.
type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (r *recordingLogger) add(level, format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, level+" "+fmt.Sprintf(format, args...))
}

func (r *recordingLogger) Debugf(format string, args ...any) { r.add("DEBUG", format, args...) }
func (r *recordingLogger) Infof(format string, args ...any)  { r.add("INFO", format, args...) }
func (r *recordingLogger) Warnf(format string, args ...any)  { r.add("WARN", format, args...) }
func (r *recordingLogger) Errorf(format string, args ...any) { r.add("ERROR", format, args...) }

func (r *recordingLogger) contains(sub string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.lines {
		if strings.Contains(l, sub) {
			return true
		}
	}
	return false
}
