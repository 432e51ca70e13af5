package ingest

import (
	"context"
	"time"

	ikeys "github.com/UniQw/uniqw-ingest/internal/keys"
	"github.com/redis/go-redis/v9"
)

// RecoveryEntry is the audit record of one record handled by a recovery pass.
type RecoveryEntry struct {
	At         time.Time `json:"at"`
	ID         string    `json:"id"`
	Filename   string    `json:"filename"`
	From       Phase     `json:"from"`
	To         Phase     `json:"to,omitempty"`
	StuckFor   int64     `json:"stuck_for_ms"`
	RetryCount int       `json:"retry_count"`
	Outcome    Outcome   `json:"outcome"`
	Forced     bool      `json:"forced,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// RecoverySummary is the audit record of one whole recovery pass.
type RecoverySummary struct {
	At           time.Time `json:"at"`
	Phase        Phase     `json:"phase"`
	Requested    int       `json:"requested"`
	Reset        int       `json:"reset"`
	Skipped      int       `json:"skipped"`
	Exhausted    int       `json:"exhausted"`
	Failed       int       `json:"failed"`
	SlotsCleared int       `json:"slots_cleared"`
	Stopped      bool      `json:"stopped,omitempty"`
}

// AuditEvent is what RedisAuditSink stores: exactly one of Entry or Summary is set.
type AuditEvent struct {
	Kind    string           `json:"kind"`
	Entry   *RecoveryEntry   `json:"entry,omitempty"`
	Summary *RecoverySummary `json:"summary,omitempty"`
}

const (
	auditKindEntry   = "entry"
	auditKindSummary = "summary"
)

// AuditSink receives recovery audit records. Failures are logged by the caller
// and never abort recovery.
type AuditSink interface {
	RecordEntry(ctx context.Context, e RecoveryEntry) error
	RecordSummary(ctx context.Context, s RecoverySummary) error
}

// LogAuditSink writes audit records to a Logger.
type LogAuditSink struct {
	log Logger
}

// NewLogAuditSink creates a sink over l. A nil l uses FmtLogger.
func NewLogAuditSink(l Logger) *LogAuditSink {
	if l == nil {
		l = NewFmtLogger()
	}
	return &LogAuditSink{log: l}
}

func (s *LogAuditSink) RecordEntry(_ context.Context, e RecoveryEntry) error {
	if e.Error != "" {
		s.log.Warnf("recovery: id=%s file=%s from=%s outcome=%s retries=%d err=%s",
			e.ID, e.Filename, e.From, e.Outcome, e.RetryCount, e.Error)
		return nil
	}
	s.log.Infof("recovery: id=%s file=%s from=%s to=%s outcome=%s stuck=%s retries=%d forced=%t",
		e.ID, e.Filename, e.From, e.To, e.Outcome, time.Duration(e.StuckFor)*time.Millisecond, e.RetryCount, e.Forced)
	return nil
}

func (s *LogAuditSink) RecordSummary(_ context.Context, sum RecoverySummary) error {
	s.log.Infof("recovery pass: phase=%s requested=%d reset=%d skipped=%d exhausted=%d failed=%d slots_cleared=%d stopped=%t",
		sum.Phase, sum.Requested, sum.Reset, sum.Skipped, sum.Exhausted, sum.Failed, sum.SlotsCleared, sum.Stopped)
	return nil
}

// DefaultAuditLimit is how many events RedisAuditSink keeps.
const DefaultAuditLimit = 1000

// RedisAuditSink keeps the most recent audit events in a capped Redis LIST,
// newest first.
type RedisAuditSink struct {
	rdb   redis.UniversalClient
	key   string
	limit int64
	enc   Encoder
}

// AuditOption configures a RedisAuditSink.
type AuditOption func(*RedisAuditSink)

// WithAuditLimit caps the number of retained events.
func WithAuditLimit(n int) AuditOption {
	return func(s *RedisAuditSink) {
		if n > 0 {
			s.limit = int64(n)
		}
	}
}

// WithAuditEncoder overrides the event encoder.
func WithAuditEncoder(enc Encoder) AuditOption {
	return func(s *RedisAuditSink) {
		if enc != nil {
			s.enc = enc
		}
	}
}

// NewRedisAuditSink creates a sink in the given ledger namespace ("" means the default).
func NewRedisAuditSink(rdb redis.UniversalClient, namespace string, opts ...AuditOption) *RedisAuditSink {
	if namespace == "" {
		namespace = applyLedgerOptions(nil).namespace
	}
	s := &RedisAuditSink{
		rdb:   rdb,
		key:   ikeys.For(namespace).Audit,
		limit: DefaultAuditLimit,
		enc:   &JSONEncoder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisAuditSink) RecordEntry(ctx context.Context, e RecoveryEntry) error {
	return s.push(ctx, AuditEvent{Kind: auditKindEntry, Entry: &e})
}

func (s *RedisAuditSink) RecordSummary(ctx context.Context, sum RecoverySummary) error {
	return s.push(ctx, AuditEvent{Kind: auditKindSummary, Summary: &sum})
}

func (s *RedisAuditSink) push(ctx context.Context, ev AuditEvent) error {
	data, err := s.enc.Encode(ev)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, s.key, data)
		p.LTrim(ctx, s.key, 0, s.limit-1)
		return nil
	})
	return err
}

// Recent returns up to n of the newest events, newest first.
// Entries that fail to decode are skipped.
func (s *RedisAuditSink) Recent(ctx context.Context, n int) ([]AuditEvent, error) {
	if n <= 0 {
		n = 50
	}
	raw, err := s.rdb.LRange(ctx, s.key, 0, int64(n-1)).Result()
	if err != nil && err != redis.Nil {
		return nil, unavailable(err)
	}
	out := make([]AuditEvent, 0, len(raw))
	for _, r := range raw {
		var ev AuditEvent
		if err := s.enc.Decode([]byte(r), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}
