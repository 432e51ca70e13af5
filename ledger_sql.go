package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// uploadRow is the relational layout of an UploadRecord.
type uploadRow struct {
	ID                 string         `gorm:"column:id;primaryKey"`
	Filename           string         `gorm:"column:filename;not null"`
	Phase              string         `gorm:"column:phase;not null;index:idx_upload_phase_start,priority:1"`
	PhaseStartedMs     int64          `gorm:"column:phase_started_ms;not null;index:idx_upload_phase_start,priority:2"`
	LastUpdated        time.Time      `gorm:"column:last_updated;not null"`
	CreatedAt          time.Time      `gorm:"column:created_at;not null"`
	RetryCount         int            `gorm:"column:retry_count;not null;default:0"`
	WarningCount       int            `gorm:"column:warning_count;not null;default:0"`
	LastWarningAt      *time.Time     `gorm:"column:last_warning_at"`
	ProcessingWarnings string         `gorm:"column:processing_warnings"`
	DeletedAt          gorm.DeletedAt `gorm:"index"`
}

func (uploadRow) TableName() string { return "upload_record" }

// SQLLedger stores upload records in a relational database through GORM.
// Soft-deleted rows are excluded by GORM's DeletedAt scope.
type SQLLedger struct {
	db  *gorm.DB
	now func() time.Time
}

var _ Ledger = (*SQLLedger)(nil)

// NewSQLLedger creates a ledger on top of an open GORM handle. Opening it with
// gorm.Config.TranslateError lets duplicate inserts be told apart from outages.
func NewSQLLedger(db *gorm.DB, opts ...LedgerOption) *SQLLedger {
	o := applyLedgerOptions(opts)
	return &SQLLedger{db: db, now: o.now}
}

// Migrate creates or updates the upload_record table.
func (l *SQLLedger) Migrate(ctx context.Context) error {
	return l.db.WithContext(ctx).AutoMigrate(&uploadRow{})
}

// Now returns the ledger clock.
func (l *SQLLedger) Now() time.Time { return l.now() }

// Create appends a new record in PhaseUploaded.
func (l *SQLLedger) Create(ctx context.Context, filename string, opts ...Option) (*UploadRecord, error) {
	cfg := &options{}
	for _, opt := range opts {
		opt(cfg)
	}
	id := cfg.id
	if id == "" {
		id = uuid.NewString()
	}
	now := l.now().UTC()
	row := uploadRow{
		ID:             id,
		Filename:       filename,
		Phase:          string(PhaseUploaded),
		PhaseStartedMs: now.UnixMilli(),
		LastUpdated:    now,
		CreatedAt:      now,
	}
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Unscoped().Model(&uploadRow{}).Where("id = ?", id).Count(&n).Error; err != nil {
			return unavailable(err)
		}
		if n > 0 {
			return ErrDuplicateRecord
		}
		if err := tx.Create(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrDuplicateRecord
			}
			return unavailable(err)
		}
		return nil
	})
	if errors.Is(err, ErrLedgerUnavailable) && l.exists(ctx, id) {
		// a concurrent create committed between the check and the insert
		return nil, ErrDuplicateRecord
	}
	if err != nil {
		return nil, err
	}
	return sqlRowToRecord(&row), nil
}

// exists reports whether a row with id is present, deleted or not.
// Lookup failures count as absent.
func (l *SQLLedger) exists(ctx context.Context, id string) bool {
	var n int64
	err := l.db.WithContext(ctx).Unscoped().Model(&uploadRow{}).Where("id = ?", id).Count(&n).Error
	return err == nil && n > 0
}

// Get returns a live record by ID.
func (l *SQLLedger) Get(ctx context.Context, id string) (*UploadRecord, error) {
	var row uploadRow
	err := l.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return sqlRowToRecord(&row), nil
}

// GetMany returns the live records among ids in the order given.
func (l *SQLLedger) GetMany(ctx context.Context, ids []string) ([]*UploadRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []uploadRow
	if err := l.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, unavailable(err)
	}
	byID := make(map[string]*uploadRow, len(rows))
	for i := range rows {
		byID[rows[i].ID] = &rows[i]
	}
	out := make([]*UploadRecord, 0, len(rows))
	for _, id := range ids {
		if r, ok := byID[id]; ok {
			out = append(out, sqlRowToRecord(r))
			delete(byID, id)
		}
	}
	return out, nil
}

// Advance is a guarded UPDATE on (id, phase); zero rows affected means the
// record moved on or does not exist.
func (l *SQLLedger) Advance(ctx context.Context, id string, from, to Phase) error {
	if err := checkAdvance(from, to); err != nil {
		return err
	}
	now := l.now().UTC()
	res := l.db.WithContext(ctx).
		Model(&uploadRow{}).
		Where("id = ? AND phase = ?", id, string(from)).
		Updates(map[string]interface{}{
			"phase":            string(to),
			"phase_started_ms": now.UnixMilli(),
			"last_updated":     now,
		})
	if res.Error != nil {
		return unavailable(res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	var n int64
	if err := l.db.WithContext(ctx).Model(&uploadRow{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return unavailable(err)
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return ErrPhaseMismatch
}

// FindStuck returns records in phase whose phase start is older than now-threshold, oldest first.
func (l *SQLLedger) FindStuck(ctx context.Context, phase Phase, threshold time.Duration) ([]*UploadRecord, error) {
	if !phase.Valid() {
		return nil, ErrInvalidPhase
	}
	cutoff := l.now().Add(-threshold).UnixMilli()
	var rows []uploadRow
	err := l.db.WithContext(ctx).
		Where("phase = ? AND phase_started_ms < ?", string(phase), cutoff).
		Order("phase_started_ms ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, unavailable(err)
	}
	return sqlRowsToRecords(rows), nil
}

// FindByPhase lists records in phase, oldest first. limit <= 0 returns all.
func (l *SQLLedger) FindByPhase(ctx context.Context, phase Phase, limit int) ([]*UploadRecord, error) {
	if !phase.Valid() {
		return nil, ErrInvalidPhase
	}
	q := l.db.WithContext(ctx).
		Where("phase = ?", string(phase)).
		Order("phase_started_ms ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []uploadRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, unavailable(err)
	}
	return sqlRowsToRecords(rows), nil
}

// RecordWarning bumps failure-recovery telemetry.
func (l *SQLLedger) RecordWarning(ctx context.Context, id, note string) error {
	now := l.now().UTC()
	return l.updateLive(ctx, id, map[string]interface{}{
		"retry_count":         gorm.Expr("retry_count + 1"),
		"warning_count":       gorm.Expr("warning_count + 1"),
		"last_warning_at":     now,
		"processing_warnings": note,
		"last_updated":        now,
	})
}

// Touch updates LastUpdated.
func (l *SQLLedger) Touch(ctx context.Context, id string) error {
	return l.updateLive(ctx, id, map[string]interface{}{"last_updated": l.now().UTC()})
}

func (l *SQLLedger) updateLive(ctx context.Context, id string, updates map[string]interface{}) error {
	res := l.db.WithContext(ctx).Model(&uploadRow{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return unavailable(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// SoftDelete marks the record deleted.
func (l *SQLLedger) SoftDelete(ctx context.Context, id string) error {
	res := l.db.WithContext(ctx).Where("id = ?", id).Delete(&uploadRow{})
	if res.Error != nil {
		return unavailable(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// CountByPhase returns the number of live records per phase.
func (l *SQLLedger) CountByPhase(ctx context.Context) (map[Phase]int64, error) {
	var counts []struct {
		Phase string
		N     int64
	}
	err := l.db.WithContext(ctx).
		Model(&uploadRow{}).
		Select("phase, count(*) AS n").
		Group("phase").
		Scan(&counts).Error
	if err != nil {
		return nil, unavailable(err)
	}
	out := make(map[Phase]int64, len(AllPhases))
	for _, p := range AllPhases {
		out[p] = 0
	}
	for _, c := range counts {
		out[Phase(c.Phase)] = c.N
	}
	return out, nil
}

func sqlRowsToRecords(rows []uploadRow) []*UploadRecord {
	out := make([]*UploadRecord, 0, len(rows))
	for i := range rows {
		out = append(out, sqlRowToRecord(&rows[i]))
	}
	return out
}

func sqlRowToRecord(r *uploadRow) *UploadRecord {
	rec := &UploadRecord{
		ID:                 r.ID,
		Filename:           r.Filename,
		Phase:              Phase(r.Phase),
		StartTime:          fromMillis(r.PhaseStartedMs),
		LastUpdated:        r.LastUpdated,
		CreatedAt:          r.CreatedAt,
		RetryCount:         r.RetryCount,
		WarningCount:       r.WarningCount,
		LastWarningAt:      r.LastWarningAt,
		ProcessingWarnings: r.ProcessingWarnings,
	}
	if r.DeletedAt.Valid {
		t := r.DeletedAt.Time
		rec.DeletedAt = &t
	}
	return rec
}
