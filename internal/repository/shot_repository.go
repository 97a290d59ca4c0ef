package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"shotlog-service/internal/domain/shot"
)

// ShotRepository persists shot numbering and the closed-shot history.
// The counter survives restarts so numbering resumes without renumbering
// already-closed shots.
type ShotRepository struct {
	db *gorm.DB
}

func NewShotRepository(db *gorm.DB) *ShotRepository {
	return &ShotRepository{db: db}
}

// ShotCounter tracks the last issued index per calendar day.
type ShotCounter struct {
	Date      string `gorm:"primaryKey"`
	LastIndex int    `gorm:"not null"`
	UpdatedAt time.Time
}

// ShotRecord is one closed shot. Camera sets are stored as JSON arrays.
type ShotRecord struct {
	ID             int64  `gorm:"primaryKey"`
	Date           string `gorm:"not null;uniqueIndex:ux_shot_records_date_index,priority:1"`
	ShotIndex      int    `gorm:"not null;uniqueIndex:ux_shot_records_date_index,priority:2"`
	TriggerTime    time.Time
	TriggerCameras datatypes.JSON
	PresentCameras datatypes.JSON
	MissingCameras datatypes.JSON
	TimedOut       bool
	CreatedAt      time.Time
}

// NextIndex returns the index the next shot for date will receive,
// without consuming it.
func (r *ShotRepository) NextIndex(ctx context.Context, date string) (int, error) {
	last, err := r.lastIndex(ctx, date)
	if err != nil {
		return 0, err
	}
	return last + 1, nil
}

func (r *ShotRepository) lastIndex(ctx context.Context, date string) (int, error) {
	var counter ShotCounter
	err := r.db.WithContext(ctx).Where("date = ?", date).First(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return counter.LastIndex, nil
}

// Advance commits an issued index for date. The counter only moves
// forward; advancing with a lower index is a no-op.
func (r *ShotRepository) Advance(ctx context.Context, date string, index int) error {
	var counter ShotCounter
	err := r.db.WithContext(ctx).Where("date = ?", date).First(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return r.db.WithContext(ctx).Create(&ShotCounter{Date: date, LastIndex: index}).Error
	}
	if err != nil {
		return err
	}
	if index <= counter.LastIndex {
		return nil
	}
	return r.db.WithContext(ctx).Model(&ShotCounter{}).
		Where("date = ?", date).
		Update("last_index", index).Error
}

// SetNextIndex proposes that the next shot for date be numbered
// proposed. It refuses when the value collides with the already-issued
// range: Same means the exact index was used, Higher means issued
// indices exist at or above the proposal. Both the recorded shots and
// the counter itself are consulted, since the counter can run ahead of
// the history (clean-area resync seeding, failed history writes). A
// refusal leaves the counter untouched.
func (r *ShotRepository) SetNextIndex(ctx context.Context, date string, proposed int) (shot.ConflictReport, error) {
	if proposed < 1 {
		proposed = 1
	}

	var report shot.ConflictReport
	last, err := r.lastIndex(ctx, date)
	if err != nil {
		return report, err
	}
	if proposed <= last {
		report.Same = true
		report.Higher = true
	}

	var sameCount, higherCount int64
	err = r.db.WithContext(ctx).Model(&ShotRecord{}).
		Where("date = ? AND shot_index = ?", date, proposed).
		Count(&sameCount).Error
	if err != nil {
		return report, err
	}
	err = r.db.WithContext(ctx).Model(&ShotRecord{}).
		Where("date = ? AND shot_index >= ?", date, proposed).
		Count(&higherCount).Error
	if err != nil {
		return report, err
	}

	report.Same = report.Same || sameCount > 0
	report.Higher = report.Higher || higherCount > 0
	if report.Conflicts() {
		return report, nil
	}

	var counter ShotCounter
	err = r.db.WithContext(ctx).Where("date = ?", date).First(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return report, r.db.WithContext(ctx).Create(&ShotCounter{Date: date, LastIndex: proposed - 1}).Error
	}
	if err != nil {
		return report, err
	}
	return report, r.db.WithContext(ctx).Model(&ShotCounter{}).
		Where("date = ?", date).
		Update("last_index", proposed-1).Error
}

// RecordClosedShot stores one closed shot in the history.
func (r *ShotRepository) RecordClosedShot(ctx context.Context, cs shot.ClosedShot) error {
	trigger, err := json.Marshal(cs.TriggerCameras)
	if err != nil {
		return err
	}
	present, err := json.Marshal(cs.Present())
	if err != nil {
		return err
	}
	missing, err := json.Marshal(cs.Missing)
	if err != nil {
		return err
	}

	record := ShotRecord{
		Date:           cs.Date,
		ShotIndex:      cs.Index,
		TriggerTime:    cs.TriggerTime,
		TriggerCameras: trigger,
		PresentCameras: present,
		MissingCameras: missing,
		TimedOut:       cs.TimedOut,
		CreatedAt:      time.Now(),
	}
	return r.db.WithContext(ctx).Create(&record).Error
}

// ListShots returns the recorded shots for a date in index order.
func (r *ShotRepository) ListShots(ctx context.Context, date string) ([]ShotRecord, error) {
	var records []ShotRecord
	err := r.db.WithContext(ctx).
		Where("date = ?", date).
		Order("shot_index ASC").
		Find(&records).Error
	return records, err
}

// ListAllShots returns every recorded shot ordered by date then index.
func (r *ShotRepository) ListAllShots(ctx context.Context) ([]ShotRecord, error) {
	var records []ShotRecord
	err := r.db.WithContext(ctx).
		Order("date ASC, shot_index ASC").
		Find(&records).Error
	return records, err
}

// LastClosedShot returns the most recent recorded shot for a date, or
// nil when none exist.
func (r *ShotRepository) LastClosedShot(ctx context.Context, date string) (*ShotRecord, error) {
	var record ShotRecord
	err := r.db.WithContext(ctx).
		Where("date = ?", date).
		Order("shot_index DESC").
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}
