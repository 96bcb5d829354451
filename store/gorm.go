package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// FusionRecord is the database row for one processed request. The fusion
// outputs and per-capability results are stored as a JSON document; only
// the columns used for lookup are first-class.
type FusionRecord struct {
	ID        uint      `gorm:"primaryKey"`
	RequestID string    `gorm:"index;size:64"`
	Status    string    `gorm:"size:16"`
	Body      string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"index"`
}

// TableName keeps the table name stable regardless of gorm's pluralizer.
func (FusionRecord) TableName() string { return "fusion_records" }

// GormSink persists request records through gorm. It works against any
// dialect gorm supports; production configs use postgres, tests use the
// pure-Go sqlite driver.
type GormSink struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormSink migrates the record table and returns the sink.
func NewGormSink(db *gorm.DB, logger *zap.Logger) (*GormSink, error) {
	if err := db.AutoMigrate(&FusionRecord{}); err != nil {
		return nil, fmt.Errorf("migrate fusion_records: %w", err)
	}
	return &GormSink{
		db:     db,
		logger: logger.With(zap.String("component", "gorm_sink")),
	}, nil
}

// Name implements Sink.
func (s *GormSink) Name() string { return "database" }

// Store implements Sink.
func (s *GormSink) Store(ctx context.Context, rec *Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	row := FusionRecord{
		RequestID: rec.RequestID,
		Status:    rec.Status,
		Body:      string(body),
		CreatedAt: rec.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert fusion record: %w", err)
	}
	return nil
}

// FetchByRequestID returns the most recent stored record for a request.
func (s *GormSink) FetchByRequestID(ctx context.Context, requestID string) (*Record, error) {
	var row FusionRecord
	err := s.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		Order("id DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query fusion record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(row.Body), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record body: %w", err)
	}
	return &rec, nil
}
