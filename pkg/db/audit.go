package db

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"peer-wan-console/pkg/model"
)

// AuditSink writes policy submissions to the shared audit table.
type AuditSink struct {
	db *gorm.DB
}

// NewAuditSink wraps an initialized connection.
func NewAuditSink(db *gorm.DB) *AuditSink { return &AuditSink{db: db} }

// Record inserts one entry.
func (s *AuditSink) Record(ctx context.Context, entry model.AuditEntry) error {
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("audit insert: %w", err)
	}
	return nil
}

// Recent lists the latest entries for a target node, newest first.
func (s *AuditSink) Recent(ctx context.Context, target string, limit int) ([]model.AuditEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []model.AuditEntry
	q := s.db.WithContext(ctx).Order("timestamp desc").Limit(limit)
	if target != "" {
		q = q.Where("target = ?", target)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("audit list: %w", err)
	}
	return out, nil
}

// Close releases the underlying pool.
func (s *AuditSink) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
