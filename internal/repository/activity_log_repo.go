package repository

import (
	"context"

	"github.com/timmy/sqpsync/internal/domain"
	"gorm.io/gorm"
)

// ActivityLogRepository appends to the cron activity audit trail.
type ActivityLogRepository struct {
	db *gorm.DB
}

// NewActivityLogRepository creates a new ActivityLogRepository.
func NewActivityLogRepository(db *gorm.DB) *ActivityLogRepository {
	return &ActivityLogRepository{db: db}
}

// Create appends one entry.
func (r *ActivityLogRepository) Create(ctx context.Context, entry *domain.CronActivityLog) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

// ListByCronJob returns a cycle's entries in insertion order.
func (r *ActivityLogRepository) ListByCronJob(ctx context.Context, cronJobID uint) ([]domain.CronActivityLog, error) {
	var entries []domain.CronActivityLog
	if err := r.db.WithContext(ctx).Where("cron_job_id = ?", cronJobID).Order("id ASC").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
