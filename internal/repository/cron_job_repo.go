package repository

import (
	"context"

	"github.com/timmy/sqpsync/internal/domain"
	"gorm.io/gorm"
)

// CronJobRepository persists pull cycles.
type CronJobRepository struct {
	db *gorm.DB
}

// NewCronJobRepository creates a new CronJobRepository.
func NewCronJobRepository(db *gorm.DB) *CronJobRepository {
	return &CronJobRepository{db: db}
}

// Create inserts a new cycle.
func (r *CronJobRepository) Create(ctx context.Context, job *domain.CronJob) error {
	return r.db.WithContext(ctx).Create(job).Error
}

// GetByID retrieves a cycle by its ID.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: cron job ID.
// Returns:
//   - *domain.CronJob: the cycle if found.
//   - error: gorm.ErrRecordNotFound when missing.
func (r *CronJobRepository) GetByID(ctx context.Context, id uint) (*domain.CronJob, error) {
	var job domain.CronJob
	if err := r.db.WithContext(ctx).First(&job, id).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// LatestForSeller returns the most recent cycle of a seller.
func (r *CronJobRepository) LatestForSeller(ctx context.Context, sellerID uint) (*domain.CronJob, error) {
	var job domain.CronJob
	if err := r.db.WithContext(ctx).
		Where("seller_id = ?", sellerID).
		Order("id DESC").
		First(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// ListBySeller returns a seller's cycles, newest first.
func (r *CronJobRepository) ListBySeller(ctx context.Context, sellerID uint, limit int) ([]domain.CronJob, error) {
	var jobs []domain.CronJob
	q := r.db.WithContext(ctx).Where("seller_id = ?", sellerID).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// UpdatePeriod writes PeriodState columns of one period. Keys of updates are PeriodState
// column names without the period prefix (pull_status, last_error, ...).
// When from is non-empty the write only applies if the current status is one of from.
// It reports whether a row was updated.
func (r *CronJobRepository) UpdatePeriod(ctx context.Context, id uint, period domain.Period, from []domain.PullStatus, updates map[string]interface{}) (bool, error) {
	cols := make(map[string]interface{}, len(updates))
	for k, v := range updates {
		cols[domain.PeriodColumn(period, k)] = v
	}

	q := r.db.WithContext(ctx).Model(&domain.CronJob{}).Where("id = ?", id)
	if len(from) > 0 {
		q = q.Where(domain.PeriodColumn(period, "pull_status")+" IN ?", from)
	}
	res := q.Updates(cols)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// IncrementRetry bumps a period's retry counter.
func (r *CronJobRepository) IncrementRetry(ctx context.Context, id uint, period domain.Period) error {
	col := domain.PeriodColumn(period, "retry_count")
	return r.db.WithContext(ctx).Model(&domain.CronJob{}).
		Where("id = ?", id).
		UpdateColumn(col, gorm.Expr(col+" + 1")).Error
}
