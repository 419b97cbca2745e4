package repository

import (
	"context"

	"github.com/timmy/sqpsync/internal/domain"
	"gorm.io/gorm"
)

// ProcessableFilter narrows ListProcessable to one job, report type or report.
type ProcessableFilter struct {
	CronJobID  uint          `json:"cron_job_id,omitempty" form:"cron_job_id"`
	ReportType domain.Period `json:"report_type,omitempty" form:"report_type"`
	ReportID   string        `json:"report_id,omitempty" form:"report_id"`
	Limit      int           `json:"limit,omitempty" form:"limit"`
}

// DownloadRecordRepository persists report document lifecycles.
type DownloadRecordRepository struct {
	db *gorm.DB
}

// NewDownloadRecordRepository creates a new DownloadRecordRepository.
func NewDownloadRecordRepository(db *gorm.DB) *DownloadRecordRepository {
	return &DownloadRecordRepository{db: db}
}

// Create inserts a new record.
func (r *DownloadRecordRepository) Create(ctx context.Context, rec *domain.DownloadRecord) error {
	return r.db.WithContext(ctx).Create(rec).Error
}

// GetByID retrieves a record by its ID.
func (r *DownloadRecordRepository) GetByID(ctx context.Context, id uint) (*domain.DownloadRecord, error) {
	var rec domain.DownloadRecord
	if err := r.db.WithContext(ctx).First(&rec, id).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// FindByNaturalKey returns the newest record for (cronJobID, reportType[, reportID]).
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - cronJobID: owning cron job.
//   - reportType: period of the report.
//   - reportID: optional; empty matches any report.
// Returns:
//   - *domain.DownloadRecord: the newest match.
//   - error: gorm.ErrRecordNotFound when nothing matches.
func (r *DownloadRecordRepository) FindByNaturalKey(ctx context.Context, cronJobID uint, reportType domain.Period, reportID string) (*domain.DownloadRecord, error) {
	var rec domain.DownloadRecord
	q := r.db.WithContext(ctx).Where("cron_job_id = ? AND report_type = ?", cronJobID, reportType)
	if reportID != "" {
		q = q.Where("report_id = ?", reportID)
	}
	if err := q.Order("id DESC").First(&rec).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListProcessable returns documents eligible for import, least recently updated first.
func (r *DownloadRecordRepository) ListProcessable(ctx context.Context, f ProcessableFilter) ([]domain.DownloadRecord, error) {
	q := r.db.WithContext(ctx).
		Where("status = ?", domain.DownloadCompleted).
		Where("file_path IS NOT NULL AND file_path <> ''").
		Where("(process_status IS NULL OR process_status IN ?)", domain.ReprocessableStatuses).
		Where("process_attempts < max_process_attempts")
	if f.CronJobID > 0 {
		q = q.Where("cron_job_id = ?", f.CronJobID)
	}
	if f.ReportType != "" {
		q = q.Where("report_type = ?", f.ReportType)
	}
	if f.ReportID != "" {
		q = q.Where("report_id = ?", f.ReportID)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var recs []domain.DownloadRecord
	if err := q.Order("updated_at ASC").Order("id ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

// ListAwaitingDownload returns requested reports whose documents have not been fetched yet.
func (r *DownloadRecordRepository) ListAwaitingDownload(ctx context.Context, cronJobID uint, limit int) ([]domain.DownloadRecord, error) {
	q := r.db.WithContext(ctx).
		Where("status IN ?", []domain.DownloadStatus{domain.DownloadPending, domain.DownloadDownloading}).
		Where("report_id <> ''").
		Where("download_attempts < max_download_attempts")
	if cronJobID > 0 {
		q = q.Where("cron_job_id = ?", cronJobID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var recs []domain.DownloadRecord
	if err := q.Order("updated_at ASC").Order("id ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

// ListByCronJob returns every record of a cycle.
func (r *DownloadRecordRepository) ListByCronJob(ctx context.Context, cronJobID uint) ([]domain.DownloadRecord, error) {
	var recs []domain.DownloadRecord
	if err := r.db.WithContext(ctx).Where("cron_job_id = ?", cronJobID).Order("id ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

// Update applies column updates to one record and reports whether it exists.
func (r *DownloadRecordRepository) Update(ctx context.Context, id uint, updates map[string]interface{}) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.DownloadRecord{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
