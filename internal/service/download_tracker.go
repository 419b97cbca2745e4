package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/timmy/sqpsync/internal/domain"
	"github.com/timmy/sqpsync/internal/logger"
	"github.com/timmy/sqpsync/internal/repository"
	"gorm.io/gorm"
)

// Selector addresses a download record by primary key or by natural key
// (CronJobID + ReportType, optionally ReportID).
type Selector struct {
	ID         uint
	CronJobID  uint
	ReportType domain.Period
	ReportID   string
}

func (s Selector) natural() bool {
	return s.ID == 0 && s.CronJobID > 0 && s.ReportType != ""
}

// DownloadUpdate is the payload of MarkDownloadStatus. Zero values are left untouched.
type DownloadUpdate struct {
	Status            domain.DownloadStatus
	Error             string
	FilePath          string
	FileSize          int64
	IncrementAttempts bool
	AmazonSellerID    string
}

// DownloadTracker maintains DownloadRecord lifecycles.
type DownloadTracker struct {
	store               *repository.Store
	maxProcessAttempts  int
	maxDownloadAttempts int
	now                 func() time.Time
}

// NewDownloadTracker creates a tracker; the attempt caps apply to rows it creates.
func NewDownloadTracker(store *repository.Store, maxProcessAttempts, maxDownloadAttempts int) *DownloadTracker {
	return &DownloadTracker{
		store:               store,
		maxProcessAttempts:  maxProcessAttempts,
		maxDownloadAttempts: maxDownloadAttempts,
		now:                 time.Now,
	}
}

// ListProcessable returns the documents eligible for import, oldest update first.
func (t *DownloadTracker) ListProcessable(ctx context.Context, f repository.ProcessableFilter) ([]domain.DownloadRecord, error) {
	recs, err := t.store.Downloads.ListProcessable(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list processable downloads: %w", err)
	}
	return recs, nil
}

// MarkDownloadStatus applies upd to the selected record. A natural-key selector that
// matches nothing creates a minimal row so the status is never lost; a primary-key
// selector that matches nothing returns gorm.ErrRecordNotFound.
func (t *DownloadTracker) MarkDownloadStatus(ctx context.Context, sel Selector, upd DownloadUpdate) (*domain.DownloadRecord, error) {
	rec, err := t.find(ctx, sel)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound) && sel.natural():
		return t.createMinimal(ctx, sel, upd)
	case err != nil:
		return nil, err
	}

	now := t.now()
	updates := map[string]interface{}{}
	if upd.Status != "" {
		updates["status"] = upd.Status
		switch upd.Status {
		case domain.DownloadDownloading:
			updates["download_started_at"] = now
		case domain.DownloadCompleted:
			updates["download_completed_at"] = now
			updates["error_message"] = ""
		}
	}
	if upd.Error != "" {
		updates["error_message"] = upd.Error
	}
	if upd.FilePath != "" {
		updates["file_path"] = upd.FilePath
	}
	if upd.FileSize > 0 {
		updates["file_size"] = upd.FileSize
	}
	if upd.AmazonSellerID != "" {
		updates["amazon_seller_id"] = upd.AmazonSellerID
	}
	if sel.ReportID != "" && rec.ReportID == "" {
		updates["report_id"] = sel.ReportID
	}
	if upd.IncrementAttempts {
		updates["download_attempts"] = gorm.Expr("download_attempts + 1")
	}
	if len(updates) == 0 {
		return rec, nil
	}
	if _, err := t.store.Downloads.Update(ctx, rec.ID, updates); err != nil {
		logger.With(logger.Fields{logger.FieldDownloadID: rec.ID, logger.FieldStatus: string(upd.Status)}).
			Error(ctx, "Failed to record download status (business error: %q): %v", upd.Error, err)
		return nil, fmt.Errorf("update download %d: %w", rec.ID, err)
	}
	return t.store.Downloads.GetByID(ctx, rec.ID)
}

func (t *DownloadTracker) find(ctx context.Context, sel Selector) (*domain.DownloadRecord, error) {
	if sel.ID > 0 {
		return t.store.Downloads.GetByID(ctx, sel.ID)
	}
	if !sel.natural() {
		return nil, fmt.Errorf("download selector needs an id or cron job and report type")
	}
	return t.store.Downloads.FindByNaturalKey(ctx, sel.CronJobID, sel.ReportType, sel.ReportID)
}

func (t *DownloadTracker) createMinimal(ctx context.Context, sel Selector, upd DownloadUpdate) (*domain.DownloadRecord, error) {
	status := upd.Status
	if status == "" {
		status = domain.DownloadPending
	}
	rec := &domain.DownloadRecord{
		CronJobID:           sel.CronJobID,
		ReportType:          sel.ReportType,
		ReportID:            sel.ReportID,
		AmazonSellerID:      upd.AmazonSellerID,
		Status:              status,
		FilePath:            upd.FilePath,
		FileSize:            upd.FileSize,
		ErrorMessage:        upd.Error,
		MaxDownloadAttempts: t.maxDownloadAttempts,
		MaxProcessAttempts:  t.maxProcessAttempts,
	}
	if upd.IncrementAttempts {
		rec.DownloadAttempts = 1
	}
	if status == domain.DownloadCompleted {
		now := t.now()
		rec.DownloadCompletedAt = &now
	}
	if err := t.store.Downloads.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("create download record: %w", err)
	}
	logger.With(logger.Fields{
		logger.FieldDownloadID: rec.ID,
		logger.FieldCronJobID:  sel.CronJobID,
		logger.FieldPeriod:     sel.ReportType,
	}).Debug(ctx, "Created download record for status %s", status)
	return rec, nil
}

// MarkProcessStart moves the record to PROCESSING and counts the attempt.
func (t *DownloadTracker) MarkProcessStart(ctx context.Context, id uint) error {
	ok, err := t.store.Downloads.Update(ctx, id, map[string]interface{}{
		"process_status":          domain.ProcessProcessing,
		"process_attempts":        gorm.Expr("process_attempts + 1"),
		"last_process_attempt_at": t.now(),
	})
	if err != nil {
		return fmt.Errorf("mark process start of %d: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("mark process start of %d: %w", id, gorm.ErrRecordNotFound)
	}
	return nil
}

// MarkProcessResult records the counts of a finished import and derives processStatus and
// fullyImported from them.
func (t *DownloadTracker) MarkProcessResult(ctx context.Context, id uint, out domain.ProcessOutcome) (domain.ProcessStatus, error) {
	fully, status := out.Resolve()
	updates := map[string]interface{}{
		"process_status":     status,
		"fully_imported":     fully,
		"total_records":      out.Total,
		"success_count":      out.Success,
		"fail_count":         out.Failed,
		"last_process_error": out.Error,
	}
	if status == domain.ProcessFailed && out.Error == "" {
		updates["last_process_error"] = "no records imported"
	}
	if _, err := t.store.Downloads.Update(ctx, id, updates); err != nil {
		return status, fmt.Errorf("mark process result of %d: %w", id, err)
	}
	return status, nil
}

// MarkProcessNoData records an empty document as a successful import with nothing to load.
func (t *DownloadTracker) MarkProcessNoData(ctx context.Context, id uint) error {
	_, err := t.store.Downloads.Update(ctx, id, map[string]interface{}{
		"process_status":     domain.ProcessSuccess,
		"fully_imported":     false,
		"total_records":      0,
		"success_count":      0,
		"fail_count":         0,
		"last_process_error": "",
	})
	if err != nil {
		return fmt.Errorf("mark no-data result of %d: %w", id, err)
	}
	return nil
}

// MarkProcessFailure records a failed import. The error text is never left empty.
func (t *DownloadTracker) MarkProcessFailure(ctx context.Context, id uint, cause error) error {
	msg := "import failed"
	if cause != nil && cause.Error() != "" {
		msg = cause.Error()
	}
	_, err := t.store.Downloads.Update(ctx, id, map[string]interface{}{
		"process_status":     domain.ProcessFailed,
		"fully_imported":     false,
		"last_process_error": msg,
	})
	if err != nil {
		logger.With(logger.Fields{logger.FieldDownloadID: id}).
			Error(ctx, "Failed to record import failure (business error: %q): %v", msg, err)
		return fmt.Errorf("mark process failure of %d: %w", id, err)
	}
	return nil
}
