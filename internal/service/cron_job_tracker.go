package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/timmy/sqpsync/internal/domain"
	"github.com/timmy/sqpsync/internal/logger"
	"github.com/timmy/sqpsync/internal/repository"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CronJobTracker owns the per-seller, per-period pull status records.
type CronJobTracker struct {
	store      *repository.Store
	retryLimit int
	now        func() time.Time
}

// NewCronJobTracker creates a tracker; retryLimit bounds RetryFailed re-entries per period.
func NewCronJobTracker(store *repository.Store, retryLimit int) *CronJobTracker {
	return &CronJobTracker{store: store, retryLimit: retryLimit, now: time.Now}
}

// RetryLimit returns the per-period retry budget.
func (t *CronJobTracker) RetryLimit() int { return t.retryLimit }

// CreateOrAdvanceCycle returns the seller's open cycle, or starts a new one when the latest
// cycle has settled. A period whose window is unchanged since a successful pull in the
// previous cycle is carried over as Success instead of being pulled again. When asins is
// empty the seller's active rollup ASINs are used.
func (t *CronJobTracker) CreateOrAdvanceCycle(ctx context.Context, sellerID uint, asins []string, loc *time.Location) (*domain.CronJob, error) {
	seller, err := t.store.Sellers.GetByID(ctx, sellerID)
	if err != nil {
		return nil, fmt.Errorf("load seller %d: %w", sellerID, err)
	}

	prev, err := t.store.CronJobs.LatestForSeller(ctx, sellerID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("load latest cycle: %w", err)
	}
	if prev != nil && !prev.Settled(t.retryLimit) {
		return prev, nil
	}

	if len(asins) == 0 {
		if asins, err = t.store.Rollups.ActiveAsins(ctx, sellerID); err != nil {
			return nil, fmt.Errorf("load active asins: %w", err)
		}
	}

	if loc == nil {
		loc = time.UTC
	}
	now := t.now()
	job := &domain.CronJob{
		AmazonSellerID: seller.AmazonSellerID,
		SellerID:       sellerID,
		AsinList:       datatypes.JSONSlice[string](asins),
	}
	carried := 0
	for _, p := range domain.AllPeriods {
		r := p.DateRange(now, loc)
		st := job.State(p)
		st.StartDate, st.EndDate = &r.Start, &r.End
		if prev == nil {
			continue
		}
		old := prev.State(p)
		if old.PullStatus == domain.PullSuccess && sameRange(old.Range(), r, loc) {
			st.PullStatus = domain.PullSuccess
			st.ReportID = old.ReportID
			st.ReportDocumentID = old.ReportDocumentID
			st.DownloadCompleted = old.DownloadCompleted
			st.StartedAt, st.CompletedAt = old.StartedAt, old.CompletedAt
			carried++
		}
	}
	if prev != nil && carried == len(domain.AllPeriods) {
		return prev, nil
	}

	if err := t.store.CronJobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create cycle: %w", err)
	}
	if err := t.store.Rollups.EnsureRows(ctx, sellerID, seller.AmazonSellerID, asins); err != nil {
		return nil, fmt.Errorf("ensure rollup rows: %w", err)
	}
	if err := t.MarkAsinsStatus(ctx, sellerID, seller.AmazonSellerID, asins, domain.AsinInProgress, "", &now, nil); err != nil {
		return nil, err
	}

	logger.With(logger.Fields{
		logger.FieldCronJobID: job.ID,
		logger.FieldSellerID:  sellerID,
		logger.FieldCount:     len(asins),
		"carried_periods":     carried,
	}).Info(ctx, "Started pull cycle")
	return job, nil
}

func sameRange(a, b domain.DateRange, loc *time.Location) bool {
	if a.IsZero() || b.IsZero() {
		return false
	}
	day := func(t time.Time) string { return t.In(loc).Format(domain.DateLayout) }
	return day(a.Start) == day(b.Start) && day(a.End) == day(b.End)
}

// SetRunningStatus flags whether a period is being worked on right now.
func (t *CronJobTracker) SetRunningStatus(ctx context.Context, cronJobID uint, period domain.Period, running bool) error {
	ok, err := t.store.CronJobs.UpdatePeriod(ctx, cronJobID, period, nil, map[string]interface{}{"running": running})
	if err != nil {
		logger.With(logger.Fields{logger.FieldCronJobID: cronJobID, logger.FieldPeriod: period}).
			Error(ctx, "Failed to record running status: %v", err)
		return fmt.Errorf("set running status: %w", err)
	}
	if !ok {
		return fmt.Errorf("set running status: cron job %d: %w", cronJobID, gorm.ErrRecordNotFound)
	}
	return nil
}

// ReportStatusUpdate carries the optional fields of UpdateReportStatus.
type ReportStatusUpdate struct {
	ReportID         string
	ReportDocumentID string
	Error            string
	StartDate        *time.Time
	EndDate          *time.Time

	resetRetries bool
}

// UpdateReportStatus moves a period to status, validating the transition. Every write also
// replaces lastError, cleared when no error is given.
func (t *CronJobTracker) UpdateReportStatus(ctx context.Context, cronJobID uint, period domain.Period, status domain.PullStatus, upd ReportStatusUpdate) error {
	job, err := t.store.CronJobs.GetByID(ctx, cronJobID)
	if err != nil {
		return fmt.Errorf("load cron job %d: %w", cronJobID, err)
	}
	current := job.State(period)
	if !current.PullStatus.CanTransition(status) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, period, current.PullStatus, status)
	}
	if current.PullStatus == domain.PullRetryFailed && status == domain.PullInProgress &&
		t.retryLimit > 0 && current.RetryCount >= t.retryLimit {
		return fmt.Errorf("%w: %s retried %d of %d", ErrRetryBudgetExhausted, period, current.RetryCount, t.retryLimit)
	}
	return t.writeStatus(ctx, job, period, status, upd, "")
}

func (t *CronJobTracker) writeStatus(ctx context.Context, job *domain.CronJob, period domain.Period, status domain.PullStatus, upd ReportStatusUpdate, action string) error {
	current := job.State(period)
	now := t.now()

	updates := map[string]interface{}{
		"pull_status": status,
		"last_error":  upd.Error,
	}
	if upd.ReportID != "" {
		updates["report_id"] = upd.ReportID
	}
	if upd.ReportDocumentID != "" {
		updates["report_document_id"] = upd.ReportDocumentID
	}
	if upd.StartDate != nil {
		updates["start_date"] = *upd.StartDate
	}
	if upd.EndDate != nil {
		updates["end_date"] = *upd.EndDate
	}
	if upd.resetRetries {
		updates["retry_count"] = 0
	}
	switch {
	case status == domain.PullInProgress && current.StartedAt == nil:
		updates["started_at"] = now
	case status.IsTerminal():
		updates["completed_at"] = now
		updates["running"] = false
	}

	ok, err := t.store.CronJobs.UpdatePeriod(ctx, job.ID, period, []domain.PullStatus{current.PullStatus}, updates)
	log := logger.With(logger.Fields{
		logger.FieldCronJobID: job.ID,
		logger.FieldPeriod:    period,
		logger.FieldStatus:    status.String(),
	})
	if err != nil {
		log.Error(ctx, "Failed to record period status (business error: %q): %v", upd.Error, err)
		return fmt.Errorf("update %s status of cron job %d: %w", period, job.ID, err)
	}
	if !ok {
		return fmt.Errorf("%w: cron job %d %s", ErrConcurrentUpdate, job.ID, period)
	}
	current.PullStatus = status
	current.LastError = upd.Error
	if upd.resetRetries {
		current.RetryCount = 0
	}

	if action == "" {
		action = activityFor(status)
	}
	t.RecordActivity(ctx, &domain.CronActivityLog{
		CronJobID: job.ID,
		Period:    period,
		Action:    action,
		Attempt:   current.RetryCount + 1,
		Status:    status.String(),
		Message:   upd.Error,
	})
	log.Debug(ctx, "Period status updated")
	return nil
}

func activityFor(s domain.PullStatus) string {
	switch s {
	case domain.PullSuccess:
		return domain.ActivitySuccess
	case domain.PullFailed:
		return domain.ActivityFailure
	case domain.PullRetryFailed:
		return domain.ActivityRetry
	}
	return domain.ActivityAttempt
}

// ReopenPeriod moves a settled period back to InProgress with a fresh retry budget so a
// document can be imported again. It bypasses the transition check and is always logged.
func (t *CronJobTracker) ReopenPeriod(ctx context.Context, cronJobID uint, period domain.Period, reason string) error {
	job, err := t.store.CronJobs.GetByID(ctx, cronJobID)
	if err != nil {
		return fmt.Errorf("load cron job %d: %w", cronJobID, err)
	}
	from := job.State(period).PullStatus
	logger.With(logger.Fields{
		logger.FieldCronJobID: cronJobID,
		logger.FieldPeriod:    period,
		"from":                from.String(),
	}).Warn(ctx, "Reopening period: %s", reason)
	return t.writeStatus(ctx, job, period, domain.PullInProgress, ReportStatusUpdate{resetRetries: true}, domain.ActivityReopen)
}

// IncrementRetry bumps a period's persisted retry counter.
func (t *CronJobTracker) IncrementRetry(ctx context.Context, cronJobID uint, period domain.Period) error {
	if err := t.store.CronJobs.IncrementRetry(ctx, cronJobID, period); err != nil {
		return fmt.Errorf("increment retry count: %w", err)
	}
	return nil
}

// MarkDownloadCompleted records that the period's document has been stored.
func (t *CronJobTracker) MarkDownloadCompleted(ctx context.Context, cronJobID uint, period domain.Period, documentID string) error {
	updates := map[string]interface{}{"download_completed": true}
	if documentID != "" {
		updates["report_document_id"] = documentID
	}
	if _, err := t.store.CronJobs.UpdatePeriod(ctx, cronJobID, period, nil, updates); err != nil {
		return fmt.Errorf("mark download completed: %w", err)
	}
	return nil
}

// MarkAsinsStatus records the aggregate pull status of the given ASINs. A write that matches
// no rollup rows is logged, not treated as an error.
func (t *CronJobTracker) MarkAsinsStatus(ctx context.Context, sellerID uint, amazonSellerID string, asins []string, status domain.AsinPullStatus, period string, startTime, endTime *time.Time) error {
	if len(asins) == 0 {
		return nil
	}
	n, err := t.store.Rollups.UpdatePullStatus(ctx, sellerID, amazonSellerID, asins, status, period, startTime, endTime)
	if err != nil {
		return fmt.Errorf("mark asin status: %w", err)
	}
	if n == 0 {
		logger.With(logger.Fields{logger.FieldSellerID: sellerID, logger.FieldCount: len(asins)}).
			Warn(ctx, "No rollup rows matched ASIN status update")
	}
	return nil
}

// RecordActivity appends to the audit trail. Failures are logged only.
func (t *CronJobTracker) RecordActivity(ctx context.Context, entry *domain.CronActivityLog) {
	if err := t.store.Activity.Create(ctx, entry); err != nil {
		logger.With(logger.Fields{logger.FieldCronJobID: entry.CronJobID}).Warn(ctx, "Failed to write activity log: %v", err)
	}
}
