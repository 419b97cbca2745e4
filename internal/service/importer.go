package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/timmy/sqpsync/internal/domain"
	"github.com/timmy/sqpsync/internal/events"
	"github.com/timmy/sqpsync/internal/logger"
	"github.com/timmy/sqpsync/internal/metrics"
	"github.com/timmy/sqpsync/internal/repository"
	"github.com/timmy/sqpsync/internal/resilience"
)

// DocumentFetcher loads report document content from a stored locator.
type DocumentFetcher interface {
	Fetch(ctx context.Context, locator string) ([]byte, error)
}

// ImportOptions configures an Importer.
type ImportOptions struct {
	TenantKey           uint
	Attempts            int // per-document import attempts
	PeriodRetryLimit    int
	MaxProcessAttempts  int
	MaxDownloadAttempts int
}

// ImportResult is the outcome of one document import.
type ImportResult struct {
	Total      int
	Success    int // rows stored
	Failed     int
	Duplicates int // records collapsed onto a later record with the same key
	HasData    bool
	MinDate    string
	MaxDate    string
	Status     domain.ProcessStatus
	Attempts   int
	Replaced   int64
	Rejected   []string
	asins      []string
}

// DateRange returns the covered "min - max" range, or "" for a no-data import.
func (r *ImportResult) DateRange() string {
	if !r.HasData {
		return ""
	}
	return r.MinDate + " - " + r.MaxDate
}

// Importer loads stored report documents into the period tables of one tenant store.
type Importer struct {
	store     *repository.Store
	jobs      *CronJobTracker
	downloads *DownloadTracker
	rollups   *RollupService
	fetcher   DocumentFetcher
	toolkit   *Toolkit
	publisher events.Publisher
	opts      ImportOptions
	now       func() time.Time
}

// NewImporter creates an Importer bound to one tenant store.
func NewImporter(store *repository.Store, fetcher DocumentFetcher, toolkit *Toolkit, publisher events.Publisher, opts ImportOptions) *Importer {
	if publisher == nil {
		publisher = events.Noop{}
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	return &Importer{
		store:     store,
		jobs:      NewCronJobTracker(store, opts.PeriodRetryLimit),
		downloads: NewDownloadTracker(store, opts.MaxProcessAttempts, opts.MaxDownloadAttempts),
		rollups:   NewRollupService(store),
		fetcher:   fetcher,
		toolkit:   toolkit,
		publisher: publisher,
		opts:      opts,
		now:       time.Now,
	}
}

// Jobs exposes the cron job tracker bound to the same store.
func (im *Importer) Jobs() *CronJobTracker { return im.jobs }

// Downloads exposes the download tracker bound to the same store.
func (im *Importer) Downloads() *DownloadTracker { return im.downloads }

// ImportDocument runs the full import of one processable download record: fetch, normalize,
// replace rows by logical key, then report completion. Interim failures leave the period at
// RetryFailed; the final failure marks it Failed with the error text.
func (im *Importer) ImportDocument(ctx context.Context, rec *domain.DownloadRecord) (*ImportResult, error) {
	if !rec.Processable() {
		return nil, fmt.Errorf("%w: download %d", ErrNotProcessable, rec.ID)
	}
	period := rec.ReportType
	ctx = logger.WithFields(ctx, logger.Fields{
		logger.FieldDownloadID: rec.ID,
		logger.FieldCronJobID:  rec.CronJobID,
		logger.FieldPeriod:     string(period),
	})
	start := im.now()
	defer func() {
		metrics.ImportDuration.WithLabelValues(string(period)).Observe(im.now().Sub(start).Seconds())
	}()

	job, err := im.store.CronJobs.GetByID(ctx, rec.CronJobID)
	if err != nil {
		return nil, fmt.Errorf("load cron job %d: %w", rec.CronJobID, err)
	}
	if err := im.enterInProgress(ctx, job, period); err != nil {
		return nil, err
	}
	if err := im.downloads.MarkProcessStart(ctx, rec.ID); err != nil {
		return nil, err
	}

	res := &ImportResult{}
	op := func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			if err := im.jobs.UpdateReportStatus(ctx, job.ID, period, domain.PullInProgress, ReportStatusUpdate{}); err != nil {
				return resilience.Permanent(err)
			}
		}
		*res = ImportResult{}
		return im.load(ctx, job, rec, res)
	}
	recorder := resilience.RecorderFunc(func(ctx context.Context, a resilience.Attempt) {
		countAttempt("import_document", a)
		if a.Err == nil || a.Wait == 0 {
			return
		}
		logger.With(logger.Fields{logger.FieldAttempt: a.Number}).
			Warn(ctx, "Import attempt %d/%d failed, retrying in %s: %v", a.Number, a.Max, a.Wait, a.Err)
		if err := im.jobs.UpdateReportStatus(ctx, job.ID, period, domain.PullRetryFailed, ReportStatusUpdate{Error: a.Err.Error()}); err != nil {
			logger.CtxError(ctx, "Failed to record interim failure: %v", err)
		}
		if err := im.jobs.IncrementRetry(ctx, job.ID, period); err != nil {
			logger.CtxError(ctx, "Failed to increment retry count: %v", err)
		}
	})

	out := im.toolkit.Executor.ExecuteWithRetry(ctx, im.opts.Attempts, op, recorder)
	res.Attempts = out.Attempts
	if !out.Success {
		return res, im.fail(ctx, job, rec, res, out)
	}
	if err := im.complete(ctx, job, rec, res); err != nil {
		return res, err
	}
	return res, nil
}

// enterInProgress moves the period to InProgress, reopening it when a previous import
// already settled it or spent its retry budget.
func (im *Importer) enterInProgress(ctx context.Context, job *domain.CronJob, period domain.Period) error {
	st := job.State(period)
	if st.Settled(im.jobs.RetryLimit()) {
		return im.jobs.ReopenPeriod(ctx, job.ID, period, "re-processing download of a settled period")
	}
	if err := im.jobs.UpdateReportStatus(ctx, job.ID, period, domain.PullInProgress, ReportStatusUpdate{}); err != nil {
		return err
	}
	return nil
}

// load runs one attempt of fetch, normalize and replace.
func (im *Importer) load(ctx context.Context, job *domain.CronJob, rec *domain.DownloadRecord, res *ImportResult) error {
	raw, err := im.fetcher.Fetch(ctx, rec.FilePath)
	if err != nil {
		return fmt.Errorf("fetch document: %w", err)
	}
	shape, records, err := domain.NormalizeDocument(raw)
	if err != nil {
		return resilience.Permanent(err)
	}

	res.Total = len(records)
	if len(records) == 0 {
		logger.With(logger.Fields{"shape": shape.String()}).Info(ctx, "Report document has no records")
		res.Status = domain.ProcessSuccess
		return nil
	}

	rc := domain.RowContext{
		CronJobID:      job.ID,
		ReportID:       rec.ReportID,
		AmazonSellerID: job.AmazonSellerID,
		SellerID:       job.SellerID,
	}
	rows := make([]domain.MetricRow, 0, len(records))
	seen := make(map[string]struct{})
	for i := range records {
		row, err := records[i].ToMetricRow(rc)
		if err != nil {
			res.Failed++
			res.Rejected = append(res.Rejected, err.Error())
			continue
		}
		if res.MinDate == "" || row.StartDate < res.MinDate {
			res.MinDate = row.StartDate
		}
		if row.EndDate > res.MaxDate {
			res.MaxDate = row.EndDate
		}
		if _, ok := seen[row.ASIN]; !ok {
			seen[row.ASIN] = struct{}{}
			res.asins = append(res.asins, row.ASIN)
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return resilience.Permanent(fmt.Errorf("%w: %d rejected, first: %s", ErrNoValidRecords, res.Failed, res.Rejected[0]))
	}

	replaced, err := im.store.Metrics.ReplaceRows(ctx, rec.ReportType, rows)
	if err != nil {
		return fmt.Errorf("replace %s rows: %w", rec.ReportType, err)
	}
	res.Success = replaced.Inserted
	res.Duplicates = len(rows) - replaced.Inserted
	res.Replaced = replaced.Deleted
	res.HasData = true
	_, res.Status = domain.ProcessOutcome{Total: res.Total, Success: res.Success, Failed: res.Failed}.Resolve()

	metrics.RowsImported.WithLabelValues(string(rec.ReportType)).Add(float64(replaced.Inserted))
	metrics.RowsReplaced.WithLabelValues(string(rec.ReportType)).Add(float64(replaced.Deleted))
	logger.With(logger.Fields{
		"shape":        shape.String(),
		"rows":         res.Success,
		"rejected":     res.Failed,
		"duplicates":   res.Duplicates,
		"rows_deleted": replaced.Deleted,
	}).Info(ctx, "Imported report rows %s", res.DateRange())
	return nil
}

// complete reports a successful import: period Success, download outcome, rollup ranges,
// then the aggregate ASIN status once every period has settled.
func (im *Importer) complete(ctx context.Context, job *domain.CronJob, rec *domain.DownloadRecord, res *ImportResult) error {
	period := rec.ReportType
	if err := im.jobs.UpdateReportStatus(ctx, job.ID, period, domain.PullSuccess, ReportStatusUpdate{ReportID: rec.ReportID}); err != nil {
		return err
	}

	outcome := "no_data"
	if res.HasData {
		var rejected string
		if len(res.Rejected) > 0 {
			rejected = fmt.Sprintf("%d records rejected, first: %s", len(res.Rejected), res.Rejected[0])
		}
		status, err := im.downloads.MarkProcessResult(ctx, rec.ID, domain.ProcessOutcome{
			Total: res.Total, Success: res.Success, Failed: res.Failed, Error: rejected,
		})
		if err != nil {
			return err
		}
		outcome = "success"
		if status == domain.ProcessFailedPartial {
			outcome = "partial"
		}
	} else if err := im.downloads.MarkProcessNoData(ctx, rec.ID); err != nil {
		return err
	}
	metrics.DocumentsProcessed.WithLabelValues(string(period), outcome).Inc()

	asins := []string(job.AsinList)
	if len(asins) == 0 {
		asins = res.asins
	}
	if _, err := im.rollups.UpdateRanges(ctx, RangeUpdate{
		CronJobID:      job.ID,
		SellerID:       job.SellerID,
		AmazonSellerID: job.AmazonSellerID,
		ReportType:     period,
		MinRange:       res.MinDate,
		MaxRange:       res.MaxDate,
		ASINs:          asins,
		DataAvailable:  res.HasData,
	}); err != nil {
		return err
	}

	im.publish(ctx, job, rec, res, "SUCCESS", "")
	return im.settle(ctx, job.ID)
}

// fail records the final failure of an import. The period and the download both carry the
// error text.
func (im *Importer) fail(ctx context.Context, job *domain.CronJob, rec *domain.DownloadRecord, res *ImportResult, out resilience.Result) error {
	cause := out.Err
	if cause == nil {
		cause = errors.New("import failed")
	}
	logger.With(logger.Fields{
		logger.FieldAttempt: out.Attempts,
		"non_retryable":     out.NonRetryable,
		"timed_out":         out.TimedOut,
	}).Error(ctx, "Import failed: %v", cause)

	var errs []error
	errs = append(errs, cause)
	if err := im.jobs.UpdateReportStatus(ctx, job.ID, rec.ReportType, domain.PullFailed, ReportStatusUpdate{Error: cause.Error()}); err != nil {
		errs = append(errs, err)
	}
	if err := im.downloads.MarkProcessFailure(ctx, rec.ID, cause); err != nil {
		errs = append(errs, err)
	}
	metrics.DocumentsProcessed.WithLabelValues(string(rec.ReportType), "failed").Inc()
	im.publish(ctx, job, rec, res, "FAILED", cause.Error())
	if err := im.settle(ctx, job.ID); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// settle records the aggregate ASIN status once every period of the job is terminal.
func (im *Importer) settle(ctx context.Context, cronJobID uint) error {
	job, err := im.store.CronJobs.GetByID(ctx, cronJobID)
	if err != nil {
		return fmt.Errorf("reload cron job %d: %w", cronJobID, err)
	}
	if !job.Settled(im.opts.PeriodRetryLimit) {
		return nil
	}
	status := job.AggregateAsinStatus()
	now := im.now()
	logger.With(logger.Fields{logger.FieldStatus: string(status)}).Info(ctx, "All periods settled")
	return im.jobs.MarkAsinsStatus(ctx, job.SellerID, job.AmazonSellerID, job.AsinList, status, lastPeriod(job), nil, &now)
}

// lastPeriod names the period that completed most recently.
func lastPeriod(job *domain.CronJob) string {
	var (
		last domain.Period
		at   time.Time
	)
	for _, p := range domain.AllPeriods {
		st := job.State(p)
		if st.CompletedAt != nil && !st.CompletedAt.Before(at) {
			last, at = p, *st.CompletedAt
		}
	}
	return string(last)
}

func (im *Importer) publish(ctx context.Context, job *domain.CronJob, rec *domain.DownloadRecord, res *ImportResult, status, errText string) {
	ev := events.ReportCompleted{
		TenantKey:      im.opts.TenantKey,
		CronJobID:      job.ID,
		DownloadID:     rec.ID,
		SellerID:       job.SellerID,
		AmazonSellerID: job.AmazonSellerID,
		Period:         string(rec.ReportType),
		ReportID:       rec.ReportID,
		Status:         status,
		HasData:        res.HasData,
		Records:        res.Success,
		StartDate:      res.MinDate,
		EndDate:        res.MaxDate,
		Error:          errText,
		Timestamp:      im.now().UTC(),
	}
	if err := im.publisher.PublishReportCompleted(ctx, ev); err != nil {
		logger.CtxWarn(ctx, "Failed to publish completion event: %v", err)
	}
}
