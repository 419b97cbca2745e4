package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/sqpsync/internal/domain"
	"github.com/timmy/sqpsync/internal/logger"
	"github.com/timmy/sqpsync/internal/metrics"
	"github.com/timmy/sqpsync/internal/reportapi"
	"github.com/timmy/sqpsync/internal/resilience"
	"github.com/timmy/sqpsync/internal/storage"
)

// emptyDocument stands in for a report the API cancelled because the window has no data.
var emptyDocument = []byte("[]")

// ReportAPI is the part of the reports API the requester needs.
type ReportAPI interface {
	CreateReport(ctx context.Context, req reportapi.ReportRequest) (string, error)
	GetReport(ctx context.Context, reportID string) (*reportapi.Report, error)
	GetReportDocument(ctx context.Context, documentID string) (*reportapi.ReportDocument, error)
}

// Requester asks the reports API for period reports and stores finished documents.
type Requester struct {
	jobs      *CronJobTracker
	downloads *DownloadTracker
	api       ReportAPI
	toolkit   *Toolkit
	objects   storage.ObjectStorage
	fetcher   DocumentFetcher
	tenantKey uint
	attempts  int
}

// NewRequester creates a Requester sharing the importer's trackers.
func NewRequester(im *Importer, api ReportAPI, objects storage.ObjectStorage, fetcher DocumentFetcher) *Requester {
	return &Requester{
		jobs:      im.jobs,
		downloads: im.downloads,
		api:       api,
		toolkit:   im.toolkit,
		objects:   objects,
		fetcher:   fetcher,
		tenantKey: im.opts.TenantKey,
		attempts:  im.opts.Attempts,
	}
}

// Requestable reports whether a period still needs its report requested.
func Requestable(st *domain.PeriodState, retryLimit int) bool {
	switch st.PullStatus {
	case domain.PullNotStarted:
		return true
	case domain.PullRetryFailed:
		return st.ReportID == "" && st.RetryCount < retryLimit
	}
	return false
}

// RequestPeriod creates the period's report and records the pending download. It does
// nothing for periods that are already requested or settled.
func (r *Requester) RequestPeriod(ctx context.Context, job *domain.CronJob, period domain.Period) error {
	st := job.State(period)
	if !Requestable(st, r.jobs.RetryLimit()) {
		return nil
	}
	ctx = logger.WithFields(ctx, logger.Fields{logger.FieldCronJobID: job.ID, logger.FieldPeriod: string(period)})
	if r.toolkit.Breaker.State() == resilience.StateOpen {
		logger.CtxWarn(ctx, "Skipping report request, reporting API circuit is open")
		return resilience.ErrCircuitOpen
	}
	if err := r.jobs.UpdateReportStatus(ctx, job.ID, period, domain.PullInProgress, ReportStatusUpdate{}); err != nil {
		return err
	}

	req := reportapi.ReportRequest{Period: period, DateRange: st.Range(), ASINs: job.AsinList}
	var reportID string
	op := func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			if err := r.jobs.UpdateReportStatus(ctx, job.ID, period, domain.PullInProgress, ReportStatusUpdate{}); err != nil {
				return resilience.Permanent(err)
			}
		}
		return r.toolkit.callAPI(ctx, job.AmazonSellerID, func(ctx context.Context) error {
			id, err := r.api.CreateReport(ctx, req)
			reportID = id
			return err
		})
	}
	recorder := resilience.RecorderFunc(func(ctx context.Context, a resilience.Attempt) {
		countAttempt("create_report", a)
		entry := &domain.CronActivityLog{
			CronJobID: job.ID,
			Period:    period,
			Action:    domain.ActivityRequest,
			Attempt:   a.Number,
			Status:    "ok",
		}
		if a.Err != nil {
			entry.Status = "error"
			entry.Message = a.Err.Error()
		}
		r.jobs.RecordActivity(ctx, entry)
		if a.Err != nil && a.Wait > 0 {
			if err := r.jobs.UpdateReportStatus(ctx, job.ID, period, domain.PullRetryFailed, ReportStatusUpdate{Error: a.Err.Error()}); err != nil {
				logger.CtxError(ctx, "Failed to record interim request failure: %v", err)
			}
			if err := r.jobs.IncrementRetry(ctx, job.ID, period); err != nil {
				logger.CtxError(ctx, "Failed to increment retry count: %v", err)
			}
		}
	})

	out := r.toolkit.Executor.ExecuteWithRetry(ctx, r.attempts, op, recorder)
	if !out.Success && errors.Is(out.Err, resilience.ErrCircuitOpen) {
		return r.deferRequest(ctx, job.ID, period, out.Err)
	}
	if !out.Success {
		metrics.ReportsRequested.WithLabelValues(string(period), "failed").Inc()
		if err := r.jobs.UpdateReportStatus(ctx, job.ID, period, domain.PullFailed, ReportStatusUpdate{Error: out.Err.Error()}); err != nil {
			return errors.Join(out.Err, err)
		}
		return fmt.Errorf("request %s report: %w", period, out.Err)
	}
	metrics.ReportsRequested.WithLabelValues(string(period), "created").Inc()

	if err := r.jobs.UpdateReportStatus(ctx, job.ID, period, domain.PullInProgress, ReportStatusUpdate{ReportID: reportID}); err != nil {
		return err
	}
	if _, err := r.downloads.MarkDownloadStatus(ctx,
		Selector{CronJobID: job.ID, ReportType: period, ReportID: reportID},
		DownloadUpdate{Status: domain.DownloadPending, AmazonSellerID: job.AmazonSellerID},
	); err != nil {
		return err
	}
	logger.With(logger.Fields{"report_id": reportID}).Info(ctx, "Requested report for %s", st.Range())
	return nil
}

// deferRequest parks a period whose request was cut short by the breaker opening. With
// retries left it stays RetryFailed without a report ID, so a later run requests it again.
func (r *Requester) deferRequest(ctx context.Context, cronJobID uint, period domain.Period, cause error) error {
	job, err := r.jobs.store.CronJobs.GetByID(ctx, cronJobID)
	if err != nil {
		return errors.Join(cause, fmt.Errorf("load cron job %d: %w", cronJobID, err))
	}
	status := domain.PullRetryFailed
	if job.State(period).RetryCount >= r.jobs.RetryLimit() {
		status = domain.PullFailed
	}
	metrics.ReportsRequested.WithLabelValues(string(period), "deferred").Inc()
	if err := r.jobs.UpdateReportStatus(ctx, cronJobID, period, status, ReportStatusUpdate{Error: cause.Error()}); err != nil {
		return errors.Join(cause, err)
	}
	logger.With(logger.Fields{logger.FieldStatus: status.String()}).
		Warn(ctx, "Report request deferred, reporting API circuit opened")
	return fmt.Errorf("request %s report: %w", period, cause)
}

// DownloadReady polls a requested report and stores its document once generated. A report
// still in the queue is left untouched.
func (r *Requester) DownloadReady(ctx context.Context, rec *domain.DownloadRecord) error {
	if rec.ReportID == "" {
		return nil
	}
	ctx = logger.WithFields(ctx, logger.Fields{
		logger.FieldDownloadID: rec.ID,
		logger.FieldCronJobID:  rec.CronJobID,
		logger.FieldPeriod:     string(rec.ReportType),
	})

	var report *reportapi.Report
	err := r.toolkit.callAPI(ctx, rec.AmazonSellerID, func(ctx context.Context) error {
		var err error
		report, err = r.api.GetReport(ctx, rec.ReportID)
		return err
	})
	if err != nil {
		return r.downloadFailed(ctx, rec, fmt.Errorf("get report %s: %w", rec.ReportID, err))
	}

	switch {
	case report.ProcessingStatus.Pending():
		logger.With(logger.Fields{logger.FieldStatus: string(report.ProcessingStatus)}).Debug(ctx, "Report not ready")
		return nil
	case report.ProcessingStatus == reportapi.StatusFatal:
		msg := fmt.Sprintf("report %s generation failed: %s", rec.ReportID, report.ProcessingStatus)
		return r.giveUp(ctx, rec, msg)
	}

	if _, err := r.downloads.MarkDownloadStatus(ctx, Selector{ID: rec.ID}, DownloadUpdate{
		Status:            domain.DownloadDownloading,
		IncrementAttempts: true,
	}); err != nil {
		return err
	}
	rec.DownloadAttempts++

	content := emptyDocument
	if report.ProcessingStatus == reportapi.StatusDone {
		if content, err = r.fetchDocument(ctx, rec, report.ReportDocumentID); err != nil {
			return r.downloadFailed(ctx, rec, err)
		}
	} else {
		logger.CtxInfo(ctx, "Report %s was cancelled, storing an empty document", rec.ReportID)
	}

	key := documentKey(r.tenantKey, rec, uuid.NewString())
	if err := r.objects.Upload(ctx, key, bytes.NewReader(content), int64(len(content)), "application/json"); err != nil {
		return r.downloadFailed(ctx, rec, fmt.Errorf("store document: %w", err))
	}
	if _, err := r.downloads.MarkDownloadStatus(ctx, Selector{ID: rec.ID}, DownloadUpdate{
		Status:   domain.DownloadCompleted,
		FilePath: r.objects.GetURL(key),
		FileSize: int64(len(content)),
	}); err != nil {
		return err
	}
	if err := r.jobs.MarkDownloadCompleted(ctx, rec.CronJobID, rec.ReportType, report.ReportDocumentID); err != nil {
		return err
	}
	r.jobs.RecordActivity(ctx, &domain.CronActivityLog{
		CronJobID: rec.CronJobID,
		Period:    rec.ReportType,
		Action:    domain.ActivityDownload,
		Attempt:   rec.DownloadAttempts,
		Status:    string(domain.DownloadCompleted),
	})
	logger.With(logger.Fields{logger.FieldSize: len(content)}).Info(ctx, "Stored report document %s", key)
	return nil
}

func (r *Requester) fetchDocument(ctx context.Context, rec *domain.DownloadRecord, documentID string) ([]byte, error) {
	var doc *reportapi.ReportDocument
	err := r.toolkit.callAPI(ctx, rec.AmazonSellerID, func(ctx context.Context) error {
		var err error
		doc, err = r.api.GetReportDocument(ctx, documentID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get report document %s: %w", documentID, err)
	}
	started := time.Now()
	content, err := r.fetcher.Fetch(ctx, doc.URL)
	if err != nil {
		return nil, fmt.Errorf("download report document %s: %w", documentID, err)
	}
	logger.With(logger.Fields{logger.FieldSize: len(content)}).
		WithDuration(time.Since(started).Milliseconds()).
		Debug(ctx, "Downloaded report document")
	return content, nil
}

// downloadFailed keeps a retryable failure pending until the download attempts run out.
func (r *Requester) downloadFailed(ctx context.Context, rec *domain.DownloadRecord, cause error) error {
	if resilience.IsRetryable(cause) && rec.DownloadAttempts < rec.MaxDownloadAttempts {
		logger.CtxWarn(ctx, "Download attempt failed, will retry: %v", cause)
		if _, err := r.downloads.MarkDownloadStatus(ctx, Selector{ID: rec.ID}, DownloadUpdate{
			Status: domain.DownloadPending,
			Error:  cause.Error(),
		}); err != nil {
			return errors.Join(cause, err)
		}
		return cause
	}
	return errors.Join(cause, r.giveUp(ctx, rec, cause.Error()))
}

// giveUp marks the download and its period as failed.
func (r *Requester) giveUp(ctx context.Context, rec *domain.DownloadRecord, msg string) error {
	logger.CtxError(ctx, "Giving up on report download: %s", msg)
	var errs []error
	if _, err := r.downloads.MarkDownloadStatus(ctx, Selector{ID: rec.ID}, DownloadUpdate{
		Status: domain.DownloadFailed,
		Error:  msg,
	}); err != nil {
		errs = append(errs, err)
	}
	if err := r.jobs.UpdateReportStatus(ctx, rec.CronJobID, rec.ReportType, domain.PullFailed, ReportStatusUpdate{Error: msg}); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// documentKey lays documents out as <tenant>/<cronJob>/<period>/<uuid>.json.
func documentKey(tenantKey uint, rec *domain.DownloadRecord, id string) string {
	return fmt.Sprintf("%d/%d/%s/%s.json", tenantKey, rec.CronJobID, strings.ToLower(string(rec.ReportType)), id)
}
