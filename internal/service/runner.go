package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/timmy/sqpsync/internal/config"
	"github.com/timmy/sqpsync/internal/domain"
	"github.com/timmy/sqpsync/internal/events"
	"github.com/timmy/sqpsync/internal/logger"
	"github.com/timmy/sqpsync/internal/metrics"
	"github.com/timmy/sqpsync/internal/repository"
	"github.com/timmy/sqpsync/internal/storage"
	"github.com/timmy/sqpsync/internal/tenant"
)

// Run modes.
const (
	ModeImport   = "import"
	ModeDownload = "download"
	ModeRequest  = "request"
	ModeSync     = "sync"
)

// RunnerConfig holds the process-wide collaborators of a Runner.
type RunnerConfig struct {
	Router    *tenant.Router
	Toolkit   *Toolkit
	Fetcher   DocumentFetcher
	Objects   storage.ObjectStorage
	API       ReportAPI
	Publisher events.Publisher
	Pipeline  config.PipelineConfig
}

// Runner drives the pipeline for one tenant at a time.
type Runner struct {
	router    *tenant.Router
	toolkit   *Toolkit
	fetcher   DocumentFetcher
	objects   storage.ObjectStorage
	api       ReportAPI
	publisher events.Publisher
	cfg       config.PipelineConfig
}

// NewRunner creates a Runner.
func NewRunner(rc RunnerConfig) *Runner {
	publisher := rc.Publisher
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &Runner{
		router:    rc.Router,
		toolkit:   rc.Toolkit,
		fetcher:   rc.Fetcher,
		objects:   rc.Objects,
		api:       rc.API,
		publisher: publisher,
		cfg:       rc.Pipeline,
	}
}

// RunSummary is the structured outcome of one run.
type RunSummary struct {
	RunID     string        `json:"run_id"`
	Mode      string        `json:"mode"`
	TenantKey uint          `json:"tenant_key"`
	Processed int           `json:"processed"`
	Succeeded int           `json:"succeeded"`
	NoData    int           `json:"no_data"`
	Errors    int           `json:"errors"`
	Requested int           `json:"requested,omitempty"`
	Stored    int           `json:"stored,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Importer returns an importer bound to the handle's store.
func (r *Runner) Importer(h *tenant.Handle) *Importer {
	store := repository.NewStore(h.DB, repository.BatchSizes{
		Delete: r.cfg.DeleteBatchSize,
		Insert: r.cfg.InsertBatchSize,
	})
	return NewImporter(store, r.fetcher, r.toolkit, r.publisher, ImportOptions{
		TenantKey:           h.TenantKey,
		Attempts:            r.cfg.ImportAttempts,
		PeriodRetryLimit:    r.cfg.PeriodRetryLimit,
		MaxProcessAttempts:  r.cfg.MaxProcessAttempts,
		MaxDownloadAttempts: r.cfg.MaxDownloadAttempts,
	})
}

func (r *Runner) begin(ctx context.Context, mode string, tenantKey uint) (context.Context, *RunSummary) {
	s := &RunSummary{RunID: uuid.NewString(), Mode: mode, TenantKey: tenantKey}
	if id := logger.GetRunID(ctx); id != "" {
		s.RunID = id
	}
	ctx = logger.SetRunID(ctx, s.RunID)
	metrics.RunsTotal.WithLabelValues(mode).Inc()
	return ctx, s
}

func (r *Runner) finish(ctx context.Context, s *RunSummary, started time.Time) {
	s.Duration = time.Since(started)
	logger.With(logger.Fields{
		"mode":      s.Mode,
		"processed": s.Processed,
		"succeeded": s.Succeeded,
		"no_data":   s.NoData,
		"errors":    s.Errors,
		"requested": s.Requested,
		"stored":    s.Stored,
	}).WithDuration(s.Duration.Milliseconds()).Info(ctx, "Run completed")
}

// RunOnce imports a bounded batch of processable documents of one tenant. Documents of the
// same cron job run sequentially; different jobs run on the worker pool. Per-document
// failures are counted in the summary and never abort the batch.
func (r *Runner) RunOnce(ctx context.Context, tenantKey uint, filter repository.ProcessableFilter) (*RunSummary, error) {
	ctx, summary := r.begin(ctx, ModeImport, tenantKey)
	started := time.Now()
	err := r.router.WithTenant(ctx, tenantKey, func(ctx context.Context, h *tenant.Handle) error {
		return r.importBatch(ctx, h, filter, summary)
	})
	r.finish(ctx, summary, started)
	return summary, err
}

func (r *Runner) importBatch(ctx context.Context, h *tenant.Handle, filter repository.ProcessableFilter, summary *RunSummary) error {
	im := r.Importer(h)
	if filter.Limit <= 0 || filter.Limit > r.cfg.BatchSize {
		filter.Limit = r.cfg.BatchSize
	}
	recs, err := im.downloads.ListProcessable(ctx, filter)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		logger.CtxInfo(ctx, "No processable documents")
		return nil
	}

	workers := r.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	pool, err := ants.NewPool(workers, ants.WithPanicHandler(func(p interface{}) {
		logger.CtxError(ctx, "Import worker panicked: %v", p)
	}))
	if err != nil {
		return fmt.Errorf("create worker pool: %w", err)
	}
	defer pool.Release()

	var (
		processed, succeeded, noData, failed atomic.Int64
		wg                                   sync.WaitGroup
	)
	for _, group := range groupByCronJob(recs) {
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			for i := range group {
				if ctx.Err() != nil {
					return
				}
				r.toolkit.relieveMemory(ctx)
				processed.Add(1)
				res, err := im.ImportDocument(ctx, &group[i])
				switch {
				case err != nil:
					failed.Add(1)
					logger.With(logger.Fields{logger.FieldDownloadID: group[i].ID}).
						Error(ctx, "Failed to import document: %v", err)
				case !res.HasData:
					noData.Add(1)
					succeeded.Add(1)
				default:
					succeeded.Add(1)
				}
			}
		})
		if err != nil {
			wg.Done()
			failed.Add(int64(len(group)))
			logger.CtxError(ctx, "Failed to submit import task: %v", err)
		}
	}
	wg.Wait()

	summary.Processed += int(processed.Load())
	summary.Succeeded += int(succeeded.Load())
	summary.NoData += int(noData.Load())
	summary.Errors += int(failed.Load())
	return ctx.Err()
}

// groupByCronJob splits records into per-job groups, keeping the oldest-first order.
func groupByCronJob(recs []domain.DownloadRecord) [][]domain.DownloadRecord {
	index := make(map[uint]int)
	var groups [][]domain.DownloadRecord
	for _, rec := range recs {
		i, ok := index[rec.CronJobID]
		if !ok {
			i = len(groups)
			index[rec.CronJobID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], rec)
	}
	return groups
}

// DownloadPending polls requested reports of one tenant and stores finished documents.
func (r *Runner) DownloadPending(ctx context.Context, tenantKey uint, cronJobID uint, limit int) (*RunSummary, error) {
	ctx, summary := r.begin(ctx, ModeDownload, tenantKey)
	started := time.Now()
	err := r.router.WithTenant(ctx, tenantKey, func(ctx context.Context, h *tenant.Handle) error {
		return r.downloadBatch(ctx, h, cronJobID, limit, summary)
	})
	r.finish(ctx, summary, started)
	return summary, err
}

func (r *Runner) downloadBatch(ctx context.Context, h *tenant.Handle, cronJobID uint, limit int, summary *RunSummary) error {
	if r.api == nil {
		return errors.New("reports API client is not configured")
	}
	im := r.Importer(h)
	req := NewRequester(im, r.api, r.objects, r.fetcher)
	if limit <= 0 || limit > r.cfg.BatchSize {
		limit = r.cfg.BatchSize
	}
	recs, err := im.store.Downloads.ListAwaitingDownload(ctx, cronJobID, limit)
	if err != nil {
		return fmt.Errorf("list awaiting downloads: %w", err)
	}
	for i := range recs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		summary.Processed++
		if err := req.DownloadReady(ctx, &recs[i]); err != nil {
			summary.Errors++
			continue
		}
		cur, err := im.store.Downloads.GetByID(ctx, recs[i].ID)
		if err == nil && cur.Status == domain.DownloadCompleted {
			summary.Stored++
		}
	}
	return nil
}

// RequestPending opens or advances the cycle of each seller and requests every period that
// has not been requested yet. An empty sellerIDs means every active seller.
func (r *Runner) RequestPending(ctx context.Context, tenantKey uint, sellerIDs []uint) (*RunSummary, error) {
	ctx, summary := r.begin(ctx, ModeRequest, tenantKey)
	started := time.Now()
	err := r.router.WithTenant(ctx, tenantKey, func(ctx context.Context, h *tenant.Handle) error {
		return r.requestBatch(ctx, h, sellerIDs, summary)
	})
	r.finish(ctx, summary, started)
	return summary, err
}

func (r *Runner) requestBatch(ctx context.Context, h *tenant.Handle, sellerIDs []uint, summary *RunSummary) error {
	if r.api == nil {
		return errors.New("reports API client is not configured")
	}
	im := r.Importer(h)
	req := NewRequester(im, r.api, r.objects, r.fetcher)

	if len(sellerIDs) == 0 {
		sellers, err := im.store.Sellers.ListActive(ctx)
		if err != nil {
			return fmt.Errorf("list active sellers: %w", err)
		}
		for _, s := range sellers {
			sellerIDs = append(sellerIDs, s.ID)
		}
	}

	for _, sellerID := range sellerIDs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		job, err := im.jobs.CreateOrAdvanceCycle(ctx, sellerID, nil, h.Location)
		if err != nil {
			summary.Errors++
			logger.With(logger.Fields{logger.FieldSellerID: sellerID}).Error(ctx, "Failed to open pull cycle: %v", err)
			continue
		}
		for _, p := range domain.AllPeriods {
			if !Requestable(job.State(p), im.jobs.RetryLimit()) {
				continue
			}
			summary.Processed++
			if err := req.RequestPeriod(ctx, job, p); err != nil {
				summary.Errors++
				logger.With(logger.Fields{logger.FieldCronJobID: job.ID, logger.FieldPeriod: string(p)}).
					Error(ctx, "Failed to request report: %v", err)
				continue
			}
			summary.Requested++
		}
	}
	return nil
}

// Sync runs one full cycle for a tenant: request, download, then import.
func (r *Runner) Sync(ctx context.Context, tenantKey uint, sellerIDs []uint) (*RunSummary, error) {
	ctx, summary := r.begin(ctx, ModeSync, tenantKey)
	started := time.Now()
	err := r.router.WithTenant(ctx, tenantKey, func(ctx context.Context, h *tenant.Handle) error {
		steps := []func() error{
			func() error { return r.requestBatch(ctx, h, sellerIDs, summary) },
			func() error { return r.downloadBatch(ctx, h, 0, 0, summary) },
			func() error { return r.importBatch(ctx, h, repository.ProcessableFilter{}, summary) },
		}
		for _, step := range steps {
			if err := step(); err != nil {
				return err
			}
		}
		return nil
	})
	r.finish(ctx, summary, started)
	return summary, err
}
