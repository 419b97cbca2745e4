package service

import (
	"context"
	"testing"

	"github.com/timmy/sqpsync/internal/config"
	"github.com/timmy/sqpsync/internal/domain"
	"github.com/timmy/sqpsync/internal/reportapi"
	"github.com/timmy/sqpsync/internal/repository"
	"github.com/timmy/sqpsync/internal/storage"
	"github.com/timmy/sqpsync/internal/tenant"
)

// newTestRunner builds a runner over the fixture's root store. A nil fetcher reads
// stored documents back through a DocumentLoader rooted at the runner's storage.
func newTestRunner(t *testing.T, f *fixture, api ReportAPI, fetcher DocumentFetcher) *Runner {
	t.Helper()
	router, err := tenant.NewRouter(f.store.DB(), nil, tenant.Options{RootName: "root", CacheSize: 2, DefaultTimezone: "UTC"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(router.Close)
	objects, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if fetcher == nil {
		fetcher = storage.NewDocumentLoader(storage.LoaderOptions{LocalRoot: objects.Root(), MaxBytes: 1 << 20})
	}
	return NewRunner(RunnerConfig{
		Router:  router,
		Toolkit: f.toolkit,
		Fetcher: fetcher,
		Objects: objects,
		API:     api,
		Pipeline: config.PipelineConfig{
			Workers:             2,
			BatchSize:           10,
			ImportAttempts:      3,
			MaxProcessAttempts:  3,
			MaxDownloadAttempts: 3,
			PeriodRetryLimit:    3,
			DeleteBatchSize:     2,
			InsertBatchSize:     2,
		},
	})
}

func TestRunOnceContainsFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	runner := newTestRunner(t, f, nil, f.fetcher)

	job := f.newCycle(t, "B001")
	f.newDocument(t, job, domain.PeriodWeekly, "weekly.json", "["+record("B001", "2025-01-05", "2025-01-11", 2)+"]")
	f.newDocument(t, job, domain.PeriodMonthly, "monthly.json", "[]")
	f.newDocument(t, job, domain.PeriodQuarterly, "quarterly.json", "not json")

	summary, err := runner.RunOnce(ctx, 0, repository.ProcessableFilter{})
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if summary.Processed != 3 || summary.Succeeded != 2 || summary.NoData != 1 || summary.Errors != 1 {
		t.Errorf("summary = %+v", summary)
	}
	if summary.RunID == "" {
		t.Error("run id not set")
	}

	again, err := runner.RunOnce(ctx, 0, repository.ProcessableFilter{})
	if err != nil {
		t.Fatal(err)
	}
	// only the failed document is eligible again
	if again.Processed != 1 || again.Errors != 1 {
		t.Errorf("second run = %+v", again)
	}

	row, err := f.store.Rollups.Get(ctx, f.seller.ID, "B001")
	if err != nil {
		t.Fatal(err)
	}
	if row.PullStatus != domain.AsinCompleted {
		t.Errorf("asin status = %s, want %s", row.PullStatus, domain.AsinCompleted)
	}
}

func TestSync(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	api := &fakeReportAPI{reports: map[string]*reportapi.Report{}}
	for _, p := range domain.AllPeriods {
		api.reports["rep-"+string(p)] = &reportapi.Report{ProcessingStatus: reportapi.StatusInQueue}
	}
	runner := newTestRunner(t, f, api, nil)
	f.newCycle(t, "B001")

	// reports are still queued on the first pass
	summary, err := runner.Sync(ctx, 0, nil)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if summary.Requested != 3 || summary.Stored != 0 || summary.Errors != 0 {
		t.Fatalf("first sync = %+v", summary)
	}

	for _, p := range domain.AllPeriods {
		api.reports["rep-"+string(p)] = &reportapi.Report{ProcessingStatus: reportapi.StatusCancelled}
	}
	summary, err = runner.Sync(ctx, 0, nil)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if summary.Requested != 0 || summary.Stored != 3 || summary.NoData != 3 {
		t.Errorf("second sync = %+v", summary)
	}
	var job domain.CronJob
	if err := f.store.DB().Order("id DESC").First(&job).Error; err != nil {
		t.Fatal(err)
	}
	for _, p := range domain.AllPeriods {
		if st := job.State(p).PullStatus; st != domain.PullSuccess {
			t.Errorf("%s = %s, want Success", p, st)
		}
	}
}
