package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/timmy/sqpsync/internal/domain"
	"github.com/timmy/sqpsync/internal/repository"
	"gorm.io/gorm"
)

func TestUpdateReportStatusTransitions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	job := f.newCycle(t, "B001")
	jobs := f.im.jobs

	if err := jobs.UpdateReportStatus(ctx, job.ID, domain.PeriodWeekly, domain.PullSuccess, ReportStatusUpdate{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("NotStarted -> Success: err = %v, want ErrInvalidTransition", err)
	}

	steps := []struct {
		to  domain.PullStatus
		err string
	}{
		{domain.PullInProgress, ""},
		{domain.PullRetryFailed, "throttled"},
		{domain.PullInProgress, ""},
		{domain.PullFailed, "gave up"},
	}
	for _, s := range steps {
		if err := jobs.UpdateReportStatus(ctx, job.ID, domain.PeriodWeekly, s.to, ReportStatusUpdate{Error: s.err, ReportID: "r-1"}); err != nil {
			t.Fatalf("-> %s: %v", s.to, err)
		}
		st := f.job(t, job.ID).Weekly
		if st.PullStatus != s.to || st.LastError != s.err {
			t.Fatalf("state = %s/%q, want %s/%q", st.PullStatus, st.LastError, s.to, s.err)
		}
	}

	st := f.job(t, job.ID).Weekly
	if st.StartedAt == nil || st.CompletedAt == nil || st.ReportID != "r-1" {
		t.Errorf("timestamps/report not recorded: %+v", st)
	}
	if err := jobs.UpdateReportStatus(ctx, job.ID, domain.PeriodWeekly, domain.PullInProgress, ReportStatusUpdate{}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Failed -> InProgress: err = %v, want ErrInvalidTransition", err)
	}
	if err := jobs.ReopenPeriod(ctx, job.ID, domain.PeriodWeekly, "manual"); err != nil {
		t.Fatalf("ReopenPeriod: %v", err)
	}
	if got := f.job(t, job.ID).Weekly.PullStatus; got != domain.PullInProgress {
		t.Errorf("after reopen = %s, want InProgress", got)
	}
}

func TestRetryBudgetBoundsReentry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	job := f.newCycle(t, "B001")
	jobs := f.im.jobs
	limit := jobs.RetryLimit()

	if err := jobs.UpdateReportStatus(ctx, job.ID, domain.PeriodWeekly, domain.PullInProgress, ReportStatusUpdate{}); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= limit; i++ {
		if err := jobs.UpdateReportStatus(ctx, job.ID, domain.PeriodWeekly, domain.PullRetryFailed, ReportStatusUpdate{Error: "throttled"}); err != nil {
			t.Fatalf("retry %d -> RetryFailed: %v", i, err)
		}
		if err := jobs.IncrementRetry(ctx, job.ID, domain.PeriodWeekly); err != nil {
			t.Fatal(err)
		}
		err := jobs.UpdateReportStatus(ctx, job.ID, domain.PeriodWeekly, domain.PullInProgress, ReportStatusUpdate{})
		if i < limit && err != nil {
			t.Fatalf("retry %d -> InProgress: %v", i, err)
		}
		if i == limit && !errors.Is(err, ErrRetryBudgetExhausted) {
			t.Fatalf("retry %d -> InProgress: err = %v, want ErrRetryBudgetExhausted", i, err)
		}
	}

	st := f.job(t, job.ID).Weekly
	if st.PullStatus != domain.PullRetryFailed || st.RetryCount != limit || !st.Settled(limit) {
		t.Fatalf("weekly = %s retries %d, want settled RetryFailed", st.PullStatus, st.RetryCount)
	}
	if err := jobs.UpdateReportStatus(ctx, job.ID, domain.PeriodWeekly, domain.PullFailed, ReportStatusUpdate{Error: "gave up"}); err != nil {
		t.Fatalf("exhausted -> Failed: %v", err)
	}

	if err := jobs.ReopenPeriod(ctx, job.ID, domain.PeriodWeekly, "manual"); err != nil {
		t.Fatalf("ReopenPeriod: %v", err)
	}
	st = f.job(t, job.ID).Weekly
	if st.PullStatus != domain.PullInProgress || st.RetryCount != 0 {
		t.Errorf("after reopen = %s retries %d, want InProgress with a fresh budget", st.PullStatus, st.RetryCount)
	}
}

func TestSetRunningStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	job := f.newCycle(t, "B001")

	if err := f.im.jobs.SetRunningStatus(ctx, job.ID, domain.PeriodMonthly, true); err != nil {
		t.Fatalf("SetRunningStatus: %v", err)
	}
	got := f.job(t, job.ID)
	if !got.Monthly.Running || got.Weekly.Running {
		t.Errorf("running flags = weekly %v monthly %v", got.Weekly.Running, got.Monthly.Running)
	}
	if err := f.im.jobs.SetRunningStatus(ctx, job.ID+100, domain.PeriodMonthly, true); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Errorf("missing job: err = %v, want ErrRecordNotFound", err)
	}
}

func TestCreateOrAdvanceCycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	jobs := f.im.jobs
	now := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	jobs.now = func() time.Time { return now }

	first := f.newCycle(t, "B001", "B002")
	if got := first.Weekly.Range(); got.String() != "2025-01-05 - 2025-01-11" {
		t.Errorf("weekly range = %s", got)
	}
	if again := f.newCycle(t, "B001"); again.ID != first.ID {
		t.Fatalf("open cycle not reused: %d != %d", again.ID, first.ID)
	}

	for _, p := range domain.AllPeriods {
		if err := jobs.UpdateReportStatus(ctx, first.ID, p, domain.PullInProgress, ReportStatusUpdate{}); err != nil {
			t.Fatal(err)
		}
		to, msg := domain.PullSuccess, ""
		if p == domain.PeriodWeekly {
			to, msg = domain.PullFailed, "report FATAL"
		}
		if err := jobs.UpdateReportStatus(ctx, first.ID, p, to, ReportStatusUpdate{Error: msg}); err != nil {
			t.Fatal(err)
		}
	}

	// a week later only the weekly window moved
	now = now.AddDate(0, 0, 7)
	next := f.newCycle(t)
	if next.ID == first.ID {
		t.Fatal("settled cycle was reused")
	}
	if next.Weekly.PullStatus != domain.PullNotStarted {
		t.Errorf("weekly = %s, want NotStarted", next.Weekly.PullStatus)
	}
	if next.Monthly.PullStatus != domain.PullSuccess || next.Quarterly.PullStatus != domain.PullSuccess {
		t.Errorf("unchanged windows not carried over: monthly=%s quarterly=%s", next.Monthly.PullStatus, next.Quarterly.PullStatus)
	}
	if len(next.AsinList) != 2 {
		t.Errorf("asin list = %v, want the active rollup asins", next.AsinList)
	}
}

func TestMarkDownloadStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	dl := f.im.downloads

	_, err := dl.MarkDownloadStatus(ctx, Selector{ID: 999}, DownloadUpdate{Status: domain.DownloadFailed})
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("missing primary key: err = %v, want ErrRecordNotFound", err)
	}

	sel := Selector{CronJobID: 3, ReportType: domain.PeriodQuarterly, ReportID: "q-1"}
	created, err := dl.MarkDownloadStatus(ctx, sel, DownloadUpdate{Status: domain.DownloadDownloading, IncrementAttempts: true})
	if err != nil {
		t.Fatalf("create by natural key: %v", err)
	}
	if created.ID == 0 || created.DownloadAttempts != 1 || created.MaxProcessAttempts != 3 {
		t.Errorf("created = %+v", created)
	}

	updated, err := dl.MarkDownloadStatus(ctx, sel, DownloadUpdate{
		Status:            domain.DownloadCompleted,
		FilePath:          "/data/q-1.json",
		FileSize:          42,
		IncrementAttempts: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if updated.ID != created.ID {
		t.Fatalf("natural key created a second row: %d != %d", updated.ID, created.ID)
	}
	if updated.Status != domain.DownloadCompleted || updated.DownloadAttempts != 2 || updated.FileSize != 42 || updated.DownloadCompletedAt == nil {
		t.Errorf("updated = %+v", updated)
	}

	recs, err := dl.ListProcessable(ctx, repository.ProcessableFilter{CronJobID: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].ID != created.ID {
		t.Errorf("processable = %+v", recs)
	}
}

func TestMarkProcessResult(t *testing.T) {
	tests := []struct {
		name      string
		outcome   domain.ProcessOutcome
		want      domain.ProcessStatus
		wantFully bool
	}{
		{"all imported", domain.ProcessOutcome{Total: 3, Success: 3}, domain.ProcessSuccess, true},
		{"partial", domain.ProcessOutcome{Total: 3, Success: 2, Failed: 1}, domain.ProcessFailedPartial, false},
		{"none", domain.ProcessOutcome{Total: 3, Failed: 3}, domain.ProcessFailed, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			job := f.newCycle(t, "B001")
			rec := f.newDocument(t, job, domain.PeriodWeekly, "w.json", "[]")

			status, err := f.im.downloads.MarkProcessResult(ctx, rec.ID, tt.outcome)
			if err != nil {
				t.Fatal(err)
			}
			got := f.download(t, rec.ID)
			if status != tt.want || *got.ProcessStatus != tt.want || got.FullyImported != tt.wantFully {
				t.Errorf("status = %s fully = %v, want %s/%v", *got.ProcessStatus, got.FullyImported, tt.want, tt.wantFully)
			}
			if tt.want == domain.ProcessFailed && got.LastProcessError == "" {
				t.Error("FAILED without an error message")
			}
		})
	}
}

func TestRollupUpdateRanges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.newCycle(t, "B001")
	rollups := NewRollupService(f.store)

	base := RangeUpdate{SellerID: f.seller.ID, AmazonSellerID: f.seller.AmazonSellerID, ReportType: domain.PeriodQuarterly, ASINs: []string{"B001"}}

	half := base
	half.DataAvailable, half.MinRange = true, "2024-10-01"
	if _, err := rollups.UpdateRanges(ctx, half); !errors.Is(err, ErrIncompleteRange) {
		t.Fatalf("half range: err = %v, want ErrIncompleteRange", err)
	}

	full := half
	full.MaxRange = "2024-12-31"
	if n, err := rollups.UpdateRanges(ctx, full); err != nil || n != 1 {
		t.Fatalf("full range: n = %d err = %v", n, err)
	}

	absent := base
	if _, err := rollups.UpdateRanges(ctx, absent); err != nil {
		t.Fatal(err)
	}
	row, _ := f.store.Rollups.Get(ctx, f.seller.ID, "B001")
	if row.QuarterlyIsDataAvailable != domain.DataStaleOrAbsent || row.QuarterlyLatestDateRange != "2024-10-01 - 2024-12-31" {
		t.Errorf("rollup = %q/%d", row.QuarterlyLatestDateRange, row.QuarterlyIsDataAvailable)
	}

	unknown := base
	unknown.ASINs = []string{"B999"}
	if n, err := rollups.UpdateRanges(ctx, unknown); err != nil || n != 0 {
		t.Errorf("unknown asin: n = %d err = %v, want 0/nil", n, err)
	}
}
