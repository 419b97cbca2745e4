package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/timmy/sqpsync/internal/domain"
	"github.com/timmy/sqpsync/internal/storage"
)

func TestImportEmptyDocument(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	job := f.newCycle(t, "B001", "B002")
	rec := f.newDocument(t, job, domain.PeriodWeekly, "weekly.json", "[]")

	res, err := f.im.ImportDocument(ctx, rec)
	if err != nil {
		t.Fatalf("ImportDocument: %v", err)
	}
	if res.HasData || res.Total != 0 {
		t.Errorf("result = %+v, want no data", res)
	}

	if got := f.job(t, job.ID).Weekly.PullStatus; got != domain.PullSuccess {
		t.Errorf("weekly status = %s, want Success", got)
	}
	for _, asin := range []string{"B001", "B002"} {
		row, err := f.store.Rollups.Get(ctx, f.seller.ID, asin)
		if err != nil {
			t.Fatal(err)
		}
		if row.WeeklyIsDataAvailable != domain.DataStaleOrAbsent {
			t.Errorf("%s weekly availability = %d, want stale/absent", asin, row.WeeklyIsDataAvailable)
		}
	}
	if n, _ := f.store.Metrics.Count(ctx, domain.PeriodWeekly, f.seller.ID); n != 0 {
		t.Errorf("metric rows = %d, want 0", n)
	}

	got := f.download(t, rec.ID)
	if got.ProcessStatus == nil || *got.ProcessStatus != domain.ProcessSuccess {
		t.Errorf("process status = %v, want SUCCESS", got.ProcessStatus)
	}
	if got.FullyImported || got.TotalRecords != 0 {
		t.Errorf("fully imported = %v total = %d, want false/0", got.FullyImported, got.TotalRecords)
	}
	if got.ProcessAttempts != 1 {
		t.Errorf("process attempts = %d, want 1", got.ProcessAttempts)
	}
}

func TestImportIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	job := f.newCycle(t, "B001")
	doc := "[" + strings.Join([]string{
		record("B001", "2025-01-01", "2025-01-03", 5),
		record("B001", "2025-01-04", "2025-01-05", 6),
		record("B001", "2025-01-06", "2025-01-07", 7),
	}, ",") + "]"

	first := f.newDocument(t, job, domain.PeriodWeekly, "weekly.json", doc)
	res, err := f.im.ImportDocument(ctx, first)
	if err != nil {
		t.Fatalf("first import: %v", err)
	}
	if res.DateRange() != "2025-01-01 - 2025-01-07" {
		t.Errorf("date range = %q", res.DateRange())
	}

	// a second download of the same document reopens the settled period
	second := f.newDocument(t, job, domain.PeriodWeekly, "weekly-again.json", doc)
	if _, err := f.im.ImportDocument(ctx, second); err != nil {
		t.Fatalf("second import: %v", err)
	}

	rows, err := f.store.Metrics.ListByAsin(ctx, domain.PeriodWeekly, f.seller.ID, "B001")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}
	if rows[0].CurrencyCode != "USD" || rows[0].ImpressionCount != 100 {
		t.Errorf("row = %+v", rows[0])
	}

	rollup, err := f.store.Rollups.Get(ctx, f.seller.ID, "B001")
	if err != nil {
		t.Fatal(err)
	}
	if rollup.WeeklyLatestDateRange != "2025-01-01 - 2025-01-07" || rollup.WeeklyIsDataAvailable != domain.DataCurrentPeriod {
		t.Errorf("rollup = %q/%d", rollup.WeeklyLatestDateRange, rollup.WeeklyIsDataAvailable)
	}

	logs, err := f.store.Activity.ListByCronJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	var reopened bool
	for _, l := range logs {
		reopened = reopened || l.Action == domain.ActivityReopen
	}
	if !reopened {
		t.Error("expected a reopen entry in the activity log")
	}
}

func TestImportRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	job := f.newCycle(t, "B001")
	rec := f.newDocument(t, job, domain.PeriodWeekly, "weekly.json", "["+record("B001", "2025-01-05", "2025-01-11", 3)+"]")
	f.fetcher.errs["weekly.json"] = []error{errors.New("Network timeout"), errors.New("Network timeout")}

	res, err := f.im.ImportDocument(ctx, rec)
	if err != nil {
		t.Fatalf("ImportDocument: %v", err)
	}
	if res.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", res.Attempts)
	}
	if len(*f.waits) != 2 {
		t.Errorf("waits = %v, want 2", *f.waits)
	}

	st := f.job(t, job.ID).Weekly
	if st.PullStatus != domain.PullSuccess {
		t.Errorf("weekly status = %s, want Success", st.PullStatus)
	}
	if st.RetryCount != 2 {
		t.Errorf("retry count = %d, want 2", st.RetryCount)
	}
	if st.LastError != "" {
		t.Errorf("last error = %q, want cleared", st.LastError)
	}
}

func TestImportCountsCollapsedDuplicates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	job := f.newCycle(t, "B001")
	doc := "[" + record("B001", "2025-01-05", "2025-01-11", 2) + "," + record("B001", "2025-01-05", "2025-01-11", 9) + "]"
	rec := f.newDocument(t, job, domain.PeriodWeekly, "weekly.json", doc)

	res, err := f.im.ImportDocument(ctx, rec)
	if err != nil {
		t.Fatalf("ImportDocument: %v", err)
	}
	if res.Total != 2 || res.Success != 1 || res.Duplicates != 1 || res.Failed != 0 {
		t.Errorf("result = total %d success %d duplicates %d failed %d", res.Total, res.Success, res.Duplicates, res.Failed)
	}

	rows, err := f.store.Metrics.ListByAsin(ctx, domain.PeriodWeekly, f.seller.ID, "B001")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].ClickCount != 9 {
		t.Fatalf("stored rows = %+v, want the last record only", rows)
	}
	got := f.download(t, rec.ID)
	if got.SuccessCount != len(rows) {
		t.Errorf("success_count = %d, want %d stored rows", got.SuccessCount, len(rows))
	}
	if !got.FullyImported || got.ProcessStatus == nil || *got.ProcessStatus != domain.ProcessSuccess {
		t.Errorf("download = fully %v status %v", got.FullyImported, got.ProcessStatus)
	}
}

func TestImportAfterSpentRetryBudget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	job := f.newCycle(t, "B001")
	jobs := f.im.jobs

	if err := jobs.UpdateReportStatus(ctx, job.ID, domain.PeriodWeekly, domain.PullInProgress, ReportStatusUpdate{}); err != nil {
		t.Fatal(err)
	}
	if err := jobs.UpdateReportStatus(ctx, job.ID, domain.PeriodWeekly, domain.PullRetryFailed, ReportStatusUpdate{Error: "throttled"}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < jobs.RetryLimit(); i++ {
		if err := jobs.IncrementRetry(ctx, job.ID, domain.PeriodWeekly); err != nil {
			t.Fatal(err)
		}
	}

	rec := f.newDocument(t, job, domain.PeriodWeekly, "weekly.json", "["+record("B001", "2025-01-05", "2025-01-11", 1)+"]")
	f.fetcher.errs["weekly.json"] = []error{errors.New("Network timeout")}
	if _, err := f.im.ImportDocument(ctx, rec); err != nil {
		t.Fatalf("ImportDocument: %v", err)
	}
	st := f.job(t, job.ID).Weekly
	if st.PullStatus != domain.PullSuccess || st.RetryCount != 1 {
		t.Errorf("weekly = %s retries %d, want Success after one retry of a fresh budget", st.PullStatus, st.RetryCount)
	}
}

func TestImportPermanentFailureFailsFast(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	job := f.newCycle(t, "B001")
	rec := f.newDocument(t, job, domain.PeriodWeekly, "weekly.json", "")
	f.fetcher.errs["weekly.json"] = []error{&storage.HTTPError{StatusCode: 401, URL: "https://docs.example/weekly"}}

	if _, err := f.im.ImportDocument(ctx, rec); err == nil {
		t.Fatal("expected an error")
	}
	if calls := f.fetcher.calls["weekly.json"]; calls != 1 {
		t.Errorf("fetch calls = %d, want 1", calls)
	}
	if len(*f.waits) != 0 {
		t.Errorf("waits = %v, want none", *f.waits)
	}

	st := f.job(t, job.ID).Weekly
	if st.PullStatus != domain.PullFailed {
		t.Errorf("weekly status = %s, want Failed", st.PullStatus)
	}
	if st.LastError == "" {
		t.Error("failed period has no error text")
	}
	got := f.download(t, rec.ID)
	if got.ProcessStatus == nil || *got.ProcessStatus != domain.ProcessFailed || got.LastProcessError == "" {
		t.Errorf("download = %v %q, want FAILED with error", got.ProcessStatus, got.LastProcessError)
	}
}

func TestImportRecordValidation(t *testing.T) {
	tests := []struct {
		name       string
		doc        string
		wantErr    error
		wantPeriod domain.PullStatus
		wantStatus domain.ProcessStatus
	}{
		{
			name:       "partial",
			doc:        "[" + record("B001", "2025-01-05", "2025-01-11", 1) + `,{"asin":"","startDate":"2025-01-05","endDate":"2025-01-11"}]`,
			wantPeriod: domain.PullSuccess,
			wantStatus: domain.ProcessFailedPartial,
		},
		{
			name:       "no valid records",
			doc:        `[{"asin":"B001","startDate":"soon","endDate":"2025-01-11"}]`,
			wantErr:    ErrNoValidRecords,
			wantPeriod: domain.PullFailed,
			wantStatus: domain.ProcessFailed,
		},
		{
			name:       "malformed",
			doc:        `{"unexpected": true}`,
			wantErr:    domain.ErrMalformedDocument,
			wantPeriod: domain.PullFailed,
			wantStatus: domain.ProcessFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			job := f.newCycle(t, "B001")
			rec := f.newDocument(t, job, domain.PeriodMonthly, "monthly.json", tt.doc)

			_, err := f.im.ImportDocument(context.Background(), rec)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			if calls := f.fetcher.calls["monthly.json"]; calls != 1 {
				t.Errorf("fetch calls = %d, want 1", calls)
			}
			if got := f.job(t, job.ID).Monthly.PullStatus; got != tt.wantPeriod {
				t.Errorf("monthly status = %s, want %s", got, tt.wantPeriod)
			}
			got := f.download(t, rec.ID)
			if got.ProcessStatus == nil || *got.ProcessStatus != tt.wantStatus {
				t.Errorf("process status = %v, want %s", got.ProcessStatus, tt.wantStatus)
			}
		})
	}
}

func TestImportSettlesAsinStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	job := f.newCycle(t, "B001", "B002")

	for _, p := range []domain.Period{domain.PeriodMonthly, domain.PeriodQuarterly} {
		if err := f.im.jobs.UpdateReportStatus(ctx, job.ID, p, domain.PullInProgress, ReportStatusUpdate{}); err != nil {
			t.Fatal(err)
		}
		if err := f.im.jobs.UpdateReportStatus(ctx, job.ID, p, domain.PullFailed, ReportStatusUpdate{Error: "report FATAL"}); err != nil {
			t.Fatal(err)
		}
	}
	row, _ := f.store.Rollups.Get(ctx, f.seller.ID, "B001")
	if row.PullStatus != domain.AsinInProgress {
		t.Fatalf("pull status before settling = %s, want %s", row.PullStatus, domain.AsinInProgress)
	}

	rec := f.newDocument(t, job, domain.PeriodWeekly, "weekly.json", "[]")
	if _, err := f.im.ImportDocument(ctx, rec); err != nil {
		t.Fatal(err)
	}
	for _, asin := range []string{"B001", "B002"} {
		row, err := f.store.Rollups.Get(ctx, f.seller.ID, asin)
		if err != nil {
			t.Fatal(err)
		}
		if row.PullStatus != domain.AsinCompleted || row.PullCompletedAt == nil {
			t.Errorf("%s pull status = %s completed=%v, want Completed", asin, row.PullStatus, row.PullCompletedAt)
		}
	}
}

func TestImportRejectsUnprocessable(t *testing.T) {
	f := newFixture(t)
	job := f.newCycle(t, "B001")
	rec := f.newDocument(t, job, domain.PeriodWeekly, "weekly.json", "[]")
	rec.ProcessAttempts = rec.MaxProcessAttempts

	if _, err := f.im.ImportDocument(context.Background(), rec); !errors.Is(err, ErrNotProcessable) {
		t.Fatalf("error = %v, want ErrNotProcessable", err)
	}
}
