package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/timmy/sqpsync/internal/config"
	"github.com/timmy/sqpsync/internal/domain"
	"github.com/timmy/sqpsync/internal/repository"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestStore(t *testing.T) *repository.Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := repository.MigrateRoot(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = repository.Close(db) })
	return repository.NewStore(db, repository.BatchSizes{Delete: 2, Insert: 2})
}

// newTestToolkit returns a toolkit whose executor records waits instead of sleeping.
func newTestToolkit() (*Toolkit, *[]time.Duration) {
	tk := NewToolkit(config.ResilienceConfig{
		BreakerFailureThreshold: 5,
		BreakerResetTimeout:     time.Minute,
		RateLimitMaxRequests:    1000,
		RateLimitWindow:         time.Minute,
		BackoffBase:             time.Second,
		BackoffMax:              time.Minute,
	}, 0)
	var (
		mu    sync.Mutex
		waits []time.Duration
	)
	tk.Executor.Sleep = func(_ context.Context, d time.Duration) error {
		mu.Lock()
		defer mu.Unlock()
		waits = append(waits, d)
		return nil
	}
	return tk, &waits
}

// fakeFetcher serves canned responses per locator; errs are consumed before content.
type fakeFetcher struct {
	mu      sync.Mutex
	content map[string][]byte
	errs    map[string][]error
	calls   map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		content: make(map[string][]byte),
		errs:    make(map[string][]error),
		calls:   make(map[string]int),
	}
}

func (f *fakeFetcher) Fetch(_ context.Context, locator string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[locator]++
	if errs := f.errs[locator]; len(errs) > 0 {
		f.errs[locator] = errs[1:]
		return nil, errs[0]
	}
	data, ok := f.content[locator]
	if !ok {
		return nil, fmt.Errorf("%s: not found", locator)
	}
	return data, nil
}

type fixture struct {
	store   *repository.Store
	toolkit *Toolkit
	waits   *[]time.Duration
	fetcher *fakeFetcher
	im      *Importer
	seller  domain.Seller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newTestStore(t)
	tk, waits := newTestToolkit()
	fetcher := newFakeFetcher()
	seller := domain.Seller{AmazonSellerID: "A1SELLER", MarketplaceID: "ATVPDKIKX0DER", Name: "Acme", IsActive: true}
	if err := store.DB().Create(&seller).Error; err != nil {
		t.Fatal(err)
	}
	im := NewImporter(store, fetcher, tk, nil, ImportOptions{
		TenantKey:           7,
		Attempts:            3,
		PeriodRetryLimit:    3,
		MaxProcessAttempts:  3,
		MaxDownloadAttempts: 3,
	})
	return &fixture{store: store, toolkit: tk, waits: waits, fetcher: fetcher, im: im, seller: seller}
}

func (f *fixture) newCycle(t *testing.T, asins ...string) *domain.CronJob {
	t.Helper()
	job, err := f.im.jobs.CreateOrAdvanceCycle(context.Background(), f.seller.ID, asins, time.UTC)
	if err != nil {
		t.Fatalf("CreateOrAdvanceCycle: %v", err)
	}
	return job
}

func (f *fixture) newDocument(t *testing.T, job *domain.CronJob, period domain.Period, locator string, content string) *domain.DownloadRecord {
	t.Helper()
	rec, err := f.im.downloads.MarkDownloadStatus(context.Background(),
		Selector{CronJobID: job.ID, ReportType: period, ReportID: "rep-" + locator},
		DownloadUpdate{Status: domain.DownloadCompleted, FilePath: locator, FileSize: int64(len(content)), AmazonSellerID: job.AmazonSellerID},
	)
	if err != nil {
		t.Fatalf("MarkDownloadStatus: %v", err)
	}
	if content != "" {
		f.fetcher.content[locator] = []byte(content)
	}
	return rec
}

func (f *fixture) job(t *testing.T, id uint) *domain.CronJob {
	t.Helper()
	job, err := f.store.CronJobs.GetByID(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return job
}

func (f *fixture) download(t *testing.T, id uint) *domain.DownloadRecord {
	t.Helper()
	rec, err := f.store.Downloads.GetByID(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return rec
}

func record(asin, start, end string, clicks int) string {
	return fmt.Sprintf(`{"asin":%q,"startDate":%q,"endDate":%q,
		"impressionData":{"impressionCount":100},
		"clickData":{"clickCount":%d,"clickRate":0.1,"clickedMedianPrice":{"amount":19.99,"currencyCode":"USD"}},
		"purchaseData":{"purchaseCount":1,"searchTrafficSales":{"amount":19.99,"currencyCode":"USD"}}}`, asin, start, end, clicks)
}
