package tenant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/timmy/sqpsync/internal/domain"
	"github.com/timmy/sqpsync/internal/repository"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func memDB(t *testing.T, name string) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s_%s?mode=memory&cache=shared", t.Name(), name)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open %s: %v", name, err)
	}
	return db
}

type countingOpener struct {
	t     *testing.T
	mu    sync.Mutex
	opens map[string]int
	fail  map[string]bool
}

func (o *countingOpener) open(name string) (*gorm.DB, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fail[name] {
		return nil, errors.New("connection refused")
	}
	o.opens[name]++
	return memDB(o.t, name), nil
}

func newTestRouter(t *testing.T, cacheSize int) (*Router, *countingOpener) {
	t.Helper()
	root := memDB(t, "root")
	if err := repository.MigrateRoot(root); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	users := repository.NewUserDatabaseRepository(root)
	for _, m := range []domain.UserDatabase{
		{UserID: 1, DatabaseName: "tenant_one", Timezone: "America/New_York", IsActive: true},
		{UserID: 2, DatabaseName: "tenant_two", IsActive: true},
		{UserID: 3, DatabaseName: "tenant_three", Timezone: "Not/AZone", IsActive: true},
		{UserID: 4, DatabaseName: "tenant_broken", IsActive: true},
	} {
		m := m
		if err := users.Save(ctx, &m); err != nil {
			t.Fatal(err)
		}
	}

	o := &countingOpener{t: t, opens: map[string]int{}, fail: map[string]bool{"tenant_broken": true}}
	r, err := NewRouter(root, o.open, Options{RootName: "root", CacheSize: cacheSize, DefaultTimezone: "UTC", AutoMigrate: true})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(r.Close)
	return r, o
}

func TestResolve(t *testing.T) {
	r, _ := newTestRouter(t, 4)
	ctx := context.Background()

	tests := []struct {
		name         string
		key          uint
		wantDatabase string
		wantFallback bool
		wantRoot     bool
		wantTZ       string
	}{
		{"root", 0, "root", false, true, "UTC"},
		{"mapped", 1, "tenant_one", false, false, "America/New_York"},
		{"default timezone", 2, "tenant_two", false, false, "UTC"},
		{"bad timezone", 3, "tenant_three", false, false, "UTC"},
		{"unmapped falls back", 99, "root", true, true, "UTC"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h, err := r.Resolve(ctx, tc.key)
			if err != nil {
				t.Fatal(err)
			}
			defer h.Release()
			if h.Database != tc.wantDatabase || h.Fallback != tc.wantFallback || h.IsRoot() != tc.wantRoot {
				t.Errorf("handle = %+v", h)
			}
			if h.Location.String() != tc.wantTZ {
				t.Errorf("timezone = %s, want %s", h.Location, tc.wantTZ)
			}
		})
	}
}

func TestResolveOpenFailure(t *testing.T) {
	r, _ := newTestRouter(t, 4)
	if _, err := r.Resolve(context.Background(), 4); !errors.Is(err, ErrTenantDatabase) {
		t.Fatalf("err = %v, want ErrTenantDatabase", err)
	}
}

func TestTenantsAreIsolated(t *testing.T) {
	r, o := newTestRouter(t, 4)
	ctx := context.Background()

	for _, key := range []uint{1, 2} {
		err := r.WithTenant(ctx, key, func(ctx context.Context, h *Handle) error {
			got, ok := FromContext(ctx)
			if !ok || got != h {
				t.Fatal("handle not attached to context")
			}
			return repository.NewCronJobRepository(h.DB).Create(ctx, &domain.CronJob{SellerID: key, AmazonSellerID: "A"})
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	err := r.WithTenant(ctx, 1, func(ctx context.Context, h *Handle) error {
		var n int64
		h.DB.Model(&domain.CronJob{}).Count(&n)
		if n != 1 {
			t.Errorf("tenant one sees %d jobs, want 1", n)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if o.opens["tenant_one"] != 1 {
		t.Errorf("tenant_one opened %d times, want 1 (cached)", o.opens["tenant_one"])
	}
}

func TestEvictionClosesIdlePools(t *testing.T) {
	r, o := newTestRouter(t, 1)
	ctx := context.Background()

	held, err := r.Resolve(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}

	h2, err := r.Resolve(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	h2.Release()

	// tenant_one was evicted while held; it must stay usable until released
	if held.pool.closed {
		t.Fatal("pool closed while in use")
	}
	if err := held.DB.Exec("SELECT 1").Error; err != nil {
		t.Fatalf("held handle unusable: %v", err)
	}
	held.Release()
	held.Release()
	if !held.pool.closed {
		t.Error("evicted pool not closed after release")
	}

	h1, err := r.Resolve(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	h1.Release()
	if o.opens["tenant_one"] != 2 {
		t.Errorf("tenant_one opened %d times, want 2", o.opens["tenant_one"])
	}
	if r.Cached() != 1 {
		t.Errorf("cached = %d, want 1", r.Cached())
	}
}

func TestConcurrentResolveOpensOnce(t *testing.T) {
	r, o := newTestRouter(t, 4)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := r.Resolve(ctx, 2)
			if err != nil {
				t.Error(err)
				return
			}
			h.Release()
		}()
	}
	wg.Wait()

	if o.opens["tenant_two"] != 1 {
		t.Errorf("tenant_two opened %d times, want 1", o.opens["tenant_two"])
	}
}
