// Package tenant routes work to the logical database of a tenant.
//
// Every unit of work carries an explicit Handle; nothing swaps a process-wide connection.
// Per-database pools are kept in a bounded LRU and closed once evicted and idle.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/timmy/sqpsync/internal/logger"
	"github.com/timmy/sqpsync/internal/repository"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

// ErrTenantDatabase is returned when a mapped tenant database cannot be opened.
var ErrTenantDatabase = errors.New("tenant database unavailable")

// Handle is the resolved execution target of one tenant.
type Handle struct {
	TenantKey uint
	Database  string
	Location  *time.Location
	DB        *gorm.DB
	// Fallback is set when a tenant key had no mapping and resolved to the root store.
	Fallback bool

	pool *pool
	once sync.Once
}

// IsRoot reports whether the handle targets the root store.
func (h *Handle) IsRoot() bool { return h.pool == nil }

// Release returns the handle's pool reference. It is safe to call more than once.
func (h *Handle) Release() {
	if h.pool == nil {
		return
	}
	h.once.Do(h.pool.release)
}

// Options configures a Router.
type Options struct {
	RootName        string
	CacheSize       int
	DefaultTimezone string
	AutoMigrate     bool
}

// Router resolves tenant keys to handles.
type Router struct {
	root       *gorm.DB
	rootName   string
	mappings   *repository.UserDatabaseRepository
	open       repository.Opener
	migrate    bool
	defaultLoc *time.Location

	pools *lru.Cache[string, *pool]
	group singleflight.Group
}

// NewRouter creates a Router over the root store.
func NewRouter(root *gorm.DB, open repository.Opener, opts Options) (*Router, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 32
	}
	loc := time.UTC
	if opts.DefaultTimezone != "" {
		l, err := time.LoadLocation(opts.DefaultTimezone)
		if err != nil {
			return nil, fmt.Errorf("load default timezone: %w", err)
		}
		loc = l
	}

	r := &Router{
		root:       root,
		rootName:   opts.RootName,
		mappings:   repository.NewUserDatabaseRepository(root),
		open:       open,
		migrate:    opts.AutoMigrate,
		defaultLoc: loc,
	}
	cache, err := lru.NewWithEvict[string, *pool](opts.CacheSize, func(name string, p *pool) {
		logger.With(logger.Fields{logger.FieldDatabase: name}).Info(context.Background(), "Evicting tenant connection pool")
		p.evict()
	})
	if err != nil {
		return nil, err
	}
	r.pools = cache
	return r, nil
}

// Resolve returns the handle for tenantKey. Key 0 is the root store; a key without a
// mapping falls back to the root store with a warning. Callers must Release the handle.
func (r *Router) Resolve(ctx context.Context, tenantKey uint) (*Handle, error) {
	if tenantKey == 0 {
		return r.rootHandle(0, false), nil
	}

	mapping, err := r.mappings.GetByUserID(ctx, tenantKey)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		logger.With(logger.Fields{logger.FieldTenantID: tenantKey}).
			Warn(ctx, "No database mapping for tenant, falling back to root store")
		return r.rootHandle(tenantKey, true), nil
	}
	if err != nil {
		return nil, fmt.Errorf("look up tenant %d: %w", tenantKey, err)
	}

	loc := r.location(ctx, mapping.Timezone)
	if mapping.DatabaseName == "" || mapping.DatabaseName == r.rootName {
		h := r.rootHandle(tenantKey, false)
		h.Location = loc
		return h, nil
	}

	p, err := r.acquire(mapping.DatabaseName)
	if err != nil {
		return nil, fmt.Errorf("%w: tenant %d database %q: %w", ErrTenantDatabase, tenantKey, mapping.DatabaseName, err)
	}
	return &Handle{
		TenantKey: tenantKey,
		Database:  mapping.DatabaseName,
		Location:  loc,
		DB:        p.db,
		pool:      p,
	}, nil
}

// WithTenant resolves tenantKey and runs fn with the handle attached to ctx.
func (r *Router) WithTenant(ctx context.Context, tenantKey uint, fn func(ctx context.Context, h *Handle) error) error {
	h, err := r.Resolve(ctx, tenantKey)
	if err != nil {
		return err
	}
	defer h.Release()
	return fn(NewContext(ctx, h), h)
}

// Close closes every cached tenant pool. The root store is owned by the caller.
func (r *Router) Close() {
	r.pools.Purge()
}

// Cached returns the number of cached tenant pools.
func (r *Router) Cached() int {
	return r.pools.Len()
}

func (r *Router) rootHandle(key uint, fallback bool) *Handle {
	return &Handle{
		TenantKey: key,
		Database:  r.rootName,
		Location:  r.defaultLoc,
		DB:        r.root,
		Fallback:  fallback,
	}
}

func (r *Router) location(ctx context.Context, name string) *time.Location {
	if name == "" {
		return r.defaultLoc
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		logger.CtxWarn(ctx, "Unknown tenant timezone %q, using %s", name, r.defaultLoc)
		return r.defaultLoc
	}
	return loc
}

func (r *Router) acquire(name string) (*pool, error) {
	for {
		if p, ok := r.pools.Get(name); ok && p.acquire() {
			return p, nil
		}
		v, err, _ := r.group.Do(name, func() (interface{}, error) {
			if p, ok := r.pools.Get(name); ok {
				return p, nil
			}
			db, err := r.open(name)
			if err != nil {
				return nil, err
			}
			if r.migrate {
				if err := repository.MigrateTenant(db); err != nil {
					_ = repository.Close(db)
					return nil, err
				}
			}
			p := &pool{name: name, db: db}
			r.pools.Add(name, p)
			return p, nil
		})
		if err != nil {
			return nil, err
		}
		if p := v.(*pool); p.acquire() {
			return p, nil
		}
		// evicted between open and acquire; open again
	}
}

// pool is a reference-counted tenant connection pool.
type pool struct {
	name string
	db   *gorm.DB

	mu      sync.Mutex
	refs    int
	evicted bool
	closed  bool
}

func (p *pool) acquire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.evicted {
		return false
	}
	p.refs++
	return true
}

func (p *pool) release() {
	p.mu.Lock()
	p.refs--
	shouldClose := p.evicted && p.refs == 0 && !p.closed
	if shouldClose {
		p.closed = true
	}
	p.mu.Unlock()
	if shouldClose {
		p.close()
	}
}

func (p *pool) evict() {
	p.mu.Lock()
	p.evicted = true
	shouldClose := p.refs == 0 && !p.closed
	if shouldClose {
		p.closed = true
	}
	p.mu.Unlock()
	if shouldClose {
		p.close()
	}
}

func (p *pool) close() {
	if err := repository.Close(p.db); err != nil {
		logger.With(logger.Fields{logger.FieldDatabase: p.name}).Warn(context.Background(), "Closing tenant pool: %v", err)
	}
}
