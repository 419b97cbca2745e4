package repository

import (
	"context"

	"gorm.io/gorm"
)

// BatchSizes configures bulk metric writes.
type BatchSizes struct {
	Delete int
	Insert int
}

// Store bundles the repositories of one tenant database.
type Store struct {
	db      *gorm.DB
	batches BatchSizes

	CronJobs  *CronJobRepository
	Downloads *DownloadRecordRepository
	Metrics   *MetricRepository
	Rollups   *AsinRollupRepository
	Activity  *ActivityLogRepository
	Sellers   *SellerRepository
}

// NewStore binds every repository to db.
func NewStore(db *gorm.DB, batches BatchSizes) *Store {
	return &Store{
		db:        db,
		batches:   batches,
		CronJobs:  NewCronJobRepository(db),
		Downloads: NewDownloadRecordRepository(db),
		Metrics:   NewMetricRepository(db, batches.Delete, batches.Insert),
		Rollups:   NewAsinRollupRepository(db),
		Activity:  NewActivityLogRepository(db),
		Sellers:   NewSellerRepository(db),
	}
}

// DB returns the underlying handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Transaction runs fn with a Store bound to one transaction.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewStore(tx, s.batches))
	})
}
