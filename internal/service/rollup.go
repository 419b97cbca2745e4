package service

import (
	"context"
	"fmt"

	"github.com/timmy/sqpsync/internal/domain"
	"github.com/timmy/sqpsync/internal/logger"
	"github.com/timmy/sqpsync/internal/repository"
)

// RangeUpdate describes one period's coverage result for a set of ASINs.
type RangeUpdate struct {
	CronJobID      uint
	SellerID       uint
	AmazonSellerID string
	ReportType     domain.Period
	MinRange       string
	MaxRange       string
	ASINs          []string
	DataAvailable  bool
}

// RollupService keeps the per-ASIN coverage summary current.
type RollupService struct {
	store *repository.Store
}

// NewRollupService creates a new RollupService.
func NewRollupService(store *repository.Store) *RollupService {
	return &RollupService{store: store}
}

// UpdateRanges writes the period's date range and availability. With data it needs both
// bounds; without data it marks the period stale/absent and keeps the previous range text.
func (s *RollupService) UpdateRanges(ctx context.Context, u RangeUpdate) (int64, error) {
	if !u.ReportType.Valid() {
		return 0, fmt.Errorf("rollup update: unknown report type %q", u.ReportType)
	}
	if len(u.ASINs) == 0 {
		return 0, nil
	}

	dateRange := ""
	available := domain.DataStaleOrAbsent
	if u.DataAvailable {
		if u.MinRange == "" || u.MaxRange == "" {
			return 0, ErrIncompleteRange
		}
		dateRange = u.MinRange + " - " + u.MaxRange
		available = domain.DataCurrentPeriod
	}

	n, err := s.store.Rollups.UpdateRanges(ctx, u.ReportType, u.SellerID, u.AmazonSellerID, u.ASINs, dateRange, available)
	if err != nil {
		return 0, fmt.Errorf("update %s rollup: %w", u.ReportType, err)
	}
	log := logger.With(logger.Fields{
		logger.FieldCronJobID: u.CronJobID,
		logger.FieldSellerID:  u.SellerID,
		logger.FieldPeriod:    u.ReportType,
		logger.FieldCount:     n,
	})
	if n == 0 {
		log.Warn(ctx, "Rollup update matched no rows for %d ASINs", len(u.ASINs))
	} else {
		log.Debug(ctx, "Rollup updated: range=%q available=%d", dateRange, available)
	}
	return n, nil
}
