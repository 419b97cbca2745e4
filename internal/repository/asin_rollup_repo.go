package repository

import (
	"context"
	"time"

	"github.com/timmy/sqpsync/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const asinBatch = 500

// AsinRollupRepository persists per-ASIN coverage summaries.
type AsinRollupRepository struct {
	db *gorm.DB
}

// NewAsinRollupRepository creates a new AsinRollupRepository.
func NewAsinRollupRepository(db *gorm.DB) *AsinRollupRepository {
	return &AsinRollupRepository{db: db}
}

// EnsureRows creates a rollup row for each ASIN that does not have one yet.
func (r *AsinRollupRepository) EnsureRows(ctx context.Context, sellerID uint, amazonSellerID string, asins []string) error {
	if len(asins) == 0 {
		return nil
	}
	rows := make([]domain.AsinRollup, 0, len(asins))
	for _, asin := range asins {
		rows = append(rows, domain.AsinRollup{
			SellerID:       sellerID,
			AmazonSellerID: amazonSellerID,
			ASIN:           asin,
			IsActive:       true,
			PullStatus:     domain.AsinPending,
		})
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(&rows, asinBatch).Error
}

// UpdateRanges writes one period's availability flag and, when dateRange is non-empty, its
// date range text for the given ASINs. It returns the number of rows touched.
func (r *AsinRollupRepository) UpdateRanges(ctx context.Context, period domain.Period, sellerID uint, amazonSellerID string, asins []string, dateRange string, available domain.DataAvailability) (int64, error) {
	rangeCol, availCol := domain.RollupColumns(period)
	updates := map[string]interface{}{availCol: available}
	if dateRange != "" {
		updates[rangeCol] = dateRange
	}
	return r.updateByAsins(ctx, sellerID, amazonSellerID, asins, updates)
}

// UpdatePullStatus records the aggregate completion marker for the given ASINs.
func (r *AsinRollupRepository) UpdatePullStatus(ctx context.Context, sellerID uint, amazonSellerID string, asins []string, status domain.AsinPullStatus, period string, startedAt, completedAt *time.Time) (int64, error) {
	updates := map[string]interface{}{
		"pull_status":      status,
		"last_pull_period": period,
	}
	if startedAt != nil {
		updates["pull_started_at"] = *startedAt
	}
	if completedAt != nil {
		updates["pull_completed_at"] = *completedAt
	}
	return r.updateByAsins(ctx, sellerID, amazonSellerID, asins, updates)
}

func (r *AsinRollupRepository) updateByAsins(ctx context.Context, sellerID uint, amazonSellerID string, asins []string, updates map[string]interface{}) (int64, error) {
	var total int64
	for start := 0; start < len(asins); start += asinBatch {
		end := min(start+asinBatch, len(asins))
		res := r.db.WithContext(ctx).Model(&domain.AsinRollup{}).
			Where("seller_id = ? AND amazon_seller_id = ?", sellerID, amazonSellerID).
			Where("asin IN ?", asins[start:end]).
			Updates(updates)
		if res.Error != nil {
			return total, res.Error
		}
		total += res.RowsAffected
	}
	return total, nil
}

// Get returns one ASIN's rollup.
func (r *AsinRollupRepository) Get(ctx context.Context, sellerID uint, asin string) (*domain.AsinRollup, error) {
	var row domain.AsinRollup
	if err := r.db.WithContext(ctx).Where("seller_id = ? AND asin = ?", sellerID, asin).First(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// ListBySeller returns a seller's rollups ordered by ASIN.
func (r *AsinRollupRepository) ListBySeller(ctx context.Context, sellerID uint) ([]domain.AsinRollup, error) {
	var rows []domain.AsinRollup
	if err := r.db.WithContext(ctx).Where("seller_id = ?", sellerID).Order("asin ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// ActiveAsins returns the active ASINs of a seller.
func (r *AsinRollupRepository) ActiveAsins(ctx context.Context, sellerID uint) ([]string, error) {
	var asins []string
	err := r.db.WithContext(ctx).Model(&domain.AsinRollup{}).
		Where("seller_id = ? AND is_active = ?", sellerID, true).
		Order("asin ASC").
		Pluck("asin", &asins).Error
	return asins, err
}
