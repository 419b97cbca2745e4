package repository

import (
	"context"
	"fmt"

	"github.com/timmy/sqpsync/internal/domain"
	"gorm.io/gorm"
)

const (
	defaultDeleteBatch = 500
	defaultInsertBatch = 500
)

// MetricRepository writes normalized report rows into the per-period tables.
type MetricRepository struct {
	db          *gorm.DB
	deleteBatch int
	insertBatch int
}

// NewMetricRepository creates a new MetricRepository. Non-positive batch sizes use defaults.
func NewMetricRepository(db *gorm.DB, deleteBatch, insertBatch int) *MetricRepository {
	if deleteBatch <= 0 {
		deleteBatch = defaultDeleteBatch
	}
	if insertBatch <= 0 {
		insertBatch = defaultInsertBatch
	}
	return &MetricRepository{db: db, deleteBatch: deleteBatch, insertBatch: insertBatch}
}

// ReplaceResult reports what ReplaceRows did.
type ReplaceResult struct {
	Deleted  int64
	Inserted int
}

// ReplaceRows deletes every stored row whose logical key collides with an incoming row and
// inserts the incoming rows, deduplicated by key with the last occurrence winning.
// Both steps run in one transaction so a failed import leaves the table untouched.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - period: selects the physical table.
//   - rows: incoming rows; their IDs are ignored.
// Returns:
//   - ReplaceResult: rows deleted and inserted.
//   - error: non-nil if any statement fails.
func (r *MetricRepository) ReplaceRows(ctx context.Context, period domain.Period, rows []domain.MetricRow) (ReplaceResult, error) {
	var res ReplaceResult
	if len(rows) == 0 {
		return res, nil
	}
	table := period.MetricTable()
	unique := dedupeRows(rows)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, g := range groupKeys(unique) {
			for start := 0; start < len(g.asins); start += r.deleteBatch {
				end := min(start+r.deleteBatch, len(g.asins))
				del := tx.Table(table).
					Where("seller_id = ? AND start_date = ? AND end_date = ?", g.sellerID, g.startDate, g.endDate).
					Where("asin IN ?", g.asins[start:end]).
					Delete(&domain.MetricRow{})
				if del.Error != nil {
					return fmt.Errorf("delete existing %s rows: %w", table, del.Error)
				}
				res.Deleted += del.RowsAffected
			}
		}
		if err := tx.Table(table).CreateInBatches(&unique, r.insertBatch).Error; err != nil {
			return fmt.Errorf("insert %s rows: %w", table, err)
		}
		return nil
	})
	if err != nil {
		return ReplaceResult{}, err
	}
	res.Inserted = len(unique)
	return res, nil
}

// ListByAsin returns a seller's stored rows for one ASIN, oldest window first.
func (r *MetricRepository) ListByAsin(ctx context.Context, period domain.Period, sellerID uint, asin string) ([]domain.MetricRow, error) {
	var rows []domain.MetricRow
	if err := r.db.WithContext(ctx).Table(period.MetricTable()).
		Where("seller_id = ? AND asin = ?", sellerID, asin).
		Order("start_date ASC").Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// Count returns the number of stored rows for a seller.
func (r *MetricRepository) Count(ctx context.Context, period domain.Period, sellerID uint) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Table(period.MetricTable()).Where("seller_id = ?", sellerID).Count(&n).Error
	return n, err
}

func dedupeRows(rows []domain.MetricRow) []domain.MetricRow {
	index := make(map[domain.MetricKey]int, len(rows))
	out := make([]domain.MetricRow, 0, len(rows))
	for _, row := range rows {
		row.ID = 0
		key := row.Key()
		if i, ok := index[key]; ok {
			out[i] = row
			continue
		}
		index[key] = len(out)
		out = append(out, row)
	}
	return out
}

type keyGroup struct {
	sellerID           uint
	startDate, endDate string
	asins              []string
}

// groupKeys folds logical keys into (seller, window) groups so deletes can use ASIN lists.
func groupKeys(rows []domain.MetricRow) []keyGroup {
	type window struct {
		sellerID           uint
		startDate, endDate string
	}
	index := make(map[window]int)
	var groups []keyGroup
	for _, row := range rows {
		w := window{row.SellerID, row.StartDate, row.EndDate}
		i, ok := index[w]
		if !ok {
			i = len(groups)
			index[w] = i
			groups = append(groups, keyGroup{sellerID: w.sellerID, startDate: w.startDate, endDate: w.endDate})
		}
		groups[i].asins = append(groups[i].asins, row.ASIN)
	}
	return groups
}
