package domain

import "time"

// AsinRollup summarizes, per (seller, ASIN), the latest imported coverage of each period
// and the aggregate completion marker of the most recent pull cycle.
type AsinRollup struct {
	ID             uint   `gorm:"primaryKey" json:"id"`
	SellerID       uint   `gorm:"not null;uniqueIndex:idx_sqp_asin_rollup_key,priority:1" json:"seller_id"`
	AmazonSellerID string `gorm:"type:varchar(64);not null;uniqueIndex:idx_sqp_asin_rollup_key,priority:2" json:"amazon_seller_id"`
	ASIN           string `gorm:"column:asin;type:varchar(20);not null;uniqueIndex:idx_sqp_asin_rollup_key,priority:3" json:"asin"`
	IsActive       bool   `gorm:"not null;default:true" json:"is_active"`

	WeeklyLatestDateRange    string           `gorm:"type:varchar(32)" json:"weekly_latest_date_range"`
	WeeklyIsDataAvailable    DataAvailability `gorm:"not null;default:0" json:"weekly_is_data_available"`
	MonthlyLatestDateRange   string           `gorm:"type:varchar(32)" json:"monthly_latest_date_range"`
	MonthlyIsDataAvailable   DataAvailability `gorm:"not null;default:0" json:"monthly_is_data_available"`
	QuarterlyLatestDateRange string           `gorm:"type:varchar(32)" json:"quarterly_latest_date_range"`
	QuarterlyIsDataAvailable DataAvailability `gorm:"not null;default:0" json:"quarterly_is_data_available"`

	PullStatus      AsinPullStatus `gorm:"type:varchar(16)" json:"pull_status"`
	LastPullPeriod  string         `gorm:"type:varchar(16)" json:"last_pull_period"`
	PullStartedAt   *time.Time     `json:"pull_started_at,omitempty"`
	PullCompletedAt *time.Time     `json:"pull_completed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (AsinRollup) TableName() string {
	return "sqp_asin_rollups"
}

// RollupColumns returns the (date range, availability) column pair for a period.
func RollupColumns(p Period) (rangeColumn, availabilityColumn string) {
	switch p {
	case PeriodMonthly:
		return "monthly_latest_date_range", "monthly_is_data_available"
	case PeriodQuarterly:
		return "quarterly_latest_date_range", "quarterly_is_data_available"
	default:
		return "weekly_latest_date_range", "weekly_is_data_available"
	}
}

// Availability returns the period's availability flag.
func (r *AsinRollup) Availability(p Period) DataAvailability {
	switch p {
	case PeriodMonthly:
		return r.MonthlyIsDataAvailable
	case PeriodQuarterly:
		return r.QuarterlyIsDataAvailable
	default:
		return r.WeeklyIsDataAvailable
	}
}

// LatestRange returns the period's latest date range text.
func (r *AsinRollup) LatestRange(p Period) string {
	switch p {
	case PeriodMonthly:
		return r.MonthlyLatestDateRange
	case PeriodQuarterly:
		return r.QuarterlyLatestDateRange
	default:
		return r.WeeklyLatestDateRange
	}
}
