package domain

import "time"

// MetricRow is one normalized search-query-performance record for an ASIN and date window.
// Its logical key is (SellerID, ASIN, StartDate, EndDate); re-imports replace rows by key.
type MetricRow struct {
	ID             uint   `gorm:"primaryKey" json:"id"`
	CronJobID      uint   `gorm:"index" json:"cron_job_id"`
	ReportID       string `gorm:"type:varchar(64)" json:"report_id"`
	AmazonSellerID string `gorm:"type:varchar(64);not null" json:"amazon_seller_id"`
	SellerID       uint   `gorm:"not null;index:,composite:logical_key,priority:1" json:"seller_id"`
	ASIN           string `gorm:"column:asin;type:varchar(20);not null;index:,composite:logical_key,priority:2" json:"asin"`
	StartDate      string `gorm:"type:varchar(10);not null;index:,composite:logical_key,priority:3" json:"start_date"`
	EndDate        string `gorm:"type:varchar(10);not null;index:,composite:logical_key,priority:4" json:"end_date"`

	ImpressionCount       int64   `gorm:"not null;default:0" json:"impression_count"`
	ImpressionMedianPrice float64 `gorm:"not null;default:0" json:"impression_median_price"`
	ClickCount            int64   `gorm:"not null;default:0" json:"click_count"`
	ClickRate             float64 `gorm:"not null;default:0" json:"click_rate"`
	ClickedMedianPrice    float64 `gorm:"not null;default:0" json:"clicked_median_price"`
	CartAddCount          int64   `gorm:"not null;default:0" json:"cart_add_count"`
	CartAddedMedianPrice  float64 `gorm:"not null;default:0" json:"cart_added_median_price"`
	PurchaseCount         int64   `gorm:"not null;default:0" json:"purchase_count"`
	ConversionRate        float64 `gorm:"not null;default:0" json:"conversion_rate"`
	PurchaseMedianPrice   float64 `gorm:"not null;default:0" json:"purchase_median_price"`
	SearchTrafficSales    float64 `gorm:"not null;default:0" json:"search_traffic_sales"`
	CurrencyCode          string  `gorm:"type:varchar(3)" json:"currency_code"`

	CreatedAt time.Time `json:"created_at"`
}

// MetricKey is the logical uniqueness key of a MetricRow.
type MetricKey struct {
	SellerID  uint
	ASIN      string
	StartDate string
	EndDate   string
}

// Key returns the row's logical key.
func (m *MetricRow) Key() MetricKey {
	return MetricKey{SellerID: m.SellerID, ASIN: m.ASIN, StartDate: m.StartDate, EndDate: m.EndDate}
}

// WeeklyMetric, MonthlyMetric and QuarterlyMetric bind MetricRow to the per-period tables.
// They exist for migrations; reads and writes address the table through Period.MetricTable.
type WeeklyMetric struct{ MetricRow }

type MonthlyMetric struct{ MetricRow }

type QuarterlyMetric struct{ MetricRow }

func (WeeklyMetric) TableName() string    { return "sqp_weekly" }
func (MonthlyMetric) TableName() string   { return "sqp_monthly" }
func (QuarterlyMetric) TableName() string { return "sqp_quarterly" }
