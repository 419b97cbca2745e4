package domain

import (
	"time"

	"gorm.io/datatypes"
)

// PeriodState is the pull status record of one period of a cron job.
// It is embedded three times in CronJob with weekly_/monthly_/quarterly_ column prefixes.
type PeriodState struct {
	PullStatus        PullStatus `gorm:"not null;default:0" json:"pull_status"`
	Running           bool       `gorm:"not null;default:false" json:"running"`
	StartDate         *time.Time `json:"start_date,omitempty"`
	EndDate           *time.Time `json:"end_date,omitempty"`
	ReportID          string     `gorm:"type:varchar(64)" json:"report_id,omitempty"`
	ReportDocumentID  string     `gorm:"type:varchar(128)" json:"report_document_id,omitempty"`
	RetryCount        int        `gorm:"not null;default:0" json:"retry_count"`
	LastError         string     `gorm:"type:text" json:"last_error,omitempty"`
	DownloadCompleted bool       `gorm:"not null;default:false" json:"download_completed"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// Settled reports whether the period has reached a terminal state, counting a
// RetryFailed period whose retry budget is spent as settled.
func (s PeriodState) Settled(retryLimit int) bool {
	if s.PullStatus.IsTerminal() {
		return true
	}
	return s.PullStatus == PullRetryFailed && s.RetryCount >= retryLimit
}

// Range returns the period's requested date range, or a zero range when unset.
func (s PeriodState) Range() DateRange {
	if s.StartDate == nil || s.EndDate == nil {
		return DateRange{}
	}
	return DateRange{Start: *s.StartDate, End: *s.EndDate}
}

// CronJob is one pull cycle for one seller, covering all three periods.
// Rows are never deleted; a new cycle supersedes the previous row.
type CronJob struct {
	ID             uint                       `gorm:"primaryKey" json:"id"`
	AmazonSellerID string                     `gorm:"type:varchar(64);not null;index" json:"amazon_seller_id"`
	SellerID       uint                       `gorm:"not null;index" json:"seller_id"`
	AsinList       datatypes.JSONSlice[string] `json:"asin_list"`
	Weekly         PeriodState                `gorm:"embedded;embeddedPrefix:weekly_" json:"weekly"`
	Monthly        PeriodState                `gorm:"embedded;embeddedPrefix:monthly_" json:"monthly"`
	Quarterly      PeriodState                `gorm:"embedded;embeddedPrefix:quarterly_" json:"quarterly"`
	CreatedAt      time.Time                  `json:"created_at"`
	UpdatedAt      time.Time                  `json:"updated_at"`
}

func (CronJob) TableName() string {
	return "sqp_cron_jobs"
}

// State returns a pointer to the period's embedded state.
func (j *CronJob) State(p Period) *PeriodState {
	switch p {
	case PeriodMonthly:
		return &j.Monthly
	case PeriodQuarterly:
		return &j.Quarterly
	default:
		return &j.Weekly
	}
}

// Settled reports whether all three periods are terminal.
func (j *CronJob) Settled(retryLimit int) bool {
	for _, p := range AllPeriods {
		if !j.State(p).Settled(retryLimit) {
			return false
		}
	}
	return true
}

// AggregateAsinStatus folds the three period outcomes into the per-ASIN completion marker:
// Completed if any period succeeded, Failed otherwise.
func (j *CronJob) AggregateAsinStatus() AsinPullStatus {
	for _, p := range AllPeriods {
		if j.State(p).PullStatus == PullSuccess {
			return AsinCompleted
		}
	}
	return AsinFailed
}

// PeriodColumn returns the column name of a PeriodState field for period p.
func PeriodColumn(p Period, column string) string {
	switch p {
	case PeriodMonthly:
		return "monthly_" + column
	case PeriodQuarterly:
		return "quarterly_" + column
	default:
		return "weekly_" + column
	}
}
