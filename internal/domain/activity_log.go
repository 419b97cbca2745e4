package domain

import (
	"time"

	"gorm.io/datatypes"
)

// Activity actions recorded on the cron activity log.
const (
	ActivityAttempt  = "attempt"
	ActivityRetry    = "retry"
	ActivitySuccess  = "success"
	ActivityFailure  = "failure"
	ActivityReopen   = "reopen"
	ActivityRequest  = "request"
	ActivityDownload = "download"
)

// CronActivityLog is the append-only audit trail of every attempt made for a cron job period.
type CronActivityLog struct {
	ID        uint              `gorm:"primaryKey" json:"id"`
	CronJobID uint              `gorm:"not null;index" json:"cron_job_id"`
	Period    Period            `gorm:"type:varchar(16)" json:"period"`
	Action    string            `gorm:"type:varchar(32);not null" json:"action"`
	Attempt   int               `json:"attempt"`
	Status    string            `gorm:"type:varchar(32)" json:"status"`
	Message   string            `gorm:"type:text" json:"message,omitempty"`
	Metadata  datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

func (CronActivityLog) TableName() string {
	return "sqp_cron_activity_logs"
}
