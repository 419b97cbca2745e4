package domain

import "time"

// DownloadRecord tracks one concrete report document from request through import.
// Rows are never deleted; ProcessStatus SUCCESS with FullyImported ends the lifecycle.
type DownloadRecord struct {
	ID                   uint           `gorm:"primaryKey" json:"id"`
	CronJobID            uint           `gorm:"not null;index:idx_sqp_downloads_job,priority:1" json:"cron_job_id"`
	ReportType           Period         `gorm:"type:varchar(16);not null;index:idx_sqp_downloads_job,priority:2" json:"report_type"`
	ReportID             string         `gorm:"type:varchar(64);index" json:"report_id"`
	AmazonSellerID       string         `gorm:"type:varchar(64);index" json:"amazon_seller_id"`
	Status               DownloadStatus `gorm:"type:varchar(16);not null;default:PENDING;index" json:"status"`
	ProcessStatus        *ProcessStatus `gorm:"type:varchar(16);index" json:"process_status"`
	DownloadAttempts     int            `gorm:"not null;default:0" json:"download_attempts"`
	MaxDownloadAttempts  int            `gorm:"not null;default:3" json:"max_download_attempts"`
	ProcessAttempts      int            `gorm:"not null;default:0" json:"process_attempts"`
	MaxProcessAttempts   int            `gorm:"not null;default:3" json:"max_process_attempts"`
	FilePath             string         `gorm:"type:text" json:"file_path,omitempty"`
	FileSize             int64          `gorm:"not null;default:0" json:"file_size"`
	ErrorMessage         string         `gorm:"type:text" json:"error_message,omitempty"`
	LastProcessError     string         `gorm:"type:text" json:"last_process_error,omitempty"`
	SuccessCount         int            `gorm:"not null;default:0" json:"success_count"`
	FailCount            int            `gorm:"not null;default:0" json:"fail_count"`
	TotalRecords         int            `gorm:"not null;default:0" json:"total_records"`
	FullyImported        bool           `gorm:"not null;default:false" json:"fully_imported"`
	DownloadStartedAt    *time.Time     `json:"download_started_at,omitempty"`
	DownloadCompletedAt  *time.Time     `json:"download_completed_at,omitempty"`
	LastProcessAttemptAt *time.Time     `json:"last_process_attempt_at,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `gorm:"index" json:"updated_at"`
}

func (DownloadRecord) TableName() string {
	return "sqp_download_urls"
}

// Processable reports whether the document is eligible for import.
func (r *DownloadRecord) Processable() bool {
	if r.Status != DownloadCompleted || r.FilePath == "" {
		return false
	}
	if r.ProcessAttempts >= r.MaxProcessAttempts {
		return false
	}
	if r.ProcessStatus == nil {
		return true
	}
	for _, s := range ReprocessableStatuses {
		if *r.ProcessStatus == s {
			return true
		}
	}
	return false
}

// ProcessOutcome is the result of one import, as recorded on the download record.
type ProcessOutcome struct {
	Total   int
	Success int
	Failed  int
	Error   string
}

// Resolve derives FullyImported and ProcessStatus from the counts.
func (o ProcessOutcome) Resolve() (fullyImported bool, status ProcessStatus) {
	fullyImported = o.Total > 0 && o.Failed == 0
	switch {
	case fullyImported:
		status = ProcessSuccess
	case o.Success > 0:
		status = ProcessFailedPartial
	default:
		status = ProcessFailed
	}
	return fullyImported, status
}
