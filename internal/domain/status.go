package domain

// PullStatus is the per-period status of a cron job.
type PullStatus int

const (
	PullNotStarted  PullStatus = 0
	PullSuccess     PullStatus = 1
	PullFailed      PullStatus = 2
	PullRetryFailed PullStatus = 3 // interim attempt failed, more retries queued
	PullInProgress  PullStatus = 4
)

func (s PullStatus) String() string {
	switch s {
	case PullNotStarted:
		return "NotStarted"
	case PullSuccess:
		return "Success"
	case PullFailed:
		return "Failed"
	case PullRetryFailed:
		return "RetryFailed"
	case PullInProgress:
		return "InProgress"
	}
	return "Unknown"
}

// IsTerminal reports whether no further work is expected for the period.
// RetryFailed is terminal only once the retry budget is spent; see PeriodState.Settled.
func (s PullStatus) IsTerminal() bool {
	return s == PullSuccess || s == PullFailed
}

// CanTransition reports whether the state machine allows moving from s to next.
// Writing the current status again is always allowed.
func (s PullStatus) CanTransition(next PullStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case PullNotStarted:
		return next == PullInProgress
	case PullInProgress:
		return next == PullSuccess || next == PullFailed || next == PullRetryFailed
	case PullRetryFailed:
		return next == PullInProgress || next == PullFailed || next == PullSuccess
	}
	return false
}

// DownloadStatus tracks the report document download.
type DownloadStatus string

const (
	DownloadPending     DownloadStatus = "PENDING"
	DownloadDownloading DownloadStatus = "DOWNLOADING"
	DownloadCompleted   DownloadStatus = "COMPLETED"
	DownloadFailed      DownloadStatus = "FAILED"
)

// ProcessStatus tracks the import of a downloaded document. A nil *ProcessStatus means
// the document was never picked up.
type ProcessStatus string

const (
	ProcessPending       ProcessStatus = "PENDING"
	ProcessProcessing    ProcessStatus = "PROCESSING"
	ProcessSuccess       ProcessStatus = "SUCCESS"
	ProcessFailed        ProcessStatus = "FAILED"
	ProcessFailedPartial ProcessStatus = "FAILED_PARTIAL"
)

// ReprocessableStatuses are the non-null process statuses eligible for (re)import.
var ReprocessableStatuses = []ProcessStatus{ProcessPending, ProcessFailed, ProcessFailedPartial}

// DataAvailability is the per-period availability flag on an ASIN rollup.
type DataAvailability int

const (
	DataUnknown       DataAvailability = 0
	DataCurrentPeriod DataAvailability = 1
	DataStaleOrAbsent DataAvailability = 2
)

// AsinPullStatus is the aggregate completion marker of an ASIN across all periods.
type AsinPullStatus string

const (
	AsinPending    AsinPullStatus = "Pending"
	AsinInProgress AsinPullStatus = "InProgress"
	AsinCompleted  AsinPullStatus = "Completed"
	AsinFailed     AsinPullStatus = "Failed"
)
