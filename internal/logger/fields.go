package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// Tracing fields, propagated through the call chain via context.
const (
	// FieldRunID identifies one pipeline run (RunOnce/Sync invocation).
	FieldRunID = "run_id"

	// FieldRequestID is the admin API request ID.
	FieldRequestID = "request_id"

	// FieldTenantID is the tenant key the work executes against.
	FieldTenantID = "tenant_id"

	// FieldDatabase is the resolved tenant database name.
	FieldDatabase = "database"

	// FieldCronJobID is the cron job (pull cycle) row ID.
	FieldCronJobID = "cron_job_id"

	// FieldDownloadID is the download record row ID.
	FieldDownloadID = "download_id"

	// FieldPeriod is the report period (WEEKLY, MONTHLY, QUARTERLY).
	FieldPeriod = "period"

	// FieldSellerID is the internal seller ID.
	FieldSellerID = "seller_id"

	// FieldComponent is the component/module name.
	FieldComponent = "component"
)

// Metric fields, attached per entry for aggregation and alerting.
const (
	FieldDurationMs = "duration_ms"
	FieldCount      = "count"
	FieldSize       = "size"
	FieldStatus     = "status"
	FieldAttempt    = "attempt"
)
