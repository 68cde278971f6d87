package logging

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldJobID is the standardized structured logging key for job identifiers.
	FieldJobID = "job_id"
	// FieldStage is the standardized structured logging key for pipeline stage names.
	FieldStage = "stage"
	// FieldPool is the standardized structured logging key for dispatch pool names.
	FieldPool = "pool"
	// FieldCorrelationID is the standardized structured logging key for request correlation identifiers.
	FieldCorrelationID = "correlation_id"
	// FieldEventType tags log lines with a machine-readable event name.
	FieldEventType = "event_type"
	// FieldErrorKind carries the classified error taxonomy kind.
	FieldErrorKind = "error_kind"
	// FieldErrorHint suggests an operator next step alongside warnings and errors.
	FieldErrorHint = "error_hint"
	// FieldAttempt carries the 1-based stage attempt number.
	FieldAttempt = "attempt"
	// FieldAlert flags warnings or anomalies that should stand out in structured logs.
	FieldAlert = "alert"
)
