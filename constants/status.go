package constants

// JobStatus is the canonical status for rows in extract_job.
type JobStatus string

// Stable values (store these exact strings in DB).
const (
	JobStatusQueued  JobStatus = "QUEUED"
	JobStatusRunning JobStatus = "RUNNING"
	JobStatusOCROK   JobStatus = "OCR_OK" // tokens extracted
	JobStatusFused   JobStatus = "FUSED"  // record produced and stored
	JobStatusSkipped JobStatus = "SKIPPED"
	JobStatusFailed  JobStatus = "FAILED"
)

// ValidationStatus is the outcome of cross-checking totals on a record.
type ValidationStatus string

const (
	StatusOK           ValidationStatus = "OK"
	StatusPartial      ValidationStatus = "PARTIAL"
	StatusInconsistent ValidationStatus = "INCONSISTENT"
)
