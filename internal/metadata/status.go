package metadata

// Status is the lifecycle state of a metadata record.
type Status string

// Record lifecycle states. QUEUED is only ever reported by the API for
// records the store has not seen yet; the worker never writes it.
const (
	StatusPending         Status = "PENDING"
	StatusQueued          Status = "QUEUED"
	StatusInProgress      Status = "IN_PROGRESS"
	StatusCompleted       Status = "COMPLETED"
	StatusFailedRetryable Status = "FAILED_RETRYABLE"
	StatusFailedPermanent Status = "FAILED_PERMANENT"
	StatusUnknown         Status = "UNKNOWN"
)

// Terminal reports whether the record can never transition again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailedPermanent
}

// InFlight reports whether the record is still moving through the pipeline.
func (s Status) InFlight() bool {
	switch s {
	case StatusPending, StatusQueued, StatusInProgress, StatusFailedRetryable:
		return true
	default:
		return false
	}
}
