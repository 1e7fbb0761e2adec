package jupitercache

// Status is the outcome of a cache operation as reported to callers.
type Status uint8

const (
	// StatusOk means the operation was fulfilled per its policy.
	StatusOk Status = iota
	// StatusError means the operation ran and could not be fulfilled: a miss
	// on read, a failure on write, an integrity mismatch, or a malformed
	// response.
	StatusError
	// StatusCanceled means the owner canceled before completion.
	StatusCanceled
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusOk:
		return "Ok"
	case StatusError:
		return "Error"
	case StatusCanceled:
		return "Canceled"
	default:
		return "Unknown"
	}
}
