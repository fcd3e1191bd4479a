package governor

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidLimits is returned when a configured limit is out of bounds
	ErrInvalidLimits = errors.New("invalid safety limits")

	// ErrAdmissionRejected is the kind shared by every admission rejection
	ErrAdmissionRejected = errors.New("admission rejected")

	// ErrConcurrencyExceeded is returned when all agent slots are taken
	ErrConcurrencyExceeded = errors.New("concurrency limit exceeded")

	// ErrRateExceeded is returned when the hourly run budget is spent
	ErrRateExceeded = errors.New("hourly run limit exceeded")

	// ErrCostExceeded is returned when a run's estimated cost is above the ceiling
	ErrCostExceeded = errors.New("cost limit exceeded")
)

// Reason identifies which limit rejected an admission
type Reason string

const (
	ReasonConcurrencyExceeded Reason = "ConcurrencyExceeded"
	ReasonRateExceeded        Reason = "RateExceeded"
	ReasonCostExceeded        Reason = "CostExceeded"
)

// AdmissionError describes a rejected admission, including the limit that
// was hit so callers can back off.
type AdmissionError struct {
	Reason     Reason
	Limit      float64
	Current    float64
	RetryAfter time.Duration
}

func (e *AdmissionError) Error() string {
	switch e.Reason {
	case ReasonConcurrencyExceeded:
		return fmt.Sprintf("admission rejected: %d of %d concurrent agents running",
			int(e.Current), int(e.Limit))
	case ReasonRateExceeded:
		return fmt.Sprintf("admission rejected: %d of %d runs started in the last hour, retry in %s",
			int(e.Current), int(e.Limit), e.RetryAfter.Round(time.Second))
	case ReasonCostExceeded:
		return fmt.Sprintf("admission rejected: estimated cost %.2f exceeds limit %.2f",
			e.Current, e.Limit)
	default:
		return "admission rejected"
	}
}

// Is matches ErrAdmissionRejected and the sentinel for the specific reason
func (e *AdmissionError) Is(target error) bool {
	switch target {
	case ErrAdmissionRejected:
		return true
	case ErrConcurrencyExceeded:
		return e.Reason == ReasonConcurrencyExceeded
	case ErrRateExceeded:
		return e.Reason == ReasonRateExceeded
	case ErrCostExceeded:
		return e.Reason == ReasonCostExceeded
	}
	return false
}
