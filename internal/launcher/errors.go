package launcher

import (
	"errors"
	"fmt"
)

var (
	// ErrBulkInFlight is returned by StartBulkRun while another bulk run
	// holds the slot
	ErrBulkInFlight = errors.New("a bulk run is already in flight")
	// ErrDispatchPending is returned when the test already has a dispatch
	// waiting for its run to appear
	ErrDispatchPending = errors.New("a dispatch for this test is still pending")
	// ErrCancelled is delivered to a waiting caller when tracking was torn
	// down by ClearHistory or Reload
	ErrCancelled = errors.New("tracking cancelled")
)

// ValidationError reports a request that cannot be dispatched. It is never
// retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a ValidationError
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
