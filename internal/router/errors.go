package router

import (
	"errors"
	"fmt"

	"github.com/balu-dk/ocpp-gateway/internal/registry"
)

var (
	// ErrStationRejected is returned by SendCall while the station's last
	// BootNotification was answered with Rejected.
	ErrStationRejected = errors.New("charging station boot status is Rejected")
	// ErrCallMismatch is returned when a reply does not match the pending call.
	ErrCallMismatch = errors.New("no matching call in progress")
	// ErrNoNetworkConnection is returned when no transport was set.
	ErrNoNetworkConnection = errors.New("no network connection set")
)

// RetryableError reports that another call is outstanding for the station.
// The caller may requeue the call; the router never retries by itself.
type RetryableError struct {
	Identifier string
	Pending    *registry.PendingCall
}

func (e *RetryableError) Error() string {
	if e.Pending == nil {
		return fmt.Sprintf("call already in progress for %s", e.Identifier)
	}
	return fmt.Sprintf("call already in progress for %s: %s", e.Identifier, e.Pending)
}

func (e *RetryableError) Retryable() bool { return true }

// IsRetryable reports whether err is a single-flight conflict.
func IsRetryable(err error) bool {
	var retryable *RetryableError
	return errors.As(err, &retryable)
}
