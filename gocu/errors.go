package gocu

import (
	"fmt"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Sentinel errors of the recoverable failure taxonomy. Driver failures are
// wrapped around these so callers can match with errors.Is across the
// message layers.
var (
	// ErrConfiguration: malformed construction arguments, for example
	// mismatched id/stream-count list lengths or an unsupported dtype.
	ErrConfiguration = errors.New("configuration error")

	// ErrDeviceUnavailable: the device id is invalid or the driver could
	// not initialize a context for it.
	ErrDeviceUnavailable = errors.New("device unavailable")

	// ErrAllocationFailure: out of device memory or invalid size.
	ErrAllocationFailure = errors.New("allocation failure")

	// ErrDestinationTooSmall: a copy byte count exceeds the destination
	// capacity. Never silently truncated.
	ErrDestinationTooSmall = errors.New("destination too small")

	// ErrUnsupportedRank: transpose on a shape that is not 2-dimensional.
	ErrUnsupportedRank = errors.New("unsupported rank")
)

// UsageError marks unrecoverable programmer errors: destroying a pushed
// context, releasing a memory handle twice, or operating on a released one.
// These panic rather than return, since retrying them is never meaningful.
type UsageError struct {
	msg string
}

// Error implements the error interface.
func (e *UsageError) Error() string { return "usage error: " + e.msg }

func usagePanic(format string, args ...any) {
	panic(&UsageError{msg: fmt.Sprintf(format, args...)})
}

// Policy selects how advisory conditions are handled. Permissive warns
// and proceeds over the smaller extent on dtype/shape mismatches; Strict
// upgrades every advisory condition to a hard error and requires exact
// matches.
type Policy int

const (
	// Permissive logs advisory conditions with klog and proceeds over
	// the smaller extent. Compatibility shim, not the recommended mode.
	Permissive Policy = iota

	// Strict turns advisory conditions into errors.
	Strict
)

// String implements fmt.Stringer.
func (p Policy) String() string {
	if p == Strict {
		return "strict"
	}
	return "permissive"
}

// advise reports an advisory condition: under Strict it becomes the
// returned error, under Permissive it is logged and nil is returned so the
// operation proceeds.
func (p Policy) advise(format string, args ...any) error {
	if p == Strict {
		return errors.Errorf(format, args...)
	}
	klog.Warningf(format, args...)
	return nil
}
