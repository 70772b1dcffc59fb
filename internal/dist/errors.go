package dist

import (
	"context"
	"errors"
)

var (
	// ErrNoServersAvailable is returned by the scheduler when no live server has spare capacity
	ErrNoServersAvailable = errors.New("no servers available")

	// ErrToolchainMismatch is returned when an uploaded archive does not hash to the requested toolchain
	ErrToolchainMismatch = errors.New("toolchain mismatch")

	// ErrToolchainUploadFailed is returned when a toolchain archive could not be transferred or installed
	ErrToolchainUploadFailed = errors.New("toolchain upload failed")

	// ErrBuildFailed is returned when a remote build did not produce a usable result
	ErrBuildFailed = errors.New("remote build failed")

	// ErrUnreachable is returned when a peer could not be contacted
	ErrUnreachable = errors.New("peer unreachable")

	// ErrTimeout is returned when a dispatch attempt exceeded its deadline
	ErrTimeout = errors.New("dispatch timed out")

	// ErrProtocolViolation is returned when a call arrives in a state that does not permit it
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrJobNotFound is returned when a job id is unknown to the receiver
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidTransition is returned when a job state update would move a job backwards
	ErrInvalidTransition = errors.New("invalid job state transition")
)

// Error kinds reported by Classify.
const (
	KindNoServers         = "no_servers"
	KindToolchainMismatch = "toolchain_mismatch"
	KindToolchainUpload   = "toolchain_upload"
	KindBuildFailed       = "build_failed"
	KindUnreachable       = "unreachable"
	KindTimeout           = "timeout"
	KindProtocolViolation = "protocol_violation"
	KindOther             = "other"
)

// Classify maps an error from the dispatch path to one of the error kinds.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoServersAvailable):
		return KindNoServers
	case errors.Is(err, ErrToolchainMismatch):
		return KindToolchainMismatch
	case errors.Is(err, ErrToolchainUploadFailed):
		return KindToolchainUpload
	case errors.Is(err, ErrBuildFailed):
		return KindBuildFailed
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrUnreachable):
		return KindUnreachable
	case errors.Is(err, ErrProtocolViolation), errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrJobNotFound):
		return KindProtocolViolation
	default:
		return KindOther
	}
}

// ErrorForKind returns the sentinel a peer meant when it reported kind, or nil
// for kinds that have no sentinel.
func ErrorForKind(kind string) error {
	switch kind {
	case KindNoServers:
		return ErrNoServersAvailable
	case KindToolchainMismatch:
		return ErrToolchainMismatch
	case KindToolchainUpload:
		return ErrToolchainUploadFailed
	case KindBuildFailed:
		return ErrBuildFailed
	case KindUnreachable:
		return ErrUnreachable
	case KindTimeout:
		return ErrTimeout
	case KindProtocolViolation:
		return ErrProtocolViolation
	default:
		return nil
	}
}
