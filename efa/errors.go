package efa

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument indicates a request that can never be encoded as a valid descriptor.
	ErrInvalidArgument = errors.New("efa: invalid argument")
	// ErrRingFull indicates that a submission ring has no free slots.
	ErrRingFull = errors.New("efa: ring full")
	// ErrRetireUnderflow indicates more slots were retired than are outstanding.
	ErrRetireUnderflow = errors.New("efa: retired more slots than outstanding")
	// ErrNotReady indicates that a completion slot has not been produced in the current lap.
	ErrNotReady = errors.New("efa: completion not ready")
	// ErrTruncatedCompletion indicates a completion whose format does not fit the slot it was read from.
	ErrTruncatedCompletion = errors.New("efa: completion truncated by slot size")
	// ErrMalformedCompletion indicates a phase-valid completion carrying an impossible header.
	ErrMalformedCompletion = errors.New("efa: malformed completion")
	// ErrMalformedDescriptor indicates submission descriptor bytes that violate the descriptor contract.
	ErrMalformedDescriptor = errors.New("efa: malformed descriptor")
	// ErrFlushed indicates a request flushed while its queue pair was destroyed.
	ErrFlushed = errors.New("efa: flushed on queue destroy")
	// ErrLocalError groups device-reported errors caused by the local request or queue state.
	ErrLocalError = errors.New("efa: local error")
	// ErrRemoteError groups device-reported errors caused by the peer or the path to it.
	ErrRemoteError = errors.New("efa: remote error")
	// ErrUnknownStatus indicates a completion status outside the defined set.
	ErrUnknownStatus = errors.New("efa: unknown completion status")
)

// ArgumentError describes why a request was rejected before reaching a ring.
type ArgumentError struct {
	Field  string
	Reason string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("efa: invalid %s: %s", e.Field, e.Reason)
}

// Unwrap allows errors.Is to match ErrInvalidArgument.
func (e *ArgumentError) Unwrap() error {
	return ErrInvalidArgument
}

func invalidArg(field, format string, args ...any) error {
	return &ArgumentError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// CompletionError reports a non-successful completion status.
type CompletionError struct {
	Status    Status
	ReqID     uint16
	QueueType QueueType
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("efa: %s completion req_id=%d: %s", e.QueueType, e.ReqID, e.Status)
}

// Unwrap exposes the status class sentinel (ErrLocalError, ErrRemoteError,
// ErrFlushed or ErrUnknownStatus).
func (e *CompletionError) Unwrap() error {
	switch e.Status.Class() {
	case ClassFlushed:
		return ErrFlushed
	case ClassLocal:
		return ErrLocalError
	case ClassRemote:
		return ErrRemoteError
	default:
		return ErrUnknownStatus
	}
}
