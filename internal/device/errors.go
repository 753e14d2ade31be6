package device

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a poll attempt failed. The poller folds kinds
// into per-device health state; nothing here is fatal to the process.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindUnreachable
	KindTimeout
	KindProtocol
	KindUnexpectedSchema
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnreachable:
		return "unreachable"
	case KindTimeout:
		return "timeout"
	case KindProtocol:
		return "protocol"
	case KindUnexpectedSchema:
		return "unexpected_schema"
	default:
		return "unknown"
	}
}

// PollError wraps the underlying failure with its classification.
type PollError struct {
	Kind ErrorKind
	Err  error
}

func (e *PollError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *PollError) Unwrap() error {
	return e.Err
}

func pollErr(kind ErrorKind, err error) *PollError {
	return &PollError{Kind: kind, Err: err}
}

// KindOf extracts the classification from err, or KindUnknown if err is
// not a PollError.
func KindOf(err error) ErrorKind {
	var pe *PollError
	if errors.As(err, &pe) {
		return pe.Kind
	}

	return KindUnknown
}
