package protocol

import (
	"errors"
	"fmt"
)

// ErrorKind classifies kernel failures. The gatekeeper and session map
// kinds to verdicts and feedback rather than letting them propagate as
// control flow.
type ErrorKind string

const (
	KindBadInput             ErrorKind = "BadInput"
	KindPolicyReject         ErrorKind = "PolicyReject"
	KindCapacityExceeded     ErrorKind = "CapacityExceeded"
	KindNotFound             ErrorKind = "NotFound"
	KindIOFailure            ErrorKind = "IOFailure"
	KindSandboxViolation     ErrorKind = "SandboxViolation"
	KindModelProtocolFailure ErrorKind = "ModelProtocolFailure"
	KindCancelled            ErrorKind = "Cancelled"
)

// KernelError carries a kind and the target that triggered it.
type KernelError struct {
	Kind    ErrorKind
	Message string
	Target  string
	Err     error
}

func (e *KernelError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("%s: %s (target: %s)", e.Kind, e.Message, e.Target)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *KernelError) Unwrap() error {
	return e.Err
}

// NewError builds a KernelError of the given kind.
func NewError(kind ErrorKind, target, format string, args ...any) *KernelError {
	return &KernelError{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Target:  target,
	}
}

// WrapError attaches a kind to an underlying error.
func WrapError(kind ErrorKind, target string, err error) *KernelError {
	if err == nil {
		return nil
	}
	return &KernelError{
		Kind:    kind,
		Message: err.Error(),
		Target:  target,
		Err:     err,
	}
}

// KindOf extracts the ErrorKind from err, or "" when err carries none.
func KindOf(err error) ErrorKind {
	var ke *KernelError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
