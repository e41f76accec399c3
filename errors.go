package rolesync

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnknownRole     = errors.New("rolesync: unknown role")
	ErrInvalidAddress  = errors.New("rolesync: invalid subject address")
	ErrNotFound        = errors.New("rolesync: record not found")
	ErrDuplicate       = errors.New("rolesync: change already pending for subject and role")
	ErrClosed          = errors.New("rolesync: closed")
	ErrGatewayRequired = errors.New("rolesync: gateway is required")
)

// Cause classifies a gateway failure.
type Cause uint8

const (
	// CauseNetwork is a transient connectivity failure. Callers may retry.
	CauseNetwork Cause = iota
	// CauseRejected means the caller (or its signer) declined to authorize the write.
	CauseRejected
	// CauseReverted means the authority refused the operation's preconditions.
	CauseReverted
)

func (c Cause) String() string {
	switch c {
	case CauseNetwork:
		return "network"
	case CauseRejected:
		return "rejected"
	case CauseReverted:
		return "reverted"
	default:
		return fmt.Sprintf("cause(%d)", uint8(c))
	}
}

// GatewayError is returned by Gateway implementations for every failure
// except context expiry while waiting for finality.
type GatewayError struct {
	Cause  Cause
	Op     string // gateway method, e.g. "grantRole"
	Reason string // authority supplied revert reason, if any
	Err    error
}

func NewGatewayError(cause Cause, op string, err error) *GatewayError {
	return &GatewayError{Cause: cause, Op: op, Err: err}
}

func (e *GatewayError) Error() string {
	msg := fmt.Sprintf("gateway %s: %s", e.Op, e.Cause)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GatewayError) Unwrap() error { return e.Err }

// CauseOf returns the gateway cause carried by err.
func CauseOf(err error) (Cause, bool) {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Cause, true
	}
	return 0, false
}

// IsRetryable reports whether err is a transient failure the caller may retry.
// Rejections and reverts are terminal.
func IsRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	c, ok := CauseOf(err)
	return ok && c == CauseNetwork
}

// ResolutionError reports a failed role name lookup.
type ResolutionError struct {
	Role string
	Err  error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve role %q: %v", e.Role, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// ConfirmationTimeoutError is the terminal failure of a transaction whose
// confirmation polling exhausted every retry.
type ConfirmationTimeoutError struct {
	Handle   TxHandle
	Attempts int
	Waited   time.Duration
	Last     error
}

func (e *ConfirmationTimeoutError) Error() string {
	return fmt.Sprintf("confirmation of %s timed out after %d attempts (%s)",
		e.Handle.Hash.Hex(), e.Attempts, e.Waited.Round(time.Millisecond))
}

// Unwrap exposes context.DeadlineExceeded so errors.Is works for callers
// that only care about the timeout kind.
func (e *ConfirmationTimeoutError) Unwrap() []error {
	errs := []error{context.DeadlineExceeded}
	if e.Last != nil && !errors.Is(e.Last, context.DeadlineExceeded) {
		errs = append(errs, e.Last)
	}
	return errs
}

type InvalidateError struct {
	Key    string
	GenErr error
	DelErr error
}

func (e *InvalidateError) Error() string {
	switch {
	case e.GenErr != nil && e.DelErr != nil:
		return fmt.Sprintf("invalidate %q failed: gen bump and delete failed: bump=%v; delete=%v",
			e.Key, e.GenErr, e.DelErr)
	case e.GenErr != nil:
		return fmt.Sprintf("invalidate %q: gen bump failed: %v", e.Key, e.GenErr)
	case e.DelErr != nil:
		return fmt.Sprintf("invalidate %q: delete failed: %v", e.Key, e.DelErr)
	default:
		return fmt.Sprintf("invalidate %q: unknown error", e.Key)
	}
}

func (e *InvalidateError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.GenErr != nil {
		errs = append(errs, e.GenErr)
	}
	if e.DelErr != nil {
		errs = append(errs, e.DelErr)
	}
	return errs
}
