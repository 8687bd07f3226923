// Package weiboerr defines the harvester's closed error taxonomy and its
// mapping onto process exit codes.
package weiboerr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an Error.
type Kind string

const (
	// KindAuth covers a missing SUB cookie, a 401, or a failed challenge.
	KindAuth Kind = "auth"
	// KindRateLimit covers exhausted retries on 403/418.
	KindRateLimit Kind = "rate_limit"
	// KindTarget covers resolve failure, >=400 non-auth/rate statuses,
	// and transport failure after retries.
	KindTarget Kind = "target"
	// KindSchema covers a required upstream field missing or malformed.
	KindSchema Kind = "schema"
	// KindCheckpoint covers checkpoint lock contention.
	KindCheckpoint Kind = "checkpoint"
	// KindInit covers bad CLI arguments.
	KindInit Kind = "init"
)

// Error is the harvester's single error type. All six kinds share it
// rather than being distinct Go types; Kind discriminates and is checked
// with Is/As or the Kind* helpers below.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Process exit codes.
const (
	ExitSuccess     = 0
	ExitGeneric     = 1
	ExitInitError   = 2
	ExitAuthFailure = 3
	ExitInterrupted = 5
)

// MapExitCode maps a terminal error to one of {0,1,2,3,5}. Every
// possible error lands on one of those codes. A nil err always maps to
// ExitSuccess; ErrInterrupted and errors.Is(err, context.Canceled) (the
// Go analogue of KeyboardInterrupt — see internal/app.Runner) map to
// ExitInterrupted.
func MapExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	if errors.Is(err, ErrInterrupted) || errors.Is(err, context.Canceled) {
		return ExitInterrupted
	}
	switch k, ok := KindOf(err); {
	case ok && k == KindAuth:
		return ExitAuthFailure
	case ok && k == KindInit:
		return ExitInitError
	default:
		return ExitGeneric
	}
}

// ErrInterrupted is a sentinel an orchestrator returns when it unwound
// due to operator interrupt (ctx cancellation) rather than failure.
var ErrInterrupted = errors.New("interrupted")
