// Package errors implements the typed failure taxonomy that every phase of
// the command container and every read of the buffer controller reports
// through, instead of ad-hoc error strings.
package errors

import (
	"fmt"

	goerrors "github.com/go-errors/errors"
	"golang.org/x/xerrors"
)

// Kind identifies one entry of the error taxonomy. Calling code switches on
// Kind rather than matching error strings.
type Kind int

const (
	// KindUnknown is the zero value; never returned deliberately.
	KindUnknown Kind = iota
	KindAuthFailure
	KindConnectionFailure
	KindChannelFailure
	KindClosedBuffer
	KindFirstBitTimeout
	KindBetweenBitsTimeout
	KindTotalTimeout
	KindBecomeUserFailure
	KindRequirementsFailure
	KindPreparserFailure
	KindExecutionFailure
	KindPostparserFailure
	KindCompletionTaskFailure
	KindSetFailureFailure
	KindDataFormatFailure
	KindForceComplete
)

func (k Kind) String() string {
	switch k {
	case KindAuthFailure:
		return "auth-failure"
	case KindConnectionFailure:
		return "connection-failure"
	case KindChannelFailure:
		return "channel-failure"
	case KindClosedBuffer:
		return "closed-buffer"
	case KindFirstBitTimeout:
		return "time-to-first-bit"
	case KindBetweenBitsTimeout:
		return "between-bits"
	case KindTotalTimeout:
		return "total-timeout"
	case KindBecomeUserFailure:
		return "become-user-failure"
	case KindRequirementsFailure:
		return "requirements-failure"
	case KindPreparserFailure:
		return "preparser-failure"
	case KindExecutionFailure:
		return "execution-failure"
	case KindPostparserFailure:
		return "postparser-failure"
	case KindCompletionTaskFailure:
		return "completion-task-failure"
	case KindSetFailureFailure:
		return "set-failure-failure"
	case KindDataFormatFailure:
		return "data-format-failure"
	case KindForceComplete:
		return "force-complete"
	default:
		return "unknown"
	}
}

// TaskError is the typed error carried on every failed phase transition and
// every buffer-read failure. It behaves like the teacher's ComplexError:
// a code plus message plus the originating stack frame.
type TaskError struct {
	Kind    Kind
	Message string
	Cause   error
	frame   xerrors.Frame
}

func (e TaskError) FormatError(p xerrors.Printer) error {
	p.Printf("%s: %s", e.Kind, e.Message)
	e.frame.Format(p)
	return e.Cause
}

func (e TaskError) Format(f fmt.State, c rune) {
	xerrors.FormatError(e, f, c)
}

func (e TaskError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e TaskError) Unwrap() error {
	return e.Cause
}

// New builds a TaskError carrying the caller's stack frame, matching the
// teacher's `ComplexError{..., frame: xerrors.Caller(1)}` construction.
func New(kind Kind, message string, cause error) error {
	return TaskError{
		Kind:    kind,
		Message: message,
		Cause:   cause,
		frame:   xerrors.Caller(1),
	}
}

// Is reports whether err is a TaskError of the given kind, unwrapping as
// needed.
func Is(err error, kind Kind) bool {
	var te TaskError
	if xerrors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}

// WrapError mirrors the teacher's commands.WrapError: annotate a bare error
// with a stack trace for logging, without classifying it into the taxonomy.
// Used for errors that never leave the process (e.g. defer Close() results).
func WrapError(err error) error {
	if err == nil {
		return nil
	}
	return goerrors.Wrap(err, 0)
}
