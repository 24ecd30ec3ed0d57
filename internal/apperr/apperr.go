package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error into one of the machine-readable
// failure categories surfaced to command callers.
type Kind string

const (
	// KindParse covers malformed property or query grammar input.
	KindParse Kind = "PARSE"
	// KindParseTimeout is returned when a parser exceeds its deadline.
	KindParseTimeout Kind = "PARSE_TIMEOUT"
	// KindValidation covers semantically invalid but well-formed input.
	KindValidation Kind = "VALIDATION"
	// KindNotFound covers references to absent calendars/events/overrides.
	KindNotFound Kind = "NOT_FOUND"
	// KindUnboundedExpansion is returned when an operation would need to
	// enumerate a schedule with no upper bound.
	KindUnboundedExpansion Kind = "UNBOUNDED_EXPANSION"
	// KindInternal flags an invariant violation. The current operation is
	// aborted; stored state is left untouched.
	KindInternal Kind = "INTERNAL"
)

// Error is a structured application error carrying a Kind code.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches an underlying cause to a new error of the given kind.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind of err, or KindInternal if err is not an *Error.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Kind == kind
}
