package button

import (
	"errors"
	"fmt"
)

// UnknownError is the description used when the radio stack supplies none.
const UnknownError = "Unknown error"

// Kind classifies session-level failures.
type Kind string

const (
	KindNotInitialized   Kind = "NotInitialized"
	KindButtonNotFound   Kind = "ButtonNotFound"
	KindScanFailed       Kind = "ScanFailed"
	KindRadioUnavailable Kind = "RadioUnavailable"
)

// Error is the structured error returned by session operations.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	switch {
	case e.Msg == "" && e.Err == nil:
		return string(e.Kind)
	case e.Msg == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
}

// Is allows errors.Is to compare Error values by Kind
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Predefined sentinel errors, one per kind
var (
	ErrNotInitialized   = &Error{Kind: KindNotInitialized}
	ErrButtonNotFound   = &Error{Kind: KindButtonNotFound}
	ErrScanFailed       = &Error{Kind: KindScanFailed}
	ErrRadioUnavailable = &Error{Kind: KindRadioUnavailable}
)

// NotFound builds a ButtonNotFound error for id.
func NotFound(id string) error {
	return &Error{Kind: KindButtonNotFound, Msg: fmt.Sprintf("button %q not found", id)}
}

// ScanFailed wraps a radio scan failure.
func ScanFailed(cause error) error {
	if cause == nil {
		return &Error{Kind: KindScanFailed, Msg: UnknownError}
	}
	return &Error{Kind: KindScanFailed, Err: cause}
}

// KindOf returns the Kind of err, or "" when err is not a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Describe returns a human-readable description of err, falling back to UnknownError.
func Describe(err error) string {
	if err == nil {
		return UnknownError
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return UnknownError
}

// DescribeCause describes the error a structured *Error wraps, so notification payloads
// carry the radio stack's own text. A structured error without a cause yields its Msg.
func DescribeCause(err error) string {
	for {
		e, ok := err.(*Error)
		if !ok {
			break
		}
		if e.Err == nil {
			if e.Msg != "" {
				return e.Msg
			}
			break
		}
		err = e.Err
	}
	return Describe(err)
}
