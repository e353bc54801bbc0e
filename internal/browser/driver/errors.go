// File: internal/browser/driver/errors.go
package driver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies every failure the automation layer can surface.
type Kind int

const (
	KindUnknown Kind = iota
	KindTimeout
	KindElementNotFound
	KindSessionClosed
	KindActionFailed
	KindSerialization
	KindInvalidArgument
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindElementNotFound:
		return "element not found"
	case KindSessionClosed:
		return "session closed"
	case KindActionFailed:
		return "action failed"
	case KindSerialization:
		return "serialization failure"
	case KindInvalidArgument:
		return "invalid argument"
	default:
		return "unknown"
	}
}

// Error is the single error type returned across the driver, locator and load state layers.
// Compare against the Err* sentinels with errors.Is; the comparison is by Kind only.
type Error struct {
	Kind Kind
	// Op describes what was being attempted ("click", "locator \".item\"", "load state \"load\"").
	Op       string
	Selector string
	State    string
	Timeout  time.Duration
	// Code is the W3C error code when the remote end reported one.
	Code string
	Err  error
}

var (
	ErrTimeout         = &Error{Kind: KindTimeout}
	ErrElementNotFound = &Error{Kind: KindElementNotFound}
	ErrSessionClosed   = &Error{Kind: KindSessionClosed}
	ErrActionFailed    = &Error{Kind: KindActionFailed}
	ErrSerialization   = &Error{Kind: KindSerialization}
	ErrInvalidArgument = &Error{Kind: KindInvalidArgument}
)

func (e *Error) Error() string {
	var b strings.Builder
	switch e.Kind {
	case KindTimeout:
		b.WriteString("timed out")
		if e.Timeout > 0 {
			fmt.Fprintf(&b, " after %s", e.Timeout)
		}
		if e.Op != "" {
			fmt.Fprintf(&b, " waiting for %s", e.Op)
		}
	case KindElementNotFound:
		fmt.Fprintf(&b, "element not found: %q", e.Selector)
	case KindSessionClosed:
		b.WriteString("session closed")
		if e.Op != "" {
			fmt.Fprintf(&b, " (during %s)", e.Op)
		}
	default:
		b.WriteString(e.Kind.String())
		if e.Op != "" {
			b.WriteString(": ")
			b.WriteString(e.Op)
		}
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf extracts the Kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// NewTimeout builds a Timeout naming op and the exhausted budget.
func NewTimeout(op string, budget time.Duration, cause error) *Error {
	return &Error{Kind: KindTimeout, Op: op, Timeout: budget, Err: cause}
}

// NewElementNotFound builds an ElementNotFound for selector.
func NewElementNotFound(selector string) *Error {
	return &Error{Kind: KindElementNotFound, Selector: selector}
}

// NewActionFailed wraps err as an ActionFailed for op.
func NewActionFailed(op string, err error) *Error {
	return &Error{Kind: KindActionFailed, Op: op, Err: err}
}

// NewSerialization wraps a decode failure for op.
func NewSerialization(op string, err error) *Error {
	return &Error{Kind: KindSerialization, Op: op, Err: err}
}

// NewInvalidArgument reports a caller mistake detected before any protocol call.
func NewInvalidArgument(op, msg string) *Error {
	return &Error{Kind: KindInvalidArgument, Op: op, Err: errors.New(msg)}
}

func newSessionClosed(op string) *Error {
	return &Error{Kind: KindSessionClosed, Op: op}
}

// transientCodes are W3C error codes that describe a DOM that is still settling.
var transientCodes = map[string]struct{}{
	"no such element":           {},
	"no such frame":             {},
	"stale element reference":   {},
	"element not interactable":  {},
	"element click intercepted": {},
	"detached shadow root":      {},
	"no such shadow root":       {},
}

// IsRetryable reports whether a retry loop may try again after err.
// ElementNotFound always qualifies; ActionFailed only for transient remote codes.
func IsRetryable(err error) bool {
	if err == nil || IsTerminal(err) {
		return false
	}
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindElementNotFound:
		return true
	case KindActionFailed:
		_, ok := transientCodes[e.Code]
		return ok
	default:
		return false
	}
}

// IsTerminal reports errors that must end any retry loop immediately.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrSessionClosed) ||
		errors.Is(err, context.Canceled)
}
