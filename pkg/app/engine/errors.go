package engine

import (
	"errors"
	"fmt"
)

// Kind classifies engine errors. The string form is the rejection code sent
// back to clients.
type Kind string

const (
	KindInvalidRequest        Kind = "INVALID_REQUEST"
	KindMarketNotFound        Kind = "MARKET_NOT_FOUND"
	KindOrderNotFound         Kind = "ORDER_NOT_FOUND"
	KindInsufficientFunds     Kind = "INSUFFICIENT_FUNDS"
	KindInternalInconsistency Kind = "INTERNAL_INCONSISTENCY"
)

// Error is a typed engine failure. errors.Is matches on Kind, so callers
// compare against the Err* sentinels below.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

var (
	ErrInvalidRequest        = &Error{Kind: KindInvalidRequest}
	ErrMarketNotFound        = &Error{Kind: KindMarketNotFound}
	ErrOrderNotFound         = &Error{Kind: KindOrderNotFound}
	ErrInsufficientFunds     = &Error{Kind: KindInsufficientFunds}
	ErrInternalInconsistency = &Error{Kind: KindInternalInconsistency}
)

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Validation reports whether the error is an expected rejection rather than
// an internal fault.
func (e *Error) Validation() bool {
	return e.Kind != KindInternalInconsistency
}

func newError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err. Errors that did not come from the engine
// are treated as internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternalInconsistency
}
