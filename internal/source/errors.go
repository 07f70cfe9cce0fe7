package source

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies upstream failures. Transient kinds are rescheduled by the
// monitor; permanent kinds pause the product immediately.
type Kind int

const (
	KindUnknown Kind = iota
	KindRateLimited
	KindTimeout
	KindUnavailable
	KindNotFound
	KindDelisted
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	case KindUnavailable:
		return "unavailable"
	case KindNotFound:
		return "not_found"
	case KindDelisted:
		return "delisted"
	default:
		return "unknown"
	}
}

// ErrBudgetExhausted marks a fetch that never went upstream because no rate
// token became available within the caller's deadline. The monitor abandons
// such products (they stay due, untouched) instead of counting a transient
// failure against them.
var ErrBudgetExhausted = errors.New("rate budget exhausted for this window")

// Error is a typed upstream failure.
type Error struct {
	Kind      Kind
	ProductID string
	Msg       string
	Err       error
}

func (e *Error) Error() string {
	s := "source: " + e.Kind.String()
	if e.ProductID != "" {
		s += " (" + e.ProductID + ")"
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, productID, format string, args ...any) *Error {
	return &Error{Kind: kind, ProductID: productID, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the failure kind, mapping bare context/net errors to
// KindTimeout so callers see a single taxonomy.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindUnknown
}

// Transient reports whether the failure should be rescheduled with backoff.
// Unknown errors are treated as transient so a flaky upstream never
// permanently pauses a product by accident.
func Transient(err error) bool {
	switch KindOf(err) {
	case KindNotFound, KindDelisted:
		return false
	default:
		return true
	}
}
