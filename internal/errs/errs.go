// Package errs defines the coordinator error taxonomy. Every rejection that
// crosses a component boundary carries a Kind so the API layer can map it to
// a stable {error, message} body and status code.
package errs

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

type Kind string

const (
	KindNodeNotFound        Kind = "NodeNotFound"
	KindNodeBanned          Kind = "NodeBanned"
	KindInsufficientBalance Kind = "InsufficientBalance"
	KindRateLimitExceeded   Kind = "RateLimitExceeded"
	KindNoCapacity          Kind = "NoCapacity"
	KindDuplicateDeposit    Kind = "DuplicateDeposit"
	KindEpochAlreadyClosing Kind = "EpochAlreadyClosing"
	KindAccountNotFound     Kind = "AccountNotFound"
	KindInvalidArgument     Kind = "InvalidArgument"
)

type Error struct {
	Kind    Kind
	Message string
	// RetryAfter is a hint for RateLimitExceeded responses.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind from err, or "" if err is not a taxonomy error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps an error to the status code the API returns for it.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNodeNotFound, KindAccountNotFound:
		return http.StatusNotFound
	case KindNodeBanned:
		return http.StatusForbidden
	case KindInsufficientBalance:
		return http.StatusPaymentRequired
	case KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case KindNoCapacity:
		return http.StatusServiceUnavailable
	case KindDuplicateDeposit, KindEpochAlreadyClosing:
		return http.StatusConflict
	case KindInvalidArgument:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
