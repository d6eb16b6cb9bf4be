package remote

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNetworkUnavailable is returned once transient failures exhaust
	// the retry budget.
	ErrNetworkUnavailable = errors.New("network unavailable")
	// ErrMustReauthenticate is returned when credentials cannot be
	// refreshed or are rejected after a refresh.
	ErrMustReauthenticate = errors.New("must re-authenticate")
)

// Kind classifies a failed remote call.
type Kind int

const (
	// KindTransient failures (timeouts, connection errors, 5xx, 429)
	// may succeed on retry.
	KindTransient Kind = iota + 1
	// KindAuth failures need fresh credentials.
	KindAuth
	// KindValidation failures (400, 422) never succeed on retry.
	KindValidation
	// KindServer covers any other unexpected response.
	KindServer
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuth:
		return "auth"
	case KindValidation:
		return "validation"
	case KindServer:
		return "server"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is a classified remote failure.
type Error struct {
	Kind   Kind
	Op     string
	Status int // 0 when no response was received
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Kind.String()
	if e.Status != 0 {
		msg += fmt.Sprintf(" (%d %s)", e.Status, http.StatusText(e.Status))
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a remote error, or 0 if err is not one.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return 0
}

// IsRetryable reports whether err is a transient failure.
func IsRetryable(err error) bool { return KindOf(err) == KindTransient }

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool { return KindOf(err) == KindAuth }

// classify maps an HTTP status to an error kind.
func classify(status int) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return KindAuth
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return KindValidation
	case status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout,
		status >= 500:
		return KindTransient
	default:
		return KindServer
	}
}
