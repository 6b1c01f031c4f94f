package broker

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrAuth         = errors.New("broker authentication failed")
	ErrTokenExpired = errors.New("broker session token expired")
	ErrTransient    = errors.New("transient broker error")
	ErrRejected     = errors.New("broker rejected the request")
	ErrDuplicate    = errors.New("client order id already used at broker")
	ErrNotFound     = errors.New("order not found at broker")
	ErrRateLimited  = errors.New("outbound rate limit saturated, try later")

	// ErrNotSent marks a failure that happened before any attempt reached the
	// broker.
	ErrNotSent = errors.New("request never sent to broker")
)

// APIError is a classified broker response. Kind is one of the sentinels
// above so callers can use errors.Is.
type APIError struct {
	Kind       error
	StatusCode int
	ErrorType  string
	Message    string
}

func (e *APIError) Error() string {
	if e.ErrorType != "" {
		return fmt.Sprintf("%s: %s (%d %s)", e.Kind, e.Message, e.StatusCode, e.ErrorType)
	}
	return fmt.Sprintf("%s: %s (%d)", e.Kind, e.Message, e.StatusCode)
}

func (e *APIError) Unwrap() error {
	return e.Kind
}

// Throttled reports whether the broker itself asked us to slow down.
func (e *APIError) Throttled() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// Reason returns the broker's stated reason for a failure, if there is one.
func Reason(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

func isThrottled(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Throttled()
}
