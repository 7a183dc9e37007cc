package shape

import (
	"errors"
	"fmt"
)

// ErrSubscriptionActive is returned by Subscribe while a previous subscription is still running
var ErrSubscriptionActive = errors.New("stream already has an active subscription")

// ConfigurationError reports an invalid shape or endpoint. It is never retried.
type ConfigurationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	msg := fmt.Sprintf("invalid shape stream %s: %s", e.Field, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// statusError is a non-fatal HTTP failure that is retried with backoff
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("shape request failed with status %d: %s", e.status, e.body)
}
