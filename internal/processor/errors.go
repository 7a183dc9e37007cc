package processor

import (
	"errors"
	"fmt"

	"shape-sync/internal/models"
)

// ErrEventRejected is returned when a JavaScript transform function rejects an event
// by returning null or undefined
var ErrEventRejected = errors.New("event rejected by transformer")

// MalformedEventError reports an event that violates the stream protocol, such as a
// delete without a key. The whole batch is abandoned.
type MalformedEventError struct {
	Index  int
	Action models.Action
	Reason string
	Err    error
}

func (e *MalformedEventError) Error() string {
	msg := fmt.Sprintf("malformed %s event at batch index %d: %s", e.Action, e.Index, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedEventError) Unwrap() error {
	return e.Err
}

// TransformError reports that the configured transformer failed on an event.
// The event itself was well formed; the whole batch is abandoned.
type TransformError struct {
	Index int
	Key   string
	Err   error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("failed to transform event %q at batch index %d: %v", e.Key, e.Index, e.Err)
}

func (e *TransformError) Unwrap() error {
	return e.Err
}

// ApplyError reports that the store rejected a batch's transaction. Whether any of
// the batch was applied is governed by the store's commit semantics.
type ApplyError struct {
	Collection string
	Size       int
	Err        error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("failed to apply batch of %d operations to %s: %v", e.Size, e.Collection, e.Err)
}

func (e *ApplyError) Unwrap() error {
	return e.Err
}
