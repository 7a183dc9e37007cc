package models

import (
	"encoding/json"

	"github.com/spf13/cast"
)

// Action is the row-level operation carried in a change event's headers
type Action string

const (
	ActionInsert Action = "insert"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Header names understood by the consumer
const (
	HeaderAction  = "action"
	HeaderControl = "control"
)

// Control message values
const (
	ControlUpToDate    = "up-to-date"
	ControlMustRefetch = "must-refetch"
)

// ChangeEvent represents a single row-level change delivered by the shape stream.
// Events are owned by the stream and must not be modified once delivered.
// Value holds any JSON value, with numbers kept as json.Number.
type ChangeEvent struct {
	Key     string                 `json:"key,omitempty"`
	Value   interface{}            `json:"value,omitempty"`
	Headers map[string]interface{} `json:"headers"`
	Offset  string                 `json:"offset,omitempty"`
	// HasKey distinguishes an absent key from an empty one.
	HasKey bool `json:"-"`
}

// Action returns the action header, or "" when missing
func (e *ChangeEvent) Action() Action {
	if e.Headers == nil {
		return ""
	}
	return Action(cast.ToString(e.Headers[HeaderAction]))
}

// Control returns the control header, or "" when the event is not a control message
func (e *ChangeEvent) Control() string {
	if e.Headers == nil {
		return ""
	}
	return cast.ToString(e.Headers[HeaderControl])
}

// IsControl reports whether the event is a control message
func (e *ChangeEvent) IsControl() bool {
	return e.Control() != ""
}

// MarshalValue encodes the value deterministically. encoding/json sorts map keys,
// so structurally equal values produce equal bytes.
func (e *ChangeEvent) MarshalValue() ([]byte, error) {
	return json.Marshal(e.Value)
}

// ChangeBatch is an ordered group of events delivered together
type ChangeBatch []ChangeEvent

// Keys returns the keys of all data events in the batch, in order
func (b ChangeBatch) Keys() []string {
	keys := make([]string, 0, len(b))
	for i := range b {
		if b[i].HasKey {
			keys = append(keys, b[i].Key)
		}
	}
	return keys
}
