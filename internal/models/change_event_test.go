package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangeEventHeaders(t *testing.T) {
	t.Run("action", func(t *testing.T) {
		e := ChangeEvent{Headers: map[string]interface{}{"action": "delete"}}
		assert.Equal(t, ActionDelete, e.Action())
		assert.False(t, e.IsControl())
	})

	t.Run("control", func(t *testing.T) {
		e := ChangeEvent{Headers: map[string]interface{}{"control": "up-to-date"}}
		assert.Equal(t, Action(""), e.Action())
		assert.Equal(t, ControlUpToDate, e.Control())
		assert.True(t, e.IsControl())
	})

	t.Run("no headers", func(t *testing.T) {
		var e ChangeEvent
		assert.Equal(t, Action(""), e.Action())
		assert.False(t, e.IsControl())
	})
}

func TestMarshalValueIsDeterministic(t *testing.T) {
	a := ChangeEvent{Value: map[string]interface{}{"b": 2.0, "a": "x", "c": map[string]interface{}{"z": true, "y": nil}}}
	b := ChangeEvent{Value: map[string]interface{}{"c": map[string]interface{}{"y": nil, "z": true}, "a": "x", "b": 2.0}}

	ab, err := a.MarshalValue()
	require.NoError(t, err)
	bb, err := b.MarshalValue()
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":2,"c":{"y":null,"z":true}}`, string(ab))
	assert.Equal(t, ab, bb)
}

func TestBatchKeys(t *testing.T) {
	batch := ChangeBatch{
		{Key: "1", HasKey: true},
		{Headers: map[string]interface{}{"control": "up-to-date"}},
		{Key: "", HasKey: true},
	}
	assert.Equal(t, []string{"1", ""}, batch.Keys())
}
