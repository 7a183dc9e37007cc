package shape

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"shape-sync/internal/models"
)

// decodeMessages parses a shape response body: a JSON array of
// {key, value, headers, offset} messages.
func decodeMessages(body []byte) (models.ChangeBatch, error) {
	if len(body) == 0 {
		return nil, nil
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("shape response is not valid JSON")
	}
	root := gjson.ParseBytes(body)
	if !root.IsArray() {
		return nil, fmt.Errorf("shape response is not a JSON array")
	}

	var batch models.ChangeBatch
	var err error
	root.ForEach(func(_, msg gjson.Result) bool {
		if !msg.IsObject() {
			err = fmt.Errorf("shape message %d is not an object", len(batch))
			return false
		}

		var event models.ChangeEvent
		if k := msg.Get("key"); k.Exists() && k.Type != gjson.Null {
			event.Key = k.String()
			event.HasKey = true
		}
		if v := msg.Get("value"); v.Exists() {
			if event.Value, err = decodeValue(v.Raw); err != nil {
				err = fmt.Errorf("shape message %d has an undecodable value: %w", len(batch), err)
				return false
			}
		}
		if h := msg.Get("headers"); h.IsObject() {
			event.Headers, _ = h.Value().(map[string]interface{})
		}
		event.Offset = msg.Get("offset").String()

		batch = append(batch, event)
		return true
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// decodeValue keeps numbers as json.Number so integers beyond float64 precision
// survive re-encoding unchanged
func decodeValue(raw string) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var value interface{}
	if err := dec.Decode(&value); err != nil {
		return nil, err
	}
	return value, nil
}

// upToDate reports whether the batch carries an up-to-date control message
func upToDate(batch models.ChangeBatch) bool {
	for i := range batch {
		if batch[i].Control() == models.ControlUpToDate {
			return true
		}
	}
	return false
}

// lastOffset returns the offset of the last message that has one
func lastOffset(batch models.ChangeBatch) string {
	for i := len(batch) - 1; i >= 0; i-- {
		if batch[i].Offset != "" {
			return batch[i].Offset
		}
	}
	return ""
}
