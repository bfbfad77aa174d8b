// Package record defines the payload contract shared by the cache, the queue and the
// remote store: a JSON object carrying an "id" and an "updatedAt" timestamp.
package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	// IDField is the JSON field holding the record identity
	IDField = "id"
	// UpdatedAtField is the JSON field holding the record modification time
	UpdatedAtField = "updatedAt"
)

// ErrMissingID is returned when a record does not carry a usable id
var ErrMissingID = errors.New("record has no id")

// Document is an application record in its generic JSON shape
type Document map[string]any

// ID returns the record identity or an empty string
func (d Document) ID() string {
	switch v := d[IDField].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return fmt.Sprintf("%.0f", v)
	}
	return ""
}

// UpdatedAt returns the modification time in epoch milliseconds, 0 when absent
func (d Document) UpdatedAt() int64 {
	return Millis(d[UpdatedAtField])
}

// Clone returns a shallow copy of the document
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	c := make(Document, len(d))
	for k, v := range d {
		c[k] = v
	}
	return c
}

// Millis converts the supported timestamp representations to epoch milliseconds.
// Numbers are taken as milliseconds, strings as RFC3339.
func Millis(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case float32:
		return int64(t)
	case int:
		return int64(t)
	case int64:
		return t
	case int32:
		return int64(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return int64(f)
		}
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts.UnixMilli()
		}
	case time.Time:
		return t.UnixMilli()
	}
	return 0
}

// Marshal encodes the document
func (d Document) Marshal() ([]byte, error) {
	return json.Marshal(d)
}

// Unmarshal decodes a stored document
func Unmarshal(data []byte) (Document, error) {
	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return d, nil
}

// Encode converts a typed record into a Document
func Encode[T any](v T) (Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	d, err := Unmarshal(raw)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, fmt.Errorf("record must be a JSON object")
	}
	return d, nil
}

// Decode converts a Document back into a typed record
func Decode[T any](d Document) (T, error) {
	var v T
	raw, err := json.Marshal(d)
	if err != nil {
		return v, fmt.Errorf("failed to encode record: %w", err)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("failed to decode record: %w", err)
	}
	return v, nil
}
