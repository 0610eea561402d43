package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"aevo/internal/grammar"
)

// FileExt is the extension of persisted event records.
const FileExt = ".json"

// FileName returns the record file name for an event id.
func FileName(id string) string { return id + FileExt }

// IDFromFileName returns the event id encoded in a record file name.
func IDFromFileName(name string) (string, bool) {
	if !strings.HasSuffix(name, FileExt) || len(name) == len(FileExt) {
		return "", false
	}
	return strings.TrimSuffix(name, FileExt), true
}

// Marshal encodes e as an indented record. Timestamps are written in UTC
// with nanosecond precision and absent sets as empty arrays.
func Marshal(e Event) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, e); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Encode writes e to w. See Marshal.
func Encode(w io.Writer, e Event) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(normalize(e)); err != nil {
		return fmt.Errorf("encode event %s: %w", e.ID, err)
	}
	return nil
}

// Unmarshal decodes a record. Unknown fields are rejected.
func Unmarshal(data []byte) (Event, error) {
	return Decode(bytes.NewReader(data))
}

// Decode reads a single record from r. Unknown fields are rejected.
func Decode(r io.Reader) (Event, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var e Event
	if err := dec.Decode(&e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if dec.More() {
		return Event{}, fmt.Errorf("decode event %s: trailing data", e.ID)
	}
	e.Timestamp = e.Timestamp.UTC()
	return e, nil
}

func normalize(e Event) Event {
	e = e.Clone()
	e.Timestamp = e.Timestamp.UTC()
	if e.Delta.Added == nil {
		e.Delta.Added = []grammar.Rule{}
	}
	if e.Delta.Modified == nil {
		e.Delta.Modified = []grammar.Modification{}
	}
	if e.Delta.Removed == nil {
		e.Delta.Removed = []string{}
	}
	if e.Trigger.Conditions == nil {
		e.Trigger.Conditions = []string{}
	}
	return e
}
