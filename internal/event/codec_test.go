package event

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"aevo/internal/grammar"
)

func TestMarshal_WireFormat(t *testing.T) {
	data, err := Marshal(sample())
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("record is not a JSON object: %v", err)
	}
	for _, key := range []string{"id", "timestamp", "event_type", "base_version", "delta", "trigger", "success_metrics"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("record missing %q", key)
		}
	}
	if _, ok := raw["author"]; ok {
		t.Error("empty author should be omitted")
	}
	if got := string(raw["timestamp"]); got != `"2026-03-01T12:00:00.123456789Z"` {
		t.Errorf("timestamp = %s", got)
	}

	var delta map[string]json.RawMessage
	_ = json.Unmarshal(raw["delta"], &delta)
	for _, key := range []string{"added_rules", "modified_rules", "removed_rules", "description"} {
		if _, ok := delta[key]; !ok {
			t.Errorf("delta missing %q", key)
		}
	}
	if !strings.Contains(string(delta["modified_rules"]), `"old_name"`) || !strings.Contains(string(delta["modified_rules"]), `"new_rule"`) {
		t.Errorf("modified_rules = %s", delta["modified_rules"])
	}
}

func TestMarshal_EmptySets(t *testing.T) {
	e := sample()
	e.Delta = grammar.Delta{Removed: []string{"R2"}}
	e.Trigger.Conditions = nil

	data, err := Marshal(e)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	s := string(data)
	for _, want := range []string{`"added_rules": []`, `"modified_rules": []`, `"conditions": []`} {
		if !strings.Contains(s, want) {
			t.Errorf("record missing %s:\n%s", want, s)
		}
	}
	if strings.Contains(s, "null") {
		t.Errorf("record contains null:\n%s", s)
	}
}

func TestRoundTrip(t *testing.T) {
	orig := sample()
	orig.Author = "ada"
	orig.Timestamp = time.Date(2026, 3, 1, 13, 0, 0, 5, time.FixedZone("CET", 3600))

	data, err := Marshal(orig)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	back, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if !back.Timestamp.Equal(orig.Timestamp) || back.Timestamp.Location() != time.UTC {
		t.Errorf("timestamp = %v, want %v in UTC", back.Timestamp, orig.Timestamp)
	}
	if back.ID != orig.ID || back.Type != orig.Type || back.BaseVersion != orig.BaseVersion || back.Author != "ada" {
		t.Errorf("header fields changed: %+v", back)
	}
	if back.Metrics != orig.Metrics {
		t.Errorf("metrics = %+v, want %+v", back.Metrics, orig.Metrics)
	}
	if len(back.Delta.Modified) != 1 || !back.Delta.Modified[0].Rule.Production.Equal(orig.Delta.Modified[0].Rule.Production) {
		t.Errorf("modified = %+v", back.Delta.Modified)
	}
	if err := Validate(back); err != nil {
		t.Errorf("decoded record does not validate: %v", err)
	}
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not json", "{"},
		{"unknown field", `{"id":"e1","colour":"red"}`},
		{"trailing data", `{"id":"e1"} {"id":"e2"}`},
		{"bad timestamp", `{"id":"e1","timestamp":"yesterday"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Unmarshal([]byte(tt.input)); err == nil {
				t.Error("Unmarshal() = nil error")
			}
		})
	}
}

func TestFileNames(t *testing.T) {
	if got := FileName("e1"); got != "e1.json" {
		t.Errorf("FileName = %q", got)
	}
	tests := []struct {
		name   string
		wantID string
		wantOK bool
	}{
		{"e1.json", "e1", true},
		{".json", "", false},
		{"e1.yaml", "", false},
	}
	for _, tt := range tests {
		id, ok := IDFromFileName(tt.name)
		if id != tt.wantID || ok != tt.wantOK {
			t.Errorf("IDFromFileName(%q) = %q, %v, want %q, %v", tt.name, id, ok, tt.wantID, tt.wantOK)
		}
	}
}
