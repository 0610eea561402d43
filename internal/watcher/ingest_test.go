package watcher

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"aevo/internal/event"
	"aevo/internal/grammar"
	"aevo/internal/manager"
	"aevo/internal/testutil"
)

// recordingSink applies everything it is given.
type recordingSink struct {
	batches [][]string
}

func (s *recordingSink) Submit(ctx context.Context, events []event.Event) (manager.SubmitReport, error) {
	ids := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}
	s.batches = append(s.batches, ids)
	return manager.SubmitReport{Accepted: ids, Applied: ids}, nil
}

func writeRecord(t *testing.T, dir, id string) string {
	t.Helper()
	e := event.New(event.SyntaxEvolution, grammar.RootID,
		grammar.Delta{Added: []grammar.Rule{testutil.Rule("R_" + id)}},
		event.Trigger{Source: event.Manual},
		event.Metrics{Confidence: 0.5},
	)
	e.ID = id
	data, err := event.Marshal(e)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	path := filepath.Join(dir, event.FileName(id))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestIngest(t *testing.T) {
	dir := t.TempDir()
	a := writeRecord(t, dir, "a1")
	b := writeRecord(t, dir, "b2")
	old := writeRecord(t, dir, "old")
	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	notes := filepath.Join(dir, "notes.txt")

	sink := &recordingSink{}
	in := NewIngester(sink, func(id string) bool { return id == "old" }, testLogger())

	changes := []Change{
		{Type: ChangeCreate, Path: b},
		{Type: ChangeModify, Path: b},
		{Type: ChangeCreate, Path: a},
		{Type: ChangeCreate, Path: old},
		{Type: ChangeCreate, Path: bad},
		{Type: ChangeCreate, Path: notes},
		{Type: ChangeDelete, Path: filepath.Join(dir, "gone.json")},
	}
	report, err := in.Ingest(context.Background(), changes)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	want := [][]string{{"a1", "b2"}}
	if !reflect.DeepEqual(sink.batches, want) {
		t.Errorf("batches = %v, want %v", sink.batches, want)
	}
	if !reflect.DeepEqual(report.Applied, []string{"a1", "b2"}) {
		t.Errorf("Applied = %v", report.Applied)
	}

	// Already submitted records are not sent again.
	report, err = in.Ingest(context.Background(), changes)
	if err != nil {
		t.Fatalf("second Ingest failed: %v", err)
	}
	if len(sink.batches) != 1 || len(report.Applied) != 0 {
		t.Errorf("second Ingest submitted %v", sink.batches)
	}
}

func TestIngesterHandler(t *testing.T) {
	dir := t.TempDir()
	path := writeRecord(t, dir, "h1")

	var applied []string
	in := NewIngester(&recordingSink{}, nil, testLogger())
	handle := in.Handler(context.Background(), func(r manager.SubmitReport) {
		applied = append(applied, r.Applied...)
	})

	handle(dir, []Change{{Type: ChangeCreate, Path: path}})
	handle(dir, []Change{{Type: ChangeModify, Path: path}})

	if !reflect.DeepEqual(applied, []string{"h1"}) {
		t.Errorf("applied = %v, want [h1]", applied)
	}
}
