package watcher

import (
	"context"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"aevo/internal/event"
	"aevo/internal/manager"
	"aevo/internal/tracker"
)

// Submitter accepts batches of events.
type Submitter interface {
	Submit(ctx context.Context, events []event.Event) (manager.SubmitReport, error)
}

// Ingester submits event records that appear in a watched directory.
// Records whose id is already known are ignored, so the directory may
// also be the one history is saved to.
type Ingester struct {
	sink   Submitter
	known  func(id string) bool
	logger *slog.Logger

	mu   sync.Mutex
	seen map[string]bool
}

// NewIngester creates an ingester. known reports ids already in history;
// nil means none are.
func NewIngester(sink Submitter, known func(id string) bool, logger *slog.Logger) *Ingester {
	if known == nil {
		known = func(string) bool { return false }
	}
	return &Ingester{
		sink:   sink,
		known:  known,
		logger: logger,
		seen:   make(map[string]bool),
	}
}

// Ingest reads the records named by changes and submits the new ones as
// one batch. Unreadable or invalid records are logged and skipped.
func (in *Ingester) Ingest(ctx context.Context, changes []Change) (manager.SubmitReport, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	var events []event.Event
	for _, path := range recordPaths(changes) {
		id, _ := event.IDFromFileName(filepath.Base(path))
		if in.seen[id] || in.known(id) {
			continue
		}
		e, err := tracker.ReadRecord(path)
		if err != nil {
			in.logger.Warn("Skipping event record", "path", path, "error", err)
			continue
		}
		in.seen[id] = true
		events = append(events, e)
	}
	if len(events) == 0 {
		return manager.SubmitReport{Accepted: []string{}, Applied: []string{}}, nil
	}

	report, err := in.sink.Submit(ctx, events)
	if err != nil {
		in.logger.Warn("Submitting watched events failed", "events", len(events), "error", err)
		return report, err
	}
	for _, r := range report.Rejected {
		in.logger.Info("Watched event rejected", "event", r.EventID, "code", string(r.Code), "message", r.Message)
	}
	in.logger.Info("Ingested watched events",
		"submitted", len(events),
		"applied", len(report.Applied),
		"rejected", len(report.Rejected),
	)
	return report, nil
}

// Handler adapts the ingester to a ChangeHandler. onApplied, if set, is
// called after a batch applied at least one snapshot.
func (in *Ingester) Handler(ctx context.Context, onApplied func(manager.SubmitReport)) ChangeHandler {
	return func(dir string, changes []Change) {
		report, err := in.Ingest(ctx, changes)
		if err == nil && len(report.Applied) > 0 && onApplied != nil {
			onApplied(report)
		}
	}
}

// recordPaths returns the distinct record files created, written or
// renamed into place, in name order.
func recordPaths(changes []Change) []string {
	set := make(map[string]bool)
	for _, c := range changes {
		if c.Type == ChangeDelete {
			continue
		}
		if _, ok := event.IDFromFileName(filepath.Base(c.Path)); ok {
			set[c.Path] = true
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
