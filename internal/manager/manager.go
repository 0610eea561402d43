// Package manager validates evolution events, detects conflicts between
// them, merges them and commits the result through the rule store.
package manager

import (
	"context"
	stderrors "errors"
	"log/slog"
	"runtime"
	"time"

	"aevo/internal/errors"
	"aevo/internal/event"
	"aevo/internal/grammar"
	"aevo/internal/knowledge"
	"aevo/internal/rulestore"
	"aevo/internal/tracker"
)

// ScoreWeights weight the success metrics when ranking conflicting events.
type ScoreWeights struct {
	Performance   float64 `json:"performance"`
	Compatibility float64 `json:"compatibility"`
	Confidence    float64 `json:"confidence"`
}

// DefaultScoreWeights returns the 0.5/0.3/0.2 baseline.
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{Performance: 0.5, Compatibility: 0.3, Confidence: 0.2}
}

// Options configures a Manager. Zero values select defaults.
type Options struct {
	ScoreWeights      ScoreWeights
	// SemanticThreshold is exclusive: rules of two events conflict when
	// their similarity is strictly above it.
	SemanticThreshold float64
	ValidationWorkers int
	BranchLockTimeout time.Duration
}

// DefaultOptions returns the default manager options.
func DefaultOptions() Options {
	return Options{
		ScoreWeights:      DefaultScoreWeights(),
		SemanticThreshold: 0.8,
		ValidationWorkers: runtime.NumCPU(),
		BranchLockTimeout: 5 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ScoreWeights == (ScoreWeights{}) {
		o.ScoreWeights = d.ScoreWeights
	}
	if o.SemanticThreshold <= 0 {
		o.SemanticThreshold = d.SemanticThreshold
	}
	if o.ValidationWorkers <= 0 {
		o.ValidationWorkers = d.ValidationWorkers
	}
	if o.BranchLockTimeout <= 0 {
		o.BranchLockTimeout = d.BranchLockTimeout
	}
	return o
}

// Manager runs the validate, detect, merge and apply pipeline. The tracker,
// graph and store are shared with other components and owned by the caller.
type Manager struct {
	tracker *tracker.Tracker
	graph   *knowledge.Graph
	store   rulestore.Store
	opts    Options
	locks   *branchLocks
	logger  *slog.Logger
}

// New creates a manager. graph may be nil, in which case rule similarity
// uses the default weights and nothing is synced on commit.
func New(tr *tracker.Tracker, graph *knowledge.Graph, store rulestore.Store, opts Options, logger *slog.Logger) *Manager {
	return &Manager{
		tracker: tr,
		graph:   graph,
		store:   store,
		opts:    opts.withDefaults(),
		locks:   newBranchLocks(),
		logger:  logger,
	}
}

// Options returns the effective options.
func (m *Manager) Options() Options {
	return m.opts
}

// Tracker returns the history the manager records into.
func (m *Manager) Tracker() *tracker.Tracker {
	return m.tracker
}

// Store returns the rule store the manager commits to.
func (m *Manager) Store() rulestore.Store {
	return m.store
}

// Score ranks an event by its expected metrics. Higher is better.
func (m *Manager) Score(e event.Event) float64 {
	return Score(m.opts.ScoreWeights, e)
}

// Score is the weighted sum of an event's success metrics.
func Score(w ScoreWeights, e event.Event) float64 {
	return w.Performance*e.Metrics.PerformanceImprovement +
		w.Compatibility*e.Metrics.CompatibilityImpact +
		w.Confidence*e.Metrics.Confidence
}

func (m *Manager) similarity(a, b grammar.Rule) float64 {
	if m.graph != nil {
		return m.graph.RuleSimilarity(a, b)
	}
	return knowledge.RuleSimilarity(knowledge.DefaultOptions().Weights, a, b)
}

// snapshot resolves a snapshot id through the history. Deltas replay only
// on snapshots whose lineage the tracker knows, so an id the rule store
// committed but history lacks is a VersionMismatch as well.
func (m *Manager) snapshot(ctx context.Context, id string) (grammar.Snapshot, error) {
	snap, err := m.tracker.Materialize(id)
	if err == nil {
		return snap, nil
	}
	if !errors.Is(err, errors.EventNotFound) {
		return grammar.Snapshot{}, err
	}
	_, err = m.store.Snapshot(ctx, id)
	switch {
	case err == nil:
		return grammar.Snapshot{}, errors.Newf(errors.VersionMismatch, "",
			"base version %q is committed but its event record is not in history", id)
	case stderrors.Is(err, rulestore.ErrSnapshotNotFound):
		return grammar.Snapshot{}, errors.Newf(errors.VersionMismatch, "", "base version %q does not exist", id)
	default:
		return grammar.Snapshot{}, errors.New(errors.PersistenceFailure, "", "read snapshot "+id, err)
	}
}

// head returns the current head id and its snapshot.
func (m *Manager) head(ctx context.Context) (string, grammar.Snapshot, error) {
	id, err := m.store.CurrentHead(ctx)
	if err != nil {
		return "", grammar.Snapshot{}, errors.New(errors.PersistenceFailure, "", "read head", err)
	}
	snap, err := m.snapshot(ctx, id)
	if err != nil {
		return "", grammar.Snapshot{}, err
	}
	return id, snap, nil
}

// advance moves a recorded event to next, passing through Validated when
// the event is still a Draft.
func (m *Manager) advance(id string, next event.Status) {
	status, ok := m.tracker.Status(id)
	if !ok || status == next {
		return
	}
	if status == event.Draft && next != event.Rejected && next != event.Validated {
		if err := m.tracker.SetStatus(id, event.Validated); err != nil {
			m.logger.Warn("Status change failed", "event", id, "status", event.Validated, "error", err)
			return
		}
	}
	if err := m.tracker.SetStatus(id, next); err != nil {
		m.logger.Warn("Status change failed", "event", id, "status", next, "error", err)
	}
}
