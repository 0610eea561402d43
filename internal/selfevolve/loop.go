package selfevolve

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"aevo/internal/errors"
	"aevo/internal/event"
	"aevo/internal/grammar"
	"aevo/internal/knowledge"
	"aevo/internal/manager"
	"aevo/internal/metrics"
)

// Author is set on every event the loop proposes.
const Author = "self-evolution"

// Options configures a Loop.
type Options struct {
	Interval     time.Duration // period between cycles once started
	CycleHistory int           // cycles kept in memory
	MaxProposals int           // proposals per cycle; 0 means no limit
}

// DefaultOptions returns the default loop options.
func DefaultOptions() Options {
	return Options{
		Interval:     5 * time.Minute,
		CycleHistory: 50,
	}
}

// Loop periodically analyzes the head snapshot and submits proposals
// through the manager. At most one cycle runs at a time; triggers that
// arrive during a run collapse into a single re-run.
type Loop struct {
	mgr       *manager.Manager
	graph     *knowledge.Graph
	analyzers []Analyzer
	opts      Options
	logger    *slog.Logger

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	running bool
	pending bool
	idle    chan struct{}
	cycles  []Cycle
	now     func() time.Time
}

// NewLoop creates a loop. It does nothing until Trigger or Start is called.
func NewLoop(mgr *manager.Manager, graph *knowledge.Graph, analyzers []Analyzer, opts Options, logger *slog.Logger) *Loop {
	d := DefaultOptions()
	if opts.Interval <= 0 {
		opts.Interval = d.Interval
	}
	if opts.CycleHistory <= 0 {
		opts.CycleHistory = d.CycleHistory
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Loop{
		mgr:       mgr,
		graph:     graph,
		analyzers: analyzers,
		opts:      opts,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		now:       time.Now,
	}
}

// Analyze runs every analyzer against the current head, in parallel, and
// returns their findings sorted by kind and rule names.
func (l *Loop) Analyze(ctx context.Context) ([]Opportunity, error) {
	store := l.mgr.Store()
	head, err := store.CurrentHead(ctx)
	if err != nil {
		return nil, fmt.Errorf("read head: %w", err)
	}
	snap, err := store.Snapshot(ctx, head)
	if err != nil {
		return nil, fmt.Errorf("read head snapshot: %w", err)
	}

	reports := make([]Report, len(l.analyzers))
	g, gctx := errgroup.WithContext(ctx)
	for i, a := range l.analyzers {
		g.Go(func() error {
			r, err := a.Analyze(gctx, snap)
			if err != nil {
				return fmt.Errorf("analyzer %s: %w", a.Name(), err)
			}
			reports[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var opps []Opportunity
	for _, r := range reports {
		for _, o := range r.Opportunities {
			o.SnapshotID = snap.ID
			opps = append(opps, o)
		}
	}
	return sortOpportunities(opps), nil
}

// Propose turns opportunities into Draft events triggered by
// SelfReflection. Complexity outliers are reported only. A cancelled ctx
// discards everything prepared so far.
func (l *Loop) Propose(ctx context.Context, opps []Opportunity) ([]event.Event, error) {
	snaps := make(map[string]grammar.Snapshot)
	var out []event.Event
	for _, o := range opps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if l.opts.MaxProposals > 0 && len(out) >= l.opts.MaxProposals {
			break
		}
		snap, ok := snaps[o.SnapshotID]
		if !ok {
			s, err := l.mgr.Store().Snapshot(ctx, o.SnapshotID)
			if err != nil {
				return nil, fmt.Errorf("read snapshot %s: %w", o.SnapshotID, err)
			}
			snap = s
			snaps[o.SnapshotID] = s
		}
		if e, ok := proposal(o, snap); ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// proposal builds the event for one opportunity, if it calls for a change.
func proposal(o Opportunity, snap grammar.Snapshot) (event.Event, bool) {
	var (
		typ   event.Type
		delta grammar.Delta
		m     event.Metrics
	)
	switch o.Kind {
	case Duplicate:
		if len(o.Rules) != 2 || referencedBy(snap, o.Rules[1]) {
			return event.Event{}, false
		}
		typ = event.OptimizationEvolution
		delta.Removed = []string{o.Rules[1]}
		m = event.Metrics{PerformanceImprovement: 0.1, CompatibilityImpact: -0.1, Confidence: clamp01(o.Score)}
	case Simplifiable:
		r, ok := snap.Get(o.Rules[0])
		if !ok {
			return event.Event{}, false
		}
		simpler := r.Clone()
		simpler.Production = r.Production.Simplify()
		typ = event.OptimizationEvolution
		delta.Modified = []grammar.Modification{{OldName: r.Name, Rule: simpler}}
		m = event.Metrics{PerformanceImprovement: 0.2, CompatibilityImpact: 0, Confidence: 1}
	case Underused:
		if !snap.Has(o.Rules[0]) || referencedBy(snap, o.Rules[0]) {
			return event.Event{}, false
		}
		typ = event.SemanticEvolution
		delta.Removed = []string{o.Rules[0]}
		m = event.Metrics{PerformanceImprovement: 0.05, CompatibilityImpact: -0.2, Confidence: clamp01(o.Score)}
	default:
		return event.Event{}, false
	}
	delta.Description = o.Detail

	e := event.New(typ, o.SnapshotID, delta, event.Trigger{
		Source:     event.SelfReflection,
		Conditions: []string{string(o.Kind)},
	}, m)
	e.Author = Author
	return e, true
}

func referencedBy(snap grammar.Snapshot, name string) bool {
	for _, r := range snap.Rules {
		if r.Name == name {
			continue
		}
		for _, ref := range r.References() {
			if ref == name {
				return true
			}
		}
	}
	return false
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// RunCycle analyzes, proposes and submits once. Proposals never reach the
// manager when ctx is cancelled first.
func (l *Loop) RunCycle(ctx context.Context) (Cycle, error) {
	c := newCycle()
	l.logger.Info("Starting self-evolution cycle", "cycle", c.ID)

	err := l.runCycle(ctx, c)
	switch {
	case err == nil:
		c.markCompleted()
	case ctx.Err() != nil:
		c.markCancelled()
		err = ctx.Err()
	default:
		c.markFailed(err)
	}

	l.record(*c)
	metrics.RecordCycle(string(c.Status), c.Proposed, c.Accepted, c.Rejected)
	if err != nil {
		l.logger.Warn("Self-evolution cycle ended", "cycle", c.ID, "status", c.Status, "error", err)
	} else {
		l.logger.Info("Self-evolution cycle completed",
			"cycle", c.ID,
			"opportunities", c.Opportunities,
			"proposed", c.Proposed,
			"applied", len(c.Applied),
			"duration", c.Duration().String(),
		)
	}
	return *c, err
}

func (l *Loop) runCycle(ctx context.Context, c *Cycle) error {
	opps, err := l.Analyze(ctx)
	if err != nil {
		return err
	}
	c.Opportunities = len(opps)
	if len(opps) > 0 {
		c.SnapshotID = opps[0].SnapshotID
	}

	props, err := l.Propose(ctx, opps)
	if err != nil {
		return err
	}
	c.Proposed = len(props)
	if len(props) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	report, err := l.mgr.Submit(ctx, props)
	c.Accepted = len(report.Accepted)
	c.Rejected = len(report.Rejected)
	c.Applied = report.Applied
	if err != nil && !errors.Is(err, errors.ValidationFailed) {
		return err
	}
	if err != nil {
		// Every proposal was invalid; the cycle itself did its job.
		c.Error = err.Error()
	}
	return nil
}

func (l *Loop) record(c Cycle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cycles = append(l.cycles, c)
	if over := len(l.cycles) - l.opts.CycleHistory; over > 0 {
		l.cycles = append([]Cycle(nil), l.cycles[over:]...)
	}
}

// Cycles returns the retained cycles, oldest first.
func (l *Loop) Cycles() []Cycle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Cycle(nil), l.cycles...)
}

// Trigger requests a cycle. It returns true when a new run was started and
// false when the request was folded into the run in flight (or the loop
// is stopped).
func (l *Loop) Trigger() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx.Err() != nil {
		return false
	}
	if l.running {
		l.pending = true
		return false
	}
	l.running = true
	l.idle = make(chan struct{})
	l.wg.Add(1)
	go l.runTriggered(l.idle)
	return true
}

func (l *Loop) runTriggered(idle chan struct{}) {
	defer l.wg.Done()
	for {
		_, _ = l.RunCycle(l.ctx)

		l.mu.Lock()
		if l.pending && l.ctx.Err() == nil {
			l.pending = false
			l.mu.Unlock()
			continue
		}
		l.pending = false
		l.running = false
		close(idle)
		l.mu.Unlock()
		return
	}
}

// Wait blocks until no cycle is running or pending.
func (l *Loop) Wait(ctx context.Context) error {
	l.mu.Lock()
	idle, running := l.idle, l.running
	l.mu.Unlock()
	if !running {
		return nil
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start runs a cycle now and then every Interval until Stop.
func (l *Loop) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return nil
	}
	l.started = true

	l.logger.Info("Starting self-evolution loop", "interval", l.opts.Interval.String())
	l.wg.Add(1)
	go l.run()
	return nil
}

func (l *Loop) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.opts.Interval)
	defer ticker.Stop()

	l.Trigger()
	for {
		select {
		case <-ticker.C:
			l.Trigger()
		case <-l.ctx.Done():
			return
		}
	}
}

// Stop cancels any cycle in flight and waits up to timeout for the loop
// to wind down. A stopped loop cannot be restarted.
func (l *Loop) Stop(timeout time.Duration) error {
	l.logger.Info("Stopping self-evolution loop")
	l.mu.Lock()
	l.cancel()
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		l.logger.Info("Self-evolution loop stopped")
		return nil
	case <-time.After(timeout):
		return errors.Newf(errors.Timeout, "", "self-evolution loop shutdown timed out after %s", timeout)
	}
}

// Reflection summarizes the evolution history.
type Reflection struct {
	TotalEvents        int                  `json:"totalEvents"`
	ByType             map[event.Type]int   `json:"byType"`
	BySource           map[event.Source]int `json:"bySource"`
	ByStatus           map[event.Status]int `json:"byStatus"`
	LastWeek           int                  `json:"lastWeek"`
	Head               string               `json:"head"`
	HeadRules          int                  `json:"headRules"`
	KnowledgeNodes     int                  `json:"knowledgeNodes"`
	KnowledgeRelations int                  `json:"knowledgeRelations"`
	StaleNodes         int                  `json:"staleNodes"`
	Cycles             int                  `json:"cycles"`
	LastCycle          *Cycle               `json:"lastCycle,omitempty"`
}

// Reflect gathers statistics over history, the head and the knowledge graph.
func (l *Loop) Reflect(ctx context.Context) (Reflection, error) {
	r := Reflection{
		ByType:   make(map[event.Type]int),
		BySource: make(map[event.Source]int),
		ByStatus: make(map[event.Status]int),
	}
	tr := l.mgr.Tracker()
	weekAgo := l.now().Add(-7 * 24 * time.Hour)
	for _, e := range tr.History() {
		r.TotalEvents++
		r.ByType[e.Type]++
		r.BySource[e.Trigger.Source]++
		if s, ok := tr.Status(e.ID); ok {
			r.ByStatus[s]++
		}
		if e.Timestamp.After(weekAgo) {
			r.LastWeek++
		}
	}

	store := l.mgr.Store()
	head, err := store.CurrentHead(ctx)
	if err != nil {
		return r, fmt.Errorf("read head: %w", err)
	}
	snap, err := store.Snapshot(ctx, head)
	if err != nil {
		return r, fmt.Errorf("read head snapshot: %w", err)
	}
	r.Head = head
	r.HeadRules = snap.Len()

	if l.graph != nil {
		stats := l.graph.Stats()
		r.KnowledgeNodes = stats.Entities
		r.KnowledgeRelations = stats.Relations
		r.StaleNodes = stats.Stale
	}

	cycles := l.Cycles()
	r.Cycles = len(cycles)
	if len(cycles) > 0 {
		last := cycles[len(cycles)-1]
		r.LastCycle = &last
	}
	return r, nil
}
