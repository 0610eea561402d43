package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"aevo/internal/config"
	"aevo/internal/event"
	"aevo/internal/grammar"
	"aevo/internal/knowledge"
	"aevo/internal/manager"
	"aevo/internal/paths"
	"aevo/internal/rulestore"
	"aevo/internal/selfevolve"
	"aevo/internal/slogutil"
	"aevo/internal/storage"
	"aevo/internal/tracker"
)

// engine wires the evolution core for one CLI invocation. History is
// rebuilt from the events directory on open and written back by persist.
type engine struct {
	root      string
	cfg       *config.Config
	logger    *slog.Logger
	logs      *slogutil.Factory
	store     rulestore.Store
	graph     *knowledge.Graph
	tracker   *tracker.Tracker
	mgr       *manager.Manager
	eventsDir string
}

// openEngine loads configuration, the seed grammar, the rule store and the
// persisted history of the workspace.
func openEngine(ctx context.Context) (*engine, error) {
	root, err := getRoot()
	if err != nil {
		return nil, err
	}

	cfg, err := config.LoadConfig(root)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logs := slogutil.NewFactory(root, cfg).WithLevel(slogutil.LevelFromVerbosity(verbosity, quietFlag))
	logger := logs.Logger(os.Stderr)

	seed, err := grammar.LoadSeed(paths.SeedPath(root))
	if err != nil {
		logs.Close()
		return nil, fmt.Errorf("failed to load seed grammar: %w", err)
	}

	store, err := openStore(ctx, root, cfg, seed, logger)
	if err != nil {
		logs.Close()
		return nil, err
	}

	graph := knowledge.New(knowledge.Options{
		Weights: knowledge.Weights{
			Name:       cfg.Similarity.NameWeight,
			Pattern:    cfg.Similarity.PatternWeight,
			Production: cfg.Similarity.ProductionWeight,
		},
		Edges:              knowledge.DefaultEdgeWeights(),
		SimilarToThreshold: cfg.Similarity.SimilarToThreshold,
	})
	tr := tracker.New(seed, graph, logger, tracker.WithWorkers(cfg.Persistence.Workers))
	mgr := manager.New(tr, graph, store, manager.Options{
		ScoreWeights: manager.ScoreWeights{
			Performance:   cfg.Scoring.Performance,
			Compatibility: cfg.Scoring.Compatibility,
			Confidence:    cfg.Scoring.Confidence,
		},
		SemanticThreshold: cfg.Similarity.SemanticConflictThreshold,
		ValidationWorkers: cfg.Pipeline.ValidationWorkers,
		BranchLockTimeout: cfg.BranchLockTimeout(),
	}, logger)

	e := &engine{
		root:      root,
		cfg:       cfg,
		logger:    logger,
		logs:      logs,
		store:     store,
		graph:     graph,
		tracker:   tr,
		mgr:       mgr,
		eventsDir: paths.EventsDir(root, cfg.Persistence.EventsDir),
	}
	if err := e.restore(ctx, seed); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func openStore(ctx context.Context, root string, cfg *config.Config, seed grammar.Snapshot, logger *slog.Logger) (rulestore.Store, error) {
	switch cfg.Store.Backend {
	case "memory":
		return rulestore.NewMemoryStore(seed), nil
	default:
		db, err := storage.Open(root, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		store, err := storage.NewSnapshotStore(ctx, db, seed, logger)
		if err != nil {
			db.Close()
			return nil, err
		}
		return store, nil
	}
}

// restore replays persisted records, marks the ones the store committed as
// merged and brings the knowledge graph to the current head.
func (e *engine) restore(ctx context.Context, seed grammar.Snapshot) error {
	if err := e.graph.Sync(seed); err != nil {
		return fmt.Errorf("failed to index seed grammar: %w", err)
	}

	if _, err := os.Stat(e.eventsDir); err == nil {
		report, err := e.tracker.LoadEventsFromDir(ctx, e.eventsDir)
		if err != nil {
			return err
		}
		for _, f := range report.Failures {
			e.logger.Warn("Skipped event record", "path", f.Path, "error", f.Message)
		}
	}

	log, err := e.store.Log(ctx)
	if err != nil {
		return fmt.Errorf("failed to read commit log: %w", err)
	}
	for _, c := range log {
		if c.Kind != rulestore.KindCommit || !e.tracker.Has(c.SnapshotID) {
			continue
		}
		for _, s := range []event.Status{event.Validated, event.Merged} {
			_ = e.tracker.SetStatus(c.SnapshotID, s)
		}
	}

	head, err := e.store.CurrentHead(ctx)
	if err != nil {
		return fmt.Errorf("failed to read head: %w", err)
	}
	snap, err := e.store.Snapshot(ctx, head)
	if err != nil {
		return fmt.Errorf("failed to read head snapshot: %w", err)
	}
	return e.graph.Sync(snap)
}

// persist writes every history record to the events directory.
func (e *engine) persist(ctx context.Context) error {
	if err := os.MkdirAll(e.eventsDir, 0755); err != nil {
		return fmt.Errorf("failed to create events directory: %w", err)
	}
	report, err := e.tracker.SaveAllEvents(ctx, e.eventsDir)
	if err != nil {
		return err
	}
	for _, f := range report.Failures {
		e.logger.Warn("Failed to save event record", "path", f.Path, "error", f.Message)
	}
	if len(report.Failures) > 0 {
		return fmt.Errorf("%d event records could not be saved", len(report.Failures))
	}
	return nil
}

// head returns the current head snapshot.
func (e *engine) head(ctx context.Context) (grammar.Snapshot, error) {
	id, err := e.store.CurrentHead(ctx)
	if err != nil {
		return grammar.Snapshot{}, err
	}
	return e.store.Snapshot(ctx, id)
}

// loop builds the self-evolution loop from configuration.
func (e *engine) loop() *selfevolve.Loop {
	se := e.cfg.SelfEvolution
	analyzers := []selfevolve.Analyzer{
		&selfevolve.StructuralAnalyzer{
			Graph:              e.graph,
			DuplicateThreshold: se.DuplicateThreshold,
			ComplexityZScore:   se.ComplexityZScore,
		},
		&selfevolve.ReportDirAnalyzer{
			Dir:                paths.ReportsDir(e.root, se.ReportsDir),
			UnderusedThreshold: se.UnderusedThreshold,
		},
	}
	return selfevolve.NewLoop(e.mgr, e.graph, analyzers, selfevolve.Options{
		Interval:     e.cfg.Interval(),
		CycleHistory: se.CycleHistory,
	}, e.logger)
}

// Close releases the store and log files.
func (e *engine) Close() {
	if err := e.store.Close(); err != nil {
		e.logger.Warn("Failed to close rule store", "error", err)
	}
	e.logs.Close()
}

// getRoot returns the workspace root directory.
func getRoot() (string, error) {
	if rootFlag != "" {
		return rootFlag, nil
	}
	return os.Getwd()
}

// newContext returns a context cancelled on SIGINT or SIGTERM.
func newContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// readEvents decodes event records given on the command line.
func readEvents(files []string) ([]event.Event, error) {
	events := make([]event.Event, 0, len(files))
	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		e, err := event.Decode(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		events = append(events, e)
	}
	return events, nil
}
