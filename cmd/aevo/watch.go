package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"aevo/internal/manager"
	"aevo/internal/watcher"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Submit event records as they appear in the events directory",
	Long: `Watch the events directory and submit every new <id>.json record.
Records already in history are ignored, so the directory the history is
saved to may be watched directly. When self-evolution is enabled a cycle
is triggered after each applied batch and at the configured interval.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := newContext()
	defer cancel()

	e, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	if err := os.MkdirAll(e.eventsDir, 0755); err != nil {
		return fmt.Errorf("failed to create events directory: %w", err)
	}

	ms, err := startMetricsServer(e.cfg.Metrics.Addr, e.logger)
	if err != nil {
		return err
	}
	defer ms.Shutdown()

	loop := e.loop()
	evolving := e.cfg.SelfEvolution.Enabled
	if evolving {
		if err := loop.Start(); err != nil {
			return err
		}
	}

	var persistMu sync.Mutex
	persist := func() {
		persistMu.Lock()
		defer persistMu.Unlock()
		if err := e.persist(ctx); err != nil {
			e.logger.Error("Failed to persist history", "error", err)
		}
	}

	ingester := watcher.NewIngester(e.mgr, e.tracker.Has, e.logger)
	handler := ingester.Handler(ctx, func(report manager.SubmitReport) {
		persist()
		if evolving {
			loop.Trigger()
		}
	})

	wcfg := watcher.DefaultConfig()
	wcfg.Enabled = true
	wcfg.DebounceMs = e.cfg.Watch.DebounceMs
	w := watcher.New(wcfg, e.logger, handler)
	if err := w.Start(); err != nil {
		return err
	}
	if err := w.WatchDir(e.eventsDir); err != nil {
		_ = w.Stop()
		return err
	}

	fmt.Printf("Watching %s\n", e.eventsDir)
	fmt.Println("Press Ctrl+C to stop")

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-ms.Errors():
	}

	if err := w.Stop(); err != nil {
		e.logger.Warn("Failed to stop watcher", "error", err)
	}
	if evolving {
		if err := loop.Stop(30 * time.Second); err != nil {
			e.logger.Error("Self-evolution did not stop cleanly", "error", err)
		}
	}

	persistMu.Lock()
	err = e.persist(context.Background())
	persistMu.Unlock()
	if err != nil {
		return err
	}
	return serveErr
}
