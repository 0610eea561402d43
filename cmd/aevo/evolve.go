package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	evolveLoop bool
)

var evolveCmd = &cobra.Command{
	Use:   "evolve",
	Short: "Run the self-evolution loop",
	Long: `Evolve analyzes the head snapshot and usage reports, proposes events
for the opportunities found and submits them through the normal pipeline.

Without --loop a single cycle runs. With --loop cycles repeat at the
configured interval until interrupted.`,
	Args: cobra.NoArgs,
	RunE: runEvolve,
}

var reflectCmd = &cobra.Command{
	Use:   "reflect",
	Short: "Summarize history, the head and the knowledge graph",
	Args:  cobra.NoArgs,
	RunE:  runReflect,
}

func init() {
	evolveCmd.Flags().BoolVar(&evolveLoop, "loop", false, "Keep running cycles at the configured interval")
	rootCmd.AddCommand(evolveCmd, reflectCmd)
}

func runEvolve(cmd *cobra.Command, args []string) error {
	ctx, cancel := newContext()
	defer cancel()

	e, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	loop := e.loop()
	if !evolveLoop {
		cycle, err := loop.RunCycle(ctx)
		if perr := e.persist(ctx); perr != nil && err == nil {
			err = perr
		}
		if err != nil {
			return err
		}
		return printResponse(&cycle)
	}

	ms, err := startMetricsServer(e.cfg.Metrics.Addr, e.logger)
	if err != nil {
		return err
	}
	defer ms.Shutdown()

	if err := loop.Start(); err != nil {
		return err
	}
	fmt.Printf("Self-evolution running every %s\n", e.cfg.Interval())
	fmt.Println("Press Ctrl+C to stop")

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-ms.Errors():
	}

	if err := loop.Stop(30 * time.Second); err != nil {
		e.logger.Error("Self-evolution did not stop cleanly", "error", err)
	}
	if err := e.persist(context.Background()); err != nil {
		return err
	}
	if serveErr != nil {
		return serveErr
	}
	reflection, err := loop.Reflect(context.Background())
	if err != nil {
		return err
	}
	return printResponse(&reflection)
}

func runReflect(cmd *cobra.Command, args []string) error {
	ctx, cancel := newContext()
	defer cancel()

	e, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	reflection, err := e.loop().Reflect(ctx)
	if err != nil {
		return err
	}
	return printResponse(&reflection)
}
