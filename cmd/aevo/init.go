package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"aevo/internal/config"
	"aevo/internal/errors"
	"aevo/internal/grammar"
	"aevo/internal/paths"
)

var (
	initForce bool
	initSeed  bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize an aevo workspace",
	Long:  "Creates a .aevo/ directory with default configuration in the workspace root",
	Args:  cobra.NoArgs,
	RunE:  runInit,
}

func init() {
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "Overwrite an existing configuration")
	initCmd.Flags().BoolVar(&initSeed, "seed", false, "Also write an example grammar.toml if none exists")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	root, err := getRoot()
	if err != nil {
		return errors.New(errors.InternalError, "", "failed to get workspace root", err)
	}

	configPath := paths.ConfigPath(root)
	if _, statErr := os.Stat(configPath); statErr == nil && !initForce {
		// Already initialized is success
		fmt.Println("aevo already initialized.")
		fmt.Printf("Configuration at: %s\n", configPath)
		fmt.Println("\nRun 'aevo init --force' to reinitialize.")
		return nil
	}

	if _, err := paths.EnsureDataDir(root); err != nil {
		return errors.New(errors.PersistenceFailure, "", "failed to create .aevo directory", err)
	}
	if err := config.DefaultConfig().Save(root); err != nil {
		return errors.New(errors.PersistenceFailure, "", "failed to write config file", err)
	}
	fmt.Println("aevo initialized successfully!")
	fmt.Printf("Configuration written to: %s\n", configPath)

	if initSeed {
		seedPath := paths.SeedPath(root)
		written, err := writeExampleSeed(seedPath)
		if err != nil {
			return errors.New(errors.PersistenceFailure, "", "failed to write seed grammar", err)
		}
		if written {
			fmt.Printf("Example grammar written to: %s\n", seedPath)
		}
	}

	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit grammar.toml to describe the initial rules")
	fmt.Println("  2. Run 'aevo submit <event.json>' to apply an evolution event")
	fmt.Println("  3. Run 'aevo evolve' to let the engine propose its own")
	return nil
}

// writeExampleSeed writes a small starter grammar unless path exists.
func writeExampleSeed(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	snap, err := grammar.NewSnapshot(grammar.RootID, exampleRules())
	if err != nil {
		return false, err
	}
	f, err := os.Create(path)
	if err != nil {
		return false, err
	}
	if err := grammar.WriteSeed(f, snap); err != nil {
		f.Close()
		return false, err
	}
	return true, f.Close()
}

func exampleRules() []grammar.Rule {
	kw := func(v string) grammar.Symbol { return grammar.Symbol{Kind: grammar.SymbolKeyword, Value: v} }
	return []grammar.Rule{
		{
			Name:       "print_value",
			Pattern:    []grammar.Symbol{kw("print"), {Kind: grammar.SymbolIdentifier, Value: "value"}},
			Production: grammar.Seq(grammar.Lit("print("), grammar.Ref("value"), grammar.Lit(")")),
		},
		{
			Name:       "value",
			Pattern:    []grammar.Symbol{{Kind: grammar.SymbolWildcard}},
			Production: grammar.Alt(grammar.Lit("number"), grammar.Lit("string")),
		},
		{
			Name:       "loop_while",
			Pattern:    []grammar.Symbol{kw("loop"), kw("while"), {Kind: grammar.SymbolIdentifier, Value: "condition"}},
			Production: grammar.Seq(grammar.Lit("while "), grammar.Ref("value"), grammar.Lit(":")),
		},
	}
}
