package main

import (
	"fmt"
	"os"

	"aevo/internal/errors"
	"aevo/internal/slogutil"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger := slogutil.NewLogger(os.Stderr, slogutil.LevelFromString("info"))
		logger.Error("Command execution failed", "error", err)

		code := errors.CodeOf(err)
		for _, fix := range errors.GetSuggestedFixes(code) {
			if fix.Command != "" {
				fmt.Fprintf(os.Stderr, "  hint: %s: %s\n", fix.Description, fix.Command)
			} else {
				fmt.Fprintf(os.Stderr, "  hint: %s\n", fix.Description)
			}
		}
		os.Exit(1)
	}
}
