package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"aevo/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if OutputFormat(formatFlag) == FormatHuman {
			fmt.Println(version.Full())
			return nil
		}
		return printResponse(version.Fields())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
