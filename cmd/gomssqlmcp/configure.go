package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/rickchristie/mssql-mcp/internal/configure"
)

func newConfigureCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "configure",
		Short: "Run interactive configuration wizard",
		Long: `Walk through every config field and write the result as JSON.
Existing values are offered as defaults, so re-running the wizard edits
the file in place.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			printBanner(os.Stderr, isTTY(os.Stderr.Fd()))
			return configure.Run(configPath(cmd))
		},
	}
}
