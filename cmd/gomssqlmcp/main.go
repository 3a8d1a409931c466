package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rickchristie/mssql-mcp/internal/meta"
)

const defaultConfigPath = ".gomssqlmcp/config.json"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gomssqlmcp",
		Short: "SQL Server MCP Server",
		Long: `gomssqlmcp exposes a SQL Server database to AI agents over MCP.

Queries are validated as read-only, rewritten with row limits and run in a
rolled-back transaction. Catalog metadata is cached and connections go
through a retrying, circuit-broken pool.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "",
		"Path to configuration file (env GOMSSQLMCP_CONFIG_PATH, default "+defaultConfigPath+")")

	root.AddCommand(newServeCmd(), newConfigureCmd(), newDoctorCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "gomssqlmcp %s\n", meta.Version)
			fmt.Fprintf(w, "Commit:     %s\n", meta.Commit)
			fmt.Fprintf(w, "Build Date: %s\n", meta.BuildDate)
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
