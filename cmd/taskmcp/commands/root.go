// Package commands implements task-mcp's CLI: a root command plus serve,
// status, and version subcommands.
package commands

import (
	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "taskmcp",
	Short: "A repository-scoped change-management MCP server",
	Long: `taskmcp exposes two domain operations over the Model Context Protocol:
opening a proposed change and archiving a completed one. Every change lives
as a directory under openspec/changes/<slug> — there is no database.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default: ./taskmcp.toml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}
