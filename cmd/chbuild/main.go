package main

import (
	"os"

	"github.com/spf13/cobra"

	"chbuild/internal/commands"
	"chbuild/internal/output"
)

var jsonFlag bool

var rootCmd = &cobra.Command{
	Use:   "chbuild",
	Short: "Migrate a TypeScript codebase from PostgreSQL to ClickHouse",
	Long:  "chbuild scans a repository for PostgreSQL usage, converts its queries to ClickHouse, rewrites the code with per-file approval and generates a ClickPipe configuration",
	// Bare `chbuild` runs every stage.
	Args: cobra.NoArgs,
	Run:  commands.RunAllCmd.Run,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVar(&commands.ConfigPath, "config", "", "Config file (default: ./config.yaml or ~/.chbuild/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&commands.LogLevel, "log-level", "", "Log level: debug, info, warn or error")
	rootCmd.PersistentFlags().StringVarP(&commands.RepoPath, "path", "C", ".", "Repository to migrate")

	rootCmd.Flags().AddFlagSet(commands.RunAllCmd.Flags())

	rootCmd.AddCommand(commands.ScanCmd)
	rootCmd.AddCommand(commands.PlanCmd)
	rootCmd.AddCommand(commands.MigrateCmd)
	rootCmd.AddCommand(commands.RunAllCmd)
	rootCmd.AddCommand(commands.DataCmd)
	rootCmd.AddCommand(commands.RunsCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.MCPCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	// Propagate --json flag before execution
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		output.JSONMode = jsonFlag
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
