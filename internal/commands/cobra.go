package commands

import (
	"os"

	"github.com/spf13/cobra"

	"chbuild/internal/migrate"
	"chbuild/internal/output"
)

func exit(code int) {
	if code != 0 {
		os.Exit(code)
	}
}

// stageCommand builds a command that runs a fixed set of stages.
func stageCommand(use, short, long string, stages ...string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Long:  long,
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			opts, err := runFlags(cmd)
			if err != nil {
				output.Fatal(err)
			}
			opts.stages = stages
			exit(runStages(cmd.Context(), opts))
		},
	}
	cmd.Flags().Bool("auto-approve", false, "Approve every file change without asking")
	return cmd
}

func runFlags(cmd *cobra.Command) (runOptions, error) {
	var opts runOptions
	opts.autoApprove, _ = cmd.Flags().GetBool("auto-approve")
	opts.interactive, _ = cmd.Flags().GetBool("interactive")
	if f := cmd.Flags().Lookup("mode"); f != nil {
		mode, err := migrate.ParseMode(f.Value.String())
		if err != nil {
			return opts, err
		}
		opts.data.Mode = mode
	}
	if f := cmd.Flags().Lookup("database"); f != nil {
		opts.data.Database = f.Value.String()
	}
	return opts, nil
}

// ScanCmd represents the scan command
var ScanCmd = stageCommand("scan",
	"Find PostgreSQL tables and queries in the repository",
	"Ask the model to scan the repository for PostgreSQL usage and save the result under .chbuild/scanner",
	migrate.StageScan)

// PlanCmd represents the plan command
var PlanCmd = stageCommand("plan",
	"Convert the scanned queries to ClickHouse SQL",
	"Convert the latest scan's queries to ClickHouse SQL and save the plan under .chbuild/plans. Runs a scan first when none exists",
	migrate.StagePlan)

// MigrateCmd represents the migrate command
var MigrateCmd = stageCommand("migrate",
	"Install the ClickHouse client, rewrite code and generate a ClickPipe config",
	"Install @clickhouse/client, apply the latest plan to the code with per-file approval, then generate the ClickPipe configuration",
	migrate.StageSetup, migrate.StageWrite, migrate.StageData)

// RunAllCmd represents the run-all command
var RunAllCmd = &cobra.Command{
	Use:   "run-all",
	Short: "Run every migration stage in order",
	Long:  "Run setup, scan, convert-plan, write and data-config. The stages setting in the config file narrows the set",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		opts, err := runFlags(cmd)
		if err != nil {
			output.Fatal(err)
		}
		opts.stages, _ = cmd.Flags().GetStringSlice("stages")
		exit(runStages(cmd.Context(), opts))
	},
}

// DataCmd represents the data command
var DataCmd = &cobra.Command{
	Use:   "data",
	Short: "Generate a ClickPipe configuration for explicit tables",
	Long:  "Build a Postgres ClickPipe configuration and the curl command that creates it, without scanning the repository",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		var opts dataOptions
		opts.database, _ = cmd.Flags().GetString("database")
		opts.tables, _ = cmd.Flags().GetStringSlice("tables")
		opts.schema, _ = cmd.Flags().GetString("schema")
		opts.destination, _ = cmd.Flags().GetString("dest")
		opts.mode, _ = cmd.Flags().GetString("mode")
		opts.save, _ = cmd.Flags().GetBool("save")
		exit(RunData(opts))
	},
}

// RunsCmd represents the runs command
var RunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recorded runs",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		limit, _ := cmd.Flags().GetInt("limit")
		exit(RunRuns(limit))
	},
}

// ServeCmd represents the serve command
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Host runs for remote UIs over HTTP and WebSocket",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		addr, _ := cmd.Flags().GetString("addr")
		exit(RunServe(addr))
	},
}

// MCPCmd represents the mcp command
var MCPCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve migration tools over MCP on stdio",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		exit(RunMCP())
	},
}

// ConfigCmd represents the config command
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chbuild settings",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default config file",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")
		exit(RunConfigInit(force))
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective settings",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		exit(RunConfigShow())
	},
}

// VersionCmd represents the version command
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show chbuild version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		RunVersion()
	},
}

func init() {
	MigrateCmd.Flags().String("mode", string(migrate.ModeCDC), "ClickPipe replication mode: cdc, snapshot or cdc_only")
	MigrateCmd.Flags().String("database", "", "Source database name (default: POSTGRES_DB or the repository name)")

	RunAllCmd.Flags().Bool("auto-approve", false, "Approve every file change without asking")
	RunAllCmd.Flags().Bool("interactive", false, "Ask before each stage; y runs it, s or n skips it")
	RunAllCmd.Flags().String("mode", string(migrate.ModeCDC), "ClickPipe replication mode: cdc, snapshot or cdc_only")
	RunAllCmd.Flags().String("database", "", "Source database name (default: POSTGRES_DB or the repository name)")
	RunAllCmd.Flags().StringSlice("stages", nil, "Run only these stages")
	_ = RunAllCmd.RegisterFlagCompletionFunc("stages", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return migrate.Names(), cobra.ShellCompDirectiveNoFileComp
	})

	DataCmd.Flags().String("database", "", "Source PostgreSQL database name")
	DataCmd.Flags().StringSlice("tables", nil, "Tables to replicate: schema.table or table, comma separated")
	DataCmd.Flags().String("schema", "", "Schema for tables given without one (default: public)")
	DataCmd.Flags().String("dest", "", "ClickHouse destination database (default: default)")
	DataCmd.Flags().String("mode", string(migrate.ModeCDC), "Replication mode: cdc, snapshot or cdc_only")
	DataCmd.Flags().Bool("save", false, "Also save the result under .chbuild/clickpipe")
	_ = DataCmd.MarkFlagRequired("database")
	_ = DataCmd.MarkFlagRequired("tables")

	RunsCmd.Flags().Int("limit", 20, "Maximum number of runs to show")

	ServeCmd.Flags().String("addr", "", "Listen address (default: serve_addr from config)")

	configInitCmd.Flags().Bool("force", false, "Overwrite an existing config file")
	ConfigCmd.AddCommand(configInitCmd, configShowCmd)
}
