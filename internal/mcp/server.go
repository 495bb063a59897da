package mcpserver

import (
	"context"
	"log/slog"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"chbuild/internal/migrate"
	"chbuild/internal/workflow"
)

// StageBuilder returns the stage definitions for a run. No names means
// every stage.
type StageBuilder func(names []string, data migrate.DataOptions) ([]workflow.StageDef, error)

// Options configure the MCP server.
type Options struct {
	Repo    string
	Version string
	Build   StageBuilder
	// List builds the definitions list_stages reports. They are never run,
	// so it may skip model setup. Defaults to Build.
	List   StageBuilder
	Logger *slog.Logger
}

// Server exposes a repository's migration artifacts and runs as MCP tools.
type Server struct {
	repo   string
	build  StageBuilder
	list   StageBuilder
	logger *slog.Logger
	server *mcpsdk.Server
}

// New creates the server and registers its tools.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		repo:   opts.Repo,
		build:  opts.Build,
		list:   opts.List,
		logger: logger,
		server: mcpsdk.NewServer(&mcpsdk.Implementation{Name: "chbuild", Version: version}, nil),
	}
	if s.list == nil {
		s.list = s.build
	}
	s.registerTools()
	return s
}

// Run serves MCP over stdio until the client disconnects or ctx is done.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcpsdk.StdioTransport{})
}

func (s *Server) registerTools() {
	mcpsdk.AddTool(s.server, &mcpsdk.Tool{
		Name:        "list_stages",
		Description: "List the migration stages in run order",
	}, s.listStagesHandler)

	mcpsdk.AddTool(s.server, &mcpsdk.Tool{
		Name:        "latest_snapshot",
		Description: "Get the most recent scan or plan snapshot of the repository",
	}, s.latestSnapshotHandler)

	mcpsdk.AddTool(s.server, &mcpsdk.Tool{
		Name:        "latest_artifact",
		Description: "Get the most recent document of a kind: scan, plan, migration or clickpipe",
	}, s.latestArtifactHandler)

	mcpsdk.AddTool(s.server, &mcpsdk.Tool{
		Name:        "list_runs",
		Description: "List recorded workflow runs, newest first",
	}, s.listRunsHandler)

	mcpsdk.AddTool(s.server, &mcpsdk.Tool{
		Name:        "clickpipe_config",
		Description: "Build a Postgres ClickPipe configuration and the curl command that creates it",
	}, s.clickPipeHandler)

	mcpsdk.AddTool(s.server, &mcpsdk.Tool{
		Name:        "run_workflow",
		Description: "Run migration stages against the repository. File changes are approved automatically; progress is sent as log messages",
	}, s.runWorkflowHandler)
}
