package commands

import (
	"context"
	"os"
	"os/signal"

	"chbuild/internal/approval"
	"chbuild/internal/httpserver"
	mcpserver "chbuild/internal/mcp"
	"chbuild/internal/migrate"
	"chbuild/internal/output"
	"chbuild/internal/ui"
	"chbuild/internal/workflow"
)

// RunServe hosts runs for remote UIs: REST under /runs and /approvals, the
// event and approval bridge at /ws and metrics at /metrics.
func RunServe(addr string) int {
	a, err := newApp(os.Stderr)
	if err != nil {
		output.PrintError(err)
		return 1
	}
	defer a.Close()

	if addr == "" {
		addr = a.cfg.ServeAddr
	}
	if len(a.cfg.ServeTokens) == 0 {
		ui.ShowWarning("No serve_tokens configured; the API is open to anyone who can reach %s", addr)
	}

	srv := httpserver.NewHTTPServer(httpserver.Options{
		Repo:            a.repo,
		Tokens:          a.cfg.ServeTokens,
		Version:         Version,
		ApprovalTimeout: a.cfg.ApprovalTimeout,
		Notifier:        a.notifier(),
		Logger:          a.logger,
		Build: func(req httpserver.RunRequest) ([]workflow.StageDef, error) {
			mode, err := migrate.ParseMode(req.Mode)
			if err != nil {
				return nil, err
			}
			// Approvals come from remote clients through the gate.
			return a.stages(req.Stages, migrate.DataOptions{Mode: mode}, nil)
		},
	})
	defer srv.Close()

	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals...)
	defer stop()

	ui.ShowSuccess("Listening on %s (repository %s)", addr, a.repo)
	if err := srv.ListenAndServe(ctx, addr); err != nil {
		output.PrintError(err)
		return 1
	}
	ui.ShowInfo("Shut down")
	return 0
}

// RunMCP serves the MCP tools over stdio. Stdout carries the protocol, so
// logs go to the run log only.
func RunMCP() int {
	a, err := newApp(nil)
	if err != nil {
		output.PrintError(err)
		return 1
	}
	defer a.Close()

	s := mcpserver.New(mcpserver.Options{
		Repo:    a.repo,
		Version: Version,
		Logger:  a.logger,
		Build: func(names []string, data migrate.DataOptions) ([]workflow.StageDef, error) {
			return a.stages(names, data, approval.AutoPrompter{})
		},
		List: func(names []string, _ migrate.DataOptions) ([]workflow.StageDef, error) {
			if len(names) == 0 {
				names = a.cfg.Stages
			}
			return migrate.Stages(migrate.Deps{Logger: a.logger}, names...)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals...)
	defer stop()

	if err := s.Run(ctx); err != nil && ctx.Err() == nil {
		a.logger.Error("mcp server stopped", "error", err)
		return 1
	}
	return 0
}
