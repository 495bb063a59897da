package commands

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/m-mizutani/goerr/v2"

	"chbuild/internal/approval"
	"chbuild/internal/config"
	"chbuild/internal/llm"
	"chbuild/internal/logging"
	"chbuild/internal/migrate"
	"chbuild/internal/notify"
	"chbuild/internal/workflow"
)

// Global flags, bound by the root command.
var (
	ConfigPath string
	LogLevel   string
	RepoPath   = "."
)

var ErrNotADirectory = errors.New("repository path is not a directory")

// app is the per-invocation wiring: config, repository and logger.
type app struct {
	cfg    *config.Config
	repo   string
	logger *slog.Logger
	log    *logging.Logger
}

// resolveRepo returns the absolute repository path and checks it is a
// directory.
func resolveRepo(path string) (string, error) {
	if path == "" {
		path = "."
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", goerr.Wrap(err, "resolve repository path", goerr.V("path", path))
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", goerr.Wrap(err, "repository path does not exist", goerr.V("path", abs))
	}
	if !info.IsDir() {
		return "", goerr.Wrap(ErrNotADirectory, "open repository", goerr.V("path", abs))
	}
	return abs, nil
}

// newApp loads configuration and opens the run log. console receives text
// log records; nil keeps the console quiet, as the TUI needs.
func newApp(console io.Writer) (*app, error) {
	repo, err := resolveRepo(RepoPath)
	if err != nil {
		return nil, err
	}
	wd, _ := os.Getwd()
	if err := config.LoadDotEnv(repo, wd); err != nil {
		return nil, err
	}
	cfg, err := config.Load(ConfigPath)
	if err != nil {
		return nil, err
	}
	if LogLevel != "" {
		cfg.LogLevel = LogLevel
	}

	lg, err := logging.Open(repo, cfg.LogLevel, console)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, repo: repo, logger: lg.Logger, log: lg}, nil
}

func (a *app) Close() {
	_ = a.log.Close()
}

// newAgent builds the model client; tests replace it.
var newAgent = llm.New

// agent builds the model client when names include a stage that may call
// the model, and nil otherwise. Missing credentials are an error so a run
// never starts a stage it cannot finish.
func (a *app) agent(names []string) (llm.Agent, error) {
	if !migrate.NeedsModel(names...) {
		return nil, nil
	}
	cred, err := a.cfg.Credentials()
	if err != nil {
		return nil, err
	}
	return newAgent(llm.Settings{
		Provider:  cred.Provider,
		Model:     a.cfg.Model,
		MaxTokens: a.cfg.MaxTokens,
		APIKey:    cred.APIKey,
		BaseURL:   cred.BaseURL,
		Logger:    a.logger,
	})
}

// notifier builds the configured notification targets, or nil when none
// are set.
func (a *app) notifier() notify.Notifier {
	nc := a.cfg.Notify
	if !nc.Enabled() {
		return nil
	}
	var ns []notify.Notifier
	if nc.Desktop {
		ns = append(ns, notify.NewDesktopNotifier(a.logger))
	}
	if nc.Hook != "" {
		ns = append(ns, notify.NewHookRunner(nc.Hook))
	}
	for _, wh := range nc.Webhooks {
		ns = append(ns, notify.NewWebhookNotifier(wh.URL, wh.Format, wh.Extra))
	}
	return notify.NewMultiNotifier(ns...)
}

// stages builds the definitions for names. No names means the configured
// subset, or every stage.
func (a *app) stages(names []string, data migrate.DataOptions, prompter approval.Prompter) ([]workflow.StageDef, error) {
	if len(names) == 0 {
		names = a.cfg.Stages
	}
	agent, err := a.agent(names)
	if err != nil {
		return nil, err
	}
	return migrate.Stages(migrate.Deps{
		Agent:    agent,
		NPM:      migrate.NewRegistry(a.cfg.NPMRegistry),
		Prompter: prompter,
		Data:     data,
		Logger:   a.logger,
	}, names...)
}
