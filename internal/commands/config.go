package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/m-mizutani/goerr/v2"
	"gopkg.in/yaml.v3"

	"chbuild/internal/config"
	"chbuild/internal/output"
	"chbuild/internal/ui"
)

var ErrConfigExists = errors.New("config file already exists")

func configPath() string {
	if ConfigPath != "" {
		return ConfigPath
	}
	return config.Path()
}

// RunConfigInit writes the default settings to the config file.
func RunConfigInit(force bool) int {
	path := configPath()
	if _, err := os.Stat(path); err == nil && !force {
		output.PrintError(goerr.Wrap(ErrConfigExists, "init config", goerr.V("path", path)))
		return 1
	}
	if err := config.Default().Save(path); err != nil {
		output.PrintError(err)
		return 1
	}
	output.Print(map[string]string{"path": path}, func() {
		ui.ShowSuccess("Wrote %s", path)
	})
	return 0
}

// RunConfigShow prints the effective settings after the file, .env and
// environment overrides are applied. Serve tokens are masked.
func RunConfigShow() int {
	repo, err := resolveRepo(RepoPath)
	if err != nil {
		output.PrintError(err)
		return 1
	}
	wd, _ := os.Getwd()
	if err := config.LoadDotEnv(repo, wd); err != nil {
		output.PrintError(err)
		return 1
	}
	cfg, err := config.Load(ConfigPath)
	if err != nil {
		output.PrintError(err)
		return 1
	}
	for i := range cfg.ServeTokens {
		cfg.ServeTokens[i] = "****"
	}

	output.Print(cfg, func() {
		ui.ShowHeader("Config: " + configPath())
		data, err := yaml.Marshal(cfg)
		if err != nil {
			ui.ShowError("encode config", err)
			return
		}
		fmt.Fprint(ui.Out, string(data))
	})
	return 0
}
