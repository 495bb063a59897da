package commands

import (
	"errors"
	"fmt"
	"strings"

	"chbuild/internal/artifact"
	"chbuild/internal/migrate"
	"chbuild/internal/output"
	"chbuild/internal/ui"
)

var ErrNoTables = errors.New("no tables given")

type dataOptions struct {
	database    string
	tables      []string
	schema      string
	destination string
	mode        string
	save        bool
}

// buildClickPipe turns explicit table names into a ClickPipe result.
// Unqualified tables are placed in schema when one is given.
func buildClickPipe(opts dataOptions) (*migrate.ClickPipeResult, error) {
	if opts.database == "" {
		return nil, errors.New("--database is required")
	}
	mode, err := migrate.ParseMode(opts.mode)
	if err != nil {
		return nil, err
	}
	var tables []string
	for _, t := range opts.tables {
		for _, name := range strings.Split(t, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if opts.schema != "" && !strings.Contains(name, ".") {
				name = opts.schema + "." + name
			}
			tables = append(tables, name)
		}
	}
	if len(tables) == 0 {
		return nil, ErrNoTables
	}
	groups, assumptions := migrate.GroupTables(tables)
	return migrate.NewClickPipeResult(opts.database, groups, migrate.DataOptions{
		Mode:        mode,
		Database:    opts.database,
		Destination: opts.destination,
	}, assumptions)
}

// RunData prints a ClickPipe configuration for the given tables and, with
// save, stores it next to the other artifacts.
func RunData(opts dataOptions) int {
	res, err := buildClickPipe(opts)
	if err != nil {
		output.PrintError(err)
		return 1
	}

	var saved string
	if opts.save {
		repo, err := resolveRepo(RepoPath)
		if err != nil {
			output.PrintError(err)
			return 1
		}
		store := artifact.NewStore(repo)
		path, err := store.WriteJSON(artifact.KindClickPipe, res)
		if err != nil {
			output.PrintError(err)
			return 1
		}
		saved = store.Rel(path)
	}

	output.Print(res, func() {
		ui.ShowHeader(res.Config.Name)
		for _, a := range res.Assumptions {
			ui.ShowWarning("%s", a)
		}
		fmt.Fprintln(ui.Out)
		fmt.Fprintln(ui.Out, res.Command)
		fmt.Fprintln(ui.Out)
		fmt.Fprintln(ui.Out, res.Info)
		if saved != "" {
			ui.ShowSuccess("Saved %s", saved)
		}
	})
	return 0
}
