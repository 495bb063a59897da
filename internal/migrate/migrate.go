// Package migrate implements the PostgreSQL to ClickHouse migration stages
// run by the workflow sequencer.
package migrate

import (
	"errors"
	"log/slog"

	"github.com/m-mizutani/goerr/v2"

	"chbuild/internal/approval"
	"chbuild/internal/llm"
	"chbuild/internal/workflow"
)

const (
	StageSetup = "setup"
	StageScan  = "scan"
	StagePlan  = "convert-plan"
	StageWrite = "write"
	StageData  = "data-config"
)

var (
	ErrUnknownStage = errors.New("unknown stage")
	ErrNoAgent      = errors.New("stage needs a model but none is configured")
	ErrBadOutput    = errors.New("model output could not be used")
)

// Deps are the collaborators the stages share.
type Deps struct {
	Agent llm.Agent
	NPM   *Registry
	// Prompter answers approvals when no UI listener is attached.
	Prompter approval.Prompter
	Data     DataOptions
	Logger   *slog.Logger
}

// DataOptions tune the generated ClickPipe configuration.
type DataOptions struct {
	Mode ReplicationMode
	// Database overrides the source database name inferred from the plan.
	Database string
	// Destination is the ClickHouse database; "default" when empty.
	Destination string
}

type stageEntry struct {
	name  string
	label string
	// model is set for stages that may call the agent, directly or by
	// producing a missing input.
	model bool
	build func(d *Deps) workflow.StageFunc
}

var allStages = []stageEntry{
	{StageSetup, "Install ClickHouse Client", false, func(d *Deps) workflow.StageFunc { return d.setup }},
	{StageScan, "Analyze Repository", true, func(d *Deps) workflow.StageFunc { return d.scan }},
	{StagePlan, "Convert Queries", true, func(d *Deps) workflow.StageFunc { return d.plan }},
	{StageWrite, "Write Updated Files", true, func(d *Deps) workflow.StageFunc { return d.write }},
	{StageData, "Generate ClickPipe Config", true, func(d *Deps) workflow.StageFunc { return d.dataConfig }},
}

// NeedsModel reports whether any of names may call the model. No names
// means every stage.
func NeedsModel(names ...string) bool {
	if len(names) == 0 {
		names = Names()
	}
	for _, n := range names {
		for _, s := range allStages {
			if s.name == n && s.model {
				return true
			}
		}
	}
	return false
}

// Names lists every stage in run order.
func Names() []string {
	out := make([]string, len(allStages))
	for i, s := range allStages {
		out[i] = s.name
	}
	return out
}

// Stages returns the definitions for names, always in run order. No names
// means every stage.
func Stages(d Deps, names ...string) ([]workflow.StageDef, error) {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.NPM == nil {
		d.NPM = NewRegistry("")
	}
	want := map[string]bool{}
	for _, n := range names {
		if !known(n) {
			return nil, goerr.Wrap(ErrUnknownStage, "select stages", goerr.V("stage", n), goerr.V("known", Names()))
		}
		want[n] = true
	}

	deps := &d
	var defs []workflow.StageDef
	for _, s := range allStages {
		if len(want) > 0 && !want[s.name] {
			continue
		}
		defs = append(defs, workflow.StageDef{Name: s.name, Label: s.label, Run: s.build(deps)})
	}
	return defs, nil
}

func known(name string) bool {
	for _, s := range allStages {
		if s.name == name {
			return true
		}
	}
	return false
}

func (d *Deps) agent() (llm.Agent, error) {
	if d.Agent == nil {
		return nil, ErrNoAgent
	}
	return d.Agent, nil
}
