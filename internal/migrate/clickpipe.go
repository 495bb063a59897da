package migrate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"github.com/m-mizutani/goerr/v2"

	"chbuild/internal/artifact"
	"chbuild/internal/workflow"
)

// ReplicationMode is how a ClickPipe moves data.
type ReplicationMode string

const (
	ModeCDC      ReplicationMode = "cdc"
	ModeSnapshot ReplicationMode = "snapshot"
	ModeCDCOnly  ReplicationMode = "cdc_only"
)

// ParseMode accepts cdc, snapshot or cdc_only in any case. Empty is cdc.
func ParseMode(s string) (ReplicationMode, error) {
	switch m := ReplicationMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeCDC, nil
	case ModeCDC, ModeSnapshot, ModeCDCOnly:
		return m, nil
	default:
		return "", goerr.New("unknown replication mode", goerr.V("mode", s))
	}
}

const defaultSchema = "public"

type TableMapping struct {
	SourceSchemaName string `json:"sourceSchemaName"`
	SourceTable      string `json:"sourceTable"`
	TargetTable      string `json:"targetTable"`
}

type PostgresCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type PostgresSettings struct {
	ReplicationMode ReplicationMode `json:"replicationMode"`
}

type PostgresSource struct {
	Host          string              `json:"host"`
	Port          string              `json:"port"`
	Database      string              `json:"database"`
	Credentials   PostgresCredentials `json:"credentials"`
	Settings      PostgresSettings    `json:"settings"`
	TableMappings []TableMapping      `json:"tableMappings"`
}

type ClickPipeSource struct {
	Postgres PostgresSource `json:"postgres"`
}

type ClickPipeDestination struct {
	Database string `json:"database"`
}

// ClickPipeConfig is the request body for creating a Postgres ClickPipe.
// Connection details are left as ${POSTGRES_*} placeholders.
type ClickPipeConfig struct {
	Name        string               `json:"name"`
	Source      ClickPipeSource      `json:"source"`
	Destination ClickPipeDestination `json:"destination"`
}

// ClickPipeResult is the data-config stage output.
type ClickPipeResult struct {
	Assumptions []string        `json:"assumptions"`
	Config      ClickPipeConfig `json:"config"`
	Info        string          `json:"info"`
	Command     string          `json:"command"`
}

const clickPipeInfo = `You can create ClickHouse Cloud credentials by following this guide: https://clickhouse.com/docs/cloud/manage/openapi
If you have alternative networking requirements you can refer to this guide: https://clickhouse.com/docs/integrations/clickpipes/aws-privatelink

This configuration is generated. Always check it before use.`

// BuildClickPipe assembles the configuration. Schemas and the tables in
// each are emitted in sorted order.
func BuildClickPipe(database string, schemaTables map[string][]string, mode ReplicationMode, destination string) ClickPipeConfig {
	if mode == "" {
		mode = ModeCDC
	}
	if destination == "" {
		destination = "default"
	}

	schemas := make([]string, 0, len(schemaTables))
	for s := range schemaTables {
		schemas = append(schemas, s)
	}
	sort.Strings(schemas)

	mappings := []TableMapping{}
	for _, schema := range schemas {
		tables := append([]string{}, schemaTables[schema]...)
		sort.Strings(tables)
		for _, t := range tables {
			mappings = append(mappings, TableMapping{SourceSchemaName: schema, SourceTable: t, TargetTable: t})
		}
	}

	return ClickPipeConfig{
		Name: titleCase(database) + " Migration",
		Source: ClickPipeSource{Postgres: PostgresSource{
			Host:          "${POSTGRES_HOST}",
			Port:          "${POSTGRES_PORT}",
			Database:      database,
			Credentials:   PostgresCredentials{Username: "${POSTGRES_USER}", Password: "${POSTGRES_PASSWORD}"},
			Settings:      PostgresSettings{ReplicationMode: mode},
			TableMappings: mappings,
		}},
		Destination: ClickPipeDestination{Database: destination},
	}
}

// CurlCommand renders the shell snippet that creates the ClickPipe through
// the ClickHouse Cloud API.
func CurlCommand(cfg ClickPipeConfig) (string, error) {
	body, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", goerr.Wrap(err, "encode clickpipe config")
	}
	var sb strings.Builder
	for _, v := range []string{"ORGANIZATION_ID", "SERVICE_ID", "POSTGRES_HOST", "POSTGRES_PORT", "POSTGRES_USER", "POSTGRES_PASSWORD"} {
		fmt.Fprintf(&sb, "export %s=<REPLACE_ME>\n", v)
	}
	sb.WriteString("\n")
	sb.WriteString("curl -X POST https://api.clickhouse.cloud/v1/organizations/$ORGANIZATION_ID/services/$SERVICE_ID/clickpipes/ \\\n")
	sb.WriteString("  --header 'Authorization: Basic (...)' \\\n")
	sb.WriteString("  --header 'Content-Type: application/json' \\\n")
	fmt.Fprintf(&sb, "  --data '%s'", body)
	return sb.String(), nil
}

// NewClickPipeResult builds the config, command and info text together.
func NewClickPipeResult(database string, schemaTables map[string][]string, opts DataOptions, assumptions []string) (*ClickPipeResult, error) {
	cfg := BuildClickPipe(database, schemaTables, opts.Mode, opts.Destination)
	cmd, err := CurlCommand(cfg)
	if err != nil {
		return nil, err
	}
	if assumptions == nil {
		assumptions = []string{}
	}
	return &ClickPipeResult{Assumptions: assumptions, Config: cfg, Info: clickPipeInfo, Command: cmd}, nil
}

func (d *Deps) dataConfig(ctx context.Context, rc *workflow.RunContext) (workflow.Result, error) {
	plan, err := d.inputSnapshot(ctx, rc, StagePlan, artifact.KindPlan, d.runPlan)
	if err != nil {
		return workflow.Result{}, err
	}

	database, assumptions := d.sourceDatabase(rc.RepoPath)
	schemaTables, more := GroupTables(plan.Tables)
	assumptions = append(assumptions, more...)

	res, err := NewClickPipeResult(database, schemaTables, d.Data, assumptions)
	if err != nil {
		return workflow.Result{}, err
	}
	path, err := rc.Artifacts.WriteJSON(artifact.KindClickPipe, res)
	if err != nil {
		return workflow.Result{}, err
	}
	return workflow.Result{
		Detail: fmt.Sprintf("%d tables, %s replication (%s)", len(res.Config.Source.Postgres.TableMappings),
			res.Config.Source.Postgres.Settings.ReplicationMode, rc.Artifacts.Rel(path)),
		Output: res,
	}, nil
}

// sourceDatabase picks the database name: the configured one, POSTGRES_DB,
// or the repository directory name.
func (d *Deps) sourceDatabase(repo string) (string, []string) {
	if d.Data.Database != "" {
		return d.Data.Database, nil
	}
	if v := os.Getenv("POSTGRES_DB"); v != "" {
		return v, []string{fmt.Sprintf("source database %q taken from POSTGRES_DB", v)}
	}
	name := filepath.Base(filepath.Clean(repo))
	if abs, err := filepath.Abs(repo); err == nil {
		name = filepath.Base(abs)
	}
	return name, []string{fmt.Sprintf("source database name %q assumed from the repository directory", name)}
}

// GroupTables splits schema-qualified names by schema. Unqualified tables go to the
// public schema, which is reported as an assumption.
func GroupTables(tables []string) (map[string][]string, []string) {
	out := map[string][]string{}
	defaulted := false
	seen := map[string]bool{}
	for _, t := range tables {
		t = strings.Trim(strings.TrimSpace(t), `"`)
		if t == "" {
			continue
		}
		schema, table := defaultSchema, t
		if i := strings.LastIndex(t, "."); i > 0 {
			schema, table = strings.Trim(t[:i], `"`), strings.Trim(t[i+1:], `"`)
		} else {
			defaulted = true
		}
		key := schema + "." + table
		if seen[key] {
			continue
		}
		seen[key] = true
		out[schema] = append(out[schema], table)
	}
	var assumptions []string
	if defaulted {
		assumptions = append(assumptions, "tables without a schema were assigned to the public schema")
	}
	return out, assumptions
}

func titleCase(s string) string {
	var sb strings.Builder
	prevLetter := false
	for _, r := range s {
		if unicode.IsLetter(r) {
			if prevLetter {
				sb.WriteRune(unicode.ToLower(r))
			} else {
				sb.WriteRune(unicode.ToUpper(r))
			}
			prevLetter = true
			continue
		}
		sb.WriteRune(r)
		prevLetter = false
	}
	return sb.String()
}
