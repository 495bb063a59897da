package mcpserver

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chbuild/internal/artifact"
	"chbuild/internal/migrate"
	"chbuild/internal/workflow"
)

// fakeStages builds two stages that write a plan and a clickpipe document.
func fakeStages(names []string, data migrate.DataOptions) ([]workflow.StageDef, error) {
	defs := []workflow.StageDef{
		{Name: migrate.StagePlan, Label: "Convert Queries", Run: func(ctx context.Context, rc *workflow.RunContext) (workflow.Result, error) {
			_, err := rc.Artifacts.WriteSnapshot(artifact.KindPlan, artifact.NewSnapshot([]string{"users"}, nil))
			return workflow.Result{Detail: "converted 0 queries"}, err
		}},
		{Name: migrate.StageData, Label: "Generate ClickPipe Config", Run: func(ctx context.Context, rc *workflow.RunContext) (workflow.Result, error) {
			res, err := migrate.NewClickPipeResult("shop", map[string][]string{"public": {"users"}}, data, nil)
			if err != nil {
				return workflow.Result{}, err
			}
			_, err = rc.Artifacts.WriteJSON(artifact.KindClickPipe, res)
			return workflow.Result{Detail: string(data.Mode)}, err
		}},
	}
	if len(names) == 0 {
		return defs, nil
	}
	var out []workflow.StageDef
	for _, d := range defs {
		for _, n := range names {
			if d.Name == n {
				out = append(out, d)
			}
		}
	}
	return out, nil
}

func setupTestServer(t *testing.T) (*mcpsdk.ClientSession, string) {
	t.Helper()
	repo := t.TempDir()
	s := New(Options{Repo: repo, Version: "test", Build: fakeStages})

	ct, st := mcpsdk.NewInMemoryTransports()
	ctx := context.Background()
	ss, err := s.server.Connect(ctx, st, nil)
	require.NoError(t, err)

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "test-client", Version: "0.0.1"}, nil)
	cs, err := client.Connect(ctx, ct, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		cs.Close()
		ss.Close()
	})
	return cs, repo
}

func callToolRaw(t *testing.T, cs *mcpsdk.ClientSession, name string, args any) *mcpsdk.CallToolResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := cs.CallTool(ctx, &mcpsdk.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err, name)
	return result
}

// callTool returns the decoded JSON of the first text block.
func callTool(t *testing.T, cs *mcpsdk.ClientSession, name string, args any) map[string]any {
	t.Helper()
	result := callToolRaw(t, cs, name, args)
	require.False(t, result.IsError, "%s returned a tool error", name)
	require.NotEmpty(t, result.Content)
	tc, ok := result.Content[0].(*mcpsdk.TextContent)
	require.True(t, ok, "content is %T", result.Content[0])

	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(tc.Text), &m), tc.Text)
	return m
}

func TestListStages(t *testing.T) {
	cs, _ := setupTestServer(t)
	resp := callTool(t, cs, "list_stages", map[string]any{})

	stages := resp["stages"].([]any)
	require.Len(t, stages, 2)
	assert.Equal(t, "convert-plan", stages[0].(map[string]any)["name"])
	assert.Equal(t, "Generate ClickPipe Config", stages[1].(map[string]any)["label"])
}

func TestLatestSnapshot(t *testing.T) {
	cs, repo := setupTestServer(t)

	res := callToolRaw(t, cs, "latest_snapshot", map[string]any{"kind": "plan"})
	assert.True(t, res.IsError)
	res = callToolRaw(t, cs, "latest_snapshot", map[string]any{"kind": "migration"})
	assert.True(t, res.IsError)

	_, err := artifact.NewStore(repo).WriteSnapshot(artifact.KindScan, artifact.NewSnapshot([]string{"users", "orders"}, nil))
	require.NoError(t, err)

	resp := callTool(t, cs, "latest_snapshot", map[string]any{"kind": "scan"})
	assert.Contains(t, resp["path"], ".chbuild/scanner/scan_")
	snap := resp["snapshot"].(map[string]any)
	assert.Equal(t, float64(2), snap["total_tables"])
}

func TestClickPipeConfig(t *testing.T) {
	cs, _ := setupTestServer(t)
	resp := callTool(t, cs, "clickpipe_config", map[string]any{
		"database": "shop",
		"tables":   []string{"users", "sales.orders"},
		"mode":     "snapshot",
	})

	cfg := resp["config"].(map[string]any)
	assert.Equal(t, "Shop Migration", cfg["name"])
	pg := cfg["source"].(map[string]any)["postgres"].(map[string]any)
	assert.Equal(t, "snapshot", pg["settings"].(map[string]any)["replicationMode"])
	assert.Len(t, pg["tableMappings"], 2)
	assert.Contains(t, resp["command"], "curl -X POST")
	assert.Len(t, resp["assumptions"], 1)

	res := callToolRaw(t, cs, "clickpipe_config", map[string]any{"database": "shop", "tables": []string{"users"}, "mode": "logical"})
	assert.True(t, res.IsError)
}

func TestRunWorkflowAndListRuns(t *testing.T) {
	cs, _ := setupTestServer(t)

	resp := callTool(t, cs, "run_workflow", map[string]any{"mode": "cdc_only"})
	assert.Equal(t, "success", resp["outcome"])
	stages := resp["stages"].([]any)
	require.Len(t, stages, 2)
	assert.Equal(t, "completed", stages[1].(map[string]any)["status"])
	assert.Equal(t, "cdc_only", stages[1].(map[string]any)["detail"])

	doc := callTool(t, cs, "latest_artifact", map[string]any{"kind": "clickpipe"})
	assert.Contains(t, doc["path"], ".chbuild/clickpipe/clickpipe_")

	runs := callTool(t, cs, "list_runs", map[string]any{})["runs"].([]any)
	require.Len(t, runs, 1)
	assert.Equal(t, resp["runId"], runs[0].(map[string]any)["id"])
	assert.Equal(t, "success", runs[0].(map[string]any)["status"])
}

func TestRunWorkflowSelectsStages(t *testing.T) {
	cs, _ := setupTestServer(t)
	resp := callTool(t, cs, "run_workflow", map[string]any{"stages": []string{"convert-plan"}})
	assert.Len(t, resp["stages"], 1)
}
