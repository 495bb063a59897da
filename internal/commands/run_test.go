package commands

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chbuild/internal/llm"
	"chbuild/internal/migrate"
	"chbuild/internal/output"
	"chbuild/internal/workflow"
)

// stubAgent answers every task with reply, or fails with err.
type stubAgent struct {
	reply string
	err   error
	tasks []string
}

func (s *stubAgent) Run(_ context.Context, task llm.Task) (*llm.Result, error) {
	s.tasks = append(s.tasks, task.Name)
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Result{Text: s.reply, Turns: 1}, nil
}

func useAgent(t *testing.T, a llm.Agent) *int {
	t.Helper()
	built := 0
	prev := newAgent
	newAgent = func(llm.Settings) (llm.Agent, error) {
		built++
		return a, nil
	}
	t.Cleanup(func() { newAgent = prev })
	return &built
}

func clearCredentials(t *testing.T) {
	t.Helper()
	for _, k := range []string{"ANTHROPIC_API_KEY", "ANTHROPIC_AUTH_TOKEN", "OPENAI_API_KEY"} {
		t.Setenv(k, "")
	}
}

// runFixture is a repository with a package.json and a config whose npm
// registry is a local stub.
func runFixture(t *testing.T) (repo, pkg string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"name":"@clickhouse/client","version":"1.2.0"}`))
	}))
	t.Cleanup(srv.Close)

	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("npm_registry: "+srv.URL+"\n"), 0644))
	useConfig(t, cfgPath)

	repo = t.TempDir()
	pkg = `{"name":"shop","dependencies":{"pg":"^8.11.0"}}`
	require.NoError(t, os.WriteFile(filepath.Join(repo, "package.json"), []byte(pkg), 0644))
	return repo, pkg
}

const stubScan = "```json\n" + `{"tables":["users"],"total_tables":1,"total_queries":1,
 "queries":[{"description":"signups","code":"SELECT count(*) FROM users","location":"src/a.ts:L1"}]}` + "\n```"

func TestRunStages(t *testing.T) {
	tests := []struct {
		name       string
		stages     []string
		apiKey     string
		agent      *stubAgent
		cancel     bool
		wantCode   int
		wantAgent  bool
		pkgChanged bool
		records    bool
		errContain string
	}{
		{
			name:       "setup needs no model",
			stages:     []string{migrate.StageSetup},
			wantCode:   0,
			pkgChanged: true,
			records:    true,
		},
		{
			name:       "no credentials stops before any stage",
			wantCode:   1,
			errContain: "no API key",
		},
		{
			name:      "model stage succeeds",
			stages:    []string{migrate.StageScan},
			apiKey:    "sk-test",
			agent:     &stubAgent{reply: stubScan},
			wantCode:  0,
			wantAgent: true,
			records:   true,
		},
		{
			name:       "model failure",
			stages:     []string{migrate.StageSetup, migrate.StageScan},
			apiKey:     "sk-test",
			agent:      &stubAgent{err: errors.New("overloaded")},
			wantCode:   1,
			wantAgent:  true,
			pkgChanged: true,
			records:    true,
			errContain: "overloaded",
		},
		{
			name:     "cancelled",
			stages:   []string{migrate.StageSetup},
			cancel:   true,
			wantCode: 130,
			records:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearCredentials(t)
			if tt.apiKey != "" {
				t.Setenv("ANTHROPIC_API_KEY", tt.apiKey)
			}
			repo, pkg := runFixture(t)
			buf := jsonOutput(t, repo)
			agent := tt.agent
			if agent == nil {
				agent = &stubAgent{}
			}
			built := useAgent(t, agent)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if tt.cancel {
				cancel()
			}

			code := runStages(ctx, runOptions{stages: tt.stages, autoApprove: true})
			assert.Equal(t, tt.wantCode, code, buf.String())

			var res output.Result
			require.NoError(t, json.Unmarshal(buf.Bytes(), &res), buf.String())
			assert.Equal(t, tt.wantCode == 0, res.Success)
			if tt.errContain != "" {
				assert.Contains(t, res.Error, tt.errContain)
			}

			assert.Equal(t, tt.wantAgent, *built > 0)
			assert.Equal(t, tt.wantAgent, len(agent.tasks) > 0)

			data, err := os.ReadFile(filepath.Join(repo, "package.json"))
			require.NoError(t, err)
			if tt.pkgChanged {
				assert.Contains(t, string(data), "@clickhouse/client")
			} else {
				assert.JSONEq(t, pkg, string(data))
			}

			runs, err := workflow.ListRuns(workflow.RunsDir(repo))
			require.NoError(t, err)
			assert.Equal(t, tt.records, len(runs) > 0)
		})
	}
}
