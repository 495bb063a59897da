package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chbuild/internal/approval"
)

func writeFile(t *testing.T, root, rel, content string) string {
	t.Helper()
	full := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0644))
	return full
}

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestWorkspaceResolve(t *testing.T) {
	root := t.TempDir()
	ws := Workspace{Root: root}

	got, err := ws.Resolve("src/db.ts")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "src", "db.ts"), got)
	assert.Equal(t, "src/db.ts", ws.Rel(got))

	got, err = ws.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, root, got)

	for _, p := range []string{"../etc/passwd", "src/../../x", "/etc/passwd"} {
		_, err := ws.Resolve(p)
		assert.ErrorIs(t, err, ErrOutsideRoot, p)
	}
}

func TestWorkspaceResolveFollowsSymlinks(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	writeFile(t, outside, "secret.txt", "password")
	writeFile(t, root, "src/db.ts", "x")
	if err := os.Symlink(outside, filepath.Join(root, "out")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	require.NoError(t, os.Symlink(filepath.Join(root, "src"), filepath.Join(root, "alias")))
	require.NoError(t, os.Symlink(filepath.Join(outside, "missing"), filepath.Join(root, "dangling")))
	ws := Workspace{Root: root}

	for _, p := range []string{"out", "out/secret.txt", "out/new/file.ts", "dangling"} {
		_, err := ws.Resolve(p)
		assert.ErrorIs(t, err, ErrOutsideRoot, p)
	}

	got, err := ws.Resolve("alias/db.ts")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "alias", "db.ts"), got)

	_, err = (&Read{WS: ws}).Run(context.Background(), raw(t, map[string]any{"path": "out/secret.txt"}))
	assert.ErrorIs(t, err, ErrOutsideRoot)
}

func TestSet(t *testing.T) {
	ws := Workspace{Root: t.TempDir()}
	s := NewSet(&Glob{WS: ws}, &Grep{WS: ws}, &Read{WS: ws})

	names := []string{}
	for _, tool := range s.List() {
		names = append(names, tool.Name())
	}
	assert.Equal(t, []string{"glob", "grep", "read"}, names)

	_, ok := s.Get("grep")
	assert.True(t, ok)
	_, ok = s.Get("bash")
	assert.False(t, ok)

	var nilSet *Set
	assert.Empty(t, nilSet.List())
}

func TestGlob(t *testing.T) {
	root := t.TempDir()
	old := writeFile(t, root, "src/old.sql", "select 1")
	writeFile(t, root, "src/deep/new.sql", "select 2")
	writeFile(t, root, "node_modules/pkg/x.sql", "select 3")
	writeFile(t, root, "README.md", "hi")

	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	g := &Glob{WS: Workspace{Root: root}}
	got, err := g.Match("**/*.sql", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"src/deep/new.sql", "src/old.sql"}, got)

	out, err := g.Run(context.Background(), raw(t, map[string]string{"pattern": "*.txt"}))
	require.NoError(t, err)
	assert.Equal(t, "No files found", out)

	_, err = g.Run(context.Background(), raw(t, map[string]string{"pattern": " "}))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestGrepModes(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/users.ts", "import pg from 'pg'\nconst q = 'SELECT * FROM users'\nexport default q\n")
	writeFile(t, root, "src/orders.ts", "const a = 'select id from orders'\nconst b = 'SELECT 1'\n")
	writeFile(t, root, "docs/notes.md", "SELECT in docs\n")
	writeFile(t, root, ".git/config", "SELECT nothing\n")

	g := &Grep{WS: Workspace{Root: root}}
	ctx := context.Background()

	out, err := g.Run(ctx, raw(t, map[string]any{"pattern": "SELECT", "include": "*.ts"}))
	require.NoError(t, err)
	assert.Equal(t, "src/orders.ts\nsrc/users.ts\n", out)

	out, err = g.Run(ctx, raw(t, map[string]any{"pattern": "select", "include": "*.ts", "output_mode": "count", "case_insensitive": true}))
	require.NoError(t, err)
	assert.Equal(t, "src/orders.ts:2\nsrc/users.ts:1\n", out)

	out, err = g.Run(ctx, raw(t, map[string]any{"pattern": "FROM users", "path": "src", "output_mode": "content", "context": 1}))
	require.NoError(t, err)
	assert.Equal(t, "src/users.ts:1-import pg from 'pg'\nsrc/users.ts:2:const q = 'SELECT * FROM users'\nsrc/users.ts:3-export default q\n", out)

	out, err = g.Run(ctx, raw(t, map[string]any{"pattern": "DROP TABLE"}))
	require.NoError(t, err)
	assert.Equal(t, "No matches found", out)

	_, err = g.Run(ctx, raw(t, map[string]any{"pattern": "("}))
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = g.Run(ctx, raw(t, map[string]any{"pattern": "x", "output_mode": "lines"}))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestGrepSkipsBinary(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "blob.bin", "SELECT\x00\x01")

	g := &Grep{WS: Workspace{Root: root}}
	out, err := g.Run(context.Background(), raw(t, map[string]any{"pattern": "SELECT"}))
	require.NoError(t, err)
	assert.Equal(t, "No matches found", out)
}

func TestRead(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "one\ntwo\nthree\n")
	writeFile(t, root, "empty.txt", "")

	r := &Read{WS: Workspace{Root: root}}
	ctx := context.Background()

	out, err := r.Run(ctx, raw(t, map[string]any{"path": "a.txt"}))
	require.NoError(t, err)
	assert.Equal(t, "     1\tone\n     2\ttwo\n     3\tthree\n", out)

	out, err = r.Run(ctx, raw(t, map[string]any{"path": "a.txt", "offset": 2, "limit": 1}))
	require.NoError(t, err)
	assert.Equal(t, "     2\ttwo\n... (1 more lines)\n", out)

	out, err = r.Run(ctx, raw(t, map[string]any{"path": "a.txt", "offset": 9}))
	require.NoError(t, err)
	assert.Contains(t, out, "past the end")

	out, err = r.Run(ctx, raw(t, map[string]any{"path": "empty.txt"}))
	require.NoError(t, err)
	assert.Equal(t, "(empty file)", out)

	_, err = r.Run(ctx, raw(t, map[string]any{"path": "missing.txt"}))
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = r.Run(ctx, raw(t, map[string]any{"path": "../outside"}))
	assert.ErrorIs(t, err, ErrOutsideRoot)
}

type scriptedPrompter struct {
	resp approval.Response
	seen []approval.Request
}

func (p *scriptedPrompter) Prompt(_ context.Context, req approval.Request) (approval.Response, error) {
	p.seen = append(p.seen, req)
	return p.resp, nil
}

func TestWriteApproved(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/db.ts", "old\n")
	prompter := &scriptedPrompter{resp: approval.ResponseYes}
	w := &Write{WS: Workspace{Root: root}, Gate: approval.New(), Fallback: prompter}
	ctx := context.Background()

	out, err := w.Run(ctx, raw(t, map[string]any{"path": "src/db.ts", "content": "new\n"}))
	require.NoError(t, err)
	assert.Equal(t, "Updated src/db.ts (4 bytes)", out)

	out, err = w.Run(ctx, raw(t, map[string]any{"path": "src/clickhouse.ts", "content": "client\n"}))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "Created src/clickhouse.ts"))

	data, err := os.ReadFile(filepath.Join(root, "src", "db.ts"))
	require.NoError(t, err)
	assert.Equal(t, "new\n", string(data))

	require.Len(t, prompter.seen, 2)
	assert.Equal(t, approval.KindUpdate, prompter.seen[0].Kind)
	require.NotNil(t, prompter.seen[0].OriginalContent)
	assert.Equal(t, "old\n", *prompter.seen[0].OriginalContent)
	assert.Equal(t, approval.KindCreate, prompter.seen[1].Kind)
	assert.Nil(t, prompter.seen[1].OriginalContent)

	assert.Equal(t, []string{"src/db.ts", "src/clickhouse.ts"}, w.Applied())
	assert.Empty(t, w.Rejected())
}

func TestWriteRejected(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/db.ts", "old\n")
	w := &Write{WS: Workspace{Root: root}, Gate: approval.New(), Fallback: &scriptedPrompter{resp: approval.ResponseNo}}

	out, err := w.Run(context.Background(), raw(t, map[string]any{"path": "src/db.ts", "content": "new\n"}))
	require.NoError(t, err)
	assert.Contains(t, out, "rejected")

	data, err := os.ReadFile(filepath.Join(root, "src", "db.ts"))
	require.NoError(t, err)
	assert.Equal(t, "old\n", string(data))
	assert.Equal(t, []string{"src/db.ts"}, w.Rejected())
}

func TestWriteUnchangedSkipsApproval(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.ts", "same\n")
	prompter := &scriptedPrompter{resp: approval.ResponseNo}
	w := &Write{WS: Workspace{Root: root}, Gate: approval.New(), Fallback: prompter}

	out, err := w.Run(context.Background(), raw(t, map[string]any{"path": "a.ts", "content": "same\n"}))
	require.NoError(t, err)
	assert.Equal(t, "a.ts is unchanged", out)
	assert.Empty(t, prompter.seen)
}

func TestWriteDelete(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "legacy/pg.ts", "pg\n")
	w := &Write{WS: Workspace{Root: root}, Gate: approval.New(approval.WithAutoApprove(true))}

	out, err := w.Run(context.Background(), raw(t, map[string]any{"path": "legacy/pg.ts", "delete": true}))
	require.NoError(t, err)
	assert.Equal(t, "Deleted legacy/pg.ts", out)
	_, err = os.Stat(filepath.Join(root, "legacy", "pg.ts"))
	assert.True(t, os.IsNotExist(err))

	out, err = w.Run(context.Background(), raw(t, map[string]any{"path": "legacy/pg.ts", "delete": true}))
	require.NoError(t, err)
	assert.Contains(t, out, "nothing to delete")
}

func TestWriteWithoutApprover(t *testing.T) {
	root := t.TempDir()
	w := &Write{WS: Workspace{Root: root}, Gate: approval.New()}

	_, err := w.Run(context.Background(), raw(t, map[string]any{"path": "x.ts", "content": "x"}))
	assert.ErrorIs(t, err, approval.ErrNoApprover)
	_, statErr := os.Stat(filepath.Join(root, "x.ts"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestWriteApprovedThroughListener(t *testing.T) {
	root := t.TempDir()
	gate := approval.New()
	detach := gate.Attach(approval.ListenerFunc(func(req approval.Request) {
		go func() { _ = gate.Resolve(req.ID, approval.ResponseAll) }()
	}))
	defer detach()
	w := &Write{WS: Workspace{Root: root}, Gate: gate}

	_, err := w.Run(context.Background(), raw(t, map[string]any{"path": "a.ts", "content": "a"}))
	require.NoError(t, err)
	assert.True(t, gate.ApprovingAll())

	_, err = w.Run(context.Background(), raw(t, map[string]any{"path": "b.ts", "content": "b"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"a.ts", "b.ts"}, w.Applied())
}
