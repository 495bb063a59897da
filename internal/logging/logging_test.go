package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("whatever"))
}

func TestOpenWritesFileAndConsole(t *testing.T) {
	repo := t.TempDir()
	var console bytes.Buffer

	l, err := Open(repo, "warn", &console)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(repo, ".chbuild", "logs"), filepath.Dir(l.Path))
	assert.True(t, strings.HasPrefix(filepath.Base(l.Path), "chbuild_"))

	l.With("run", "r1").Debug("stage detail", "stage", "scan")
	l.Warn("approval timed out", "path", "src/db.ts")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(l.Path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "stage detail", rec["msg"])
	assert.Equal(t, "r1", rec["run"])

	assert.NotContains(t, console.String(), "stage detail")
	assert.Contains(t, console.String(), "approval timed out")
}

func TestOpenWithoutConsole(t *testing.T) {
	l, err := Open(t.TempDir(), "info", nil)
	require.NoError(t, err)
	defer l.Close()
	l.Info("hello")
	assert.NotEmpty(t, l.Path)
}
