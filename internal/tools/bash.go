package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/m-mizutani/goerr/v2"

	"chbuild/internal/approval"
)

const (
	bashDefaultTimeout = 5 * time.Minute
	bashOutputLimit    = 20000
)

// allowedCommands are the programs a command line may start with.
var allowedCommands = map[string]bool{
	"npm": true, "yarn": true, "bun": true, "pnpm": true, "node": true,
	"npx": true, "tsc": true,
	"ls": true, "cat": true, "grep": true, "find": true, "mkdir": true,
	"touch": true, "echo": true, "pwd": true, "which": true, "whoami": true,
	"test": true,
}

// dangerousPatterns are refused even when every program is allowed.
var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+-rf\s+/`),
	regexp.MustCompile(`\brm\s+-rf\s+\*`),
	regexp.MustCompile(`\b(sudo|su)\b`),
	regexp.MustCompile(`[>;|]\s*/dev/`),
	regexp.MustCompile(`:\(\)\{.*\};`),
	regexp.MustCompile(`curl.*\|.*(bash|sh)`),
	regexp.MustCompile(`wget.*\|.*(bash|sh)`),
	regexp.MustCompile(`\bchmod\s+777`),
	regexp.MustCompile(`\bchown\s+-R\s+.*\s+/`),
	regexp.MustCompile(`dd\s+if=.*of=/dev/`),
	regexp.MustCompile(`\|\s*(bash|sh)\s*$`),
	regexp.MustCompile(`(;|&&|\|\|)\s*rm\b`),
	regexp.MustCompile("\\$\\([^)]*rm\\b"),
	regexp.MustCompile("`[^`]*rm\\b"),
}

// shellFeatures make a command line need sh -c.
var shellFeatures = []string{"|", ">", "<", "&&", ";", "$(", "`", "*", "?", "[", "{", "'", `"`, "~"}

// segmentSplit separates the programs of a pipeline or command list.
var segmentSplit = regexp.MustCompile(`\|\||&&|[|;]`)

// Bash runs an allowlisted command in the repository once the user has
// approved it.
type Bash struct {
	WS       Workspace
	Gate     *approval.Gate
	Fallback approval.Prompter
	Timeout  time.Duration
}

type bashInput struct {
	Command    string `json:"command"`
	WorkingDir string `json:"working_dir,omitempty"`
}

// BashResult is what the model sees after a command ran or was declined.
type BashResult struct {
	Command    string `json:"command"`
	WorkingDir string `json:"working_dir"`
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	Cancelled  bool   `json:"cancelled,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (b *Bash) Name() string { return "bash" }

func (b *Bash) Description() string {
	return "Run a shell command in the repository, for example to install packages or type-check. Allowed programs: " +
		strings.Join(AllowedCommands(), ", ") + ". The user approves every command before it runs."
}

func (b *Bash) Schema() Schema {
	return Schema{
		Properties: map[string]any{
			"command":     prop("string", "Command line to run"),
			"working_dir": prop("string", "Directory relative to the repository root (default: root)"),
		},
		Required: []string{"command"},
	}
}

func (b *Bash) Run(ctx context.Context, input json.RawMessage) (string, error) {
	var in bashInput
	if err := decode(input, &in); err != nil {
		return "", err
	}
	command := strings.TrimSpace(in.Command)
	if command == "" {
		return "", goerr.Wrap(ErrInvalidInput, "command is required")
	}
	if err := CheckCommand(command); err != nil {
		return "", err
	}
	dir, err := b.WS.Resolve(in.WorkingDir)
	if err != nil {
		return "", err
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return "", goerr.Wrap(ErrInvalidInput, "working directory does not exist", goerr.V("working_dir", in.WorkingDir))
	}

	res := BashResult{Command: command, WorkingDir: b.WS.Rel(dir)}
	ok, err := b.Gate.Decide(ctx, approval.Change{Path: res.WorkingDir, Kind: approval.KindCommand, Proposed: command}, b.Fallback)
	if err != nil {
		return "", err
	}
	if !ok {
		res.ExitCode = -1
		res.Cancelled = true
		res.Error = "The user declined to run this command"
		return marshalResult(res)
	}

	timeout := b.Timeout
	if timeout <= 0 {
		timeout = bashDefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cmd *exec.Cmd
	if needsShell(command) {
		cmd = exec.CommandContext(runCtx, "sh", "-c", command)
	} else {
		fields := strings.Fields(command)
		cmd = exec.CommandContext(runCtx, fields[0], fields[1:]...)
	}
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	if ctx.Err() != nil {
		return "", goerr.Wrap(ctx.Err(), "command interrupted", goerr.V("command", command))
	}
	if err != nil {
		var ee *exec.ExitError
		switch {
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			res.ExitCode = 124
			res.Error = fmt.Sprintf("command timed out after %s", timeout)
		case errors.As(err, &ee):
			res.ExitCode = ee.ExitCode()
		default:
			res.ExitCode = -1
			res.Error = err.Error()
		}
	}
	res.Stdout = limitOutput(stdout.String())
	res.Stderr = limitOutput(stderr.String())
	return marshalResult(res)
}

// CheckCommand refuses dangerous command lines and programs outside the
// allowlist. Every program of a pipeline or command list is checked.
func CheckCommand(command string) error {
	for _, re := range dangerousPatterns {
		if re.MatchString(command) {
			return goerr.Wrap(ErrInvalidInput, "dangerous command blocked",
				goerr.V("command", command), goerr.V("pattern", re.String()))
		}
	}
	for _, segment := range segmentSplit.Split(command, -1) {
		fields := strings.Fields(segment)
		if len(fields) == 0 {
			continue
		}
		program := filepath.Base(strings.Trim(fields[0], `"'(`))
		if !allowedCommands[program] {
			return goerr.Wrap(ErrInvalidInput, "command not allowed",
				goerr.V("program", program), goerr.V("allowed", strings.Join(AllowedCommands(), ", ")))
		}
	}
	return nil
}

// AllowedCommands lists the allowlist in order.
func AllowedCommands() []string {
	out := make([]string, 0, len(allowedCommands))
	for name := range allowedCommands {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func needsShell(command string) bool {
	for _, f := range shellFeatures {
		if strings.Contains(command, f) {
			return true
		}
	}
	return false
}

func limitOutput(s string) string {
	if len(s) <= bashOutputLimit {
		return s
	}
	n := bashOutputLimit
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + fmt.Sprintf("\n... (%d more bytes)", len(s)-n)
}

func marshalResult(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", goerr.Wrap(ErrToolExecution, "encode result", goerr.V("cause", err.Error()))
	}
	return string(data), nil
}
