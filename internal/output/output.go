package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// JSONMode controls whether output is JSON or human-readable
var JSONMode bool

// Stdout and Stderr are where results and errors are written.
var (
	Stdout io.Writer = os.Stdout
	Stderr io.Writer = os.Stderr
)

// Result represents a generic result for JSON output
type Result struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Print outputs data. In JSON mode, marshals to JSON. Otherwise calls the textFn.
func Print(data interface{}, textFn func()) {
	PrintResult(data, nil, textFn)
}

// PrintResult is Print for results that may carry a failure, such as a
// failed run whose stage list is still worth reporting.
func PrintResult(data interface{}, failure error, textFn func()) {
	if !JSONMode {
		textFn()
		return
	}
	res := Result{Success: failure == nil, Data: data}
	if failure != nil {
		res.Error = failure.Error()
	}
	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		PrintError(err)
		return
	}
	fmt.Fprintln(Stdout, string(out))
}

// PrintError outputs an error. In JSON mode, marshals error to JSON.
func PrintError(err error) {
	if JSONMode {
		out, _ := json.MarshalIndent(Result{Success: false, Error: err.Error()}, "", "  ")
		fmt.Fprintln(Stdout, string(out))
		return
	}
	fmt.Fprintf(Stderr, "Error: %v\n", err)
}

// Fatal reports err and exits with status 1.
func Fatal(err error) {
	PrintError(err)
	os.Exit(1)
}
