//go:build !windows

package commands

import (
	"os"
	"os/signal"
	"syscall"
)

// shutdownSignals end a long-running command. On Unix-like systems SIGTERM
// is included.
var shutdownSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

// notifySignals registers the given channel to receive shutdownSignals.
func notifySignals(ch chan<- os.Signal) {
	signal.Notify(ch, shutdownSignals...)
}
