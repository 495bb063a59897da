//go:build windows

package commands

import (
	"os"
	"os/signal"
)

// shutdownSignals end a long-running command. On Windows, only os.Interrupt
// is available (SIGTERM is not supported).
var shutdownSignals = []os.Signal{os.Interrupt}

// notifySignals registers the given channel to receive shutdownSignals.
func notifySignals(ch chan<- os.Signal) {
	signal.Notify(ch, shutdownSignals...)
}
