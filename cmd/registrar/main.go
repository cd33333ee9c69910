// File: cmd/registrar/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/xkilldash9x/registrar/cmd"
	"github.com/xkilldash9x/registrar/internal/observability"
)

const panicLogFile = "panic.log"

// Define function variables for dependency injection/mocking in tests.
var (
	osWriteFile = os.WriteFile
	// Allows mocking os.Exit in tests.
	osExit = os.Exit
)

func main() {
	defer handlePanic()

	// Set up a context that listens for interrupt signals (SIGINT, SIGTERM) for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := cmd.Execute(ctx)
	stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	osExit(cmd.ExitCode(err))
}

// handlePanic records an unrecovered panic to panicLogFile and exits 1.
func handlePanic() {
	r := recover()
	if r == nil {
		return
	}
	observability.Sync()

	panicMessage := fmt.Sprintf("panic: %v\n\n%s", r, debug.Stack())
	if err := osWriteFile(panicLogFile, []byte(panicMessage), 0o600); err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL: Failed to write panic log: %v\n", err)
		fmt.Fprintf(os.Stderr, "Panic details:\n%s\n", panicMessage)
		osExit(cmd.ExitError)
		return
	}
	fmt.Fprintf(os.Stderr, "registrar crashed; details written to %s\n", panicLogFile)
	osExit(cmd.ExitError)
}
