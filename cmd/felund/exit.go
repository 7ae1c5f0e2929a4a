package main

import (
	"fmt"
	"os"
)

// osExit wraps os.Exit so tests can intercept process termination. Test
// overrides panic with exitSentinel, which unwinds the call stack at the
// exact call site the way a real os.Exit would stop the process.
var osExit = os.Exit

// exitSentinel is the panic value used by test overrides of osExit. The
// int is the exit code.
type exitSentinel int

// fatal prints a formatted message to stderr and exits with code 1.
func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	osExit(1)
}
