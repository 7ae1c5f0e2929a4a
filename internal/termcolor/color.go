// Package termcolor colors fragments of felund CLI output.
//
// The helpers return strings rather than printing, so commands can
// compose a colored fragment into a line and route it through whatever
// writer they were handed. Escapes are emitted only when stdout is a
// terminal, NO_COLOR is unset, and TERM is not "dumb"; otherwise the
// fragment passes through untouched.
package termcolor

import (
	"os"
	"sync"
)

const (
	escReset  = "\033[0m"
	escFaint  = "\033[2m"
	escGreen  = "\033[32m"
	escYellow = "\033[33m"
)

var (
	gateOnce sync.Once
	gateOn   bool
)

// Enabled reports whether fragments get escape codes. The answer is
// computed once per process from stdout and the environment.
func Enabled() bool {
	gateOnce.Do(func() {
		if os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
			return
		}
		st, err := os.Stdout.Stat()
		gateOn = err == nil && st.Mode()&os.ModeCharDevice != 0
	})
	return gateOn
}

func wrap(esc, s string) string {
	if s == "" || !Enabled() {
		return s
	}
	return esc + s + escReset
}

// Faint dims a fragment. The message log uses it for timestamps.
func Faint(s string) string { return wrap(escFaint, s) }

// Green marks a fragment as good news: initialized, joined, approved.
func Green(s string) string { return wrap(escGreen, s) }

// Yellow marks a fragment as a caution the command still survives,
// like a bootstrap dial that found nobody home.
func Yellow(s string) string { return wrap(escYellow, s) }
