package main

import "strings"

// reorderArgs lifts flags in front of positional arguments so the flag
// package accepts them wherever the user typed them. boolFlags names the
// flags that take no value; every other flag consumes the following
// argument. A bare "--" ends flag recognition, letting message text
// start with a dash.
func reorderArgs(args []string, boolFlags map[string]bool) []string {
	var flags, positional []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			positional = append(positional, args[i+1:]...)
			break
		}
		if !strings.HasPrefix(arg, "-") {
			positional = append(positional, arg)
			continue
		}
		flags = append(flags, arg)
		name := strings.TrimLeft(arg, "-")
		if strings.Contains(name, "=") || boolFlags[name] {
			continue
		}
		if i+1 < len(args) {
			i++
			flags = append(flags, args[i])
		}
	}
	// A leading dash in the first positional would be re-parsed as a
	// flag; keep the terminator in front of it.
	if len(positional) > 0 && strings.HasPrefix(positional[0], "-") {
		flags = append(flags, "--")
	}
	return append(flags, positional...)
}
