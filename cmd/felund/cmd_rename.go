package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
)

func runRename(args []string) {
	if err := doRename(args, os.Stdout); err != nil {
		fatal("Error: %v", err)
	}
}

func doRename(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("rename", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dirFlag := fs.String("dir", "", "state directory")
	if err := fs.Parse(reorderArgs(args, nil)); err != nil {
		return err
	}

	name := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if name == "" {
		return fmt.Errorf("usage: felund rename <new name>")
	}

	dir, err := resolveDir(*dirFlag)
	if err != nil {
		return err
	}
	st, _, err := openStore(dir)
	if err != nil {
		return err
	}
	newName, err := st.Rename(name)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Display name is now %q. The rename gossips out while `run` is active.\n", newName)
	return nil
}
