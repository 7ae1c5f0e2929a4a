package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
)

func runCircle(args []string) {
	if err := doCircle(args, os.Stdin, os.Stdout); err != nil {
		fatal("Error: %v", err)
	}
}

func doCircle(args []string, stdin io.Reader, stdout io.Writer) error {
	if len(args) == 0 {
		printCircleUsage(stdout)
		return fmt.Errorf("missing circle command")
	}
	sub, rest := args[0], args[1:]
	switch sub {
	case "name":
		return doCircleName(rest, stdout)
	case "leave":
		return doCircleLeave(rest, stdin, stdout)
	case "help", "-h", "--help":
		printCircleUsage(stdout)
		return nil
	default:
		printCircleUsage(stdout)
		return fmt.Errorf("unknown circle command %q", sub)
	}
}

func printCircleUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: felund circle <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  name <label>     Set a friendly name (gossips to all members)")
	fmt.Fprintln(w, "  leave            Leave the circle and drop its messages")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Common flags: -dir <path>, -circle <id>")
}

func doCircleName(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("circle name", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dirFlag := fs.String("dir", "", "state directory")
	circleFlag := fs.String("circle", "", "circle to rename (default: the only one)")
	if err := fs.Parse(reorderArgs(args, nil)); err != nil {
		return err
	}
	label := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if label == "" {
		return fmt.Errorf("usage: felund circle name <label>")
	}

	dir, err := resolveDir(*dirFlag)
	if err != nil {
		return err
	}
	st, _, err := openStore(dir)
	if err != nil {
		return err
	}
	circle, err := pickCircle(st, *circleFlag)
	if err != nil {
		return err
	}
	if err := st.SetCircleName(circle.CircleID, label); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Circle %s is now named %q. The name gossips out while `run` is active.\n", circle.CircleID, label)
	return nil
}

func doCircleLeave(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("circle leave", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dirFlag := fs.String("dir", "", "state directory")
	circleFlag := fs.String("circle", "", "circle to leave (default: the only one)")
	yesFlag := fs.Bool("yes", false, "skip the confirmation prompt")
	if err := fs.Parse(reorderArgs(args, map[string]bool{"yes": true})); err != nil {
		return err
	}

	dir, err := resolveDir(*dirFlag)
	if err != nil {
		return err
	}
	st, _, err := openStore(dir)
	if err != nil {
		return err
	}
	circle, err := pickCircle(st, *circleFlag)
	if err != nil {
		return err
	}

	if !*yesFlag {
		answer, err := promptLine(bufio.NewReader(stdin), stdout,
			fmt.Sprintf("Leave circle %s and drop its messages? [y/N]: ", circleLabel(circle)))
		if err != nil {
			return err
		}
		switch strings.ToLower(answer) {
		case "y", "yes":
		default:
			fmt.Fprintln(stdout, "Aborted.")
			return nil
		}
	}

	st.LeaveCircle(circle.CircleID)
	fmt.Fprintf(stdout, "Left circle %s.\n", circleLabel(circle))
	return nil
}
