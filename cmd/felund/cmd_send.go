package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
)

func runSend(args []string) {
	if err := doSend(args, os.Stdout); err != nil {
		fatal("Error: %v", err)
	}
}

func doSend(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dirFlag := fs.String("dir", "", "state directory")
	circleFlag := fs.String("circle", "", "circle to send into (default: the only one)")
	channelFlag := fs.String("channel", "", "channel to send into (default: general)")
	if err := fs.Parse(reorderArgs(args, nil)); err != nil {
		return err
	}

	text := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if text == "" {
		return fmt.Errorf("nothing to send; usage: felund send [-circle <id>] [-channel <name>] <text>")
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

	msg, err := st.SendMessage(circle.CircleID, *channelFlag, text)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Queued message %s. It will gossip out while `run` is active.\n", msg.MsgID)
	return nil
}
