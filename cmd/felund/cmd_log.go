package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/felundnet/felund/internal/state"
	"github.com/felundnet/felund/internal/termcolor"
)

func runLog(args []string) {
	if err := doLog(args, os.Stdout); err != nil {
		fatal("Error: %v", err)
	}
}

func doLog(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("log", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dirFlag := fs.String("dir", "", "state directory")
	circleFlag := fs.String("circle", "", "circle to read (default: the only one)")
	channelFlag := fs.String("channel", state.GeneralChannel, "channel to read")
	limitFlag := fs.Int("limit", 50, "newest messages to show")
	if err := fs.Parse(reorderArgs(args, nil)); err != nil {
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

	known := false
	for _, ch := range st.Channels(circle.CircleID) {
		if ch.ChannelID == *channelFlag {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("no channel %q in circle %s; see 'felund channels'", *channelFlag, circle.CircleID)
	}

	msgs := st.ChannelMessages(circle.CircleID, *channelFlag, *limitFlag)
	if len(msgs) == 0 {
		fmt.Fprintf(stdout, "No messages in #%s yet.\n", *channelFlag)
		return nil
	}
	for _, m := range msgs {
		fmt.Fprintln(stdout, renderMessage(st, m))
	}
	return nil
}

// renderMessage formats one line of the log. The author is whatever name
// the network gossiped for the node; a message predating any rename
// carries its own display_name snapshot.
func renderMessage(st *state.Store, m state.Message) string {
	ts := time.Unix(m.CreatedTS, 0).Format("2006-01-02 15:04:05")
	author := st.DisplayNameOf(m.AuthorNodeID)
	if author == shortNode(m.AuthorNodeID) && m.DisplayName != "" {
		author = m.DisplayName
	}
	return fmt.Sprintf("%s #%s %s: %s", termcolor.Faint("["+ts+"]"), m.ChannelID, author, m.Text)
}
