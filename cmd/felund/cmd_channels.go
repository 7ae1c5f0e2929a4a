package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/felundnet/felund/internal/state"
)

func runChannels(args []string) {
	if err := doChannels(args, os.Stdin, os.Stdout); err != nil {
		fatal("Error: %v", err)
	}
}

func doChannels(args []string, stdin io.Reader, stdout io.Writer) error {
	if len(args) == 0 {
		return doChannelsList(nil, stdout)
	}
	sub, rest := args[0], args[1:]
	switch sub {
	case "list":
		return doChannelsList(rest, stdout)
	case "create":
		return doChannelsCreate(rest, stdin, stdout)
	case "join":
		return doChannelsJoin(rest, stdin, stdout)
	case "leave":
		return doChannelsLeave(rest, stdout)
	case "request":
		return doChannelsRequest(rest, stdout)
	case "requests":
		return doChannelsRequests(rest, stdout)
	case "approve":
		return doChannelsApprove(rest, stdout)
	case "help", "-h", "--help":
		printChannelsUsage(stdout)
		return nil
	default:
		if strings.HasPrefix(sub, "-") {
			return doChannelsList(args, stdout)
		}
		printChannelsUsage(stdout)
		return fmt.Errorf("unknown channels command %q", sub)
	}
}

func printChannelsUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: felund channels <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  list                         List channels in a circle (default)")
	fmt.Fprintln(w, "  create <name> [access]       Create a channel (public, key, or invite)")
	fmt.Fprintln(w, "  join <name>                  Join a channel (key channels prompt for the key)")
	fmt.Fprintln(w, "  leave <name>                 Leave a channel (general cannot be left)")
	fmt.Fprintln(w, "  request <name>               Ask to join an invite-only channel")
	fmt.Fprintln(w, "  requests <name>              List pending join requests (owner only)")
	fmt.Fprintln(w, "  approve <name> <node_id>     Approve a pending request (owner only)")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Common flags: -dir <path>, -circle <id>, -key <channel key>")
}

// channelArgs parses the flags every channels subcommand shares plus its
// positional arguments, and resolves the store and circle.
func channelArgs(name string, args []string) (*state.Store, state.Circle, string, []string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dirFlag := fs.String("dir", "", "state directory")
	circleFlag := fs.String("circle", "", "circle (default: the only one)")
	keyFlag := fs.String("key", "", "channel key")
	if err := fs.Parse(reorderArgs(args, nil)); err != nil {
		return nil, state.Circle{}, "", nil, err
	}
	dir, err := resolveDir(*dirFlag)
	if err != nil {
		return nil, state.Circle{}, "", nil, err
	}
	st, _, err := openStore(dir)
	if err != nil {
		return nil, state.Circle{}, "", nil, err
	}
	circle, err := pickCircle(st, *circleFlag)
	if err != nil {
		return nil, state.Circle{}, "", nil, err
	}
	return st, circle, *keyFlag, fs.Args(), nil
}

func doChannelsList(args []string, stdout io.Writer) error {
	st, circle, _, _, err := channelArgs("channels list", args)
	if err != nil {
		return err
	}
	self := st.Node().NodeID
	fmt.Fprintf(stdout, "Channels in %s:\n", circleLabel(circle))
	for _, ch := range st.Channels(circle.CircleID) {
		members := st.ChannelMembers(circle.CircleID, ch.ChannelID)
		joined := len(members) == 0 // open channel, everyone posts
		for _, nid := range members {
			if nid == self {
				joined = true
				break
			}
		}
		marker := ""
		if joined {
			marker = "  (joined)"
		}
		fmt.Fprintf(stdout, "  %-14s %-7s %d member(s)%s\n", "#"+ch.ChannelID, ch.AccessMode, len(members), marker)
		if ch.CreatedBy == self {
			for _, nid := range st.ChannelRequests(circle.CircleID, ch.ChannelID) {
				fmt.Fprintf(stdout, "    pending: %s [%s]\n", st.DisplayNameOf(nid), shortNode(nid))
			}
		}
	}
	return nil
}

func doChannelsCreate(args []string, stdin io.Reader, stdout io.Writer) error {
	st, circle, key, pos, err := channelArgs("channels create", args)
	if err != nil {
		return err
	}
	if len(pos) < 1 {
		return fmt.Errorf("usage: felund channels create <name> [public|key|invite]")
	}
	name := strings.TrimPrefix(pos[0], "#")
	access := state.AccessPublic
	if len(pos) > 1 {
		access = strings.ToLower(pos[1])
	}
	if access == state.AccessKey && key == "" {
		key, err = readKey(stdin, stdout, "Channel key: ")
		if err != nil {
			return err
		}
	}
	ch, err := st.CreateChannel(circle.CircleID, name, access, key)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Created #%s [%s].\n", ch.ChannelID, ch.AccessMode)
	return nil
}

func doChannelsJoin(args []string, stdin io.Reader, stdout io.Writer) error {
	st, circle, key, pos, err := channelArgs("channels join", args)
	if err != nil {
		return err
	}
	if len(pos) < 1 {
		return fmt.Errorf("usage: felund channels join <name>")
	}
	name := strings.TrimPrefix(pos[0], "#")

	// Prompt for the key up front so ErrKeyRequired never surfaces for
	// interactive use.
	if key == "" {
		for _, ch := range st.Channels(circle.CircleID) {
			if ch.ChannelID == name && ch.AccessMode == state.AccessKey {
				key, err = readKey(stdin, stdout, "Channel key: ")
				if err != nil {
					return err
				}
				break
			}
		}
	}
	if err := st.JoinChannel(circle.CircleID, name, key); err != nil {
		if errors.Is(err, state.ErrInviteOnly) {
			return fmt.Errorf("%w; request access with 'felund channels request %s'", err, name)
		}
		return err
	}
	fmt.Fprintf(stdout, "Joined #%s.\n", name)
	return nil
}

func doChannelsLeave(args []string, stdout io.Writer) error {
	st, circle, _, pos, err := channelArgs("channels leave", args)
	if err != nil {
		return err
	}
	if len(pos) < 1 {
		return fmt.Errorf("usage: felund channels leave <name>")
	}
	name := strings.TrimPrefix(pos[0], "#")
	if err := st.LeaveChannel(circle.CircleID, name); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Left #%s.\n", name)
	return nil
}

func doChannelsRequest(args []string, stdout io.Writer) error {
	st, circle, _, pos, err := channelArgs("channels request", args)
	if err != nil {
		return err
	}
	if len(pos) < 1 {
		return fmt.Errorf("usage: felund channels request <name>")
	}
	name := strings.TrimPrefix(pos[0], "#")
	if err := st.RequestJoin(circle.CircleID, name); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Requested to join #%s. The request gossips to the owner while `run` is active.\n", name)
	return nil
}

func doChannelsRequests(args []string, stdout io.Writer) error {
	st, circle, _, pos, err := channelArgs("channels requests", args)
	if err != nil {
		return err
	}
	if len(pos) < 1 {
		return fmt.Errorf("usage: felund channels requests <name>")
	}
	name := strings.TrimPrefix(pos[0], "#")
	ch, ok := findChannel(st, circle.CircleID, name)
	if !ok {
		return state.ErrUnknownChannel
	}
	if ch.CreatedBy != st.Node().NodeID {
		return state.ErrNotOwner
	}
	reqs := st.ChannelRequests(circle.CircleID, name)
	if len(reqs) == 0 {
		fmt.Fprintf(stdout, "#%s has no pending requests.\n", name)
		return nil
	}
	fmt.Fprintf(stdout, "#%s has %d pending request(s):\n", name, len(reqs))
	for _, nid := range reqs {
		fmt.Fprintf(stdout, "  %s [%s]\n", st.DisplayNameOf(nid), shortNode(nid))
	}
	return nil
}

func doChannelsApprove(args []string, stdout io.Writer) error {
	st, circle, _, pos, err := channelArgs("channels approve", args)
	if err != nil {
		return err
	}
	if len(pos) < 2 {
		return fmt.Errorf("usage: felund channels approve <name> <node_id>")
	}
	name := strings.TrimPrefix(pos[0], "#")
	prefix := pos[1]

	// A prefix of the node id shown by `channels requests` is enough.
	target := ""
	for _, nid := range st.ChannelRequests(circle.CircleID, name) {
		if strings.HasPrefix(nid, prefix) {
			target = nid
			break
		}
	}
	if target == "" {
		return fmt.Errorf("no pending request matching %q in #%s", prefix, name)
	}
	if err := st.ApproveJoin(circle.CircleID, name, target); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Approved %s [%s] to join #%s.\n", st.DisplayNameOf(target), shortNode(target), name)
	return nil
}

func findChannel(st *state.Store, circleID, channelID string) (state.Channel, bool) {
	for _, ch := range st.Channels(circleID) {
		if ch.ChannelID == channelID {
			return ch, true
		}
	}
	return state.Channel{}, false
}

// readKey reads a channel key without echo when stdin is a terminal, and
// as a plain line otherwise so scripts and tests can pipe it in.
func readKey(stdin io.Reader, stdout io.Writer, prompt string) (string, error) {
	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(stdout, prompt)
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(stdout)
		if err != nil {
			return "", fmt.Errorf("read key: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	return promptLine(bufio.NewReader(stdin), stdout, prompt)
}
