package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/felundnet/felund/internal/reputation"
	"github.com/felundnet/felund/internal/state"
)

func runPeers(args []string) {
	if err := doPeers(args, os.Stdout); err != nil {
		fatal("Error: %v", err)
	}
}

func doPeers(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("peers", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dirFlag := fs.String("dir", "", "state directory")
	circleFlag := fs.String("circle", "", "circle to list (default: overview)")
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

	// Without a circle the command lists all circles, matching the shape
	// of its output with one. A single circle is implied.
	if *circleFlag == "" && len(st.Circles()) != 1 {
		info := st.Status()
		if len(info.Circles) == 0 {
			fmt.Fprintln(stdout, "No circles. Run 'felund invite' or 'felund join' first.")
			return nil
		}
		fmt.Fprintln(stdout, "Circles:")
		for _, ci := range info.Circles {
			label := ci.CircleID
			if ci.Name != "" {
				label = fmt.Sprintf("%s (%s)", ci.CircleID, ci.Name)
			}
			fmt.Fprintf(stdout, " - %s (members=%d)\n", label, ci.Peers)
		}
		return nil
	}

	circle, err := pickCircle(st, *circleFlag)
	if err != nil {
		return err
	}
	hist := reputation.NewHistory(historyPath(dir))
	now := time.Now()

	byID := make(map[string]state.Peer)
	for _, p := range st.PeerSnapshot(circle.CircleID) {
		byID[p.NodeID] = p
	}
	self := st.Node().NodeID

	fmt.Fprintf(stdout, "Peers for circle %s:\n", circleLabel(circle))
	for _, nid := range st.Members(circle.CircleID) {
		if nid == self {
			fmt.Fprintf(stdout, " - %s (this node)\n", nid)
			continue
		}
		p, ok := byID[nid]
		if !ok {
			fmt.Fprintf(stdout, " - %s (no addr yet)\n", nid)
			continue
		}
		line := fmt.Sprintf(" - %s @ %s (last seen %s ago)", nid, p.Addr, humanAge(now.Unix()-p.LastSeen))
		if r := hist.Get(nid); r != nil && r.SyncCount > 0 {
			line += fmt.Sprintf(", %d syncs", r.SyncCount)
		}
		if hist.Blocked(nid, now) {
			line += " [benched]"
		}
		fmt.Fprintln(stdout, line)
	}

	if recs := st.AnchorRecords(circle.CircleID); len(recs) > 0 {
		fmt.Fprintln(stdout)
		fmt.Fprintln(stdout, "Anchors:")
		for _, r := range recs {
			tag := ""
			if r.Capabilities.PublicReachable {
				tag = ", public"
			}
			fmt.Fprintf(stdout, " - %s [%s] (seen %s ago%s)\n",
				st.DisplayNameOf(r.NodeID), shortNode(r.NodeID), humanAge(now.Unix()-r.LastSeenTS), tag)
		}
	}
	return nil
}

// humanAge renders a second count as the largest whole unit.
func humanAge(secs int64) string {
	if secs < 0 {
		secs = 0
	}
	switch {
	case secs < 60:
		return fmt.Sprintf("%ds", secs)
	case secs < 3600:
		return fmt.Sprintf("%dm", secs/60)
	case secs < 86400:
		return fmt.Sprintf("%dh", secs/3600)
	default:
		return fmt.Sprintf("%dd", secs/86400)
	}
}
