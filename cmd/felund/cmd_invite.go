package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/felundnet/felund/internal/invite"
	"github.com/felundnet/felund/internal/state"
	"github.com/felundnet/felund/internal/wire"
)

func runInvite(args []string) {
	if err := doInvite(args, os.Stdout); err != nil {
		fatal("Error: %v", err)
	}
}

func doInvite(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("invite", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dirFlag := fs.String("dir", "", "state directory")
	circleFlag := fs.String("circle", "", "invite into an existing circle instead of creating one")
	nameFlag := fs.String("name", "", "name for the new circle")
	peerFlag := fs.String("peer", "", "dial hint to embed (host:port or relay URL)")
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

	var circle state.Circle
	created := false
	if *circleFlag != "" {
		circle, err = pickCircle(st, *circleFlag)
		if err != nil {
			return err
		}
	} else {
		circle, err = st.CreateCircle(*nameFlag)
		if err != nil {
			return err
		}
		created = true
	}

	peer := *peerFlag
	if peer == "" {
		node := st.Node()
		if node.Port != 0 {
			peer = wire.PublicAddrHint(node.Bind, node.Port)
		}
	} else if !invite.IsRelayPeer(peer) {
		if _, port, err := wire.ParseHostPort(peer, 0); err != nil || port == 0 {
			return fmt.Errorf("peer hint %q is not host:port or a relay URL", peer)
		}
	}

	code, err := invite.Encode(circle.SecretHex, peer)
	if err != nil {
		return err
	}

	if created {
		fmt.Fprintln(stdout, "Circle created.")
	} else {
		fmt.Fprintf(stdout, "Invite for circle %s.\n", circleLabel(circle))
	}
	fmt.Fprintf(stdout, " circle_id   : %s\n", circle.CircleID)
	fmt.Fprintf(stdout, " circle_secret (hex): %s\n", circle.SecretHex)
	fmt.Fprintf(stdout, " felund_code : %s\n", code)
	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, "Share this join command with a friend:")
	fmt.Fprintf(stdout, "  felund join %s\n", code)
	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, "Then run your node:")
	fmt.Fprintln(stdout, "  felund run")
	return nil
}
