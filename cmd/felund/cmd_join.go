package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/felundnet/felund/internal/fcrypto"
	"github.com/felundnet/felund/internal/invite"
	"github.com/felundnet/felund/internal/reputation"
	"github.com/felundnet/felund/internal/state"
	"github.com/felundnet/felund/internal/termcolor"
	"github.com/felundnet/felund/pkg/gossip"
)

// bootstrapTimeout bounds the one-shot sync against an invite's dial
// hint. The hint may be stale; run keeps retrying discovered peers.
const bootstrapTimeout = 10 * time.Second

func runJoin(args []string) {
	if err := doJoin(args, os.Stdout); err != nil {
		fatal("Error: %v", err)
	}
}

func doJoin(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("join", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dirFlag := fs.String("dir", "", "state directory")
	secretFlag := fs.String("secret", "", "circle secret (64 hex chars) instead of a code")
	peerFlag := fs.String("peer", "", "dial hint host:port to bootstrap from")
	if err := fs.Parse(reorderArgs(args, nil)); err != nil {
		return err
	}

	var code invite.Code
	switch {
	case *secretFlag != "":
		if _, err := fcrypto.DecodeSecret(*secretFlag); err != nil {
			return err
		}
		code = invite.Code{SecretHex: *secretFlag, Peer: *peerFlag}
	case fs.NArg() >= 1:
		parsed, err := invite.Parse(fs.Arg(0))
		if err != nil {
			return err
		}
		code = parsed
	default:
		return fmt.Errorf("usage: felund join <felund-code> (or -secret <hex> [-peer host:port])")
	}

	dir, err := resolveDir(*dirFlag)
	if err != nil {
		return err
	}
	st, _, err := openStore(dir)
	if err != nil {
		return err
	}

	if err := joinCircle(st, dir, code, stdout); err != nil {
		return err
	}
	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, "Now run:")
	fmt.Fprintln(stdout, "  felund run")
	return nil
}

// joinCircle adds the circle from an invite code and, when the code
// carries a TCP hint, performs one bootstrap sync against it so the
// first messages land before run is ever started. A relay hint instead
// seeds the rendezvous base for nodes that have none.
func joinCircle(st *state.Store, dir string, code invite.Code, stdout io.Writer) error {
	circle, err := st.AddCircle(code.SecretHex, "")
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, termcolor.Green(fmt.Sprintf("Joined circle %s.", circle.CircleID)))

	switch {
	case code.Peer == "":
		fmt.Fprintln(stdout, "No dial hint in the code; peers will be found via discovery.")
	case invite.IsRelayPeer(code.Peer):
		if st.Node().RendezvousBase == "" {
			st.SetRendezvousBase(code.Peer)
			fmt.Fprintf(stdout, "Rendezvous server adopted from the code: %s\n", code.Peer)
		}
	default:
		fmt.Fprintf(stdout, "Bootstrapping via %s ...\n", code.Peer)
		hist := reputation.NewHistory(historyPath(dir))
		node := gossip.New(st, hist, nil, slog.Default(), gossip.Config{})
		ctx, cancel := context.WithTimeout(context.Background(), bootstrapTimeout)
		defer cancel()
		if err := node.Sync(ctx, code.Peer, circle.CircleID, gossip.SourceBootstrap); err != nil {
			warn := fmt.Sprintf("Bootstrap failed (%v); 'felund run' keeps trying discovered peers.", err)
			fmt.Fprintln(stdout, termcolor.Yellow(warn))
		} else {
			fmt.Fprintln(stdout, "Bootstrap sync complete.")
			if err := hist.Save(); err != nil {
				slog.Warn("reputation: save history", "error", err)
			}
		}
	}
	return nil
}
