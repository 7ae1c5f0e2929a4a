package main

import (
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"

	"github.com/felundnet/felund/internal/config"
)

func runStatus(args []string) {
	if err := doStatus(args, os.Stdout); err != nil {
		fatal("Error: %v", err)
	}
}

func doStatus(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dirFlag := fs.String("dir", "", "state directory")
	if err := fs.Parse(reorderArgs(args, nil)); err != nil {
		return err
	}

	dir, err := resolveDir(*dirFlag)
	if err != nil {
		return err
	}
	st, files, err := openStore(dir)
	if err != nil {
		return err
	}
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		return err
	}

	node := st.Node()
	info := st.Status()

	bind := firstNonEmpty(cfg.Network.Bind, node.Bind)
	port := node.Port
	if cfg.Network.Port != 0 {
		port = cfg.Network.Port
	}

	name := info.DisplayName
	if name == "" {
		name = "anon"
	}
	posture := "no"
	if node.CanAnchor {
		posture = "yes"
	}
	if node.IsMobile {
		posture += ", mobile"
	}
	if node.PublicReachable {
		posture += ", public"
	}
	base := config.APIBase(firstNonEmpty(cfg.Rendezvous.BaseURL, node.RendezvousBase))
	if base == "" {
		base = "disabled"
	}
	mdns := "enabled"
	if !cfg.MDNSEnabled() {
		mdns = "disabled"
	}
	metrics := cfg.Metrics.Listen
	if metrics == "" {
		metrics = "off"
	}

	fmt.Fprintf(stdout, "felund %s (%s)\n", version, commit)
	fmt.Fprintf(stdout, " Node ID    : %s\n", info.NodeID)
	fmt.Fprintf(stdout, " Name       : %s\n", name)
	fmt.Fprintf(stdout, " Listen     : %s\n", net.JoinHostPort(bind, strconv.Itoa(port)))
	fmt.Fprintf(stdout, " Anchor     : %s\n", posture)
	fmt.Fprintf(stdout, " State file : %s\n", files.Path())
	fmt.Fprintf(stdout, " Rendezvous : %s\n", base)
	fmt.Fprintf(stdout, " mDNS       : %s\n", mdns)
	fmt.Fprintf(stdout, " Metrics    : %s\n", metrics)
	fmt.Fprintln(stdout)

	if len(info.Circles) == 0 {
		fmt.Fprintln(stdout, "No circles. Run 'felund invite' to host one or 'felund join' to join one.")
		return nil
	}
	fmt.Fprintln(stdout, "Circles:")
	for _, ci := range info.Circles {
		label := ci.CircleID
		if ci.Name != "" {
			label = fmt.Sprintf("%s (%s)", ci.CircleID, ci.Name)
		}
		fmt.Fprintf(stdout, " - %s: %d members, %d messages, %d channels\n",
			label, ci.Peers, ci.Messages, ci.Channels)
	}
	return nil
}
