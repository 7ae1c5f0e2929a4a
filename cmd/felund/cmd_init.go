package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/felundnet/felund/internal/config"
	"github.com/felundnet/felund/internal/fcrypto"
	"github.com/felundnet/felund/internal/invite"
	"github.com/felundnet/felund/internal/persist"
	"github.com/felundnet/felund/internal/state"
	"github.com/felundnet/felund/internal/termcolor"
	"github.com/felundnet/felund/internal/validate"
	"github.com/felundnet/felund/internal/wire"
)

// defaultPort is offered by the wizard when the node has no port yet.
const defaultPort = 9999

// configTemplate is written next to the snapshot so there is a tuning
// file to edit later. Everything stays commented out: the snapshot
// carries the durable settings and config.yaml only overrides a run.
const configTemplate = `# felund tuning (optional). Uncomment what you want to override for a
# run; durable node settings live in the state snapshot and are changed
# with 'felund init'.
version: 1

# network:
#   bind: "0.0.0.0"
#   port: 9999

# rendezvous:
#   base_url: "https://felund.example.org"

# discovery:
#   mdns: true

# metrics:
#   listen: "127.0.0.1:9900"
`

func runInit(args []string) {
	if err := doInit(args, os.Stdin, os.Stdout); err != nil {
		fatal("Error: %v", err)
	}
}

func doInit(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dirFlag := fs.String("dir", "", "state directory (default: ~/.felund)")
	nameFlag := fs.String("name", "", "display name")
	bindFlag := fs.String("bind", "", "bind address (default: detected local IP)")
	portFlag := fs.Int("port", 0, "listen port (default: 9999)")
	anchorFlag := fs.Bool("anchor", false, "offer store-and-forward to circle peers")
	mobileFlag := fs.Bool("mobile", false, "mark this node as mobile or intermittent")
	publicFlag := fs.Bool("public", false, "mark this node as publicly reachable")
	if err := fs.Parse(reorderArgs(args, map[string]bool{"anchor": true, "mobile": true, "public": true})); err != nil {
		return err
	}
	given := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { given[f.Name] = true })

	dir, err := resolveDir(*dirFlag)
	if err != nil {
		return err
	}

	fmt.Fprintln(stdout, "Welcome to felund!")
	fmt.Fprintln(stdout)

	// A re-run keeps the node id and refreshes the rest.
	files := persist.NewFileStore(dir)
	var st *state.Store
	snap, err := files.Load()
	switch {
	case err == nil:
		fmt.Fprintf(stdout, "Existing state in %s; keeping node id %s.\n", dir, shortNode(snap.Node.NodeID))
		fmt.Fprintln(stdout)
		st = state.FromSnapshot(snap, files)
	case errors.Is(err, persist.ErrNoState):
		nodeID, err := fcrypto.NewNodeID()
		if err != nil {
			return fmt.Errorf("generate node id: %w", err)
		}
		st = state.New(state.NodeConfig{NodeID: nodeID}, files)
	default:
		return err
	}

	reader := bufio.NewReader(stdin)

	name := strings.TrimSpace(*nameFlag)
	if name == "" {
		current := st.Node().DisplayName
		if current == "" {
			current = "anon"
		}
		name, err = promptLine(reader, stdout, fmt.Sprintf("Display name [%s]: ", current))
		if err != nil {
			return err
		}
		if name == "" {
			name = current
		}
	}
	if err := validate.DisplayName(name); err != nil {
		return err
	}

	bind := strings.TrimSpace(*bindFlag)
	if bind == "" {
		bind = st.Node().Bind
	}
	if bind == "" {
		bind = wire.DetectLocalIP()
	}
	if err := validate.BindHost(bind); err != nil {
		return err
	}

	port := *portFlag
	if port == 0 {
		current := st.Node().Port
		if current == 0 {
			current = defaultPort
		}
		for {
			raw, err := promptLine(reader, stdout, fmt.Sprintf("Listen port [%d]: ", current))
			if err != nil {
				return err
			}
			if raw == "" {
				port = current
				break
			}
			p, convErr := strconv.Atoi(raw)
			if convErr != nil || validate.Port(p) != nil {
				fmt.Fprintln(stdout, "Enter a valid port (1-65535).")
				continue
			}
			port = p
			break
		}
	}
	if err := validate.Port(port); err != nil {
		return err
	}

	posture := st.Node()
	anchor := posture.CanAnchor
	if given["anchor"] {
		anchor = *anchorFlag
	} else {
		hint := "y/N"
		if anchor {
			hint = "Y/n"
		}
		raw, err := promptLine(reader, stdout, fmt.Sprintf("Offer store-and-forward to your circles? [%s]: ", hint))
		if err != nil {
			return err
		}
		switch strings.ToLower(raw) {
		case "y", "yes":
			anchor = true
		case "n", "no":
			anchor = false
		}
	}
	mobile := posture.IsMobile
	if given["mobile"] {
		mobile = *mobileFlag
	}
	public := posture.PublicReachable
	if given["public"] {
		public = *publicFlag
	}

	st.SetDisplayName(name)
	st.SetEndpoint(bind, port)
	st.SetPosture(anchor, mobile, public)

	if len(st.Circles()) == 0 {
		fmt.Fprintln(stdout)
		fmt.Fprintln(stdout, "Set up a circle now?")
		fmt.Fprintln(stdout, " 1) host a new circle")
		fmt.Fprintln(stdout, " 2) join one with an invite code")
		fmt.Fprintln(stdout, " 3) skip")
		choice, err := promptLine(reader, stdout, "Choice [3]: ")
		if err != nil {
			return err
		}
		switch choice {
		case "1", "host":
			label, err := promptLine(reader, stdout, "Circle name (optional): ")
			if err != nil {
				return err
			}
			circle, err := st.CreateCircle(label)
			if err != nil {
				return err
			}
			code, err := invite.Encode(circle.SecretHex, wire.PublicAddrHint(bind, port))
			if err != nil {
				return err
			}
			fmt.Fprintln(stdout)
			fmt.Fprintln(stdout, "Circle created.")
			fmt.Fprintf(stdout, " circle_id   : %s\n", circle.CircleID)
			fmt.Fprintf(stdout, " felund_code : %s\n", code)
			fmt.Fprintln(stdout)
			fmt.Fprintln(stdout, "Share this join command with a friend:")
			fmt.Fprintf(stdout, "  felund join %s\n", code)
		case "2", "join":
			raw, err := promptLine(reader, stdout, "Paste felund code: ")
			if err != nil {
				return err
			}
			code, err := invite.Parse(raw)
			if err != nil {
				return err
			}
			fmt.Fprintln(stdout)
			if err := joinCircle(st, dir, code, stdout); err != nil {
				return err
			}
		}
	}

	cfgPath := filepath.Join(dir, config.FileName)
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := os.WriteFile(cfgPath, []byte(configTemplate), 0600); err != nil {
			return fmt.Errorf("write %s: %w", cfgPath, err)
		}
	}

	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, termcolor.Green("Initialized."))
	fmt.Fprintf(stdout, " node_id: %s\n", st.Node().NodeID)
	fmt.Fprintf(stdout, " listen : %s\n", wire.PublicAddrHint(bind, port))
	fmt.Fprintf(stdout, " state  : %s\n", files.Path())
	fmt.Fprintf(stdout, " config : %s\n", cfgPath)
	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, "Next steps:")
	fmt.Fprintln(stdout, "  1. Run your node:       felund run")
	fmt.Fprintln(stdout, "  2. Create an invite:    felund invite")
	fmt.Fprintln(stdout, "  3. See the message log: felund log")
	return nil
}
