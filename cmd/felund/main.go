package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
)

// Set via -ldflags at build time:
//
//	go build -ldflags "-X main.version=0.1.0 -X main.commit=$(git rev-parse --short HEAD) -X main.buildDate=$(date -u +%Y-%m-%dT%H:%M:%SZ)" -o felund ./cmd/felund
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	args := os.Args[1:]
	level := slog.LevelInfo
	for len(args) > 0 && (args[0] == "-debug" || args[0] == "--debug") {
		level = slog.LevelDebug
		args = args[1:]
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))

	if len(args) < 1 {
		printUsage()
		osExit(1)
	}

	switch args[0] {
	case "init":
		runInit(args[1:])
	case "run":
		runRun(args[1:])
	case "invite":
		runInvite(args[1:])
	case "join":
		runJoin(args[1:])
	case "send":
		runSend(args[1:])
	case "log":
		runLog(args[1:])
	case "channels":
		runChannels(args[1:])
	case "peers":
		runPeers(args[1:])
	case "rename":
		runRename(args[1:])
	case "circle":
		runCircle(args[1:])
	case "status":
		runStatus(args[1:])
	case "version", "--version":
		printVersion()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		printUsage()
		osExit(1)
	}
}

func printVersion() {
	fmt.Printf("felund %s (%s) built %s\n", version, commit, buildDate)
	fmt.Printf("Go %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func printUsage() {
	fmt.Println("Usage: felund [-debug] <command> [options]")
	fmt.Println()
	fmt.Println("Getting started:")
	fmt.Println("  init                                      Set up this node (guided)")
	fmt.Println("  invite [-circle <id>] [-name <label>]     Create a circle and print its invite code")
	fmt.Println("  join <code>                               Join a circle from an invite code")
	fmt.Println()
	fmt.Println("Node:")
	fmt.Println("  run [-peer <host:port>] [-circle <id>]    Run the gossip node until interrupted")
	fmt.Println("  status                                    Show node identity and circle summary")
	fmt.Println("  rename <name>                             Change this node's display name")
	fmt.Println()
	fmt.Println("Messages:")
	fmt.Println("  send [-circle <id>] [-channel <ch>] <text>")
	fmt.Println("  log  [-circle <id>] [-channel <ch>] [-limit <n>]")
	fmt.Println()
	fmt.Println("Circles and channels:")
	fmt.Println("  peers [-circle <id>]                      List circles, or the peers of one")
	fmt.Println("  channels list|create|join|leave|request|approve")
	fmt.Println("  circle name|leave                         Label or leave a circle")
	fmt.Println()
	fmt.Println("  version                                   Show version information")
	fmt.Println()
	fmt.Println("All commands support -dir <path> to override the state directory.")
	fmt.Println("Without it, felund uses $FELUND_STATE_DIR or ~/.felund.")
	fmt.Println()
	fmt.Println("Get started:  felund init")
}
