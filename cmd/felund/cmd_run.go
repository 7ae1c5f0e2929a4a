package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/felundnet/felund/internal/config"
	"github.com/felundnet/felund/internal/discover"
	"github.com/felundnet/felund/internal/rendezvous"
	"github.com/felundnet/felund/internal/reputation"
	"github.com/felundnet/felund/internal/watchdog"
	"github.com/felundnet/felund/internal/wire"
	"github.com/felundnet/felund/pkg/gossip"
)

// historySaveInterval is how often the sync history is flushed to disk
// while the node runs. A crash loses at most one interval of scores.
const historySaveInterval = time.Minute

func runRun(args []string) {
	if err := doRun(args, os.Stdout); err != nil {
		fatal("Error: %v", err)
	}
}

func doRun(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dirFlag := fs.String("dir", "", "state directory")
	peerFlag := fs.String("peer", "", "host:port to sync once at startup")
	circleFlag := fs.String("circle", "", "circle for -peer (default: the only one)")
	intervalFlag := fs.Duration("interval", 0, "gossip round cadence (default: 5s)")
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
	log := slog.Default()

	// Resolve the -peer circle before anything binds.
	var bootCircle string
	if *peerFlag != "" {
		circle, err := pickCircle(st, *circleFlag)
		if err != nil {
			return err
		}
		bootCircle = circle.CircleID
	}

	hist := reputation.NewHistory(historyPath(dir))
	metrics := gossip.NewMetrics(version, runtime.Version())

	nodeCfg := gossip.DefaultConfig()
	nodeCfg.Bind = cfg.Network.Bind
	nodeCfg.Port = cfg.Network.Port
	if *intervalFlag > 0 {
		nodeCfg.Interval = *intervalFlag
	}
	node := gossip.New(st, hist, metrics, log, nodeCfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := node.Start(ctx); err != nil {
		return err
	}

	self := st.Node()
	name := self.DisplayName
	if name == "" {
		name = "anon"
	}
	fmt.Fprintf(stdout, "felund %s (%s)\n", version, commit)
	fmt.Fprintf(stdout, " Node    : %s (%s)\n", name, shortNode(self.NodeID))
	fmt.Fprintf(stdout, " Listen  : %s\n", node.Addr())
	fmt.Fprintf(stdout, " Circles : %d\n", len(st.Circles()))

	host := cfg.Network.Bind
	if host == "" {
		host = self.Bind
	}
	advertised := wire.PublicAddrHint(host, node.Port())

	var metricsSrv *http.Server
	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{
			Addr:         cfg.Metrics.Listen,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			log.Info("metrics: endpoint up", "addr", cfg.Metrics.Listen)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn("metrics: server stopped", "error", err)
			}
		}()
	}

	presenceDone := make(chan struct{})
	base := config.APIBase(firstNonEmpty(cfg.Rendezvous.BaseURL, self.RendezvousBase))
	if base != "" {
		client := rendezvous.NewClient(base, self.NodeID)
		pres := rendezvous.NewPresence(client, st, log, func(dctx context.Context, addr, circleID string) {
			if err := node.Sync(dctx, addr, circleID, gossip.SourceRendezvous); err != nil {
				log.Debug("rendezvous: sync failed", "addr", addr, "err", err)
			}
		})
		pres.SetListenAddr(advertised)
		go func() {
			defer close(presenceDone)
			pres.Run(ctx)
		}()
		log.Info("rendezvous: presence loop up", "base", base)
	} else {
		close(presenceDone)
	}

	var mdns *discover.MDNS
	if cfg.MDNSEnabled() {
		circleIDs := func() []string {
			var ids []string
			for _, c := range st.Circles() {
				ids = append(ids, c.CircleID)
			}
			return ids
		}
		found := func(addr, nodeID string, shared []string) {
			hist.RecordIntroduction(nodeID, addr, gossip.SourceMDNS)
			go func() {
				for _, cid := range shared {
					st.TouchPeer(cid, nodeID, addr)
					sctx, scancel := context.WithTimeout(ctx, bootstrapTimeout)
					err := node.Sync(sctx, addr, cid, gossip.SourceMDNS)
					scancel()
					if err != nil {
						log.Debug("discover: lan sync failed", "addr", addr, "err", err)
					}
				}
			}()
		}
		mdns = discover.NewMDNS(self.NodeID, node.Port(), circleIDs, found, log)
		if err := mdns.Start(ctx); err != nil {
			log.Warn("discover: mdns unavailable", "error", err)
			mdns = nil
		}
	}

	if *peerFlag != "" {
		peer, circle := *peerFlag, bootCircle
		go func() {
			sctx, scancel := context.WithTimeout(ctx, bootstrapTimeout)
			defer scancel()
			if err := node.Sync(sctx, peer, circle, gossip.SourceBootstrap); err != nil {
				log.Warn("gossip: startup sync failed", "peer", peer, "err", err)
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(historySaveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := hist.Save(); err != nil {
					log.Warn("reputation: save history", "error", err)
				}
			}
		}
	}()

	watchdog.Ready()
	go watchdog.Run(ctx, watchdog.Config{Log: log}, []watchdog.HealthCheck{
		{Name: "state-save", Check: func() error { return files.Save(st.Snapshot()) }},
		{Name: "sync-history", Check: hist.Save},
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	fmt.Fprintln(stdout, "Press Ctrl+C to stop.")
	sig := <-sigCh
	fmt.Fprintf(stdout, "\nReceived %s, shutting down...\n", sig)

	watchdog.Stopping()
	cancel()
	if mdns != nil {
		mdns.Close()
	}
	if metricsSrv != nil {
		metricsSrv.Close()
	}
	<-presenceDone
	if err := node.Close(); err != nil {
		log.Warn("gossip: close", "error", err)
	}
	if err := hist.Save(); err != nil {
		log.Warn("reputation: save history", "error", err)
	}
	fmt.Fprintln(stdout, "Stopped.")
	return nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
