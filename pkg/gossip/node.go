// Package gossip runs the felund sync protocol: a TCP listener
// answering authenticated pulls from circle peers, and a scheduler
// dialing out so every circle converges without any peer ever pushing
// unasked. The store is the single source of truth; Node keeps only
// scheduler bookkeeping.
package gossip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/felundnet/felund/internal/anchor"
	"github.com/felundnet/felund/internal/reputation"
	"github.com/felundnet/felund/internal/state"
	"github.com/felundnet/felund/internal/wire"
)

// Sources recorded in the sync history for each exchange.
const (
	SourceGossip     = "gossip"
	SourceMDNS       = "mdns"
	SourceRendezvous = "rendezvous"
	SourceBootstrap  = "bootstrap"
	SourceInbound    = "inbound"
)

// Config tunes the scheduler. Zero fields take their defaults, so
// callers only set what they change.
type Config struct {
	// Bind and Port override the snapshot's listen endpoint for this
	// run without rewriting it. Zero values keep the snapshot's.
	Bind string
	Port int

	// Interval is the dial loop cadence. Every tick syncs each circle
	// with up to Fanout of its most recently seen peers, and it is
	// also how long a protocol violator sits out.
	Interval time.Duration

	// Fanout is the number of peers dialed per circle per round.
	Fanout int

	// HaveWindow caps how many message ids one MSGS_HAVE advertises.
	// The window is mostly-newest with a random older tail, so gaps
	// beyond it still heal over time.
	HaveWindow int

	// MaxConns caps concurrently accepted connections.
	MaxConns int

	// HandshakeRate and HandshakeBurst throttle inbound handshakes.
	// Connections over the limit are dropped before any frame is read.
	HandshakeRate  rate.Limit
	HandshakeBurst int

	// DialTimeout bounds the TCP connect of one outbound sync.
	DialTimeout time.Duration

	// AnnounceEvery is how many rounds pass between ANCHOR_ANNOUNCE
	// broadcasts on anchor-capable nodes. 12 rounds at the default
	// interval is about once a minute.
	AnnounceEvery int
}

// DefaultConfig returns the production tuning: aggressive enough that
// a small circle on a home network converges within seconds.
func DefaultConfig() Config {
	return Config{
		Interval:       5 * time.Second,
		Fanout:         5,
		HaveWindow:     300,
		MaxConns:       64,
		HandshakeRate:  rate.Limit(8),
		HandshakeBurst: 16,
		DialTimeout:    5 * time.Second,
		AnnounceEvery:  12,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.Fanout <= 0 {
		c.Fanout = d.Fanout
	}
	if c.HaveWindow <= 0 {
		c.HaveWindow = d.HaveWindow
	}
	if c.MaxConns <= 0 {
		c.MaxConns = d.MaxConns
	}
	if c.HandshakeRate <= 0 {
		c.HandshakeRate = d.HandshakeRate
	}
	if c.HandshakeBurst <= 0 {
		c.HandshakeBurst = d.HandshakeBurst
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.AnnounceEvery <= 0 {
		c.AnnounceEvery = d.AnnounceEvery
	}
	return c
}

// selection pins the anchor choice for one circle across rounds.
type selection struct {
	nodeID string
	at     int64
}

// Node is one gossip endpoint: a listener answering inbound syncs and
// a dial loop running rounds. Start launches the loops, Close tears
// them down and waits.
type Node struct {
	cfg     Config
	store   *state.Store
	history *reputation.History
	metrics *Metrics
	log     *slog.Logger

	now func() time.Time

	listener net.Listener
	bind     string
	port     int
	limiter  *rate.Limiter
	cancel   context.CancelFunc
	group    *errgroup.Group
	conns    sync.WaitGroup

	mu        sync.Mutex
	round     int
	pullSince map[string]int64
	selected  map[string]selection
}

// New builds a node around an opened store. history may be nil for a
// memory-only sync history, metrics may be nil to disable collection,
// log may be nil for the process default.
func New(store *state.Store, history *reputation.History, metrics *Metrics, log *slog.Logger, cfg Config) *Node {
	if history == nil {
		history = reputation.NewHistory("")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Node{
		cfg:       cfg.withDefaults(),
		store:     store,
		history:   history,
		metrics:   metrics,
		log:       log,
		now:       time.Now,
		pullSince: make(map[string]int64),
		selected:  make(map[string]selection),
	}
}

// Start binds the listener and launches the accept and dial loops.
func (n *Node) Start(ctx context.Context) error {
	self := n.store.Node()
	host, port := self.Bind, self.Port
	if n.cfg.Bind != "" {
		host = n.cfg.Bind
	}
	if n.cfg.Port != 0 {
		port = n.cfg.Port
	}
	bind := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return fmt.Errorf("gossip: listen %s: %w", bind, err)
	}
	n.listener = netutil.LimitListener(ln, n.cfg.MaxConns)
	n.bind = host
	n.port = ln.Addr().(*net.TCPAddr).Port
	n.limiter = rate.NewLimiter(n.cfg.HandshakeRate, n.cfg.HandshakeBurst)

	ctx, n.cancel = context.WithCancel(ctx)
	n.group, ctx = errgroup.WithContext(ctx)
	n.group.Go(func() error { return n.acceptLoop(ctx) })
	n.group.Go(func() error { return n.dialLoop(ctx) })
	n.log.Info("gossip: node listening",
		"addr", n.listener.Addr().String(),
		"node", shortID(self.NodeID),
		"can_anchor", self.CanAnchor)
	return nil
}

// Close stops both loops, closes the listener, and waits for in-flight
// connections to drain. Call once after a successful Start.
func (n *Node) Close() error {
	if n.cancel != nil {
		n.cancel()
	}
	var err error
	if n.listener != nil {
		err = n.listener.Close()
	}
	if n.group != nil {
		if werr := n.group.Wait(); werr != nil && err == nil {
			err = werr
		}
	}
	n.conns.Wait()
	if errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// Addr returns the bound listen address.
func (n *Node) Addr() net.Addr { return n.listener.Addr() }

// Port returns the actual bound port, which differs from the
// configured one when that was 0.
func (n *Node) Port() int { return n.port }

// advertised is the listen_addr sent in HELLO frames. Before Start has
// bound a port (one-shot bootstrap syncs) the snapshot endpoint is used.
func (n *Node) advertised() string {
	self := n.store.Node()
	host, port := self.Bind, self.Port
	if n.bind != "" {
		host = n.bind
	}
	if n.port != 0 {
		port = n.port
	}
	return wire.PublicAddrHint(host, port)
}

func (n *Node) acceptLoop(ctx context.Context) error {
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			n.log.Warn("gossip: accept failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if !n.limiter.Allow() {
			n.metrics.countHandshake("throttled")
			conn.Close()
			continue
		}
		n.conns.Add(1)
		go func() {
			defer n.conns.Done()
			n.serveConn(ctx, conn)
		}()
	}
}

func (n *Node) dialLoop(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n.dialRound(ctx)
		}
	}
}

// dialRound syncs every circle with its current targets, announces
// anchor capability on schedule, and sweeps anchor retention.
func (n *Node) dialRound(ctx context.Context) {
	n.mu.Lock()
	n.round++
	round := n.round
	n.mu.Unlock()

	now := n.now()
	announce := n.store.Node().CanAnchor && round%n.cfg.AnnounceEvery == 0
	for _, circle := range n.store.Circles() {
		for _, p := range n.roundTargets(circle.CircleID, now) {
			if ctx.Err() != nil {
				return
			}
			err := n.Sync(ctx, p.Addr, circle.CircleID, SourceGossip)
			switch {
			case err == nil:
			case isViolation(err):
				n.recordViolation(p.NodeID)
				n.log.Warn("gossip: peer violated protocol",
					"peer", shortID(p.NodeID), "addr", p.Addr, "error", err)
			default:
				n.history.RecordFailure(p.NodeID, err)
				n.log.Debug("gossip: dial failed",
					"peer", shortID(p.NodeID), "addr", p.Addr, "error", err)
			}
		}
		if announce {
			if err := n.store.AnnounceAnchor(circle.CircleID); err != nil {
				n.log.Debug("gossip: anchor announce failed",
					"circle", shortID(circle.CircleID), "error", err)
			}
		}
	}
	if evicted := n.store.PruneAnchorStores(); evicted > 0 {
		n.metrics.countAnchor("evicted", evicted)
		n.log.Debug("gossip: anchor retention evicted envelopes", "count", evicted)
	}
	n.metrics.countDialRound()
}

// roundTargets picks one circle's dial set for a round: the most
// recently seen peers up to the fanout, minus peers cooling off after
// a violation, plus the circle's selected anchor when it is not
// already in the set.
func (n *Node) roundTargets(circleID string, now time.Time) []state.Peer {
	var targets []state.Peer
	inSet := make(map[string]bool)
	for _, p := range n.store.TopPeers(circleID, n.cfg.Fanout) {
		if n.history.Blocked(p.NodeID, now) {
			continue
		}
		targets = append(targets, p)
		inSet[p.NodeID] = true
	}
	anchorID := n.selectAnchor(circleID, now)
	if anchorID != "" && !inSet[anchorID] && !n.history.Blocked(anchorID, now) {
		if addr := n.peerAddr(circleID, anchorID); addr != "" {
			targets = append(targets, state.Peer{NodeID: anchorID, Addr: addr})
		}
	}
	return targets
}

// selectAnchor runs the deterministic anchor choice for a circle and
// pins it across rounds, so the anchor is dialed every round even when
// it is not among the freshest peers.
func (n *Node) selectAnchor(circleID string, now time.Time) string {
	records := n.store.AnchorRecords(circleID)
	if len(records) == 0 {
		return ""
	}
	self := n.store.Node().NodeID
	cands := make([]anchor.Candidate, 0, len(records))
	for _, r := range records {
		if r.NodeID == self {
			continue
		}
		cands = append(cands, anchor.Candidate{
			NodeID:          r.NodeID,
			CanAnchor:       r.Capabilities.CanAnchor,
			IsMobile:        r.Capabilities.IsMobile,
			PublicReachable: r.Capabilities.PublicReachable,
			AnnouncedAt:     r.AnnouncedAt,
			LastSeenTS:      r.LastSeenTS,
		})
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	cur := n.selected[circleID]
	id, at := anchor.Select(cands, cur.nodeID, cur.at, now.Unix())
	n.selected[circleID] = selection{nodeID: id, at: at}
	return id
}

// peerAddr finds the dialable address recorded for a circle peer.
func (n *Node) peerAddr(circleID, nodeID string) string {
	for _, p := range n.store.PeerSnapshot(circleID) {
		if p.NodeID == nodeID {
			return p.Addr
		}
	}
	return ""
}

// recordViolation benches a peer for one dial interval.
func (n *Node) recordViolation(nodeID string) {
	if nodeID == "" {
		return
	}
	n.history.RecordViolation(nodeID, n.now().Add(n.cfg.Interval))
}

func (n *Node) pullCursor(circleID string) int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pullSince[circleID]
}

func (n *Node) setPullCursor(circleID string, ts int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ts > n.pullSince[circleID] {
		n.pullSince[circleID] = ts
	}
}

// shortID trims a node or circle id for logs.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
