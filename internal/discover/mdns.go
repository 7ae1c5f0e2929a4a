// Package discover announces this node on the local network and browses
// for other felund nodes over mDNS (DNS-SD). The advertisement carries the
// node id and one hashed hint per circle; circle ids themselves never
// appear in TXT records, so a LAN observer learns that felund runs but not
// which circles it serves.
package discover

import (
	"context"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/zeroconf/v2"

	"github.com/felundnet/felund/internal/fcrypto"
	"github.com/felundnet/felund/internal/wire"
)

// ServiceName is the DNS-SD service type for felund gossip listeners.
const ServiceName = "_felund._tcp"

const (
	domain = "local"

	// browseInterval controls how often the network is re-queried. Each
	// round opens a fresh multicast socket; a single long-lived browse
	// stalls silently on platforms where a system mDNS daemon holds
	// port 5353.
	browseInterval = 30 * time.Second

	// browseTimeout bounds one browse round.
	browseTimeout = 10 * time.Second

	// startupDelay lets the gossip listener bind before the first round.
	startupDelay = 2 * time.Second

	// dedupeInterval suppresses repeated callbacks for the same node.
	// mDNS fires several discovery events per peer per round.
	dedupeInterval = 30 * time.Second

	txtNodePrefix = "node="
	txtHintPrefix = "hint="
)

// FoundFunc receives one LAN match: the node's gossip endpoint and the
// circles both sides share. Implementations record the peer and trigger a
// sync; they must not block the browse loop.
type FoundFunc func(addr, nodeID string, circleIDs []string)

// MDNS advertises this node and browses for others. Safe for a single
// Start/Close cycle.
type MDNS struct {
	nodeID  string
	port    int
	circles func() []string
	found   FoundFunc
	log     *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	server    *zeroconf.Server
	announced string
	lastSeen  map[string]time.Time
}

// NewMDNS builds a discovery service for the node listening on port.
// circles supplies the current circle ids each round, so joins and leaves
// show up in the advertisement without a restart.
func NewMDNS(nodeID string, port int, circles func() []string, found FoundFunc, log *slog.Logger) *MDNS {
	if log == nil {
		log = slog.Default()
	}
	return &MDNS{
		nodeID:   nodeID,
		port:     port,
		circles:  circles,
		found:    found,
		log:      log,
		lastSeen: make(map[string]time.Time),
	}
}

// Start registers the advertisement and begins periodic browsing.
func (m *MDNS) Start(ctx context.Context) error {
	ctx, m.cancel = context.WithCancel(ctx)
	if err := m.announce(); err != nil {
		m.cancel()
		return err
	}
	m.wg.Add(1)
	go m.browseLoop(ctx)
	m.log.Info("discover: mdns announce up", "service", ServiceName, "port", m.port)
	return nil
}

// Close withdraws the advertisement and waits for the browse loop.
func (m *MDNS) Close() error {
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Lock()
	if m.server != nil {
		m.server.Shutdown()
		m.server = nil
	}
	m.mu.Unlock()
	m.wg.Wait()
	return nil
}

// txtRecords builds the advertisement: the node id plus one sorted hint
// per circle.
func (m *MDNS) txtRecords() []string {
	txt := []string{txtNodePrefix + m.nodeID}
	var hints []string
	for _, cid := range m.circles() {
		hints = append(hints, txtHintPrefix+fcrypto.CircleHint(cid))
	}
	sort.Strings(hints)
	return append(txt, hints...)
}

// announce (re)registers the zeroconf service when the TXT set changed.
// zeroconf has no record-update call, so a change means a fresh proxy
// registration.
func (m *MDNS) announce() error {
	txt := m.txtRecords()
	key := strings.Join(txt, ";")

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.server != nil && key == m.announced {
		return nil
	}
	if m.server != nil {
		m.server.Shutdown()
		m.server = nil
	}
	host := "felund-" + m.nodeID
	server, err := zeroconf.RegisterProxy(
		host, ServiceName, domain, m.port, host,
		[]string{wire.DetectLocalIP()}, txt, nil,
	)
	if err != nil {
		return err
	}
	m.server = server
	m.announced = key
	return nil
}

func (m *MDNS) browseLoop(ctx context.Context) {
	defer m.wg.Done()

	select {
	case <-time.After(startupDelay):
	case <-ctx.Done():
		return
	}
	m.browseOnce(ctx)

	ticker := time.NewTicker(browseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.announce(); err != nil {
				m.log.Debug("discover: announce refresh failed", "err", err)
			}
			m.browseOnce(ctx)
		}
	}
}

// browseOnce runs one bounded browse round, feeding every entry through
// handleEntry as it arrives. zeroconf closes the channel when the round
// ends.
func (m *MDNS) browseOnce(ctx context.Context) {
	bctx, cancel := context.WithTimeout(ctx, browseTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			m.handleEntry(entry)
		}
	}()

	if err := zeroconf.Browse(bctx, ServiceName, domain, entries); err != nil && ctx.Err() == nil {
		m.log.Debug("discover: browse round failed", "err", err)
	}
	wg.Wait()
}

// handleEntry filters one discovered service: parse the TXT records, drop
// self and recently seen nodes, intersect the advertised hints with our
// circles, and hand any match to the callback.
func (m *MDNS) handleEntry(entry *zeroconf.ServiceEntry) {
	var nodeID string
	var hints []string
	for _, txt := range entry.Text {
		switch {
		case strings.HasPrefix(txt, txtNodePrefix):
			nodeID = txt[len(txtNodePrefix):]
		case strings.HasPrefix(txt, txtHintPrefix):
			hints = append(hints, txt[len(txtHintPrefix):])
		}
	}
	if nodeID == "" || nodeID == m.nodeID || entry.Port <= 0 {
		return
	}

	m.mu.Lock()
	if last, ok := m.lastSeen[nodeID]; ok && time.Since(last) < dedupeInterval {
		m.mu.Unlock()
		return
	}
	m.lastSeen[nodeID] = time.Now()
	m.mu.Unlock()

	local := make(map[string]string)
	for _, cid := range m.circles() {
		local[fcrypto.CircleHint(cid)] = cid
	}
	var shared []string
	for _, h := range hints {
		if cid, ok := local[h]; ok {
			shared = append(shared, cid)
		}
	}
	if len(shared) == 0 {
		return
	}
	sort.Strings(shared)

	addr := entryAddr(entry)
	if addr == "" {
		return
	}
	m.log.Info("discover: felund node on LAN", "node", nodeID, "addr", addr, "shared", len(shared))
	m.found(addr, nodeID, shared)
}

// entryAddr picks a dialable endpoint from a service entry: the first
// routable IPv4, else the first routable global IPv6. Link-local IPv6
// needs a zone we cannot recover from mDNS, so it is skipped.
func entryAddr(entry *zeroconf.ServiceEntry) string {
	for _, ip := range entry.AddrIPv4 {
		if !ip.IsLoopback() && !ip.IsUnspecified() {
			return net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port))
		}
	}
	for _, ip := range entry.AddrIPv6 {
		if !ip.IsLoopback() && !ip.IsUnspecified() && !ip.IsLinkLocalUnicast() {
			return net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port))
		}
	}
	return ""
}
