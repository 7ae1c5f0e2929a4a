package rendezvous

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/felundnet/felund/internal/state"
	"github.com/felundnet/felund/internal/wire"
)

// Presence loop tuning.
const (
	// DefaultInterval between presence rounds. Short enough that a fresh
	// node shows up within one chat pause, long enough to stay polite.
	DefaultInterval = 8 * time.Second

	// dialFanout caps sync dials per circle per round.
	dialFanout = 5

	// relayPushWindow is how many recent messages are offered to the
	// relay per round, in PushBatch chunks.
	relayPushWindow = 100

	// unregisterTimeout bounds the best-effort withdrawal at shutdown.
	unregisterTimeout = 3 * time.Second
)

// DialFunc asks the sync layer to run one exchange with a discovered
// endpoint. Implementations must not block the presence loop for longer
// than a sync takes.
type DialFunc func(ctx context.Context, addr, circleID string)

// Presence keeps this node registered with a rendezvous server and folds
// what the server knows back into the local store: peer endpoints become
// gossip peer records, and when the server carries the relay extension,
// messages are pushed and pulled through its store-and-forward queue.
type Presence struct {
	client   *Client
	store    *state.Store
	log      *slog.Logger
	interval time.Duration
	dial     DialFunc
	listen   string // overrides the snapshot endpoint when set

	relayOff bool             // server answered 404 on /v1/messages
	since    map[string]int64 // circle_id → relay pull cursor
}

// NewPresence wires a presence loop. dial may be nil when no sync layer
// wants discovery triggers (tests).
func NewPresence(client *Client, store *state.Store, log *slog.Logger, dial DialFunc) *Presence {
	if log == nil {
		log = slog.Default()
	}
	return &Presence{
		client:   client,
		store:    store,
		log:      log,
		interval: DefaultInterval,
		dial:     dial,
		since:    make(map[string]int64),
	}
}

// SetListenAddr fixes the endpoint registered with the server. Without
// it each round advertises the snapshot's bind and port, which is wrong
// when the gossip listener bound an ephemeral or overridden port.
func (p *Presence) SetListenAddr(addr string) {
	p.listen = addr
}

// Run loops until the context ends, then withdraws all registrations
// best-effort. Always returns the context's error.
func (p *Presence) Run(ctx context.Context) error {
	if err := p.client.Health(ctx); err != nil {
		p.log.Debug("rendezvous: health probe failed", "err", err)
	} else {
		p.log.Info("rendezvous: server reachable", "base", p.client.base)
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		p.round(ctx)
		select {
		case <-ctx.Done():
			p.unregisterAll()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// round registers every circle, merges discovered peers, triggers dials,
// and exchanges relay messages. Failures are per-circle and never stop
// the loop.
func (p *Presence) round(ctx context.Context) {
	listen := p.listen
	if listen == "" {
		node := p.store.Node()
		listen = wire.PublicAddrHint(node.Bind, node.Port)
	}
	for _, c := range p.store.Circles() {
		if ctx.Err() != nil {
			return
		}
		if err := p.client.Register(ctx, c.CircleID, listen); err != nil {
			p.log.Debug("rendezvous: register failed", "circle", short(c.CircleID), "err", err)
			continue
		}
		peers, err := p.client.Peers(ctx, c.CircleID)
		if err != nil {
			p.log.Debug("rendezvous: peer lookup failed", "circle", short(c.CircleID), "err", err)
			continue
		}
		for _, pa := range peers {
			p.store.TouchPeer(c.CircleID, pa.NodeID, pa.Addr)
		}
		if p.dial != nil {
			n := len(peers)
			if n > dialFanout {
				n = dialFanout
			}
			for _, pa := range peers[:n] {
				p.dial(ctx, pa.Addr, c.CircleID)
			}
		}
		p.relayRound(ctx, c.CircleID)
	}
}

// relayRound pushes recent plaintext messages and pulls what other members
// parked on the relay. A 404 marks the server as relay-less and stops
// further attempts for the life of the loop.
func (p *Presence) relayRound(ctx context.Context, circleID string) {
	if p.relayOff {
		return
	}
	msgs := p.store.RecentMessages(circleID, relayPushWindow)
	for i := range msgs {
		msgs[i].Enc = nil // relay carries plaintext + MAC only
	}
	for start := 0; start < len(msgs); start += PushBatch {
		end := start + PushBatch
		if end > len(msgs) {
			end = len(msgs)
		}
		if _, err := p.client.PushMessages(ctx, circleID, msgs[start:end]); err != nil {
			p.relayFailed(circleID, err)
			return
		}
	}

	pulled, serverTime, err := p.client.PullMessages(ctx, circleID, p.since[circleID])
	if err != nil {
		p.relayFailed(circleID, err)
		return
	}
	if len(pulled) > 0 {
		stats := p.store.MergeMessages(circleID, pulled)
		if stats.Stored > 0 {
			p.log.Debug("rendezvous: relay messages merged",
				"circle", short(circleID), "stored", stats.Stored, "rejected", stats.Rejected)
		}
	}
	if serverTime > 0 {
		p.since[circleID] = serverTime
	}
}

func (p *Presence) relayFailed(circleID string, err error) {
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		p.relayOff = true
		p.log.Info("rendezvous: server has no relay store; presence only")
		return
	}
	p.log.Debug("rendezvous: relay exchange failed", "circle", short(circleID), "err", err)
}

// unregisterAll withdraws every circle registration with a fresh short
// deadline; the loop context is already dead when this runs.
func (p *Presence) unregisterAll() {
	ctx, cancel := context.WithTimeout(context.Background(), unregisterTimeout)
	defer cancel()
	for _, c := range p.store.Circles() {
		if err := p.client.Unregister(ctx, c.CircleID); err != nil {
			p.log.Debug("rendezvous: unregister failed", "circle", short(c.CircleID), "err", err)
		}
	}
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
