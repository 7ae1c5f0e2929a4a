package gossip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/felundnet/felund/internal/fcrypto"
	"github.com/felundnet/felund/internal/state"
	"github.com/felundnet/felund/internal/wire"
)

const (
	// maxAnchorPush caps envelopes sent in one ANCHOR_PUSH. Pushing is
	// opportunistic; anything beyond the cap rides a later sync.
	maxAnchorPush = 50

	// maxAnchorPull caps envelopes served per ANCHOR_MSGS page. The
	// server_time cursor lets the puller resume past the cap.
	maxAnchorPull = 200

	// anchorAckTimeout bounds the wait for ANCHOR_PUSH_ACK.
	anchorAckTimeout = 5 * time.Second

	// anchorMsgsTimeout bounds the wait for an ANCHOR_MSGS page, which
	// can be an order of magnitude larger than an ack.
	anchorMsgsTimeout = 10 * time.Second

	// anchorServeTimeout is the per-frame read budget while serving the
	// anchor phase. Initiators that want nothing just stop sending; the
	// timeout is how the server notices the phase is over.
	anchorServeTimeout = 3 * time.Second

	// frameBudget bounds the encoded size of a multi-item frame. The
	// slack under wire.MaxFrame covers the tag, ids, and JSON
	// scaffolding around the item list.
	frameBudget = wire.MaxFrame - 512
)

// Sync dials addr and runs one complete exchange for circleID as the
// initiating side. source labels how the peer was found and lands in
// the sync history. A failed anchor phase after a completed message
// sync is logged but does not fail the sync.
func (n *Node) Sync(ctx context.Context, addr, circleID, source string) error {
	secret, ok := n.store.SecretFor(circleID)
	if !ok {
		return state.ErrUnknownCircle
	}
	d := net.Dialer{Timeout: n.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		n.metrics.countSync("initiator", "error", 0)
		return fmt.Errorf("gossip: dial %s: %w", addr, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	start := n.now()
	serverID, err := n.runInitiator(conn, addr, circleID, secret)
	if err != nil {
		result := "error"
		if errors.Is(err, ErrHandshakeRejected) {
			result = "rejected"
		}
		n.metrics.countSync("initiator", result, 0)
		return err
	}
	elapsed := n.now().Sub(start)
	n.history.RecordIntroduction(serverID, addr, source)
	n.history.RecordSync(serverID, source, elapsed)
	n.metrics.countSync("initiator", "ok", elapsed.Seconds())
	n.log.Debug("gossip: sync complete",
		"peer", shortID(serverID), "addr", addr,
		"circle", shortID(circleID), "source", source,
		"elapsed_ms", elapsed.Milliseconds())
	return nil
}

// runInitiator performs the handshake and all later phases on an open
// connection. Returns the responder's node id once it is known so the
// caller can attribute the outcome.
func (n *Node) runInitiator(conn net.Conn, addr, circleID, secret string) (string, error) {
	f := wire.NewFramer(conn)
	clientNonce, err := fcrypto.NewNonce()
	if err != nil {
		return "", err
	}
	self := n.store.Node()
	hello := wire.Frame{
		T:          wire.TagHello,
		NodeID:     self.NodeID,
		CircleID:   circleID,
		ListenAddr: n.advertised(),
		Nonce:      clientNonce,
		CanAnchor:  self.CanAnchor,
	}
	if err := f.Write(hello); err != nil {
		return "", err
	}
	ch, err := f.Read()
	if err != nil {
		return "", err
	}
	if ch.T == wire.TagError {
		return "", fmt.Errorf("%w: %s", ErrHandshakeRejected, ch.Err)
	}
	if ch.T != wire.TagChallenge {
		return "", &phaseError{Reason: "Expected CHALLENGE", Got: ch.T}
	}
	token, err := fcrypto.MakeToken(secret, self.NodeID, circleID, ch.Nonce)
	if err != nil {
		return "", err
	}
	if err := f.Write(wire.Frame{T: wire.TagHelloAuth, Token: token}); err != nil {
		return "", err
	}
	welcome, err := f.Read()
	if err != nil {
		return "", err
	}
	if welcome.T == wire.TagError {
		return "", fmt.Errorf("%w: %s", ErrHandshakeRejected, welcome.Err)
	}
	if welcome.T != wire.TagWelcome {
		return "", &phaseError{Reason: "Expected WELCOME", Got: welcome.T}
	}
	// The responder answered at the address we dialed, so that is the
	// address worth remembering for it.
	n.store.TouchPeer(circleID, welcome.NodeID, addr)
	if welcome.EncReady {
		key, err := fcrypto.DeriveSessionKey(secret, clientNonce, ch.Nonce)
		if err != nil {
			return welcome.NodeID, err
		}
		f.EnableEncryption(key)
	}
	if err := n.exchange(f, circleID); err != nil {
		return welcome.NodeID, err
	}
	if welcome.CanAnchor {
		if err := n.anchorPushPull(f, circleID); err != nil {
			n.log.Debug("gossip: anchor exchange failed",
				"peer", shortID(welcome.NodeID), "error", err)
		}
	}
	return welcome.NodeID, nil
}

// serveConn runs the responder side of one inbound connection through
// handshake, exchange, and the anchor phase when this node anchors.
func (n *Node) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	f := wire.NewFramer(conn)
	hello, err := f.Read()
	if err != nil {
		n.metrics.countHandshake("bad_frame")
		n.log.Debug("gossip: inbound handshake unreadable",
			"remote", conn.RemoteAddr().String(), "error", err)
		return
	}
	if hello.T != wire.TagHello {
		n.metrics.countHandshake("bad_hello")
		_ = f.Write(wire.Frame{T: wire.TagError, Err: "Expected HELLO"})
		return
	}
	secret, ok := n.store.SecretFor(hello.CircleID)
	if !ok {
		n.metrics.countHandshake("unknown_circle")
		_ = f.Write(wire.Frame{T: wire.TagError, Err: "Unknown circle_id"})
		return
	}
	serverNonce, err := fcrypto.NewNonce()
	if err != nil {
		n.metrics.countHandshake("internal")
		_ = f.Write(wire.Frame{T: wire.TagError, Err: "Internal error"})
		return
	}
	if err := f.Write(wire.Frame{T: wire.TagChallenge, Nonce: serverNonce}); err != nil {
		return
	}
	auth, err := f.Read()
	if err != nil {
		n.metrics.countHandshake("bad_frame")
		if isViolation(err) {
			n.recordViolation(hello.NodeID)
		}
		return
	}
	if auth.T != wire.TagHelloAuth {
		n.metrics.countHandshake("bad_hello")
		_ = f.Write(wire.Frame{T: wire.TagError, Err: "Expected HELLO_AUTH"})
		n.recordViolation(hello.NodeID)
		return
	}
	if !fcrypto.VerifyToken(secret, hello.NodeID, hello.CircleID, serverNonce, auth.Token) {
		// Wrong or replayed token. Not a violation: a stale secret on
		// an honest peer looks exactly the same.
		n.metrics.countHandshake("auth_failed")
		_ = f.Write(wire.Frame{T: wire.TagError, Err: "Auth failed"})
		n.log.Debug("gossip: auth failed",
			"claimed", shortID(hello.NodeID), "remote", conn.RemoteAddr().String())
		return
	}
	self := n.store.Node()
	encReady := hello.Nonce != ""
	if err := f.Write(wire.Frame{
		T:         wire.TagWelcome,
		NodeID:    self.NodeID,
		EncReady:  encReady,
		CanAnchor: self.CanAnchor,
	}); err != nil {
		return
	}
	n.metrics.countHandshake("ok")
	n.store.TouchPeer(hello.CircleID, hello.NodeID,
		resolvePeerAddr(conn.RemoteAddr(), hello.ListenAddr))
	if encReady {
		key, err := fcrypto.DeriveSessionKey(secret, hello.Nonce, serverNonce)
		if err != nil {
			return
		}
		f.EnableEncryption(key)
	}

	start := n.now()
	if err := n.exchange(f, hello.CircleID); err != nil {
		var pe *phaseError
		if errors.As(err, &pe) {
			_ = f.Write(wire.Frame{T: wire.TagError, Err: pe.Reason})
		}
		if isViolation(err) {
			n.recordViolation(hello.NodeID)
		} else {
			n.history.RecordFailure(hello.NodeID, err)
		}
		n.metrics.countSync("responder", "error", 0)
		n.log.Debug("gossip: inbound sync failed",
			"peer", shortID(hello.NodeID), "error", err)
		return
	}
	elapsed := n.now().Sub(start)
	n.history.RecordIntroduction(hello.NodeID, conn.RemoteAddr().String(), SourceInbound)
	n.history.RecordSync(hello.NodeID, SourceInbound, elapsed)
	n.metrics.countSync("responder", "ok", elapsed.Seconds())
	if self.CanAnchor {
		n.anchorServe(f, hello.CircleID)
	}
}

// exchange runs the peer and message phases. Both roles execute the
// identical write-then-read sequence; socket buffering absorbs the
// concurrent writes since each side stays under the frame cap.
func (n *Node) exchange(f *wire.Framer, circleID string) error {
	if err := f.Write(wire.Frame{
		T: wire.TagPeers, CircleID: circleID,
		Peers: n.store.PeerSnapshot(circleID),
	}); err != nil {
		return err
	}
	if err := f.Write(wire.Frame{
		T: wire.TagMsgsHave, CircleID: circleID,
		MsgIDs: n.store.HaveIDs(circleID, n.cfg.HaveWindow),
	}); err != nil {
		return err
	}

	peers, err := f.Read()
	if err != nil {
		return err
	}
	if peers.T == wire.TagError {
		return fmt.Errorf("%w: %s", ErrRemoteError, peers.Err)
	}
	if peers.T != wire.TagPeers {
		return &phaseError{Reason: "Bad sync frames", Got: peers.T}
	}
	have, err := f.Read()
	if err != nil {
		return err
	}
	if have.T == wire.TagError {
		return fmt.Errorf("%w: %s", ErrRemoteError, have.Err)
	}
	if have.T != wire.TagMsgsHave {
		return &phaseError{Reason: "Bad sync frames", Got: have.T}
	}
	n.store.MergePeers(circleID, peers.Peers)

	if err := f.Write(wire.Frame{
		T: wire.TagMsgsReq, CircleID: circleID,
		MsgIDs: n.store.MissingIDs(circleID, have.MsgIDs),
	}); err != nil {
		return err
	}
	req, err := f.Read()
	if err != nil {
		return err
	}
	if req.T == wire.TagError {
		return fmt.Errorf("%w: %s", ErrRemoteError, req.Err)
	}
	if req.T != wire.TagMsgsReq {
		return &phaseError{Reason: "Expected MSGS_REQ", Got: req.T}
	}

	msgs := capToBudget(n.store.MessagesByIDs(circleID, req.MsgIDs))
	if err := f.Write(wire.Frame{
		T: wire.TagMsgsSend, CircleID: circleID, Messages: msgs,
	}); err != nil {
		return err
	}
	send, err := f.Read()
	if err != nil {
		return err
	}
	if send.T == wire.TagError {
		return fmt.Errorf("%w: %s", ErrRemoteError, send.Err)
	}
	if send.T != wire.TagMsgsSend {
		return &phaseError{Reason: "Expected MSGS_SEND", Got: send.T}
	}
	stats := n.store.MergeMessages(circleID, send.Messages)
	n.metrics.observeMerge(stats.Stored, stats.Duplicates, stats.Rejected)
	if stats.Rejected > 0 {
		n.log.Debug("gossip: merge rejected messages",
			"circle", shortID(circleID), "count", stats.Rejected)
	}
	return nil
}

// anchorPushPull runs the optional final phase against a willing
// anchor: park recent envelopes there, then pull whatever the anchor
// accumulated since the last pull from anyone.
func (n *Node) anchorPushPull(f *wire.Framer, circleID string) error {
	envs, err := n.store.RecentEnvelopes(circleID, maxAnchorPush)
	if err != nil {
		return err
	}
	envs = capToBudget(envs)
	if err := f.Write(wire.Frame{
		T: wire.TagAnchorPush, CircleID: circleID, Envelopes: envs,
	}); err != nil {
		return err
	}
	ack, err := f.ReadWithin(anchorAckTimeout)
	if err != nil {
		return err
	}
	if ack.T != wire.TagAnchorPushAck {
		return &phaseError{Reason: "Expected ANCHOR_PUSH_ACK", Got: ack.T}
	}
	n.metrics.countAnchor("pushed", len(envs))

	if err := f.Write(wire.Frame{
		T: wire.TagAnchorPull, CircleID: circleID,
		Since: n.pullCursor(circleID),
	}); err != nil {
		return err
	}
	pulled, err := f.ReadWithin(anchorMsgsTimeout)
	if err != nil {
		return err
	}
	if pulled.T != wire.TagAnchorMsgs {
		return &phaseError{Reason: "Expected ANCHOR_MSGS", Got: pulled.T}
	}
	stats := n.store.MergeEnvelopes(circleID, pulled.Envelopes)
	n.metrics.observeMerge(stats.Stored, stats.Duplicates, stats.Rejected)
	n.metrics.countAnchor("pulled", len(pulled.Envelopes))
	if pulled.ServerTime > 0 {
		n.setPullCursor(circleID, pulled.ServerTime)
	}
	return nil
}

// anchorServe answers push and pull requests after a completed sync.
// The initiator may send nothing at all; a read timeout or a closed
// connection ends the phase cleanly, and nothing in it is fatal.
func (n *Node) anchorServe(f *wire.Framer, circleID string) {
	for {
		fr, err := f.ReadWithin(anchorServeTimeout)
		if err != nil {
			return
		}
		switch fr.T {
		case wire.TagAnchorPush:
			stored := n.store.StoreAnchorEnvelopes(circleID, fr.Envelopes)
			n.metrics.countAnchor("stored", stored)
			if err := f.Write(wire.Frame{T: wire.TagAnchorPushAck, Stored: stored}); err != nil {
				return
			}
		case wire.TagAnchorPull:
			envs, serverTime := n.servePull(circleID, fr.Since)
			n.metrics.countAnchor("served", len(envs))
			if err := f.Write(wire.Frame{
				T: wire.TagAnchorMsgs, Envelopes: envs, ServerTime: serverTime,
			}); err != nil {
				return
			}
		default:
			return
		}
	}
}

// servePull pages stored envelopes created strictly after since, oldest
// first. server_time tells the puller where to resume: the creation
// time of the last included envelope when the page was cut short,
// otherwise the current time. Envelopes sharing a cut second that
// missed the page are left to the regular message sync.
func (n *Node) servePull(circleID string, since int64) ([]state.AnchorEnvelope, int64) {
	envs := n.store.AnchorEnvelopesSince(circleID, since, maxAnchorPull+1)
	truncated := len(envs) > maxAnchorPull
	if truncated {
		envs = envs[:maxAnchorPull]
	}
	bounded := capToBudget(envs)
	if len(bounded) < len(envs) {
		truncated = true
		envs = bounded
	}
	serverTime := n.now().Unix()
	if truncated && len(envs) > 0 {
		serverTime = envs[len(envs)-1].CreatedTS
	}
	return envs, serverTime
}

// resolvePeerAddr decides where a just-authenticated initiator can be
// dialed back. The port comes from the advertised listen_addr, the
// host from the connection itself, since NAT may rewrite what the peer
// thinks its address is. An empty advert means the peer does not
// listen; an advert that does not parse is recorded verbatim.
func resolvePeerAddr(remote net.Addr, advertised string) string {
	if advertised == "" {
		return ""
	}
	_, port, err := wire.ParseHostPort(advertised, 0)
	if err != nil || port == 0 {
		return advertised
	}
	host, _, err := net.SplitHostPort(remote.String())
	if err != nil {
		return advertised
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// capToBudget trims items so their combined encoding stays inside one
// frame. Nothing trimmed is lost: the requester still misses those
// messages and asks again, and pull cursors re-page.
func capToBudget[T any](items []T) []T {
	size := 0
	for i, it := range items {
		b, err := json.Marshal(it)
		if err != nil {
			return items[:i]
		}
		size += len(b) + 1
		if size > frameBudget {
			return items[:i]
		}
	}
	return items
}
