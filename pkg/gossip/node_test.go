package gossip

import (
	"context"
	"net"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"go.uber.org/goleak"

	"github.com/felundnet/felund/internal/fcrypto"
	"github.com/felundnet/felund/internal/state"
)

// waitFor polls cond until it holds or the deadline passes. Responder
// side effects land moments after the initiator's Sync returns, so
// cross-node assertions go through here.
func waitFor(t testing.TB, d time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func idSet(st *state.Store, circleID string) map[string]bool {
	set := make(map[string]bool)
	for _, id := range st.MessageIDs(circleID) {
		set[id] = true
	}
	return set
}

func sameIDs(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if !b[id] {
			return false
		}
	}
	return true
}

// syncAndSettle runs one initiator exchange and waits until both stores
// hold the same message set.
func syncAndSettle(t testing.TB, src, dst *Node, circleID string) {
	t.Helper()
	if err := src.Sync(context.Background(), dst.Addr().String(), circleID, SourceGossip); err != nil {
		t.Fatalf("sync: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return sameIDs(idSet(src.store, circleID), idSet(dst.store, circleID))
	}, "stores to settle")
}

func TestStartCloseNoLeaks(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	nodeID, err := fcrypto.NewNodeID()
	if err != nil {
		t.Fatalf("new node id: %v", err)
	}
	st := state.New(state.NodeConfig{
		NodeID: nodeID,
		Bind:   "127.0.0.1",
		Port:   0,
	}, nil)
	if _, err := st.AddCircle(mustSecret(t), "leak check"); err != nil {
		t.Fatalf("add circle: %v", err)
	}
	n := New(st, nil, nil, quietLogger(), Config{Interval: 20 * time.Millisecond})
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Let a few empty dial rounds tick before tearing down.
	time.Sleep(70 * time.Millisecond)
	if err := n.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestSyncRecordsHistoryAndPeers(t *testing.T) {
	secret := mustSecret(t)
	cid := mustCircleID(t, secret)
	a := newTestNode(t, secret, false, nil)
	b := newTestNode(t, secret, false, nil)
	aID := a.store.Node().NodeID
	bID := b.store.Node().NodeID

	if err := a.Sync(context.Background(), b.Addr().String(), cid, SourceGossip); err != nil {
		t.Fatalf("sync: %v", err)
	}

	rec := a.history.Get(bID)
	if rec == nil || rec.SyncCount != 1 {
		t.Fatalf("initiator history = %+v, want one sync", rec)
	}
	if rec.Sources["gossip"] != 1 {
		t.Fatalf("initiator sources = %v, want gossip:1", rec.Sources)
	}
	waitFor(t, 2*time.Second, func() bool {
		r := b.history.Get(aID)
		return r != nil && r.Sources[SourceInbound] == 1
	}, "responder history")

	// The responder learned the initiator at its advertised port behind
	// the connection's source address; the initiator keeps the address
	// it dialed.
	wantA := net.JoinHostPort("127.0.0.1", strconv.Itoa(a.Port()))
	waitFor(t, 2*time.Second, func() bool {
		for _, p := range b.store.PeerSnapshot(cid) {
			if p.NodeID == aID && p.Addr == wantA {
				return true
			}
		}
		return false
	}, "responder peer record")
	var gotB string
	for _, p := range a.store.PeerSnapshot(cid) {
		if p.NodeID == bID {
			gotB = p.Addr
		}
	}
	if gotB != b.Addr().String() {
		t.Fatalf("initiator recorded responder at %q, want %q", gotB, b.Addr().String())
	}
}

func TestThreeNodeConvergence(t *testing.T) {
	secret := mustSecret(t)
	cid := mustCircleID(t, secret)
	a := newTestNode(t, secret, false, nil)
	b := newTestNode(t, secret, false, nil)
	c := newTestNode(t, secret, false, nil)

	for _, pair := range []struct {
		n    *Node
		text string
	}{{a, "m1"}, {b, "m2"}, {c, "m3"}} {
		if _, err := pair.n.store.SendMessage(cid, state.GeneralChannel, pair.text); err != nil {
			t.Fatalf("send %s: %v", pair.text, err)
		}
	}

	// Two rounds of a ring of syncs; one is enough, the second must
	// change nothing.
	for round := 0; round < 2; round++ {
		syncAndSettle(t, a, b, cid)
		syncAndSettle(t, b, c, cid)
		syncAndSettle(t, c, a, cid)
	}

	want := idSet(a.store, cid)
	if len(want) != 3 {
		t.Fatalf("converged set has %d messages, want 3", len(want))
	}
	for name, n := range map[string]*Node{"b": b, "c": c} {
		if !sameIDs(want, idSet(n.store, cid)) {
			t.Fatalf("node %s diverged: %v vs %v", name, idSet(n.store, cid), want)
		}
	}
}

func TestInviteChannelFlowAcrossNodes(t *testing.T) {
	secret := mustSecret(t)
	cid := mustCircleID(t, secret)
	a := newTestNode(t, secret, false, nil)
	b := newTestNode(t, secret, false, nil)
	bID := b.store.Node().NodeID

	if _, err := a.store.CreateChannel(cid, "ops", state.AccessInvite, ""); err != nil {
		t.Fatalf("create channel: %v", err)
	}
	syncAndSettle(t, b, a, cid)

	var sawChannel bool
	for _, ch := range b.store.Channels(cid) {
		if ch.ChannelID == "ops" && ch.AccessMode == state.AccessInvite {
			sawChannel = true
		}
	}
	if !sawChannel {
		t.Fatalf("channel did not propagate: %+v", b.store.Channels(cid))
	}

	if err := b.store.RequestJoin(cid, "ops"); err != nil {
		t.Fatalf("request join: %v", err)
	}
	syncAndSettle(t, b, a, cid)
	waitFor(t, 2*time.Second, func() bool {
		for _, id := range a.store.ChannelRequests(cid, "ops") {
			if id == bID {
				return true
			}
		}
		return false
	}, "join request to reach the owner")

	if err := a.store.ApproveJoin(cid, "ops", bID); err != nil {
		t.Fatalf("approve join: %v", err)
	}
	syncAndSettle(t, b, a, cid)

	for name, st := range map[string]*state.Store{"owner": a.store, "member": b.store} {
		var member bool
		for _, id := range st.ChannelMembers(cid, "ops") {
			if id == bID {
				member = true
			}
		}
		if !member {
			t.Fatalf("%s store does not show the approved member", name)
		}
	}
}

func TestAnchorPushAndCursorAdvance(t *testing.T) {
	secret := mustSecret(t)
	cid := mustCircleID(t, secret)
	a := newTestNode(t, secret, false, nil)
	r := newTestNode(t, secret, true, nil)

	for _, text := range []string{"park me", "me too"} {
		if _, err := a.store.SendMessage(cid, state.GeneralChannel, text); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	if err := a.Sync(context.Background(), r.Addr().String(), cid, SourceGossip); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got := len(r.store.AnchorEnvelopesSince(cid, 0, 0)); got != 2 {
		t.Fatalf("anchor holds %d envelopes after push, want 2", got)
	}
	cursor := a.pullCursor(cid)
	if cursor <= 0 {
		t.Fatalf("pull cursor = %d, want it advanced", cursor)
	}

	if err := a.Sync(context.Background(), r.Addr().String(), cid, SourceGossip); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if got := len(r.store.AnchorEnvelopesSince(cid, 0, 0)); got != 2 {
		t.Fatalf("anchor holds %d envelopes after repush, want still 2", got)
	}
	if a.pullCursor(cid) < cursor {
		t.Fatalf("pull cursor went backwards: %d -> %d", cursor, a.pullCursor(cid))
	}
}

func TestRoundTargetsSkipViolators(t *testing.T) {
	secret := mustSecret(t)
	cid := mustCircleID(t, secret)
	n := newTestNode(t, secret, false, nil)

	peers := []string{
		strings.Repeat("1", 24),
		strings.Repeat("2", 24),
		strings.Repeat("3", 24),
	}
	for i, id := range peers {
		n.store.TouchPeer(cid, id, "127.0.0.1:"+strconv.Itoa(7100+i))
	}
	now := time.Now()
	n.history.RecordViolation(peers[0], now.Add(time.Hour))
	n.history.RecordViolation(peers[1], now.Add(-time.Second)) // already served

	got := make(map[string]bool)
	for _, p := range n.roundTargets(cid, now) {
		got[p.NodeID] = true
	}
	if got[peers[0]] {
		t.Fatalf("benched peer was dialed")
	}
	if !got[peers[1]] || !got[peers[2]] {
		t.Fatalf("targets = %v, want the expired and clean peers", got)
	}
}

func TestDialRoundAnnouncesAnchor(t *testing.T) {
	secret := mustSecret(t)
	cid := mustCircleID(t, secret)
	nodeID, err := fcrypto.NewNodeID()
	if err != nil {
		t.Fatalf("new node id: %v", err)
	}
	st := state.New(state.NodeConfig{
		NodeID:          nodeID,
		Bind:            "127.0.0.1",
		Port:            0,
		CanAnchor:       true,
		PublicReachable: true,
	}, nil)
	if _, err := st.AddCircle(secret, ""); err != nil {
		t.Fatalf("add circle: %v", err)
	}
	n := New(st, nil, nil, quietLogger(), Config{Interval: time.Hour, AnnounceEvery: 1})
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { n.Close() })

	n.dialRound(context.Background())

	records := st.AnchorRecords(cid)
	if len(records) != 1 || records[0].NodeID != nodeID {
		t.Fatalf("anchor records = %+v, want the local announcement", records)
	}
	if !records[0].Capabilities.CanAnchor || !records[0].Capabilities.PublicReachable {
		t.Fatalf("announced capabilities = %+v", records[0].Capabilities)
	}
}

func TestSyncMetrics(t *testing.T) {
	secret := mustSecret(t)
	cid := mustCircleID(t, secret)
	am := NewMetrics("test", runtime.Version())
	bm := NewMetrics("test", runtime.Version())
	a := newTestNode(t, secret, false, am)
	b := newTestNode(t, secret, false, bm)

	if _, err := a.store.SendMessage(cid, state.GeneralChannel, "count me"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := a.Sync(context.Background(), b.Addr().String(), cid, SourceGossip); err != nil {
		t.Fatalf("sync: %v", err)
	}

	if got := counterValue(t, am, "felund_syncs_total", map[string]string{"role": "initiator", "result": "ok"}); got != 1 {
		t.Fatalf("initiator syncs ok = %v, want 1", got)
	}
	waitFor(t, 2*time.Second, func() bool {
		return counterValue(t, bm, "felund_syncs_total", map[string]string{"role": "responder", "result": "ok"}) == 1
	}, "responder sync counter")
	if got := counterValue(t, bm, "felund_handshakes_total", map[string]string{"result": "ok"}); got != 1 {
		t.Fatalf("handshakes ok = %v, want 1", got)
	}
	if got := counterValue(t, bm, "felund_messages_merged_total", map[string]string{"outcome": "stored"}); got != 1 {
		t.Fatalf("messages stored = %v, want 1", got)
	}
}

// counterValue digs one labeled counter out of an isolated registry.
func counterValue(t testing.TB, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	return findCounter(families, name, labels)
}

func findCounter(families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			have := make(map[string]string)
			for _, lp := range metric.GetLabel() {
				have[lp.GetName()] = lp.GetValue()
			}
			matched := true
			for k, v := range labels {
				if have[k] != v {
					matched = false
					break
				}
			}
			if matched {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}
