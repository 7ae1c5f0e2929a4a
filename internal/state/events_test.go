package state

import (
	"strings"
	"testing"

	"github.com/felundnet/felund/internal/control"
	"github.com/felundnet/felund/internal/fcrypto"
)

func controlMessage(t testing.TB, circleID, author, text string, ts int64) Message {
	t.Helper()
	m := Message{
		MsgID:        fcrypto.NewMessageID(author, ts),
		CircleID:     circleID,
		ChannelID:    control.ChannelID,
		AuthorNodeID: author,
		CreatedTS:    ts,
		Text:         text,
	}
	mac, err := fcrypto.MessageMAC(testSecretHex, m.Fields())
	if err != nil {
		t.Fatal(err)
	}
	m.MAC = mac
	return m
}

func hasMember(t testing.TB, s *Store, circleID, channelID, nodeID string) bool {
	t.Helper()
	for _, id := range s.ChannelMembers(circleID, channelID) {
		if id == nodeID {
			return true
		}
	}
	return false
}

func TestChannelCreateAndJoinFlow(t *testing.T) {
	s, cid := newTestStore(t, testNodeID("a"))
	owner := testNodeID("b")
	member := testNodeID("c")

	create := control.ChannelEvent{
		Op: control.OpCreate, CircleID: cid, ChannelID: "dev",
		ActorNodeID: owner, AccessMode: AccessPublic, CreatedTS: 1700000000,
	}
	s.MergeMessages(cid, []Message{controlMessage(t, cid, owner, create.Encode(), 1700000000)})

	channels := s.Channels(cid)
	var dev *Channel
	for i := range channels {
		if channels[i].ChannelID == "dev" {
			dev = &channels[i]
		}
	}
	if dev == nil {
		t.Fatal("channel dev not created")
	}
	if dev.CreatedBy != owner || dev.AccessMode != AccessPublic {
		t.Errorf("channel = %+v", dev)
	}
	if !hasMember(t, s, cid, "dev", owner) {
		t.Error("creator not in member set")
	}

	join := control.ChannelEvent{
		Op: control.OpJoin, CircleID: cid, ChannelID: "dev",
		ActorNodeID: member, NodeID: member, CreatedTS: 1700000001,
	}
	s.MergeMessages(cid, []Message{controlMessage(t, cid, member, join.Encode(), 1700000001)})
	if !hasMember(t, s, cid, "dev", member) {
		t.Error("joiner not in member set")
	}
}

func TestChannelCreateDoesNotOverwrite(t *testing.T) {
	s, cid := newTestStore(t, testNodeID("a"))
	owner := testNodeID("b")
	rival := testNodeID("c")

	first := control.ChannelEvent{
		Op: control.OpCreate, CircleID: cid, ChannelID: "dev",
		ActorNodeID: owner, AccessMode: AccessPublic, CreatedTS: 1700000000,
	}
	second := control.ChannelEvent{
		Op: control.OpCreate, CircleID: cid, ChannelID: "dev",
		ActorNodeID: rival, AccessMode: AccessInvite, CreatedTS: 1700000005,
	}
	s.MergeMessages(cid, []Message{
		controlMessage(t, cid, owner, first.Encode(), 1700000000),
		controlMessage(t, cid, rival, second.Encode(), 1700000005),
	})

	for _, ch := range s.Channels(cid) {
		if ch.ChannelID == "dev" {
			if ch.CreatedBy != owner || ch.AccessMode != AccessPublic {
				t.Errorf("duplicate create overwrote channel: %+v", ch)
			}
		}
	}
}

func TestKeyChannelJoinChecksKeyHash(t *testing.T) {
	s, cid := newTestStore(t, testNodeID("a"))
	owner := testNodeID("b")
	member := testNodeID("c")
	keyHash := fcrypto.ChannelKeyHash(cid, "sec", "hunter2")

	create := control.ChannelEvent{
		Op: control.OpCreate, CircleID: cid, ChannelID: "sec",
		ActorNodeID: owner, AccessMode: AccessKey, KeyHash: keyHash, CreatedTS: 1700000000,
	}
	s.MergeMessages(cid, []Message{controlMessage(t, cid, owner, create.Encode(), 1700000000)})

	noKey := control.ChannelEvent{
		Op: control.OpJoin, CircleID: cid, ChannelID: "sec",
		ActorNodeID: member, NodeID: member, CreatedTS: 1700000001,
	}
	wrongKey := control.ChannelEvent{
		Op: control.OpJoin, CircleID: cid, ChannelID: "sec",
		ActorNodeID: member, NodeID: member,
		KeyHash:   fcrypto.ChannelKeyHash(cid, "sec", "wrong"),
		CreatedTS: 1700000002,
	}
	s.MergeMessages(cid, []Message{
		controlMessage(t, cid, member, noKey.Encode(), 1700000001),
		controlMessage(t, cid, member, wrongKey.Encode(), 1700000002),
	})
	if hasMember(t, s, cid, "sec", member) {
		t.Fatal("join without the right key was honored")
	}

	rightKey := control.ChannelEvent{
		Op: control.OpJoin, CircleID: cid, ChannelID: "sec",
		ActorNodeID: member, NodeID: member, KeyHash: keyHash, CreatedTS: 1700000003,
	}
	s.MergeMessages(cid, []Message{controlMessage(t, cid, member, rightKey.Encode(), 1700000003)})
	if !hasMember(t, s, cid, "sec", member) {
		t.Error("join with the right key was ignored")
	}
}

func TestInviteChannelFlow(t *testing.T) {
	s, cid := newTestStore(t, testNodeID("a"))
	owner := testNodeID("b")
	member := testNodeID("c")
	outsider := testNodeID("d")

	create := control.ChannelEvent{
		Op: control.OpCreate, CircleID: cid, ChannelID: "planning",
		ActorNodeID: owner, AccessMode: AccessInvite, CreatedTS: 1700000000,
	}
	s.MergeMessages(cid, []Message{controlMessage(t, cid, owner, create.Encode(), 1700000000)})

	// A direct join on an invite channel is ignored.
	join := control.ChannelEvent{
		Op: control.OpJoin, CircleID: cid, ChannelID: "planning",
		ActorNodeID: member, NodeID: member, CreatedTS: 1700000001,
	}
	s.MergeMessages(cid, []Message{controlMessage(t, cid, member, join.Encode(), 1700000001)})
	if hasMember(t, s, cid, "planning", member) {
		t.Fatal("direct join on invite channel was honored")
	}

	request := control.ChannelEvent{
		Op: control.OpRequest, CircleID: cid, ChannelID: "planning",
		ActorNodeID: member, NodeID: member, CreatedTS: 1700000002,
	}
	s.MergeMessages(cid, []Message{controlMessage(t, cid, member, request.Encode(), 1700000002)})
	if got := s.ChannelRequests(cid, "planning"); len(got) != 1 || got[0] != member {
		t.Fatalf("requests = %v, want pending member", got)
	}

	// Approval from anyone but the creator is ignored.
	badApprove := control.ChannelEvent{
		Op: control.OpApprove, CircleID: cid, ChannelID: "planning",
		ActorNodeID: outsider, TargetNodeID: member, CreatedTS: 1700000003,
	}
	s.MergeMessages(cid, []Message{controlMessage(t, cid, outsider, badApprove.Encode(), 1700000003)})
	if hasMember(t, s, cid, "planning", member) {
		t.Fatal("non-owner approve was honored")
	}

	approve := control.ChannelEvent{
		Op: control.OpApprove, CircleID: cid, ChannelID: "planning",
		ActorNodeID: owner, TargetNodeID: member, CreatedTS: 1700000004,
	}
	s.MergeMessages(cid, []Message{controlMessage(t, cid, owner, approve.Encode(), 1700000004)})
	if !hasMember(t, s, cid, "planning", member) {
		t.Error("owner approve did not admit the member")
	}
	if got := s.ChannelRequests(cid, "planning"); len(got) != 0 {
		t.Errorf("requests = %v, want cleared", got)
	}
}

func TestLeaveChannelEvents(t *testing.T) {
	s, cid := newTestStore(t, testNodeID("a"))
	member := testNodeID("c")

	join := control.ChannelEvent{
		Op: control.OpJoin, CircleID: cid, ChannelID: GeneralChannel,
		ActorNodeID: member, NodeID: member, CreatedTS: 1700000000,
	}
	s.MergeMessages(cid, []Message{controlMessage(t, cid, member, join.Encode(), 1700000000)})
	if !hasMember(t, s, cid, GeneralChannel, member) {
		t.Fatal("join not applied")
	}

	leaveGeneral := control.ChannelEvent{
		Op: control.OpLeave, CircleID: cid, ChannelID: GeneralChannel,
		ActorNodeID: member, NodeID: member, CreatedTS: 1700000001,
	}
	s.MergeMessages(cid, []Message{controlMessage(t, cid, member, leaveGeneral.Encode(), 1700000001)})
	if !hasMember(t, s, cid, GeneralChannel, member) {
		t.Error("leave removed a member from general")
	}

	create := control.ChannelEvent{
		Op: control.OpCreate, CircleID: cid, ChannelID: "dev",
		ActorNodeID: member, AccessMode: AccessPublic, CreatedTS: 1700000002,
	}
	leave := control.ChannelEvent{
		Op: control.OpLeave, CircleID: cid, ChannelID: "dev",
		ActorNodeID: member, NodeID: member, CreatedTS: 1700000003,
	}
	s.MergeMessages(cid, []Message{
		controlMessage(t, cid, member, create.Encode(), 1700000002),
		controlMessage(t, cid, member, leave.Encode(), 1700000003),
	})
	if hasMember(t, s, cid, "dev", member) {
		t.Error("leave did not remove the member")
	}
}

func TestRenameEventUpdatesDisplayName(t *testing.T) {
	s, cid := newTestStore(t, testNodeID("a"))
	subject := testNodeID("c")

	long := strings.Repeat("x", 45)
	rename := control.ChannelEvent{
		Op: control.OpRename, CircleID: cid,
		ActorNodeID: subject, NodeID: subject, DisplayName: long, CreatedTS: 1700000000,
	}
	s.MergeMessages(cid, []Message{controlMessage(t, cid, subject, rename.Encode(), 1700000000)})

	got := s.DisplayNameOf(subject)
	if got != strings.Repeat("x", MaxDisplayNameLen) {
		t.Errorf("display name = %q (%d runes), want capped at %d", got, len([]rune(got)), MaxDisplayNameLen)
	}
}

func TestCircleNameAppliedOnlyWhenUnset(t *testing.T) {
	s, cid := newTestStore(t, testNodeID("a"))
	author := testNodeID("b")

	first := control.CircleNameEvent{CircleID: cid, Name: "alpha"}
	second := control.CircleNameEvent{CircleID: cid, Name: "beta"}
	s.MergeMessages(cid, []Message{controlMessage(t, cid, author, first.Encode(), 1700000000)})
	s.MergeMessages(cid, []Message{controlMessage(t, cid, author, second.Encode(), 1700000001)})

	c, _ := s.Circle(cid)
	if c.Name != "alpha" {
		t.Errorf("circle name = %q, want first gossiped name kept", c.Name)
	}
}

func TestCircleNameLocalWins(t *testing.T) {
	s, cid := newTestStore(t, testNodeID("a"))
	if err := s.SetCircleName(cid, "ours"); err != nil {
		t.Fatal(err)
	}
	ev := control.CircleNameEvent{CircleID: cid, Name: "theirs"}
	s.MergeMessages(cid, []Message{controlMessage(t, cid, testNodeID("b"), ev.Encode(), 1700000000)})

	c, _ := s.Circle(cid)
	if c.Name != "ours" {
		t.Errorf("circle name = %q, want local name kept", c.Name)
	}
}

func TestAnchorAnnounceMonotonic(t *testing.T) {
	s, cid := newTestStore(t, testNodeID("a"))
	s.now = func() int64 { return 2000 }
	subject := testNodeID("b")

	newer := control.AnchorAnnounceEvent{
		NodeID:       subject,
		Capabilities: control.Capabilities{CanAnchor: true, PublicReachable: true},
		AnnouncedAt:  100,
	}
	s.MergeMessages(cid, []Message{controlMessage(t, cid, subject, newer.Encode(), 1700000000)})

	s.now = func() int64 { return 3000 }
	older := control.AnchorAnnounceEvent{
		NodeID:       subject,
		Capabilities: control.Capabilities{CanAnchor: false},
		AnnouncedAt:  50,
	}
	s.MergeMessages(cid, []Message{controlMessage(t, cid, subject, older.Encode(), 1700000001)})

	recs := s.AnchorRecords(cid)
	if len(recs) != 1 {
		t.Fatalf("anchor records = %d, want 1", len(recs))
	}
	if !recs[0].Capabilities.CanAnchor {
		t.Error("older announce replaced newer capabilities")
	}
	if recs[0].LastSeenTS != 3000 {
		t.Errorf("last_seen_ts = %d, want refreshed to 3000", recs[0].LastSeenTS)
	}
	if recs[0].AnnouncedAt != 100 {
		t.Errorf("announced_at = %d, want 100", recs[0].AnnouncedAt)
	}
}

func TestUnknownControlKindStoredNotApplied(t *testing.T) {
	s, cid := newTestStore(t, testNodeID("a"))
	author := testNodeID("b")
	text := `{"call_id":"xyz","t":"CALL_EVT"}`

	stats := s.MergeMessages(cid, []Message{controlMessage(t, cid, author, text, 1700000000)})
	if stats.Stored != 1 {
		t.Fatalf("stats = %+v, want unknown control kind stored", stats)
	}
	if stats.ControlApplied != 0 {
		t.Errorf("applied = %d, want 0 for unknown kind", stats.ControlApplied)
	}
}
