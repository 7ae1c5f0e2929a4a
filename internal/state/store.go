package state

import (
	"log/slog"
	"math/rand/v2"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/felundnet/felund/internal/control"
)

// Store is the single owner of all node state. Every exported method
// acquires the one node-wide mutex, performs the minimum read or mutation,
// and releases it before the caller does any network I/O.
type Store struct {
	mu sync.Mutex

	node            NodeConfig
	circles         map[string]*Circle
	peers           map[string]*Peer                     // node_id → peer
	circlePeers     map[string]map[string]bool           // circle_id → node_id set
	messages        map[string]*Message                  // msg_id → message
	channels        map[string]map[string]*Channel       // circle_id → channel_id → channel
	channelMembers  map[string]map[string]map[string]bool
	channelRequests map[string]map[string]map[string]bool
	displayNames    map[string]string                    // node_id → latest renamed display
	anchorRecords   map[string]map[string]*AnchorRecord  // circle_id → node_id → record
	anchorEnvelopes map[string]map[string]AnchorEnvelope // circle_id → msg_id → envelope (memory only)

	saver Saver
	now   func() int64
}

// New creates an empty store for the given node identity. saver may be nil
// (memory-only operation, used by tests).
func New(node NodeConfig, saver Saver) *Store {
	s := &Store{
		node:            node,
		circles:         make(map[string]*Circle),
		peers:           make(map[string]*Peer),
		circlePeers:     make(map[string]map[string]bool),
		messages:        make(map[string]*Message),
		channels:        make(map[string]map[string]*Channel),
		channelMembers:  make(map[string]map[string]map[string]bool),
		channelRequests: make(map[string]map[string]map[string]bool),
		displayNames:    make(map[string]string),
		anchorRecords:   make(map[string]map[string]*AnchorRecord),
		anchorEnvelopes: make(map[string]map[string]AnchorEnvelope),
		saver:           saver,
		now:             func() int64 { return time.Now().Unix() },
	}
	return s
}

// FromSnapshot rebuilds a store from a persisted snapshot.
func FromSnapshot(snap *Snapshot, saver Saver) *Store {
	s := New(snap.Node, saver)
	for _, c := range snap.Circles {
		circle := c
		s.circles[c.CircleID] = &circle
		s.ensureGeneralLocked(c.CircleID)
	}
	for _, p := range snap.Peers {
		peer := p
		s.peers[p.NodeID] = &peer
	}
	for circleID, ids := range snap.CirclePeers {
		set := make(map[string]bool, len(ids))
		for _, id := range ids {
			set[id] = true
		}
		s.circlePeers[circleID] = set
	}
	for _, m := range snap.Messages {
		msg := m
		s.messages[m.MsgID] = &msg
	}
	for _, ch := range snap.Channels {
		channel := ch
		if s.channels[ch.CircleID] == nil {
			s.channels[ch.CircleID] = make(map[string]*Channel)
		}
		s.channels[ch.CircleID][ch.ChannelID] = &channel
	}
	for circleID, byChannel := range snap.ChannelMembers {
		s.channelMembers[circleID] = make(map[string]map[string]bool, len(byChannel))
		for channelID, ids := range byChannel {
			set := make(map[string]bool, len(ids))
			for _, id := range ids {
				set[id] = true
			}
			s.channelMembers[circleID][channelID] = set
		}
	}
	for circleID, byChannel := range snap.ChannelRequests {
		s.channelRequests[circleID] = make(map[string]map[string]bool, len(byChannel))
		for channelID, ids := range byChannel {
			set := make(map[string]bool, len(ids))
			for _, id := range ids {
				set[id] = true
			}
			s.channelRequests[circleID][channelID] = set
		}
	}
	for id, name := range snap.DisplayNames {
		s.displayNames[id] = name
	}
	for circleID, records := range snap.AnchorRecords {
		s.anchorRecords[circleID] = make(map[string]*AnchorRecord, len(records))
		for _, r := range records {
			rec := r
			s.anchorRecords[circleID][r.NodeID] = &rec
		}
	}
	return s
}

// Snapshot builds a persistable copy of the store. Output ordering is
// deterministic so repeated snapshots of the same state are byte-identical.
func (s *Store) Snapshot() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() *Snapshot {
	snap := &Snapshot{
		SchemaVersion:   SchemaVersion,
		Node:            s.node,
		CirclePeers:     make(map[string][]string, len(s.circlePeers)),
		ChannelMembers:  make(map[string]map[string][]string, len(s.channelMembers)),
		ChannelRequests: make(map[string]map[string][]string, len(s.channelRequests)),
		DisplayNames:    make(map[string]string, len(s.displayNames)),
		AnchorRecords:   make(map[string][]AnchorRecord, len(s.anchorRecords)),
	}
	for _, c := range s.circles {
		snap.Circles = append(snap.Circles, *c)
	}
	sort.Slice(snap.Circles, func(i, j int) bool { return snap.Circles[i].CircleID < snap.Circles[j].CircleID })
	for _, p := range s.peers {
		snap.Peers = append(snap.Peers, *p)
	}
	sort.Slice(snap.Peers, func(i, j int) bool { return snap.Peers[i].NodeID < snap.Peers[j].NodeID })
	for circleID, set := range s.circlePeers {
		snap.CirclePeers[circleID] = sortedKeys(set)
	}
	for _, m := range s.messages {
		snap.Messages = append(snap.Messages, *m)
	}
	sort.Slice(snap.Messages, func(i, j int) bool {
		if snap.Messages[i].CreatedTS != snap.Messages[j].CreatedTS {
			return snap.Messages[i].CreatedTS < snap.Messages[j].CreatedTS
		}
		return snap.Messages[i].MsgID < snap.Messages[j].MsgID
	})
	for _, byID := range s.channels {
		for _, ch := range byID {
			snap.Channels = append(snap.Channels, *ch)
		}
	}
	sort.Slice(snap.Channels, func(i, j int) bool {
		if snap.Channels[i].CircleID != snap.Channels[j].CircleID {
			return snap.Channels[i].CircleID < snap.Channels[j].CircleID
		}
		return snap.Channels[i].ChannelID < snap.Channels[j].ChannelID
	})
	for circleID, byChannel := range s.channelMembers {
		out := make(map[string][]string, len(byChannel))
		for channelID, set := range byChannel {
			out[channelID] = sortedKeys(set)
		}
		snap.ChannelMembers[circleID] = out
	}
	for circleID, byChannel := range s.channelRequests {
		out := make(map[string][]string, len(byChannel))
		for channelID, set := range byChannel {
			out[channelID] = sortedKeys(set)
		}
		snap.ChannelRequests[circleID] = out
	}
	for id, name := range s.displayNames {
		snap.DisplayNames[id] = name
	}
	for circleID, byNode := range s.anchorRecords {
		records := make([]AnchorRecord, 0, len(byNode))
		for _, r := range byNode {
			records = append(records, *r)
		}
		sort.Slice(records, func(i, j int) bool { return records[i].NodeID < records[j].NodeID })
		snap.AnchorRecords[circleID] = records
	}
	return snap
}

// persistLocked prunes and saves. Best effort: a failing saver is logged at
// debug and in-memory operation continues.
func (s *Store) persistLocked() {
	s.pruneMessagesLocked()
	if s.saver == nil {
		return
	}
	if err := s.saver.Save(s.snapshotLocked()); err != nil {
		slog.Debug("state: snapshot save failed", "error", err)
	}
}

// Node returns a copy of the local node configuration.
func (s *Store) Node() NodeConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.node
}

// SetDisplayName updates the local display name (already-normalized input
// is not assumed).
func (s *Store) SetDisplayName(name string) string {
	name = NormalizeDisplayName(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if name != "" {
		s.node.DisplayName = name
		s.displayNames[s.node.NodeID] = name
		s.persistLocked()
	}
	return s.node.DisplayName
}

// SetEndpoint records the listen endpoint used by run and advertised in
// invites.
func (s *Store) SetEndpoint(bind string, port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.node.Bind = bind
	s.node.Port = port
	s.persistLocked()
}

// SetPosture records the anchor posture announced to circles: willing to
// anchor, on a mobile connection, publicly reachable.
func (s *Store) SetPosture(canAnchor, isMobile, publicReachable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.node.CanAnchor = canAnchor
	s.node.IsMobile = isMobile
	s.node.PublicReachable = publicReachable
	s.persistLocked()
}

// SetRendezvousBase records the rendezvous server this node uses. An
// invite carrying a relay URL adopts it for nodes that have none yet.
func (s *Store) SetRendezvousBase(base string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.node.RendezvousBase = base
	s.persistLocked()
}

// Circles returns copies of all known circles, sorted by id.
func (s *Store) Circles() []Circle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Circle, 0, len(s.circles))
	for _, c := range s.circles {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CircleID < out[j].CircleID })
	return out
}

// Circle returns one circle by id.
func (s *Store) Circle(circleID string) (Circle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.circles[circleID]
	if !ok {
		return Circle{}, false
	}
	return *c, true
}

// SecretFor returns the secret for a circle, for handshake verification.
func (s *Store) SecretFor(circleID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.circles[circleID]
	if !ok {
		return "", false
	}
	return c.SecretHex, true
}

// PeerSnapshot returns copies of every peer known in the circle, for the
// PEERS frame.
func (s *Store) PeerSnapshot(circleID string) []Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.circlePeers[circleID]
	out := make([]Peer, 0, len(set))
	for nodeID := range set {
		if p, ok := s.peers[nodeID]; ok {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Members lists every node known to belong to the circle, including
// ones without an endpoint record yet.
func (s *Store) Members(circleID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.circlePeers[circleID]
	out := make([]string, 0, len(set))
	for nodeID := range set {
		out = append(out, nodeID)
	}
	sort.Strings(out)
	return out
}

// TopPeers returns up to n circle peers ranked by last_seen descending,
// excluding self. This is the dial-loop fan-out set.
func (s *Store) TopPeers(circleID string, n int) []Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.circlePeers[circleID]
	out := make([]Peer, 0, len(set))
	for nodeID := range set {
		if nodeID == s.node.NodeID {
			continue
		}
		if p, ok := s.peers[nodeID]; ok && p.Addr != "" {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeen != out[j].LastSeen {
			return out[i].LastSeen > out[j].LastSeen
		}
		return out[i].NodeID < out[j].NodeID
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// MessageIDs returns every message id stored for the circle, for MSGS_HAVE.
func (s *Store) MessageIDs(circleID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, m := range s.messages {
		if m.CircleID == circleID {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// HaveIDs returns the inventory to advertise in MSGS_HAVE. When the
// circle holds at most limit messages (or limit is 0) that is every id,
// newest first. Beyond limit, the window keeps the newest ids and gives a
// quarter of its slots to a random sample of the older remainder, so deep
// histories still converge over repeated rounds without oversizing the
// frame.
func (s *Store) HaveIDs(circleID string, limit int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var msgs []*Message
	for _, m := range s.messages {
		if m.CircleID == circleID {
			msgs = append(msgs, m)
		}
	}
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].CreatedTS != msgs[j].CreatedTS {
			return msgs[i].CreatedTS > msgs[j].CreatedTS
		}
		return msgs[i].MsgID > msgs[j].MsgID
	})
	if limit <= 0 || len(msgs) <= limit {
		out := make([]string, len(msgs))
		for i, m := range msgs {
			out[i] = m.MsgID
		}
		return out
	}
	sampled := limit / 4
	newest := limit - sampled
	out := make([]string, 0, limit)
	for _, m := range msgs[:newest] {
		out = append(out, m.MsgID)
	}
	older := msgs[newest:]
	rand.Shuffle(len(older), func(i, j int) { older[i], older[j] = older[j], older[i] })
	for _, m := range older[:sampled] {
		out = append(out, m.MsgID)
	}
	return out
}

// MissingIDs returns the subset of theirs not present locally, preserving
// the remote's order. This is the MSGS_REQ body.
func (s *Store) MissingIDs(circleID string, theirs []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, id := range theirs {
		if id == "" {
			continue
		}
		if _, ok := s.messages[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// MessagesByIDs returns copies of the requested messages that exist in the
// circle. A MSGS_REQ response never exceeds the ids asked for.
func (s *Store) MessagesByIDs(circleID string, ids []string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, 0, len(ids))
	for _, id := range ids {
		if m, ok := s.messages[id]; ok && m.CircleID == circleID {
			out = append(out, *m)
		}
	}
	return out
}

// ChannelMessages returns the newest messages of one channel in ascending
// created_ts order, at most limit (0 means all). Control traffic is not a
// channel in this sense and callers should not ask for it, but the method
// does not special-case it.
func (s *Store) ChannelMessages(circleID, channelID string, limit int) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.messages {
		if m.CircleID == circleID && m.ChannelID == channelID {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedTS != out[j].CreatedTS {
			return out[i].CreatedTS < out[j].CreatedTS
		}
		return out[i].MsgID < out[j].MsgID
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// RecentMessages returns the circle's most recent non-control messages in
// ascending created_ts order, at most n. Feeds the relay push, which
// forwards plaintext messages with their MACs.
func (s *Store) RecentMessages(circleID string, n int) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.messages {
		if m.CircleID == circleID && m.ChannelID != control.ChannelID {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedTS != out[j].CreatedTS {
			return out[i].CreatedTS < out[j].CreatedTS
		}
		return out[i].MsgID < out[j].MsgID
	})
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

// Channels returns copies of the circle's channels sorted by id.
func (s *Store) Channels(circleID string) []Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := s.channels[circleID]
	out := make([]Channel, 0, len(byID))
	for _, ch := range byID {
		out = append(out, *ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}

// ChannelMembers returns the member node ids of a channel, sorted.
func (s *Store) ChannelMembers(circleID, channelID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	byChannel := s.channelMembers[circleID]
	if byChannel == nil {
		return nil
	}
	return sortedKeys(byChannel[channelID])
}

// ChannelRequests returns the pending join requests of a channel, sorted.
func (s *Store) ChannelRequests(circleID, channelID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	byChannel := s.channelRequests[circleID]
	if byChannel == nil {
		return nil
	}
	return sortedKeys(byChannel[channelID])
}

// DisplayNameOf resolves the display name the network associates with a
// node, falling back to a short form of its id.
func (s *Store) DisplayNameOf(nodeID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name, ok := s.displayNames[nodeID]; ok && name != "" {
		return name
	}
	if len(nodeID) > 8 {
		return nodeID[:8]
	}
	return nodeID
}

// AnchorRecords returns copies of the circle's anchor records for the
// selection policy.
func (s *Store) AnchorRecords(circleID string) []AnchorRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	byNode := s.anchorRecords[circleID]
	out := make([]AnchorRecord, 0, len(byNode))
	for _, r := range byNode {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Status summarises the store for display.
func (s *Store) Status() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		NodeID:      s.node.NodeID,
		DisplayName: s.node.DisplayName,
		ListenAddr:  net.JoinHostPort(s.node.Bind, strconv.Itoa(s.node.Port)),
		CanAnchor:   s.node.CanAnchor,
	}
	for circleID, c := range s.circles {
		ci := CircleInfo{
			CircleID:        circleID,
			Name:            c.Name,
			Peers:           len(s.circlePeers[circleID]),
			Channels:        len(s.channels[circleID]),
			AnchorEnvelopes: len(s.anchorEnvelopes[circleID]),
		}
		for _, m := range s.messages {
			if m.CircleID == circleID {
				ci.Messages++
			}
		}
		info.Circles = append(info.Circles, ci)
	}
	sort.Slice(info.Circles, func(i, j int) bool { return info.Circles[i].CircleID < info.Circles[j].CircleID })
	return info
}

// ensureGeneralLocked guarantees the implicit general channel and its maps
// exist for a circle.
func (s *Store) ensureGeneralLocked(circleID string) {
	if s.channels[circleID] == nil {
		s.channels[circleID] = make(map[string]*Channel)
	}
	if s.channelMembers[circleID] == nil {
		s.channelMembers[circleID] = make(map[string]map[string]bool)
	}
	if s.channelRequests[circleID] == nil {
		s.channelRequests[circleID] = make(map[string]map[string]bool)
	}
	if s.channels[circleID][GeneralChannel] == nil {
		s.channels[circleID][GeneralChannel] = &Channel{
			ChannelID:  GeneralChannel,
			CircleID:   circleID,
			CreatedBy:  s.node.NodeID,
			CreatedTS:  s.now(),
			AccessMode: AccessPublic,
		}
	}
	if s.channelMembers[circleID][GeneralChannel] == nil {
		s.channelMembers[circleID][GeneralChannel] = make(map[string]bool)
	}
	s.channelMembers[circleID][GeneralChannel][s.node.NodeID] = true
	if s.channelRequests[circleID][GeneralChannel] == nil {
		s.channelRequests[circleID][GeneralChannel] = make(map[string]bool)
	}
}

// NormalizeDisplayName trims, NFC-normalizes, and caps a display name.
func NormalizeDisplayName(name string) string {
	name = norm.NFC.String(strings.TrimSpace(name))
	runes := []rune(name)
	if len(runes) > MaxDisplayNameLen {
		name = string(runes[:MaxDisplayNameLen])
	}
	return name
}

// normalizeChannelID lowercases and trims a gossiped channel id before
// validation.
func normalizeChannelID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
