package state

import (
	"github.com/felundnet/felund/internal/control"
	"github.com/felundnet/felund/internal/fcrypto"
)

// TouchPeer records a direct observation of nodeID inside circleID. Direct
// observations come from a completed handshake, so they refresh last_seen
// even on ties (>=), unlike gossiped records which must be strictly newer.
// addr may be empty when the peer advertised no listen address; in that
// case only an existing record's last_seen is refreshed and the stored
// address is kept.
func (s *Store) TouchPeer(circleID, nodeID, addr string) {
	if nodeID == "" || nodeID == s.node.NodeID {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memberLocked(circleID, nodeID)
	now := s.now()
	existing, ok := s.peers[nodeID]
	if addr == "" {
		if ok {
			existing.LastSeen = now
		}
		s.persistLocked()
		return
	}
	if !ok || now >= existing.LastSeen {
		s.peers[nodeID] = &Peer{NodeID: nodeID, Addr: addr, LastSeen: now}
	}
	s.persistLocked()
}

// MergePeers folds a gossiped peer list into the circle's view. Membership
// is additive; a peer record replaces the stored one only when its
// last_seen is strictly newer, so replayed or stale gossip can never roll
// back a fresher observation. Returns the number of records stored or
// replaced.
func (s *Store) MergePeers(circleID string, peers []Peer) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.circles[circleID]; !ok {
		return 0
	}
	updated := 0
	for _, p := range peers {
		if p.NodeID == "" || p.Addr == "" {
			continue
		}
		s.memberLocked(circleID, p.NodeID)
		existing, ok := s.peers[p.NodeID]
		if !ok || p.LastSeen > existing.LastSeen {
			stored := p
			s.peers[p.NodeID] = &stored
			updated++
		}
	}
	if updated > 0 {
		s.persistLocked()
	}
	return updated
}

// MergeMessages folds received messages into the store. Per message:
// duplicates are dropped by msg_id before any cryptographic work; an
// encrypted payload is opened against its envelope (the immutable fields
// are the associated data) and stored as plaintext with a freshly computed
// MAC; a plaintext payload must carry a valid MAC. Stored messages refresh
// the author's display name, and control-channel payloads are applied to
// channel, circle-name, and anchor state under the same lock hold so a
// stored event is never observable as unapplied.
func (s *Store) MergeMessages(circleID string, msgs []Message) MergeStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats MergeStats
	circle, ok := s.circles[circleID]
	if !ok {
		return stats
	}
	for i := range msgs {
		m := msgs[i]
		if m.MsgID == "" || m.CircleID != circleID {
			stats.Rejected++
			continue
		}
		if _, dup := s.messages[m.MsgID]; dup {
			stats.Duplicates++
			continue
		}
		if m.Enc != nil {
			displayName, text, err := fcrypto.DecryptMessageFields(circle.SecretHex, m.Enc, m.Fields())
			if err != nil {
				stats.Rejected++
				continue
			}
			m.DisplayName = displayName
			m.Text = text
			m.Enc = nil
			mac, err := fcrypto.MessageMAC(circle.SecretHex, m.Fields())
			if err != nil {
				stats.Rejected++
				continue
			}
			m.MAC = mac
		} else if !fcrypto.VerifyMessageMAC(circle.SecretHex, m.Fields(), m.MAC) {
			stats.Rejected++
			continue
		}
		stored := m
		s.messages[m.MsgID] = &stored
		stats.Stored++
		if m.DisplayName != "" {
			s.displayNames[m.AuthorNodeID] = NormalizeDisplayName(m.DisplayName)
		}
		if m.ChannelID == control.ChannelID {
			if ev, known := control.Parse(m.Text); known {
				s.applyEventLocked(circleID, ev)
				stats.ControlApplied++
			}
		}
	}
	if stats.Stored > 0 {
		s.persistLocked()
	}
	return stats
}

// memberLocked adds nodeID to the circle's membership set.
func (s *Store) memberLocked(circleID, nodeID string) {
	set := s.circlePeers[circleID]
	if set == nil {
		set = make(map[string]bool)
		s.circlePeers[circleID] = set
	}
	set[nodeID] = true
}
