package state

import (
	"strings"

	"github.com/felundnet/felund/internal/control"
)

// applyEventLocked dispatches a parsed control event. Callers hold s.mu.
// Events mutate derived state only; the carrying message is stored by the
// caller, so replaying the message log reproduces exactly this state.
func (s *Store) applyEventLocked(circleID string, ev control.Event) {
	switch e := ev.(type) {
	case control.ChannelEvent:
		s.applyChannelEventLocked(circleID, e)
	case control.CircleNameEvent:
		s.applyCircleNameLocked(circleID, e)
	case control.AnchorAnnounceEvent:
		s.applyAnchorAnnounceLocked(circleID, e)
	}
}

func (s *Store) applyChannelEventLocked(circleID string, ev control.ChannelEvent) {
	s.ensureGeneralLocked(circleID)

	if ev.Op == control.OpRename {
		nodeID := strings.TrimSpace(ev.NodeID)
		name := NormalizeDisplayName(ev.DisplayName)
		if nodeID != "" && name != "" {
			s.displayNames[nodeID] = name
		}
		return
	}

	channelID := normalizeChannelID(ev.ChannelID)
	if !control.ValidChannelID(channelID) {
		return
	}

	if ev.Op == control.OpCreate {
		access := ev.AccessMode
		switch access {
		case AccessPublic, AccessKey, AccessInvite:
		default:
			access = AccessPublic
		}
		createdBy := ev.ActorNodeID
		if createdBy == "" {
			createdBy = ev.CreatedBy
		}
		createdTS := ev.CreatedTS
		if createdTS == 0 {
			createdTS = s.now()
		}
		keyHash := ""
		if access == AccessKey {
			keyHash = ev.KeyHash
		}
		// First create wins; a duplicate never overwrites, but its
		// creator still lands in the member set.
		if s.channels[circleID][channelID] == nil {
			s.channels[circleID][channelID] = &Channel{
				ChannelID:  channelID,
				CircleID:   circleID,
				CreatedBy:  createdBy,
				CreatedTS:  createdTS,
				AccessMode: access,
				KeyHash:    keyHash,
			}
		}
		members := ensureSet(s.channelMembers, circleID, channelID)
		if createdBy != "" {
			members[createdBy] = true
		}
		ensureSet(s.channelRequests, circleID, channelID)
		return
	}

	ch := s.channels[circleID][channelID]
	if ch == nil {
		// Ops can arrive before their channel's create event; install a
		// public placeholder so they have something to land on.
		createdTS := ev.CreatedTS
		if createdTS == 0 {
			createdTS = s.now()
		}
		ch = &Channel{
			ChannelID:  channelID,
			CircleID:   circleID,
			CreatedBy:  ev.ActorNodeID,
			CreatedTS:  createdTS,
			AccessMode: AccessPublic,
		}
		s.channels[circleID][channelID] = ch
	}
	members := ensureSet(s.channelMembers, circleID, channelID)
	requests := ensureSet(s.channelRequests, circleID, channelID)

	switch ev.Op {
	case control.OpJoin:
		if ev.NodeID == "" {
			return
		}
		switch ch.AccessMode {
		case AccessInvite:
			// Invite channels admit members through request/approve only.
			return
		case AccessKey:
			if ev.KeyHash == "" || ev.KeyHash != ch.KeyHash {
				return
			}
		}
		members[ev.NodeID] = true
		delete(requests, ev.NodeID)

	case control.OpLeave:
		if ev.NodeID == "" || channelID == GeneralChannel {
			return
		}
		delete(members, ev.NodeID)
		delete(requests, ev.NodeID)

	case control.OpRequest:
		if ev.NodeID == "" || ch.AccessMode != AccessInvite {
			return
		}
		requests[ev.NodeID] = true

	case control.OpApprove:
		if ev.TargetNodeID == "" || ev.ActorNodeID != ch.CreatedBy {
			return
		}
		delete(requests, ev.TargetNodeID)
		members[ev.TargetNodeID] = true
	}
}

// applyCircleNameLocked labels a circle from gossip. Local names win: the
// gossiped label lands only on circles that have no name yet.
func (s *Store) applyCircleNameLocked(circleID string, ev control.CircleNameEvent) {
	circle, ok := s.circles[circleID]
	if !ok || circle.Name != "" {
		return
	}
	name := NormalizeDisplayName(ev.Name)
	if name == "" {
		return
	}
	circle.Name = name
}

// applyAnchorAnnounceLocked records a node's announced anchor posture.
// last_seen always refreshes; the capability record itself is replaced only
// by a strictly newer announcement so re-gossiped old announces are inert.
func (s *Store) applyAnchorAnnounceLocked(circleID string, ev control.AnchorAnnounceEvent) {
	nodeID := strings.TrimSpace(ev.NodeID)
	if nodeID == "" {
		return
	}
	byNode := s.anchorRecords[circleID]
	if byNode == nil {
		byNode = make(map[string]*AnchorRecord)
		s.anchorRecords[circleID] = byNode
	}
	now := s.now()
	if existing, ok := byNode[nodeID]; ok {
		existing.LastSeenTS = now
		if existing.AnnouncedAt >= ev.AnnouncedAt {
			return
		}
	}
	byNode[nodeID] = &AnchorRecord{
		NodeID:       nodeID,
		Capabilities: ev.Capabilities,
		AnnouncedAt:  ev.AnnouncedAt,
		LastSeenTS:   now,
	}
}

func ensureSet(byCircle map[string]map[string]map[string]bool, circleID, channelID string) map[string]bool {
	byChannel := byCircle[circleID]
	if byChannel == nil {
		byChannel = make(map[string]map[string]bool)
		byCircle[circleID] = byChannel
	}
	set := byChannel[channelID]
	if set == nil {
		set = make(map[string]bool)
		byChannel[channelID] = set
	}
	return set
}
