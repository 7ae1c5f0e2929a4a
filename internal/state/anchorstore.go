package state

import (
	"encoding/json"
	"sort"

	"github.com/felundnet/felund/internal/anchor"
	"github.com/felundnet/felund/internal/control"
	"github.com/felundnet/felund/internal/fcrypto"
)

// StoreAnchorEnvelopes accepts pushed envelopes for a circle this node
// anchors. Storage is blind: payloads stay opaque ciphertext. Duplicate
// msg_ids are kept as first received. Retention runs after every push, so
// a push never fails for capacity. Returns how many envelopes were new.
// The envelope table is memory only and never enters a snapshot.
func (s *Store) StoreAnchorEnvelopes(circleID string, envs []AnchorEnvelope) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := s.anchorEnvelopes[circleID]
	if byID == nil {
		byID = make(map[string]AnchorEnvelope)
		s.anchorEnvelopes[circleID] = byID
	}
	stored := 0
	for _, env := range envs {
		if env.MsgID == "" {
			continue
		}
		if _, ok := byID[env.MsgID]; ok {
			continue
		}
		byID[env.MsgID] = env
		stored++
	}
	s.pruneAnchorLocked(circleID)
	return stored
}

// AnchorEnvelopesSince returns stored envelopes created strictly after
// since, oldest first, at most limit (0 means all).
func (s *Store) AnchorEnvelopesSince(circleID string, since int64, limit int) []AnchorEnvelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []AnchorEnvelope
	for _, env := range s.anchorEnvelopes[circleID] {
		if env.CreatedTS > since {
			out = append(out, env)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedTS != out[j].CreatedTS {
			return out[i].CreatedTS < out[j].CreatedTS
		}
		return out[i].MsgID < out[j].MsgID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// RecentEnvelopes builds encrypted envelopes for the circle's most recent
// non-control messages, oldest first, for an anchor push.
func (s *Store) RecentEnvelopes(circleID string, n int) ([]AnchorEnvelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	circle, ok := s.circles[circleID]
	if !ok {
		return nil, ErrUnknownCircle
	}
	var recent []*Message
	for _, m := range s.messages {
		if m.CircleID == circleID && m.ChannelID != control.ChannelID {
			recent = append(recent, m)
		}
	}
	sort.Slice(recent, func(i, j int) bool {
		if recent[i].CreatedTS != recent[j].CreatedTS {
			return recent[i].CreatedTS < recent[j].CreatedTS
		}
		return recent[i].MsgID < recent[j].MsgID
	})
	if len(recent) > n {
		recent = recent[len(recent)-n:]
	}
	out := make([]AnchorEnvelope, 0, len(recent))
	for _, m := range recent {
		enc, err := fcrypto.EncryptMessageFields(circle.SecretHex, m.Fields())
		if err != nil {
			return nil, err
		}
		out = append(out, AnchorEnvelope{
			MsgID:        m.MsgID,
			CircleID:     m.CircleID,
			ChannelID:    m.ChannelID,
			AuthorNodeID: m.AuthorNodeID,
			CreatedTS:    m.CreatedTS,
			Enc:          enc,
		})
	}
	return out, nil
}

// MergeEnvelopes folds pulled anchor envelopes into the message store by
// funneling them through the standard merge path: dedupe by msg_id, open
// the envelope, recompute the MAC, apply control events.
func (s *Store) MergeEnvelopes(circleID string, envs []AnchorEnvelope) MergeStats {
	msgs := make([]Message, 0, len(envs))
	for _, env := range envs {
		msgs = append(msgs, Message{
			MsgID:        env.MsgID,
			CircleID:     env.CircleID,
			ChannelID:    env.ChannelID,
			AuthorNodeID: env.AuthorNodeID,
			CreatedTS:    env.CreatedTS,
			Enc:          env.Enc,
		})
	}
	return s.MergeMessages(circleID, msgs)
}

// PruneAnchorStores reruns envelope retention for every circle. The push
// path already prunes; this is the periodic sweep that ages out envelopes
// on circles receiving no pushes. Returns total envelopes evicted.
func (s *Store) PruneAnchorStores() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for circleID, byID := range s.anchorEnvelopes {
		before := len(byID)
		s.pruneAnchorLocked(circleID)
		evicted += before - len(byID)
	}
	return evicted
}

func (s *Store) pruneAnchorLocked(circleID string) {
	byID := s.anchorEnvelopes[circleID]
	if len(byID) == 0 {
		return
	}
	metas := make([]anchor.EnvelopeMeta, 0, len(byID))
	for id, env := range byID {
		size := 0
		if b, err := json.Marshal(env); err == nil {
			size = len(b)
		}
		metas = append(metas, anchor.EnvelopeMeta{MsgID: id, CreatedTS: env.CreatedTS, Size: size})
	}
	for _, id := range anchor.PlanRetention(metas, s.now()) {
		delete(byID, id)
	}
}
