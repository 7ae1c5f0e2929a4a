// Package anchor implements the anchor selection and retention policies.
//
// An anchor is a publicly reachable peer willing to store encrypted
// message envelopes on behalf of a circle. It holds no circle secret, so
// stored envelopes are opaque to it; it only stores and serves them to
// members that come back online.
package anchor

import (
	"encoding/binary"
	"sort"
	"time"

	"github.com/zeebo/blake3"
)

const (
	// Cooldown is the minimum time a selected anchor is kept before a
	// better candidate may replace it.
	Cooldown = 60 * time.Second

	// Staleness is how long after its last processed announcement a
	// candidate stays eligible for selection.
	Staleness = 20 * time.Second

	// MaxAge bounds how old a stored envelope may grow before eviction.
	MaxAge = 24 * time.Hour

	// MaxMessages caps stored envelopes per circle.
	MaxMessages = 500

	// MaxBytes caps total serialized envelope bytes per circle.
	MaxBytes = 50 << 20
)

// Candidate is one row of a circle's anchor table, as the selection
// policy needs it.
type Candidate struct {
	NodeID          string
	CanAnchor       bool
	IsMobile        bool
	PublicReachable bool
	AnnouncedAt     int64
	LastSeenTS      int64
}

// Score ranks a candidate at a point in time. Stale candidates score
// negative and are excluded. Reachability dominates, then declared
// capability, then a non-mobile bonus. The tiebreak is a deterministic
// fraction in [0, 1) derived from the node id, so equal-capability
// candidates rank identically on every node.
func Score(c Candidate, now int64) float64 {
	if now-c.LastSeenTS > int64(Staleness.Seconds()) {
		return -1
	}
	score := 0.0
	if c.PublicReachable {
		score += 8
	}
	if c.CanAnchor {
		score += 4
	}
	if !c.IsMobile {
		score += 2
	}
	return score + tiebreak(c.NodeID)
}

func tiebreak(nodeID string) float64 {
	sum := blake3.Sum256([]byte(nodeID))
	return float64(binary.BigEndian.Uint32(sum[:4])) / (1 << 32)
}

// Rank returns the node ids of eligible candidates, best first. Only
// candidates that declare can_anchor and are not stale appear.
func Rank(candidates []Candidate, now int64) []string {
	type scored struct {
		id    string
		score float64
	}
	var rows []scored
	for _, c := range candidates {
		if !c.CanAnchor {
			continue
		}
		s := Score(c, now)
		if s < 0 {
			continue
		}
		rows = append(rows, scored{c.NodeID, s})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].score != rows[j].score {
			return rows[i].score > rows[j].score
		}
		return rows[i].id < rows[j].id
	})
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.id
	}
	return out
}

// Select applies cooldown hysteresis on top of Rank. The current anchor
// is kept while it stays eligible and its cooldown window is open; after
// the window the best candidate wins. Returns the selected node id ("" if
// no candidate) and the timestamp to carry as the selection time.
func Select(candidates []Candidate, current string, selectedAt, now int64) (string, int64) {
	ranked := Rank(candidates, now)
	if len(ranked) == 0 {
		return "", 0
	}
	if current != "" && now-selectedAt < int64(Cooldown.Seconds()) {
		for _, id := range ranked {
			if id == current {
				return current, selectedAt
			}
		}
	}
	if ranked[0] == current {
		return current, selectedAt
	}
	return ranked[0], now
}

// EnvelopeMeta describes one stored envelope for retention planning.
type EnvelopeMeta struct {
	MsgID     string
	CreatedTS int64
	Size      int
}

// PlanRetention returns the msg_ids to evict so a circle's store obeys
// the age, count, and byte caps. Eviction is oldest first. A push is
// never refused for capacity; the store accepts and then sheds.
func PlanRetention(metas []EnvelopeMeta, now int64) []string {
	ordered := append([]EnvelopeMeta(nil), metas...)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].CreatedTS != ordered[j].CreatedTS {
			return ordered[i].CreatedTS < ordered[j].CreatedTS
		}
		return ordered[i].MsgID < ordered[j].MsgID
	})
	maxAge := int64(MaxAge.Seconds())
	var drop []string
	kept := make([]EnvelopeMeta, 0, len(ordered))
	total := 0
	for _, m := range ordered {
		if now-m.CreatedTS > maxAge {
			drop = append(drop, m.MsgID)
			continue
		}
		kept = append(kept, m)
		total += m.Size
	}
	over := len(kept) - MaxMessages
	for i := 0; i < len(kept) && (over > 0 || total > MaxBytes); i++ {
		drop = append(drop, kept[i].MsgID)
		total -= kept[i].Size
		over--
	}
	return drop
}
