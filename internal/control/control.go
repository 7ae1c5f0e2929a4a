// Package control defines the events carried on the reserved __control
// channel: channel membership operations, display renames, circle naming,
// and anchor capability announcements. Events travel as the text of
// ordinary MAC'd messages; this package only parses and encodes them.
// Application happens in the state store, under its mutex.
//
// The kind set is closed. Unknown kinds and unknown channel ops parse to
// nothing and are never propagated, which keeps old nodes forward
// compatible with event kinds they predate.
package control

import "encoding/json"

// ChannelID is the reserved channel control events travel on. Channel ids
// starting with "__" are rejected everywhere else, so it cannot collide
// with a user channel.
const ChannelID = "__control"

// Kind tags the event variants.
type Kind string

const (
	KindChannel        Kind = "CHANNEL_EVT"
	KindCircleName     Kind = "CIRCLE_NAME_EVT"
	KindAnchorAnnounce Kind = "ANCHOR_ANNOUNCE"
)

// Op enumerates channel event operations.
type Op string

const (
	OpCreate  Op = "create"
	OpJoin    Op = "join"
	OpRequest Op = "request"
	OpApprove Op = "approve"
	OpLeave   Op = "leave"
	OpRename  Op = "rename"
)

// Event is one parsed control event.
type Event interface {
	Kind() Kind
}

// ChannelEvent mutates channel or display-name state.
//
// Field usage by op: create carries AccessMode, KeyHash, CreatedBy;
// join/request/leave carry NodeID (join adds KeyHash for key-mode
// channels); approve carries TargetNodeID; rename carries NodeID and
// DisplayName and no channel.
type ChannelEvent struct {
	Op           Op
	CircleID     string
	ChannelID    string
	ActorNodeID  string
	AccessMode   string
	KeyHash      string
	CreatedBy    string
	CreatedTS    int64
	NodeID       string
	TargetNodeID string
	DisplayName  string
}

func (ChannelEvent) Kind() Kind { return KindChannel }

// CircleNameEvent gossips a human-friendly circle label.
type CircleNameEvent struct {
	CircleID string
	Name     string
}

func (CircleNameEvent) Kind() Kind { return KindCircleName }

// Capabilities are the anchor-relevant flags a node announces. Field order
// is alphabetical so the struct marshals in canonical (sorted-key) form.
type Capabilities struct {
	CanAnchor       bool `json:"can_anchor"`
	IsMobile        bool `json:"is_mobile"`
	PublicReachable bool `json:"public_reachable"`
}

// AnchorAnnounceEvent advertises a node's anchor capabilities.
type AnchorAnnounceEvent struct {
	NodeID       string
	Capabilities Capabilities
	AnnouncedAt  int64
}

func (AnchorAnnounceEvent) Kind() Kind { return KindAnchorAnnounce }

// rawEvent is the superset decode target for every kind.
type rawEvent struct {
	T            string        `json:"t"`
	Op           string        `json:"op"`
	CircleID     string        `json:"circle_id"`
	ChannelID    string        `json:"channel_id"`
	ActorNodeID  string        `json:"actor_node_id"`
	AccessMode   string        `json:"access_mode"`
	KeyHash      string        `json:"key_hash"`
	CreatedBy    string        `json:"created_by"`
	CreatedTS    int64         `json:"created_ts"`
	NodeID       string        `json:"node_id"`
	TargetNodeID string        `json:"target_node_id"`
	DisplayName  string        `json:"display_name"`
	Name         string        `json:"name"`
	Capabilities *Capabilities `json:"capabilities"`
	AnnouncedAt  int64         `json:"announced_at"`
}

var knownOps = map[Op]bool{
	OpCreate: true, OpJoin: true, OpRequest: true,
	OpApprove: true, OpLeave: true, OpRename: true,
}

// Parse decodes the text of a __control message. It returns (nil, false)
// for malformed JSON, unknown kinds, unknown ops, and events missing their
// required identity fields. Callers drop such messages without logging.
func Parse(text string) (Event, bool) {
	var raw rawEvent
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, false
	}
	switch Kind(raw.T) {
	case KindChannel:
		op := Op(raw.Op)
		if !knownOps[op] {
			return nil, false
		}
		return ChannelEvent{
			Op:           op,
			CircleID:     raw.CircleID,
			ChannelID:    raw.ChannelID,
			ActorNodeID:  raw.ActorNodeID,
			AccessMode:   raw.AccessMode,
			KeyHash:      raw.KeyHash,
			CreatedBy:    raw.CreatedBy,
			CreatedTS:    raw.CreatedTS,
			NodeID:       raw.NodeID,
			TargetNodeID: raw.TargetNodeID,
			DisplayName:  raw.DisplayName,
		}, true
	case KindCircleName:
		if raw.Name == "" || raw.CircleID == "" {
			return nil, false
		}
		return CircleNameEvent{CircleID: raw.CircleID, Name: raw.Name}, true
	case KindAnchorAnnounce:
		if raw.NodeID == "" {
			return nil, false
		}
		ev := AnchorAnnounceEvent{NodeID: raw.NodeID, AnnouncedAt: raw.AnnouncedAt}
		if raw.Capabilities != nil {
			ev.Capabilities = *raw.Capabilities
		}
		return ev, true
	default:
		return nil, false
	}
}

// Encode produces the canonical event text: compact JSON with sorted keys.
// Only the fields meaningful for the op are present, matching what deployed
// nodes emit.
func (ev ChannelEvent) Encode() string {
	obj := map[string]any{
		"t":             string(KindChannel),
		"op":            string(ev.Op),
		"circle_id":     ev.CircleID,
		"actor_node_id": ev.ActorNodeID,
		"created_ts":    ev.CreatedTS,
	}
	switch ev.Op {
	case OpRename:
		obj["node_id"] = ev.NodeID
		obj["display_name"] = ev.DisplayName
	case OpCreate:
		obj["channel_id"] = ev.ChannelID
		obj["access_mode"] = ev.AccessMode
		obj["key_hash"] = ev.KeyHash
		obj["created_by"] = ev.CreatedBy
	case OpApprove:
		obj["channel_id"] = ev.ChannelID
		obj["target_node_id"] = ev.TargetNodeID
	default: // join, request, leave
		obj["channel_id"] = ev.ChannelID
		obj["node_id"] = ev.NodeID
		if ev.Op == OpJoin && ev.KeyHash != "" {
			obj["key_hash"] = ev.KeyHash
		}
	}
	return encode(obj)
}

// Encode produces the canonical CIRCLE_NAME_EVT text.
func (ev CircleNameEvent) Encode() string {
	return encode(map[string]any{
		"t":         string(KindCircleName),
		"circle_id": ev.CircleID,
		"name":      ev.Name,
	})
}

// Encode produces the canonical ANCHOR_ANNOUNCE text.
func (ev AnchorAnnounceEvent) Encode() string {
	return encode(map[string]any{
		"t":            string(KindAnchorAnnounce),
		"node_id":      ev.NodeID,
		"capabilities": ev.Capabilities,
		"announced_at": ev.AnnouncedAt,
	})
}

// encode relies on encoding/json emitting map keys in sorted order, which
// is the canonical form peers agree on.
func encode(obj map[string]any) string {
	b, err := json.Marshal(obj)
	if err != nil {
		// Maps of strings, bools, and ints cannot fail to marshal.
		panic("control: encode: " + err.Error())
	}
	return string(b)
}

// ValidChannelID reports whether id is acceptable as a channel name:
// 1–32 chars of lowercase ASCII alphanumerics, '-' or '_', not starting
// with the reserved "__" prefix.
func ValidChannelID(id string) bool {
	if id == "" || len(id) > 32 {
		return false
	}
	if len(id) >= 2 && id[0] == '_' && id[1] == '_' {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}
