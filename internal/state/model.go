// Package state owns every table a felund node keeps: circles, peers,
// messages, channels, display names, anchor records, and the anchor
// envelope cache. One node-wide mutex serialises all access; every
// exported method is a single atomic operation and returns copies, never
// references into the tables. Network I/O is never performed under the
// mutex; disk snapshots are (see Saver).
package state

import (
	"github.com/felundnet/felund/internal/control"
	"github.com/felundnet/felund/internal/fcrypto"
)

// SchemaVersion is the snapshot schema this build reads and writes.
// Version 2 added the enc envelope to messages.
const SchemaVersion = 2

// MaxDisplayNameLen caps display names, in runes, wherever they enter.
const MaxDisplayNameLen = 40

// NodeConfig is the stable local node identity and its listening posture.
// NodeID lives for the life of the installation.
type NodeConfig struct {
	NodeID          string `json:"node_id"`
	Bind            string `json:"bind"`
	Port            int    `json:"port"`
	DisplayName     string `json:"display_name"`
	CanAnchor       bool   `json:"can_anchor"`
	IsMobile        bool   `json:"is_mobile"`
	PublicReachable bool   `json:"public_reachable"`
	RendezvousBase  string `json:"rendezvous_base,omitempty"`
}

// Circle is a private group keyed by possession of SecretHex. CircleID is
// derived from the secret and two holders always agree on it.
type Circle struct {
	CircleID  string `json:"circle_id"`
	SecretHex string `json:"secret_hex"`
	Name      string `json:"name,omitempty"`
}

// Peer is a remote node's last-known endpoint. LastSeen drives both the
// dial ranking and the merge rule: records only move forward in time.
type Peer struct {
	NodeID   string `json:"node_id"`
	Addr     string `json:"addr"`
	LastSeen int64  `json:"last_seen"`
}

// Message is the content-addressed unit of gossip. Immutable once created;
// MsgID is its identity everywhere. MAC authorizes it under the circle
// secret; Enc optionally replaces DisplayName/Text with an AEAD envelope.
type Message struct {
	MsgID        string            `json:"msg_id"`
	CircleID     string            `json:"circle_id"`
	ChannelID    string            `json:"channel_id"`
	AuthorNodeID string            `json:"author_node_id"`
	DisplayName  string            `json:"display_name"`
	CreatedTS    int64             `json:"created_ts"`
	Text         string            `json:"text"`
	MAC          string            `json:"mac,omitempty"`
	Enc          *fcrypto.Envelope `json:"enc,omitempty"`
}

// Fields projects the MAC-covered field tuple.
func (m Message) Fields() fcrypto.MessageFields {
	return fcrypto.MessageFields{
		MsgID:        m.MsgID,
		CircleID:     m.CircleID,
		ChannelID:    m.ChannelID,
		AuthorNodeID: m.AuthorNodeID,
		DisplayName:  m.DisplayName,
		CreatedTS:    m.CreatedTS,
		Text:         m.Text,
	}
}

// Channel access modes.
const (
	AccessPublic = "public"
	AccessKey    = "key"
	AccessInvite = "invite"
)

// GeneralChannel exists implicitly in every circle and cannot be left.
const GeneralChannel = "general"

// Channel is a named sub-topic within a circle.
type Channel struct {
	ChannelID  string `json:"channel_id"`
	CircleID   string `json:"circle_id"`
	CreatedBy  string `json:"created_by"`
	CreatedTS  int64  `json:"created_ts"`
	AccessMode string `json:"access_mode"`
	KeyHash    string `json:"key_hash,omitempty"`
}

// AnchorRecord is a node's last-known anchor posture within a circle,
// refreshed by ANCHOR_ANNOUNCE events.
type AnchorRecord struct {
	NodeID       string               `json:"node_id"`
	Capabilities control.Capabilities `json:"capabilities"`
	AnnouncedAt  int64                `json:"announced_at"`
	LastSeenTS   int64                `json:"last_seen_ts"`
}

// AnchorEnvelope is the blind ciphertext form a message takes in an anchor
// store: the immutable fields plus the envelope, nothing decryptable
// without the circle secret.
type AnchorEnvelope struct {
	MsgID        string            `json:"msg_id"`
	CircleID     string            `json:"circle_id"`
	ChannelID    string            `json:"channel_id"`
	AuthorNodeID string            `json:"author_node_id"`
	CreatedTS    int64             `json:"created_ts"`
	Enc          *fcrypto.Envelope `json:"enc"`
}

// Snapshot is the persisted form of the whole store. The anchor envelope
// cache never appears here: anchors hold ciphertext in memory only.
type Snapshot struct {
	SchemaVersion   int                            `json:"schema_version"`
	Node            NodeConfig                     `json:"node"`
	Circles         []Circle                       `json:"circles"`
	Peers           []Peer                         `json:"peers"`
	CirclePeers     map[string][]string            `json:"circle_peers"`
	Messages        []Message                      `json:"messages"`
	Channels        []Channel                      `json:"channels"`
	ChannelMembers  map[string]map[string][]string `json:"channel_members"`
	ChannelRequests map[string]map[string][]string `json:"channel_requests"`
	DisplayNames    map[string]string              `json:"display_names"`
	AnchorRecords   map[string][]AnchorRecord      `json:"anchor_records"`
}

// Saver persists snapshots. Save is called while the store mutex is held:
// the state is small and a consistent snapshot is worth more than write
// concurrency here. Failures are reported but never abort the in-memory
// operation.
type Saver interface {
	Save(*Snapshot) error
}

// MergeStats summarises one merge operation for the caller's metrics.
type MergeStats struct {
	PeersUpdated   int
	Stored         int
	Duplicates     int
	Rejected       int
	ControlApplied int
}

// Info is a read-only snapshot for status display.
type Info struct {
	NodeID      string       `json:"node_id"`
	DisplayName string       `json:"display_name"`
	ListenAddr  string       `json:"listen_addr"`
	CanAnchor   bool         `json:"can_anchor"`
	Circles     []CircleInfo `json:"circles"`
}

// CircleInfo summarises one circle for status display.
type CircleInfo struct {
	CircleID        string `json:"circle_id"`
	Name            string `json:"name,omitempty"`
	Peers           int    `json:"peers"`
	Messages        int    `json:"messages"`
	Channels        int    `json:"channels"`
	AnchorEnvelopes int    `json:"anchor_envelopes"`
}
