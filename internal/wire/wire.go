// Package wire implements the framing every felund connection speaks:
// one UTF-8 JSON object per line, a closed set of "t" tags, hard size
// caps, and an optional mid-connection switch to AES-GCM sealed lines
// once a session key has been agreed.
package wire

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/felundnet/felund/internal/fcrypto"
	"github.com/felundnet/felund/internal/state"
)

const (
	// MaxFrame caps a plaintext line, newline included. Oversize lines
	// are a protocol violation and kill the connection.
	MaxFrame = 16 * 1024

	// MaxEncFrame caps an encrypted line. Base64 inflates the sealed
	// payload by roughly 4/3, so encrypted lines get twice the budget.
	MaxEncFrame = 2 * MaxFrame

	// DefaultReadTimeout is the idle budget for one frame. The anchor
	// exchange overrides it per frame with much shorter budgets.
	DefaultReadTimeout = 30 * time.Second
)

// Frame tags. The set is closed; decoding any other tag fails the read.
const (
	TagHello         = "HELLO"
	TagChallenge     = "CHALLENGE"
	TagHelloAuth     = "HELLO_AUTH"
	TagWelcome       = "WELCOME"
	TagError         = "ERROR"
	TagPeers         = "PEERS"
	TagMsgsHave      = "MSGS_HAVE"
	TagMsgsReq       = "MSGS_REQ"
	TagMsgsSend      = "MSGS_SEND"
	TagAnchorPush    = "ANCHOR_PUSH"
	TagAnchorPushAck = "ANCHOR_PUSH_ACK"
	TagAnchorPull    = "ANCHOR_PULL"
	TagAnchorMsgs    = "ANCHOR_MSGS"
)

var knownTags = map[string]bool{
	TagHello: true, TagChallenge: true, TagHelloAuth: true,
	TagWelcome: true, TagError: true, TagPeers: true,
	TagMsgsHave: true, TagMsgsReq: true, TagMsgsSend: true,
	TagAnchorPush: true, TagAnchorPushAck: true, TagAnchorPull: true,
	TagAnchorMsgs: true,
}

// Frame is the single wire unit. One flat struct covers every tag; only
// the fields meaningful for a tag are populated, everything else stays
// at its zero value and is omitted on the wire.
type Frame struct {
	T string `json:"t"`

	// HELLO
	NodeID     string `json:"node_id,omitempty"`
	CircleID   string `json:"circle_id,omitempty"`
	ListenAddr string `json:"listen_addr,omitempty"`
	Nonce      string `json:"nonce,omitempty"`
	CanAnchor  bool   `json:"can_anchor,omitempty"`

	// HELLO_AUTH
	Token string `json:"token,omitempty"`

	// WELCOME
	EncReady bool `json:"enc_ready,omitempty"`

	// ERROR
	Err string `json:"err,omitempty"`

	// PEERS
	Peers []state.Peer `json:"peers,omitempty"`

	// MSGS_HAVE / MSGS_REQ
	MsgIDs []string `json:"msg_ids,omitempty"`

	// MSGS_SEND
	Messages []state.Message `json:"messages,omitempty"`

	// ANCHOR_PUSH / ANCHOR_MSGS
	Envelopes []state.AnchorEnvelope `json:"envelopes,omitempty"`

	// ANCHOR_PUSH_ACK
	Stored int `json:"stored,omitempty"`

	// ANCHOR_PULL
	Since int64 `json:"since,omitempty"`

	// ANCHOR_MSGS
	ServerTime int64 `json:"server_time,omitempty"`
}

// Framer reads and writes frames on one connection. Not safe for
// concurrent use; the sync protocol is strictly sequential per
// connection, so each connection owns exactly one Framer.
type Framer struct {
	conn    net.Conn
	r       *bufio.Reader
	key     []byte
	timeout time.Duration
}

// NewFramer wraps conn in plaintext framing with the default read
// timeout. The read buffer is sized to the encrypted cap, which bounds
// memory per connection even against a peer that never sends a newline.
func NewFramer(conn net.Conn) *Framer {
	return &Framer{
		conn:    conn,
		r:       bufio.NewReaderSize(conn, MaxEncFrame),
		timeout: DefaultReadTimeout,
	}
}

// EnableEncryption switches both directions to sealed framing. Every
// later line is base64(nonce||ciphertext||tag). The switch is one-way.
func (f *Framer) EnableEncryption(sessionKey []byte) {
	f.key = sessionKey
}

// Encrypted reports whether the sealed framing is active.
func (f *Framer) Encrypted() bool { return f.key != nil }

// Read reads one frame under the default timeout.
func (f *Framer) Read() (Frame, error) {
	return f.ReadWithin(f.timeout)
}

// ReadWithin reads one frame, failing if no full line arrives within d.
func (f *Framer) ReadWithin(d time.Duration) (Frame, error) {
	if err := f.conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		return Frame{}, fmt.Errorf("wire: set read deadline: %w", err)
	}
	line, err := f.r.ReadSlice('\n')
	if err == bufio.ErrBufferFull {
		return Frame{}, ErrFrameTooLarge
	}
	if err != nil {
		return Frame{}, fmt.Errorf("wire: read frame: %w", err)
	}
	limit := MaxFrame
	if f.key != nil {
		limit = MaxEncFrame
	}
	if len(line) > limit {
		return Frame{}, ErrFrameTooLarge
	}
	payload := bytes.TrimSuffix(line, []byte{'\n'})
	if f.key != nil {
		sealed, err := base64.StdEncoding.DecodeString(string(payload))
		if err != nil {
			return Frame{}, fmt.Errorf("%w: bad base64: %v", ErrMalformedFrame, err)
		}
		payload, err = fcrypto.OpenFrame(f.key, sealed)
		if err != nil {
			return Frame{}, err
		}
	}
	var fr Frame
	if err := json.Unmarshal(payload, &fr); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if !knownTags[fr.T] {
		return Frame{}, fmt.Errorf("%w: %q", ErrUnknownFrame, fr.T)
	}
	return fr, nil
}

// Write encodes and sends one frame, sealing it first when encryption
// is active.
func (f *Framer) Write(fr Frame) error {
	payload, err := json.Marshal(fr)
	if err != nil {
		return fmt.Errorf("wire: encode frame: %w", err)
	}
	if f.key != nil {
		sealed, err := fcrypto.SealFrame(f.key, payload)
		if err != nil {
			return fmt.Errorf("wire: seal frame: %w", err)
		}
		payload = []byte(base64.StdEncoding.EncodeToString(sealed))
	}
	line := append(payload, '\n')
	if err := f.conn.SetWriteDeadline(time.Now().Add(f.timeout)); err != nil {
		return fmt.Errorf("wire: set write deadline: %w", err)
	}
	if _, err := f.conn.Write(line); err != nil {
		return fmt.Errorf("wire: write frame: %w", err)
	}
	return nil
}
