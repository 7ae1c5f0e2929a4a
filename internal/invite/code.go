// Package invite encodes and parses felund invite codes. A code carries
// a circle secret plus one dial hint and nothing else: possession of the
// code is possession of the circle.
//
// Format: "felund1." followed by unpadded URL-safe base64 of the compact
// JSON payload {"v":1,"secret":<hex64>,"peer":<hint>}. The hint is a TCP
// host:port for nodes with a listener, or a relay URL (http://, https://
// or scheme-relative //) for clients that sync through a rendezvous
// server instead.
package invite

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/felundnet/felund/internal/fcrypto"
	"github.com/felundnet/felund/internal/wire"
)

// Prefix opens every invite code; the digit is the format version.
const Prefix = "felund1."

// Version is the payload version this build writes and accepts.
const Version = 1

var encoding = base64.URLEncoding.WithPadding(base64.NoPadding)

// Code is the decoded payload of an invite.
type Code struct {
	SecretHex string // 64 hex chars, the circle secret
	Peer      string // optional dial hint: host:port or relay URL
}

// CircleID derives the circle identifier the code joins.
func (c Code) CircleID() (string, error) {
	return fcrypto.CircleID(c.SecretHex)
}

// IsRelayPeer reports whether the dial hint is a relay URL rather than a
// TCP endpoint. Web clients have no listener and embed their rendezvous
// URL instead of an address.
func IsRelayPeer(peer string) bool {
	return strings.HasPrefix(peer, "http://") ||
		strings.HasPrefix(peer, "https://") ||
		strings.HasPrefix(peer, "//")
}

// Encode builds the printable code for a circle secret and dial hint.
func Encode(secretHex, peer string) (string, error) {
	if _, err := fcrypto.DecodeSecret(secretHex); err != nil {
		return "", fmt.Errorf("invite: %w", err)
	}
	payload := struct {
		V      int    `json:"v"`
		Secret string `json:"secret"`
		Peer   string `json:"peer"`
	}{Version, strings.ToLower(secretHex), peer}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("invite: encode payload: %w", err)
	}
	return Prefix + encoding.EncodeToString(raw), nil
}

// Parse decodes and validates a code. It accepts surrounding whitespace
// and trailing base64 padding, and is strict about everything else:
// prefix, version, secret shape, and (for TCP hints) the endpoint
// format.
func Parse(code string) (Code, error) {
	code = strings.TrimSpace(code)
	if !strings.HasPrefix(code, Prefix) {
		return Code{}, ErrBadPrefix
	}
	token := strings.TrimRight(code[len(Prefix):], "=")
	raw, err := encoding.DecodeString(token)
	if err != nil {
		return Code{}, fmt.Errorf("%w: %v", ErrBadCode, err)
	}
	var payload struct {
		V      int    `json:"v"`
		Secret string `json:"secret"`
		Peer   string `json:"peer"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Code{}, fmt.Errorf("%w: %v", ErrBadCode, err)
	}
	if payload.V != Version {
		if payload.V > Version {
			return Code{}, fmt.Errorf("%w: version %d is newer than supported; upgrade felund", ErrBadVersion, payload.V)
		}
		return Code{}, fmt.Errorf("%w: version %d", ErrBadVersion, payload.V)
	}
	secret := strings.ToLower(strings.TrimSpace(payload.Secret))
	if _, err := fcrypto.DecodeSecret(secret); err != nil {
		return Code{}, fmt.Errorf("%w: %v", ErrBadCode, err)
	}
	peer := strings.TrimSpace(payload.Peer)
	if peer != "" && !IsRelayPeer(peer) {
		// TCP hints must carry an explicit port; only relay URLs may
		// omit one.
		if _, port, err := wire.ParseHostPort(peer, 0); err != nil || port == 0 {
			return Code{}, fmt.Errorf("%w: peer hint %q is not host:port", ErrBadCode, peer)
		}
	}
	return Code{SecretHex: secret, Peer: peer}, nil
}
