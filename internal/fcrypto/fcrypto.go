// Package fcrypto implements the fixed-function cryptography felund peers
// agree on: identifier hashing, handshake tokens, message MACs, HKDF key
// derivation, and the AES-256-GCM envelopes for message fields and session
// frames. Every byte layout in this package is wire contract; changing one
// breaks interop with deployed nodes.
package fcrypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

const (
	// SecretSize is the raw circle secret length in bytes. Secrets travel
	// and persist as 64 lowercase hex chars.
	SecretSize = 32

	// NodeIDLen and CircleIDLen are hex-char prefixes of SHA-256 digests.
	NodeIDLen   = 24
	CircleIDLen = 24

	// MessageIDLen is the hex-char prefix length for message identifiers.
	MessageIDLen = 32

	// NonceLen is the hex-char length of handshake nonces (16 random bytes).
	NonceLen = 32
)

// SHA256Hex returns the lowercase hex digest of b.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HMACHex returns the lowercase hex HMAC-SHA-256 of msg under key.
func HMACHex(key, msg []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return hex.EncodeToString(mac.Sum(nil))
}

// DecodeSecret parses a 64-hex-char circle secret into its 32 raw bytes.
func DecodeSecret(secretHex string) ([]byte, error) {
	secret, err := hex.DecodeString(secretHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSecret, err)
	}
	if len(secret) != SecretSize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrBadSecret, len(secret))
	}
	return secret, nil
}

// NewSecret generates a fresh 32-byte circle secret and returns it as hex.
func NewSecret() (string, error) {
	buf := make([]byte, SecretSize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read randomness: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// CircleID derives the circle identifier from the secret: the first 24 hex
// chars of SHA-256 over the raw secret bytes. Two nodes holding the same
// secret always agree on the identifier.
func CircleID(secretHex string) (string, error) {
	secret, err := DecodeSecret(secretHex)
	if err != nil {
		return "", err
	}
	return SHA256Hex(secret)[:CircleIDLen], nil
}

// CircleHint pseudonymizes a circle id for third parties (rendezvous
// servers, mDNS TXT records): the first 16 hex chars of SHA-256 over the
// circle id's UTF-8 bytes. Holders of the id can match the hint; nobody
// can walk it back.
func CircleHint(circleID string) string {
	return SHA256Hex([]byte(circleID))[:16]
}

// NewNodeID generates a stable node identifier: the first 24 hex chars of
// SHA-256 over 32 random bytes. Generated once per installation.
func NewNodeID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read randomness: %w", err)
	}
	return SHA256Hex(buf)[:NodeIDLen], nil
}

// NewMessageID builds a content address for a new message: the first 32 hex
// chars of SHA-256 over author, creation timestamp, and a random component.
// The random part makes ids from the same author in the same second distinct.
func NewMessageID(authorNodeID string, createdTS int64) string {
	payload := authorNodeID + "|" + strconv.FormatInt(createdTS, 10) + "|" + uuid.NewString()
	return SHA256Hex([]byte(payload))[:MessageIDLen]
}

// NewNonce returns 16 random bytes as 32 hex chars. Handshake nonces MUST be
// cryptographically random: the pair feeds the session key derivation, and a
// repeated pair repeats AES-GCM nonce streams.
func NewNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read randomness: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// MakeToken computes the handshake authorization token:
// HMAC-SHA-256(secret, node_id|circle_id|nonce) as hex. Proves knowledge of
// the circle secret without revealing it.
func MakeToken(secretHex, nodeID, circleID, nonce string) (string, error) {
	secret, err := DecodeSecret(secretHex)
	if err != nil {
		return "", err
	}
	payload := nodeID + "|" + circleID + "|" + nonce
	return HMACHex(secret, []byte(payload)), nil
}

// VerifyToken checks a presented token in constant time. Any failure,
// including an undecodable local secret, reads as a plain mismatch.
func VerifyToken(secretHex, nodeID, circleID, nonce, token string) bool {
	want, err := MakeToken(secretHex, nodeID, circleID, nonce)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(want), []byte(token))
}

// MessageFields carries the authenticated fields of a chat message in the
// fixed order the MAC covers. The pipe-joined byte order is wire contract.
type MessageFields struct {
	MsgID        string
	CircleID     string
	ChannelID    string
	AuthorNodeID string
	DisplayName  string
	CreatedTS    int64
	Text         string
}

func (f MessageFields) macPayload() []byte {
	return []byte(f.MsgID + "|" + f.CircleID + "|" + f.ChannelID + "|" +
		f.AuthorNodeID + "|" + f.DisplayName + "|" +
		strconv.FormatInt(f.CreatedTS, 10) + "|" + f.Text)
}

// aadPayload is the associated data for the message envelope: the immutable
// fields, excluding the two the envelope encrypts.
func (f MessageFields) aadPayload() []byte {
	return []byte(f.MsgID + "|" + f.CircleID + "|" + f.ChannelID + "|" +
		f.AuthorNodeID + "|" + strconv.FormatInt(f.CreatedTS, 10))
}

// MessageMAC computes the per-message authenticator keyed by the circle
// secret. Possession of a valid MAC is the authorization proof that the
// author knew the secret.
func MessageMAC(secretHex string, f MessageFields) (string, error) {
	secret, err := DecodeSecret(secretHex)
	if err != nil {
		return "", err
	}
	return HMACHex(secret, f.macPayload()), nil
}

// VerifyMessageMAC checks a message MAC in constant time. An empty MAC never
// verifies.
func VerifyMessageMAC(secretHex string, f MessageFields, mac string) bool {
	if mac == "" {
		return false
	}
	want, err := MessageMAC(secretHex, f)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(want), []byte(mac))
}

// ChannelKeyHash derives the stored hash for key-mode channels:
// SHA-256(circle_id|channel_id|key) as full hex. Gossiped in the channel
// create event so members can check join attempts without seeing the key.
func ChannelKeyHash(circleID, channelID, key string) string {
	return SHA256Hex([]byte(circleID + "|" + channelID + "|" + key))
}
