package fcrypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the derived AES-256 key length.
const KeySize = 32

const (
	// sessionInfo labels the per-connection frame key derivation.
	sessionInfo = "felund-sess-v1"

	// messageInfo labels the long-lived message envelope key derivation.
	messageInfo = "felund-msg-v1"
)

// DeriveSessionKey derives the per-connection frame encryption key:
// HKDF-SHA-256 over the raw secret, salted with the UTF-8 bytes of the two
// handshake nonces as exchanged on the wire, client nonce first.
func DeriveSessionKey(secretHex, clientNonce, serverNonce string) ([]byte, error) {
	secret, err := DecodeSecret(secretHex)
	if err != nil {
		return nil, err
	}
	salt := []byte(clientNonce + serverNonce)
	return deriveKey(secret, salt, sessionInfo)
}

// DeriveMessageKey derives the circle's message envelope key ("epoch-0").
// No salt: the key must be identical for every member at any time so that
// anchored envelopes decrypt long after the originating session ended.
func DeriveMessageKey(secretHex string) ([]byte, error) {
	secret, err := DecodeSecret(secretHex)
	if err != nil {
		return nil, err
	}
	return deriveKey(secret, nil, messageInfo)
}

func deriveKey(ikm, salt []byte, info string) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, salt, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("hkdf expand failed: %w", err)
	}
	return key, nil
}
