package fcrypto

import (
	"crypto/rand"
	"fmt"
)

// SealFrame encrypts one wire frame under a session key. Output layout is
// 12-byte nonce || ciphertext || 16-byte tag; the framing layer base64s it.
func SealFrame(sessionKey, plaintext []byte) ([]byte, error) {
	aead, err := newGCM(sessionKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to read randomness: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// OpenFrame decrypts a sealed frame. A truncated input or failed tag reports
// ErrFrameOpen; the connection dies with it.
func OpenFrame(sessionKey, sealed []byte) ([]byte, error) {
	aead, err := newGCM(sessionKey)
	if err != nil {
		return nil, err
	}
	if len(sealed) < NonceSize+aead.Overhead() {
		return nil, ErrFrameOpen
	}
	plaintext, err := aead.Open(nil, sealed[:NonceSize], sealed[NonceSize:], nil)
	if err != nil {
		return nil, ErrFrameOpen
	}
	return plaintext, nil
}
