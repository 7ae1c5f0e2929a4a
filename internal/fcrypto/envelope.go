package fcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

const (
	// EnvelopeAlg is the only algorithm deployed nodes accept.
	EnvelopeAlg = "AES-256-GCM"

	// EnvelopeKeyID names the current message key epoch. Key rotation would
	// bump this; until then every envelope carries "epoch-0".
	EnvelopeKeyID = "epoch-0"

	// NonceSize is the AES-GCM nonce length in bytes.
	NonceSize = 12
)

// Envelope is the optional encrypted form of a message's display_name and
// text. Nonce and Ciphertext are standard base64; the ciphertext includes
// the 16-byte GCM tag. Anchors store envelopes without being able to open
// them.
type Envelope struct {
	Alg        string `json:"alg"`
	KeyID      string `json:"key_id"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// encPayload is the envelope plaintext. Field order is wire contract: the
// canonical JSON is {"display_name":...,"text":...}.
type encPayload struct {
	DisplayName string `json:"display_name"`
	Text        string `json:"text"`
}

// EncryptMessageFields seals display_name and text under the circle's
// message key with a fresh random nonce. The message's immutable fields bind
// the ciphertext as associated data, so an envelope cannot be spliced onto a
// different message.
func EncryptMessageFields(secretHex string, f MessageFields) (*Envelope, error) {
	key, err := DeriveMessageKey(secretHex)
	if err != nil {
		return nil, err
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to read randomness: %w", err)
	}
	plaintext, err := json.Marshal(encPayload{DisplayName: f.DisplayName, Text: f.Text})
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	ct := aead.Seal(nil, nonce, plaintext, f.aadPayload())
	return &Envelope{
		Alg:        EnvelopeAlg,
		KeyID:      EnvelopeKeyID,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
	}, nil
}

// DecryptMessageFields opens an envelope against the immutable fields of f
// (display_name and text in f are ignored) and returns the recovered
// display_name and text. Any failure, from base64 to the GCM tag, reports
// ErrEnvelopeOpen; callers drop the message silently.
func DecryptMessageFields(secretHex string, env *Envelope, f MessageFields) (string, string, error) {
	if env == nil || env.Alg != EnvelopeAlg {
		return "", "", ErrEnvelopeOpen
	}
	key, err := DeriveMessageKey(secretHex)
	if err != nil {
		return "", "", err
	}
	aead, err := newGCM(key)
	if err != nil {
		return "", "", err
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil || len(nonce) != NonceSize {
		return "", "", ErrEnvelopeOpen
	}
	ct, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return "", "", ErrEnvelopeOpen
	}
	plaintext, err := aead.Open(nil, nonce, ct, f.aadPayload())
	if err != nil {
		return "", "", ErrEnvelopeOpen
	}
	var p encPayload
	if err := json.Unmarshal(plaintext, &p); err != nil {
		return "", "", ErrEnvelopeOpen
	}
	return p.DisplayName, p.Text, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes init failed: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm init failed: %w", err)
	}
	return aead, nil
}
