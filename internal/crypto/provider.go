// Package crypto implements credential encryption for modulex.
//
// Keys are derived per subject (user id or tool name) from the server
// secret with PBKDF2-SHA256; blobs are sealed with AES-256-GCM so any
// tampering or a wrong-subject key fails decryption instead of silently
// returning garbage.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// Namespace selects the fixed salt used for key derivation. User
// credentials and tool variables live in distinct namespaces so the same
// subject string can never produce colliding keys.
type Namespace string

const (
	NamespaceUserCredential Namespace = "user-credential-v1"
	NamespaceToolVariable   Namespace = "tool-variable-v1"
)

const (
	keyLength     = 32
	keyIterations = 100_000
)

// ErrBlobIntegrity indicates a stored blob failed authenticated
// decryption: tampered ciphertext, a rotated server secret, or a
// wrong-subject key. Distinct from "record not found".
var ErrBlobIntegrity = errors.New("credential blob failed integrity check")

// Provider derives per-subject keys and seals/opens credential blobs.
// Derivation is pure and safe for concurrent use.
type Provider struct {
	serverSecret string
}

// NewProvider creates an encryption provider bound to the server secret.
func NewProvider(serverSecret string) (*Provider, error) {
	if serverSecret == "" {
		return nil, errors.New("server secret must not be empty")
	}
	return &Provider{serverSecret: serverSecret}, nil
}

// DeriveKey derives the symmetric key for a subject within a namespace.
// Deterministic, and intentionally expensive (PBKDF2, 100k iterations) to
// slow brute force; callers should not re-derive in hot loops.
func (p *Provider) DeriveKey(ns Namespace, subject string) []byte {
	password := []byte(p.serverSecret + ":" + subject)
	return pbkdf2.Key(password, []byte(ns), keyIterations, keyLength, sha256.New)
}

// Encrypt seals plaintext for a subject. The random GCM nonce is prefixed
// to the ciphertext and the whole blob is base64url encoded for storage.
func (p *Provider) Encrypt(ns Namespace, subject string, plaintext []byte) (string, error) {
	aead, err := p.aead(ns, subject)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a blob produced by Encrypt. Returns ErrBlobIntegrity when
// the blob is malformed, tampered with, or sealed under a different key.
func (p *Provider) Decrypt(ns Namespace, subject, blob string) ([]byte, error) {
	raw, err := base64.URLEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBlobIntegrity, err)
	}

	aead, err := p.aead(ns, subject)
	if err != nil {
		return nil, err
	}

	if len(raw) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: blob too short", ErrBlobIntegrity)
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBlobIntegrity, err)
	}
	return plaintext, nil
}

// EncryptJSON seals a credential payload map.
func (p *Provider) EncryptJSON(ns Namespace, subject string, payload map[string]any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}
	return p.Encrypt(ns, subject, data)
}

// DecryptJSON opens a blob sealed by EncryptJSON.
func (p *Provider) DecryptJSON(ns Namespace, subject, blob string) (map[string]any, error) {
	data, err := p.Decrypt(ns, subject, blob)
	if err != nil {
		return nil, err
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: payload is not valid JSON", ErrBlobIntegrity)
	}
	return payload, nil
}

// EncryptString seals a single string value (tool environment variables).
func (p *Provider) EncryptString(ns Namespace, subject, value string) (string, error) {
	return p.Encrypt(ns, subject, []byte(value))
}

// DecryptString opens a blob sealed by EncryptString.
func (p *Provider) DecryptString(ns Namespace, subject, blob string) (string, error) {
	data, err := p.Decrypt(ns, subject, blob)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (p *Provider) aead(ns Namespace, subject string) (cipher.AEAD, error) {
	block, err := aes.NewCipher(p.DeriveKey(ns, subject))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}
