// Package chatcrypto derives per-conversation keys from a passphrase and
// seals individual message payloads with AES-256-GCM.
package chatcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// DefaultIterations balances derivation latency on low-end devices against
// brute-force resistance of short passphrases.
const DefaultIterations = 10000

const (
	keySize   = 32
	nonceSize = 12
)

// ErrUnsupportedEnvironment is returned when no secure random source is
// available. Sending or receiving must not be attempted in that case.
var ErrUnsupportedEnvironment = errors.New("secure random source unavailable")

// Engine derives keys. The zero value uses DefaultIterations and crypto/rand.
type Engine struct {
	Iterations int
	Rand       io.Reader
}

// New returns an Engine with the given PBKDF2 iteration count.
func New(iterations int) *Engine {
	return &Engine{Iterations: iterations}
}

// Key is a derived AES-GCM key bound to one conversation.
type Key struct {
	aead        cipher.AEAD
	rand        io.Reader
	fingerprint string
}

// DeriveKey runs PBKDF2-SHA256 over the passphrase, salted with the
// normalized conversation id. The same inputs always yield the same key.
func (e *Engine) DeriveKey(conversationID, passphrase string) (*Key, error) {
	src := e.random()
	var probe [1]byte
	if _, err := io.ReadFull(src, probe[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedEnvironment, err)
	}

	salt := []byte(strings.ToUpper(strings.TrimSpace(conversationID)))
	raw := pbkdf2.Key([]byte(passphrase), salt, e.iterations(), keySize, sha256.New)

	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}

	sum := sha256.Sum256(raw)
	return &Key{aead: aead, rand: src, fingerprint: hex.EncodeToString(sum[:8])}, nil
}

func (e *Engine) iterations() int {
	if e == nil || e.Iterations <= 0 {
		return DefaultIterations
	}
	return e.Iterations
}

func (e *Engine) random() io.Reader {
	if e == nil || e.Rand == nil {
		return rand.Reader
	}
	return e.Rand
}

// ID identifies the key without revealing it. Two keys derived from the same
// inputs share an ID.
func (k *Key) ID() string {
	return k.fingerprint
}

// Encrypt seals plaintext under a fresh random nonce and returns
// base64(nonce || ciphertext).
func (k *Key) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, nonceSize, nonceSize+len(plaintext)+k.aead.Overhead())
	if _, err := io.ReadFull(k.rand, nonce); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsupportedEnvironment, err)
	}
	sealed := k.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a blob produced by Encrypt. Every failure (bad encoding,
// truncation, wrong key, tampering) reports false and nothing else.
func (k *Key) Decrypt(blob string) (string, bool) {
	sealed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(blob))
	if err != nil || len(sealed) < nonceSize+k.aead.Overhead() {
		return "", false
	}
	plain, err := k.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return "", false
	}
	return string(plain), true
}
