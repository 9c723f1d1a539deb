package models

import (
	"strings"
	"time"
)

// Kind is the closed set of payload kinds an envelope can carry.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
)

// ParseKind validates a wire value. An empty value is treated as text.
func ParseKind(s string) (Kind, bool) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return KindText, true
	case KindText, KindImage, KindVideo, KindAudio:
		return k, true
	default:
		return "", false
	}
}

// SniffKind classifies legacy plaintext that was stored without a kind.
func SniffKind(plaintext string) Kind {
	switch {
	case strings.HasPrefix(plaintext, "data:image/"):
		return KindImage
	case strings.HasPrefix(plaintext, "data:video/"):
		return KindVideo
	case strings.HasPrefix(plaintext, "data:audio/"):
		return KindAudio
	default:
		return KindText
	}
}

// AnonymousSender is the sender recorded for room messages.
const AnonymousSender = "anonymous"

// Envelope is one stored, encrypted message unit.
type Envelope struct {
	ID         string     `json:"id"`
	Sender     string     `json:"sender"`
	CreatedAt  time.Time  `json:"createdAt"`
	Kind       Kind       `json:"kind,omitempty"`
	Ciphertext string     `json:"ciphertext"`
	Burn       bool       `json:"burn"`
	ExpireAt   *time.Time `json:"expireAt,omitempty"`
	Read       bool       `json:"read"`
}
