package models

import (
	"sort"
	"strings"
	"time"
)

// ConversationKind distinguishes group rooms from 1:1 pairs.
type ConversationKind string

const (
	KindRoom ConversationKind = "room"
	KindPair ConversationKind = "pair"
)

// Conversation is the stored state of a room or a pair.
type Conversation struct {
	ID        string           `json:"id"`
	Kind      ConversationKind `json:"kind"`
	CreatedAt time.Time        `json:"createdAt"`
	ExpiresAt time.Time        `json:"expiresAt"`
	Envelopes []Envelope       `json:"envelopes"`
}

// Identity is a pairing code registration.
type Identity struct {
	Code      string    `json:"code"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// NormalizeCode trims and uppercases a user-typed code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// PairID returns the commutative identifier for two participant codes.
func PairID(a, b string) string {
	codes := []string{NormalizeCode(a), NormalizeCode(b)}
	sort.Strings(codes)
	return codes[0] + "_" + codes[1]
}

// RoomConversationID is the storage identifier of a room.
func RoomConversationID(code string) string {
	return "room:" + NormalizeCode(code)
}

// PairConversationID is the storage identifier of the pair (a, b).
func PairConversationID(a, b string) string {
	return "pair:" + PairID(a, b)
}
