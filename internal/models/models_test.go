package models

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestPairIDCommutative(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := rapid.StringMatching(`[A-Za-z2-9 ]{1,10}`).Draw(t, "a")
		b := rapid.StringMatching(`[A-Za-z2-9 ]{1,10}`).Draw(t, "b")

		if PairID(a, b) != PairID(b, a) {
			t.Fatalf("PairID(%q, %q) != PairID(%q, %q)", a, b, b, a)
		}
		if PairConversationID(a, b) != PairConversationID(b, a) {
			t.Fatalf("conversation id not commutative for %q %q", a, b)
		}
	})
}

func TestPairIDNormalizes(t *testing.T) {
	assert.Equal(t, "ABCDEFGH_ZZZZZZZZ", PairID(" zzzzzzzz", "abcdefgh "))
	assert.Equal(t, "pair:ABCDEFGH_ZZZZZZZZ", PairConversationID("ZZZZZZZZ", "abcdefgh"))
	assert.Equal(t, "room:K7PM2Q", RoomConversationID(" k7pm2q "))
}

func TestParseKind(t *testing.T) {
	cases := map[string]struct {
		kind Kind
		ok   bool
	}{
		"":       {KindText, true},
		"text":   {KindText, true},
		"IMAGE":  {KindImage, true},
		" video": {KindVideo, true},
		"audio":  {KindAudio, true},
		"gif":    {"", false},
	}
	for in, want := range cases {
		got, ok := ParseKind(in)
		assert.Equal(t, want.ok, ok, in)
		assert.Equal(t, want.kind, got, in)
	}
}

func TestSniffKind(t *testing.T) {
	assert.Equal(t, KindImage, SniffKind("data:image/png;base64,AAAA"))
	assert.Equal(t, KindVideo, SniffKind("data:video/mp4;base64,AAAA"))
	assert.Equal(t, KindAudio, SniffKind("data:audio/webm;base64,AAAA"))
	assert.Equal(t, KindText, SniffKind("hello data:image/png"))
	assert.Equal(t, KindText, SniffKind(strings.Repeat("x", 3)))
}
