package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"anon-chat/internal/models"
	"anon-chat/internal/syncer"
)

func TestRendererPrintsEachItemOnce(t *testing.T) {
	var buf bytes.Buffer
	r := newRenderer(&buf)
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	snap := syncer.Snapshot{Status: syncer.StatusPolling, Items: []syncer.Item{
		{State: syncer.Confirmed, ID: "e1", Sender: "BBBBBB", CreatedAt: at, Kind: models.KindText, Plaintext: "hi", Decrypted: true},
		{State: syncer.Pending, LocalID: "l1", Plaintext: "on its way", Decrypted: true, Mine: true},
	}}
	r.render(snap)
	r.render(snap)

	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, "BBBBBB: hi"))
	assert.NotContains(t, out, "on its way", "pending items are not printed")
}

func TestRendererRedecryptedItemPrintsAgain(t *testing.T) {
	var buf bytes.Buffer
	r := newRenderer(&buf)

	r.render(syncer.Snapshot{Status: syncer.StatusPolling, Items: []syncer.Item{{State: syncer.Confirmed, ID: "e1", Sender: "anonymous"}}})
	r.render(syncer.Snapshot{Status: syncer.StatusPolling, Items: []syncer.Item{{State: syncer.Confirmed, ID: "e1", Sender: "anonymous", Kind: models.KindText, Plaintext: "now readable", Decrypted: true}}})

	out := buf.String()
	assert.Contains(t, out, "<cannot decrypt>")
	assert.Contains(t, out, "anonymous: now readable")
}

func TestRendererStatusAndFailures(t *testing.T) {
	var buf bytes.Buffer
	r := newRenderer(&buf)

	r.render(syncer.Snapshot{Status: syncer.StatusBackoff})
	r.render(syncer.Snapshot{Status: syncer.StatusBackoff, Items: []syncer.Item{{State: syncer.Failed, LocalID: "l1", Plaintext: "lost"}}})
	r.returned("lost")

	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, "syncing slowly"))
	assert.Contains(t, out, "! not sent: lost")
	assert.Contains(t, out, "! returned to input: lost")
}

func TestFormatItemMedia(t *testing.T) {
	line := formatItem(syncer.Item{Sender: "x", Mine: true, Burn: true, Kind: models.KindImage, Plaintext: "data:image/png;base64,AAAA", Decrypted: true})
	assert.Contains(t, line, "me (burn): [image, 26 bytes]")
}
