package main

import (
	"fmt"
	"io"
	"sync"

	"anon-chat/internal/models"
	"anon-chat/internal/syncer"
)

// renderer prints each item once and status changes as they happen.
type renderer struct {
	mu      sync.Mutex
	out     io.Writer
	printed map[string]struct{}
	failed  map[string]struct{}
	status  syncer.Status
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{
		out:     out,
		printed: make(map[string]struct{}),
		failed:  make(map[string]struct{}),
		status:  syncer.StatusIdle,
	}
}

func (r *renderer) render(snap syncer.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if snap.Status != r.status {
		r.status = snap.Status
		if msg := statusLine(snap.Status); msg != "" {
			fmt.Fprintln(r.out, msg)
		}
	}

	for _, it := range snap.Items {
		switch it.State {
		case syncer.Confirmed:
			key := "id:" + it.ID + ":" + fmt.Sprint(it.Decrypted)
			if _, ok := r.printed[key]; ok {
				continue
			}
			r.printed[key] = struct{}{}
			fmt.Fprintln(r.out, formatItem(it))
		case syncer.Failed:
			if _, ok := r.failed[it.LocalID]; ok {
				continue
			}
			r.failed[it.LocalID] = struct{}{}
			fmt.Fprintf(r.out, "! not sent: %s\n", it.Plaintext)
		}
	}
}

// returned reports a failed send whose text goes back to the user.
func (r *renderer) returned(plaintext string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, "! returned to input: %s\n", plaintext)
}

func statusLine(s syncer.Status) string {
	switch s {
	case syncer.StatusBackoff:
		return "~ syncing slowly"
	case syncer.StatusExpired:
		return "~ conversation expired"
	case syncer.StatusFatal:
		return "~ server misconfigured, giving up"
	default:
		return ""
	}
}

func formatItem(it syncer.Item) string {
	who := it.Sender
	if it.Mine {
		who = "me"
	}
	prefix := fmt.Sprintf("[%s] %s", it.CreatedAt.Local().Format("15:04:05"), who)
	if it.Burn {
		prefix += " (burn)"
	}
	if !it.Decrypted {
		return prefix + ": <cannot decrypt>"
	}
	if it.Kind != models.KindText {
		return fmt.Sprintf("%s: [%s, %d bytes]", prefix, it.Kind, len(it.Plaintext))
	}
	return prefix + ": " + it.Plaintext
}
