package syncer

import (
	"time"

	"anon-chat/internal/client"
	"anon-chat/internal/models"
)

// Status is the lifecycle state of a Session.
type Status int

const (
	// StatusIdle is the state before a key exists. Engine.Open performs the
	// Idle to KeyReady step, so a returned Session never reports it.
	StatusIdle Status = iota
	StatusKeyReady
	StatusPolling
	StatusBackoff
	StatusClosed
	// StatusExpired means the server no longer knows the conversation.
	StatusExpired
	// StatusFatal means the deployment rejected the session for good.
	StatusFatal
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusKeyReady:
		return "key_ready"
	case StatusPolling:
		return "polling"
	case StatusBackoff:
		return "backoff"
	case StatusClosed:
		return "closed"
	case StatusExpired:
		return "expired"
	case StatusFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

func (s Status) terminal() bool {
	return s == StatusClosed || s == StatusExpired || s == StatusFatal
}

// ItemState tags a visible list entry.
type ItemState int

const (
	Confirmed ItemState = iota
	Pending
	Failed
)

func (s ItemState) String() string {
	switch s {
	case Confirmed:
		return "confirmed"
	case Pending:
		return "pending"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Item is one entry of the visible list. Confirmed items come from the
// server; Pending and Failed items are local sends.
type Item struct {
	State     ItemState
	ID        string
	LocalID   string
	Sender    string
	Mine      bool
	CreatedAt time.Time
	Kind      models.Kind
	// Plaintext is empty and Decrypted false when the envelope could not be
	// opened with the current key.
	Plaintext string
	Decrypted bool
	Burn      bool
	ExpireAt  *time.Time
	Read      bool

	ciphertext string
}

// Snapshot is a consistent view of a Session.
type Snapshot struct {
	Conversation client.Conversation
	Status       Status
	Delay        time.Duration
	Items        []Item
	Err          error
}

type sendState int

const (
	sending sendState = iota
	sent
	sendFailed
)

type pendingSend struct {
	localID    string
	plaintext  string
	kind       models.Kind
	burn       bool
	createdAt  time.Time
	state      sendState
	ciphertext string
	sentGen    uint64
	err        error
}

func (p *pendingSend) item(me string) Item {
	state := Pending
	if p.state == sendFailed {
		state = Failed
	}
	return Item{
		State:     state,
		LocalID:   p.localID,
		Sender:    me,
		Mine:      true,
		CreatedAt: p.createdAt,
		Kind:      p.kind,
		Plaintext: p.plaintext,
		Decrypted: true,
		Burn:      p.burn,
	}
}
