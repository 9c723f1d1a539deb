package telemetry

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"anon-chat/internal/models"
)

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
	Close() error
}

// Audit event types. Payloads carry codes and kinds only, never content.
const (
	EventRoomCreated         = "room_created"
	EventIdentityCreated     = "identity_created"
	EventPairCreated         = "pair_created"
	EventConversationExpired = "conversation_expired"
	EventAuditTest           = "audit_test"
)

type AuditEmitter struct {
	publisher   Publisher
	routingKey  string
	service     string
	environment string
	log         *logrus.Logger
	clock       clock.Clock
}

type AuditEnvelope struct {
	SchemaVersion int          `json:"schema_version"`
	EventType     string       `json:"event_type"`
	OccurredAt    string       `json:"occurred_at"`
	Service       string       `json:"service"`
	Environment   string       `json:"environment"`
	RequestID     string       `json:"request_id,omitempty"`
	Payload       AuditPayload `json:"payload"`
}

type AuditPayload struct {
	Level        string `json:"level"`
	Text         string `json:"text,omitempty"`
	Conversation string `json:"conversation,omitempty"`
	Kind         string `json:"kind,omitempty"`
}

func NewAuditEmitter(publisher Publisher, routingKey, service, environment string, logger *logrus.Logger) *AuditEmitter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &AuditEmitter{
		publisher:   publisher,
		routingKey:  routingKey,
		service:     service,
		environment: environment,
		log:         logger,
		clock:       clock.New(),
	}
}

// Emit publishes one audit envelope. Publish failures are logged and dropped.
func (e *AuditEmitter) Emit(ctx context.Context, eventType, requestID string, payload AuditPayload) {
	if e == nil || e.publisher == nil {
		return
	}
	if payload.Level == "" {
		payload.Level = "INFO"
	}

	entry := e.log.WithFields(logrus.Fields{"event_type": eventType, "request_id": requestID, "kind": payload.Kind})
	entry.Debug("audit emit")

	envelope := AuditEnvelope{
		SchemaVersion: 2,
		EventType:     eventType,
		OccurredAt:    e.clock.Now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		RequestID:     requestID,
		Payload:       payload,
	}
	if err := e.publisher.Publish(ctx, e.routingKey, envelope); err != nil {
		entry.WithError(err).Warn("audit publish failed")
	}
}

func (e *AuditEmitter) RoomCreated(ctx context.Context, requestID, roomCode string) {
	e.Emit(ctx, EventRoomCreated, requestID, AuditPayload{Conversation: models.RoomConversationID(roomCode), Kind: string(models.KindRoom)})
}

func (e *AuditEmitter) IdentityCreated(ctx context.Context, requestID, code string) {
	e.Emit(ctx, EventIdentityCreated, requestID, AuditPayload{Conversation: "identity:" + code, Kind: "identity"})
}

func (e *AuditEmitter) PairCreated(ctx context.Context, requestID, myCode, targetCode string) {
	e.Emit(ctx, EventPairCreated, requestID, AuditPayload{Conversation: models.PairConversationID(myCode, targetCode), Kind: string(models.KindPair)})
}

// ConversationExpired matches repositories.ExpiryHook.
func (e *AuditEmitter) ConversationExpired(ctx context.Context, kind models.ConversationKind, conversationID string) {
	e.Emit(ctx, EventConversationExpired, "", AuditPayload{Conversation: conversationID, Kind: string(kind)})
}
