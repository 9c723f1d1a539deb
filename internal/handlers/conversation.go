package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"anon-chat/internal/models"
	"anon-chat/internal/repositories"
	"anon-chat/internal/telemetry"
)

// DefaultMaxMessageBytes bounds request bodies carrying ciphertext.
const DefaultMaxMessageBytes = 5 << 20

// Notifier nudges websocket watchers of a conversation.
type Notifier interface {
	Notify(conversationID string)
}

// ConversationHandler serves the room and friend endpoints under /api.
type ConversationHandler struct {
	repo            repositories.ConversationRepository
	hub             Notifier
	audit           *telemetry.AuditEmitter
	log             *logrus.Logger
	maxMessageBytes int64
}

// NewConversationHandler builds a ConversationHandler. hub and audit may be nil.
func NewConversationHandler(repo repositories.ConversationRepository, hub Notifier, audit *telemetry.AuditEmitter, logger *logrus.Logger, maxMessageBytes int64) *ConversationHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if maxMessageBytes <= 0 {
		maxMessageBytes = DefaultMaxMessageBytes
	}
	return &ConversationHandler{
		repo:            repo,
		hub:             hub,
		audit:           audit,
		log:             logger,
		maxMessageBytes: maxMessageBytes,
	}
}

// respond writes body with code set, mirroring code as the HTTP status.
func respond(c *gin.Context, code int, body gin.H) {
	if body == nil {
		body = gin.H{}
	}
	body["code"] = code
	c.JSON(code, body)
}

func fail(c *gin.Context, code int, msg string) {
	respond(c, code, gin.H{"msg": msg})
}

// bindMessage decodes a JSON body whatever its Content-Type, enforcing the
// size bound.
func (h *ConversationHandler) bindMessage(c *gin.Context, dst any) bool {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxMessageBytes)
	if err := c.ShouldBindJSON(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			fail(c, http.StatusRequestEntityTooLarge, "message too large")
			return false
		}
		fail(c, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// storeError maps repository errors onto the response convention.
func (h *ConversationHandler) storeError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, repositories.ErrConversationNotFound):
		fail(c, http.StatusNotFound, "conversation not found or expired")
	case errors.Is(err, repositories.ErrIdentityNotFound):
		fail(c, http.StatusNotFound, "friend code not found or expired")
	case errors.Is(err, repositories.ErrSelfPair):
		fail(c, http.StatusBadRequest, "cannot pair a code with itself")
	case errors.Is(err, repositories.ErrCodeExhausted):
		fail(c, http.StatusServiceUnavailable, "no free code, try again")
	default:
		h.log.WithError(err).WithFields(logrus.Fields{"op": op, "request_id": requestIDFromContext(c)}).Error("store failure")
		fail(c, http.StatusServiceUnavailable, "storage unavailable")
	}
}

func (h *ConversationHandler) appended(conversationID string) {
	if h.hub != nil {
		h.hub.Notify(conversationID)
	}
}

func nonNil(envs []models.Envelope) []models.Envelope {
	if envs == nil {
		return []models.Envelope{}
	}
	return envs
}

type sendRequest struct {
	Msg  string `json:"msg"`
	Type string `json:"type"`
	Burn bool   `json:"burn"`
}

// validate checks the payload and resolves its kind.
func (r sendRequest) validate() (models.Kind, string) {
	if r.Msg == "" {
		return "", "msg required"
	}
	kind, ok := models.ParseKind(r.Type)
	if !ok {
		return "", "unsupported type"
	}
	return kind, ""
}
