package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"anon-chat/internal/observability"
)

// ConversationLookup is the slice of the repository the handshake needs.
type ConversationLookup interface {
	Exists(ctx context.Context, conversationID string) (bool, error)
}

// ConversationWebSocketHandler upgrades watchers of a room or a pair.
type ConversationWebSocketHandler struct {
	hub      *Hub
	repo     ConversationLookup
	log      *logrus.Logger
	upgrader websocket.Upgrader
}

// NewConversationWebSocketHandler constructs a ConversationWebSocketHandler.
func NewConversationWebSocketHandler(hub *Hub, repo ConversationLookup, logger *logrus.Logger) *ConversationWebSocketHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ConversationWebSocketHandler{
		hub:  hub,
		repo: repo,
		log:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handle validates the conversation, upgrades the connection and keeps it
// registered until the peer goes away. Inbound frames are ignored.
func (h *ConversationWebSocketHandler) Handle(c *gin.Context) {
	conversationID, ok := conversationFromQuery(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "msg": "roomCode or myCode and targetCode required"})
		return
	}

	ctx, span := otel.Tracer("anon-chat/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()

	exists, err := h.repo.Exists(ctx, conversationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "msg": "storage error"})
		return
	}
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"code": http.StatusNotFound, "msg": "conversation not found"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	info := ConnInfo{
		ConnID:       newConnID(),
		Conversation: conversationID,
		IP:           observability.IPFromRequest(c.Request),
		RequestID:    requestID(c),
		TraceID:      span.SpanContext().TraceID().String(),
		ConnectedAt:  time.Now(),
	}
	cl := h.hub.Add(conversationID, conn, info)

	observability.IncWSActive()
	observability.IncWSEvent("ws_connect")
	entry := h.log.WithFields(logrus.Fields{"conn_id": info.ConnID, "request_id": info.RequestID})
	entry.Debug("websocket connected")

	go func() {
		var closeReason string
		defer func() {
			h.hub.Remove(conversationID, cl)
			observability.DecWSActive()
			observability.IncWSEvent("ws_disconnect")
			entry.WithFields(logrus.Fields{
				"duration_ms": time.Since(info.ConnectedAt).Milliseconds(),
				"reason":      closeReason,
			}).Debug("websocket disconnected")
			_ = conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				closeReason = err.Error()
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					observability.IncWSEvent("ws_error")
				}
				return
			}
		}
	}()
}
