package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"anon-chat/internal/models"
	"anon-chat/internal/repositories"
)

// CreateRoom allocates a fresh room code.
func (h *ConversationHandler) CreateRoom(c *gin.Context) {
	code, err := h.repo.CreateRoom(c.Request.Context())
	if err != nil {
		h.storeError(c, "create-room", err)
		return
	}
	h.audit.RoomCreated(c.Request.Context(), requestIDFromContext(c), code)
	respond(c, http.StatusOK, gin.H{"roomCode": code})
}

// SendRoomMessage appends an anonymous envelope to a room.
func (h *ConversationHandler) SendRoomMessage(c *gin.Context) {
	var req struct {
		sendRequest
		RoomCode string `json:"roomCode"`
	}
	if !h.bindMessage(c, &req) {
		return
	}
	room := models.NormalizeCode(req.RoomCode)
	if room == "" {
		fail(c, http.StatusBadRequest, "roomCode required")
		return
	}
	kind, problem := req.validate()
	if problem != "" {
		fail(c, http.StatusBadRequest, problem)
		return
	}

	id := models.RoomConversationID(room)
	if _, err := h.repo.Append(c.Request.Context(), id, repositories.NewEnvelope{
		Sender:     models.AnonymousSender,
		Kind:       kind,
		Ciphertext: req.Msg,
		Burn:       req.Burn,
	}); err != nil {
		h.storeError(c, "send-msg", err)
		return
	}
	h.appended(id)
	respond(c, http.StatusOK, nil)
}

// GetRoomMessages returns a room's envelopes, running burn and read
// bookkeeping on the way.
func (h *ConversationHandler) GetRoomMessages(c *gin.Context) {
	room := models.NormalizeCode(c.Query("roomCode"))
	if room == "" {
		fail(c, http.StatusBadRequest, "roomCode required")
		return
	}

	envs, err := h.repo.Fetch(c.Request.Context(), models.RoomConversationID(room), "")
	if err != nil {
		h.storeError(c, "get-msg", err)
		return
	}
	respond(c, http.StatusOK, gin.H{"data": nonNil(envs)})
}
