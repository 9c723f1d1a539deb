package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"anon-chat/internal/models"
	"anon-chat/internal/repositories"
)

type pairCodes struct {
	MyCode     string `json:"myCode"`
	TargetCode string `json:"targetCode"`
}

// normalize returns the cleaned codes or a client-facing problem.
func (p pairCodes) normalize() (string, string, string) {
	my, target := models.NormalizeCode(p.MyCode), models.NormalizeCode(p.TargetCode)
	if my == "" || target == "" {
		return "", "", "myCode and targetCode required"
	}
	if my == target {
		return "", "", "cannot pair a code with itself"
	}
	return my, target, ""
}

// CreateFriendCode allocates a pairing identity.
func (h *ConversationHandler) CreateFriendCode(c *gin.Context) {
	code, err := h.repo.CreateIdentity(c.Request.Context())
	if err != nil {
		h.storeError(c, "create-friend-code", err)
		return
	}
	h.audit.IdentityCreated(c.Request.Context(), requestIDFromContext(c), code)
	respond(c, http.StatusOK, gin.H{"friendCode": code})
}

// AddFriend pairs the caller's code with an existing target identity.
func (h *ConversationHandler) AddFriend(c *gin.Context) {
	var req pairCodes
	if !h.bindMessage(c, &req) {
		return
	}
	my, target, problem := req.normalize()
	if problem != "" {
		fail(c, http.StatusBadRequest, problem)
		return
	}

	created, err := h.repo.Pair(c.Request.Context(), my, target)
	if err != nil {
		h.storeError(c, "add-friend", err)
		return
	}
	if created {
		h.audit.PairCreated(c.Request.Context(), requestIDFromContext(c), my, target)
	}
	respond(c, http.StatusOK, gin.H{"msg": "paired"})
}

// SendFriendMessage appends an envelope to a pair, attributed to myCode.
func (h *ConversationHandler) SendFriendMessage(c *gin.Context) {
	var req struct {
		sendRequest
		pairCodes
	}
	if !h.bindMessage(c, &req) {
		return
	}
	my, target, problem := req.normalize()
	if problem != "" {
		fail(c, http.StatusBadRequest, problem)
		return
	}
	kind, problem := req.validate()
	if problem != "" {
		fail(c, http.StatusBadRequest, problem)
		return
	}

	id := models.PairConversationID(my, target)
	if _, err := h.repo.Append(c.Request.Context(), id, repositories.NewEnvelope{
		Sender:     my,
		Kind:       kind,
		Ciphertext: req.Msg,
		Burn:       req.Burn,
	}); err != nil {
		h.storeError(c, "send-friend-msg", err)
		return
	}
	h.appended(id)
	respond(c, http.StatusOK, nil)
}

// GetFriendMessages returns a pair's envelopes as seen by myCode.
func (h *ConversationHandler) GetFriendMessages(c *gin.Context) {
	my, target, problem := pairCodes{MyCode: c.Query("myCode"), TargetCode: c.Query("targetCode")}.normalize()
	if problem != "" {
		fail(c, http.StatusBadRequest, problem)
		return
	}

	envs, err := h.repo.Fetch(c.Request.Context(), models.PairConversationID(my, target), my)
	if err != nil {
		h.storeError(c, "get-friend-msg", err)
		return
	}
	respond(c, http.StatusOK, gin.H{"data": nonNil(envs)})
}
