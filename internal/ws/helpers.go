package ws

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"anon-chat/internal/middleware"
	"anon-chat/internal/models"
	"anon-chat/internal/observability"
)

func newConnID() string {
	return uuid.NewString()
}

// conversationFromQuery resolves ?roomCode= or ?myCode=&targetCode= to a
// conversation id.
func conversationFromQuery(c *gin.Context) (string, bool) {
	if room := models.NormalizeCode(c.Query("roomCode")); room != "" {
		return models.RoomConversationID(room), true
	}
	my, target := models.NormalizeCode(c.Query("myCode")), models.NormalizeCode(c.Query("targetCode"))
	if my == "" || target == "" || my == target {
		return "", false
	}
	return models.PairConversationID(my, target), true
}

func requestID(c *gin.Context) string {
	if id := c.GetString(middleware.RequestIDKey); id != "" {
		return id
	}
	return observability.RequestIDFromRequest(c.Request)
}
