package messages

import (
	"context"
	"errors"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/security"
	"github.com/chirino/chat-service/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// MountRoutes mounts the per-message and unread routes.
func MountRoutes(r *gin.Engine, chat *service.ChatService, auth gin.HandlerFunc) {
	g := r.Group("/v1", auth)

	g.GET("/messages/unread-count", func(c *gin.Context) {
		unreadCount(c, chat)
	})
	g.DELETE("/messages/:messageId", func(c *gin.Context) {
		deleteMessage(c, chat)
	})
}

func unreadCount(c *gin.Context, chat *service.ChatService) {
	userID := security.GetUserID(c)
	n, err := chat.GetUnreadTotal(c.Request.Context(), userID)
	if err != nil {
		log.Error("Unread count failed", "userId", userID, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

func deleteMessage(c *gin.Context, chat *service.ChatService) {
	userID := security.GetUserID(c)
	messageID, err := uuid.Parse(c.Param("messageId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "message not found"})
		return
	}
	if err := chat.DeleteMessage(context.WithoutCancel(c.Request.Context()), messageID, userID); err != nil {
		if errors.Is(err, service.ErrNotAuthorized) {
			c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "message not found"})
			return
		}
		log.Error("Delete message failed", "messageId", messageID, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.Status(http.StatusNoContent)
}
