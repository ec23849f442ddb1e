package conversations

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/realtime"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/chirino/chat-service/internal/security"
	"github.com/chirino/chat-service/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// MountRoutes mounts conversation and conversation history routes.
// Sends and read marks go through the gateway so connected clients see them.
func MountRoutes(r *gin.Engine, chat *service.ChatService, gateway *realtime.Gateway, auth gin.HandlerFunc) {
	g := r.Group("/v1", auth)

	g.GET("/conversations", func(c *gin.Context) {
		listConversations(c, chat)
	})
	g.POST("/conversations", func(c *gin.Context) {
		getOrCreateConversation(c, chat)
	})
	g.GET("/conversations/:conversationId", func(c *gin.Context) {
		getConversation(c, chat)
	})
	g.DELETE("/conversations/:conversationId", func(c *gin.Context) {
		archiveConversation(c, chat)
	})
	g.GET("/conversations/:conversationId/messages", func(c *gin.Context) {
		listMessages(c, chat)
	})
	g.POST("/conversations/:conversationId/messages", func(c *gin.Context) {
		sendMessage(c, gateway)
	})
	g.POST("/conversations/:conversationId/read", func(c *gin.Context) {
		markRead(c, gateway)
	})
}

func listConversations(c *gin.Context, chat *service.ChatService) {
	userID := security.GetUserID(c)
	views, err := chat.ListConversations(c.Request.Context(), userID, queryInt(c, "page", 1), queryInt(c, "pageSize", 0))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": views})
}

func getOrCreateConversation(c *gin.Context, chat *service.ChatService) {
	userID := security.GetUserID(c)
	var req struct {
		ParticipantID string `json:"participantId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	conv, err := chat.GetOrCreateConversation(persistContext(c), userID, req.ParticipantID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, service.NewConversationView(conv, userID, 0))
}

func getConversation(c *gin.Context, chat *service.ChatService) {
	userID := security.GetUserID(c)
	convID, ok := conversationID(c)
	if !ok {
		return
	}
	conv, err := chat.GetConversation(c.Request.Context(), convID, userID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func archiveConversation(c *gin.Context, chat *service.ChatService) {
	userID := security.GetUserID(c)
	convID, ok := conversationID(c)
	if !ok {
		return
	}
	if err := chat.ArchiveConversation(persistContext(c), convID, userID); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func listMessages(c *gin.Context, chat *service.ChatService) {
	userID := security.GetUserID(c)
	convID, ok := conversationID(c)
	if !ok {
		return
	}
	msgs, err := chat.GetMessages(c.Request.Context(), convID, userID, queryInt(c, "page", 1), queryInt(c, "pageSize", 0))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": msgs})
}

func sendMessage(c *gin.Context, gateway *realtime.Gateway) {
	userID := security.GetUserID(c)
	convID, ok := conversationID(c)
	if !ok {
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	msg, err := gateway.SendMessage(persistContext(c), userID, convID, req.Content)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func markRead(c *gin.Context, gateway *realtime.Gateway) {
	userID := security.GetUserID(c)
	convID, ok := conversationID(c)
	if !ok {
		return
	}
	if err := gateway.MarkAsRead(persistContext(c), userID, convID); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// persistContext detaches writes from the request so a client that hangs up
// mid-request does not roll them back.
func persistContext(c *gin.Context) context.Context {
	return context.WithoutCancel(c.Request.Context())
}

// conversationID parses the path id. A malformed id is reported like any
// other unknown conversation.
func conversationID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("conversationId"))
	if err != nil {
		notFound(c)
		return uuid.Nil, false
	}
	return id, true
}

func notFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "conversation not found"})
}

func handleError(c *gin.Context, err error) {
	var validation *registrystore.ValidationError
	switch {
	case errors.Is(err, service.ErrNotAuthorized):
		notFound(c)
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error(), "field": validation.Field})
	default:
		log.Error("Request failed", "path", c.FullPath(), "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	var i int
	if _, err := fmt.Sscanf(v, "%d", &i); err != nil {
		return def
	}
	return i
}
