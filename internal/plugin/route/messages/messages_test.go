package messages_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/chirino/chat-service/internal/plugin/route/messages"
	"github.com/chirino/chat-service/internal/security"
	"github.com/chirino/chat-service/internal/service"
	"github.com/chirino/chat-service/internal/testutil/testsqlite"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func newRouter(t *testing.T) (*gin.Engine, *service.ChatService) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	chat := service.NewChatService(testsqlite.NewStore(t), nil, nil)
	router := gin.New()
	messages.MountRoutes(router, chat, func(c *gin.Context) {
		c.Set(security.ContextKeyUserID, c.GetHeader("X-User"))
		c.Next()
	})
	return router, chat
}

func do(router *gin.Engine, user, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("X-User", user)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func unreadCount(t *testing.T, router *gin.Engine, user string) int64 {
	t.Helper()
	rec := do(router, user, http.MethodGet, "/v1/messages/unread-count")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Count int64 `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Count
}

func TestUnreadCountAndDelete(t *testing.T) {
	router, chat := newRouter(t)
	ctx := context.Background()

	conv, err := chat.GetOrCreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	msg, err := chat.SendMessage(ctx, conv.ID, "alice", "bob", "hello")
	require.NoError(t, err)
	_, err = chat.SendMessage(ctx, conv.ID, "alice", "bob", "again")
	require.NoError(t, err)

	require.EqualValues(t, 2, unreadCount(t, router, "bob"))
	require.EqualValues(t, 0, unreadCount(t, router, "alice"))

	rec := do(router, "bob", http.MethodDelete, "/v1/messages/"+msg.ID.String())
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.EqualValues(t, 1, unreadCount(t, router, "bob"))

	rec = do(router, "mallory", http.MethodDelete, "/v1/messages/"+msg.ID.String())
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(router, "bob", http.MethodDelete, "/v1/messages/not-a-uuid")
	require.Equal(t, http.StatusNotFound, rec.Code)
}
