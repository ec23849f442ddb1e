package conversations_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/chirino/chat-service/internal/plugin/route/conversations"
	"github.com/chirino/chat-service/internal/realtime"
	"github.com/chirino/chat-service/internal/security"
	"github.com/chirino/chat-service/internal/service"
	"github.com/chirino/chat-service/internal/testutil/testsqlite"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

// headerAuth trusts X-User so handlers can be exercised without tokens.
func headerAuth(c *gin.Context) {
	user := c.GetHeader("X-User")
	if user == "" {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	c.Set(security.ContextKeyUserID, user)
	c.Next()
}

func newRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	chat := service.NewChatService(testsqlite.NewStore(t), nil, nil)
	registry := realtime.NewRegistry()
	t.Cleanup(registry.Close)
	router := gin.New()
	conversations.MountRoutes(router, chat, realtime.NewGateway(chat, registry), headerAuth)
	return router
}

func do(t *testing.T, router *gin.Engine, user, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User", user)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	var doc map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc), rec.Body.String())
	}
	return rec, doc
}

func createConversation(t *testing.T, router *gin.Engine, user, other string) string {
	t.Helper()
	rec, doc := do(t, router, user, http.MethodPost, "/v1/conversations", `{"participantId":"`+other+`"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return doc["id"].(string)
}

func TestCreateConversationIsSymmetric(t *testing.T) {
	router := newRouter(t)

	id := createConversation(t, router, "alice", "bob")
	require.Equal(t, id, createConversation(t, router, "bob", "alice"))

	rec, doc := do(t, router, "alice", http.MethodPost, "/v1/conversations", `{"participantId":"bob"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "bob", doc["otherUserId"])
	require.EqualValues(t, 0, doc["unreadCount"])
}

func TestCreateConversationValidation(t *testing.T) {
	router := newRouter(t)

	rec, doc := do(t, router, "alice", http.MethodPost, "/v1/conversations", `{"participantId":"alice"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "validation_error", doc["code"])

	rec, _ = do(t, router, "alice", http.MethodPost, "/v1/conversations", `not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNonParticipantGetsNotFound(t *testing.T) {
	router := newRouter(t)
	id := createConversation(t, router, "alice", "bob")

	for _, tc := range []struct{ method, path, body string }{
		{http.MethodGet, "/v1/conversations/" + id, ""},
		{http.MethodDelete, "/v1/conversations/" + id, ""},
		{http.MethodGet, "/v1/conversations/" + id + "/messages", ""},
		{http.MethodPost, "/v1/conversations/" + id + "/messages", `{"content":"hi"}`},
		{http.MethodPost, "/v1/conversations/" + id + "/read", ""},
		{http.MethodGet, "/v1/conversations/not-a-uuid", ""},
	} {
		rec, doc := do(t, router, "mallory", tc.method, tc.path, tc.body)
		require.Equal(t, http.StatusNotFound, rec.Code, "%s %s", tc.method, tc.path)
		require.Equal(t, "not_found", doc["code"])
	}
}

func TestMissingIdentityIsRejected(t *testing.T) {
	router := newRouter(t)
	rec, _ := do(t, router, "", http.MethodGet, "/v1/conversations", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSendReadAndArchive(t *testing.T) {
	router := newRouter(t)
	id := createConversation(t, router, "alice", "bob")

	rec, doc := do(t, router, "alice", http.MethodGet, "/v1/conversations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, doc["data"])

	rec, doc = do(t, router, "alice", http.MethodPost, "/v1/conversations/"+id+"/messages", `{"content":"hello"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Equal(t, "bob", doc["recipientId"])
	require.Equal(t, false, doc["isRead"])

	rec, doc = do(t, router, "bob", http.MethodGet, "/v1/conversations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	views := doc["data"].([]any)
	require.Len(t, views, 1)
	view := views[0].(map[string]any)
	require.Equal(t, "hello", view["lastMessageContent"])
	require.EqualValues(t, 1, view["unreadCount"])

	rec, _ = do(t, router, "bob", http.MethodPost, "/v1/conversations/"+id+"/read", "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec, doc = do(t, router, "bob", http.MethodGet, "/v1/conversations/"+id+"/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	msgs := doc["data"].([]any)
	require.Len(t, msgs, 1)
	require.Equal(t, true, msgs[0].(map[string]any)["isRead"])
	require.NotEmpty(t, msgs[0].(map[string]any)["readAt"])

	rec, _ = do(t, router, "alice", http.MethodDelete, "/v1/conversations/"+id, "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	_, doc = do(t, router, "alice", http.MethodGet, "/v1/conversations", "")
	require.Empty(t, doc["data"])
	_, doc = do(t, router, "alice", http.MethodGet, "/v1/conversations/"+id+"/messages", "")
	require.Empty(t, doc["data"])
	_, doc = do(t, router, "bob", http.MethodGet, "/v1/conversations", "")
	require.Len(t, doc["data"], 1)
}

func TestBlankMessageIsRejected(t *testing.T) {
	router := newRouter(t)
	id := createConversation(t, router, "alice", "bob")

	rec, doc := do(t, router, "alice", http.MethodPost, "/v1/conversations/"+id+"/messages", `{"content":"  "}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "content", doc["field"])
}

func TestWritesSurviveClientHangup(t *testing.T) {
	router := newRouter(t)
	id := createConversation(t, router, "alice", "bob")

	hungUp := func(user, method, path, body string) *httptest.ResponseRecorder {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		req := httptest.NewRequest(method, path, strings.NewReader(body)).WithContext(ctx)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-User", user)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	rec := hungUp("alice", http.MethodPost, "/v1/conversations/"+id+"/messages", `{"content":"sent while leaving"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = hungUp("bob", http.MethodPost, "/v1/conversations/"+id+"/read", "")
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	_, doc := do(t, router, "bob", http.MethodGet, "/v1/conversations/"+id+"/messages", "")
	msgs := doc["data"].([]any)
	require.Len(t, msgs, 1)
	require.Equal(t, "sent while leaving", msgs[0].(map[string]any)["content"])
	require.Equal(t, true, msgs[0].(map[string]any)["isRead"])
}
