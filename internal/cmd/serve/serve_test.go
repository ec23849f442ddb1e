package serve

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestIsUpgradeRequest(t *testing.T) {
	t.Run("websocket upgrade", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/ws", nil)
		req.Header.Set("Connection", "Upgrade")
		req.Header.Set("Upgrade", "WebSocket")
		require.True(t, isUpgradeRequest(req))
	})

	t.Run("plain json post", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/conversations", strings.NewReader(`{"participantId":"bob"}`))
		req.Header.Set("Content-Type", "application/json")
		require.False(t, isUpgradeRequest(req))
	})

	t.Run("nil request", func(t *testing.T) {
		require.False(t, isUpgradeRequest(nil))
	})
}

func TestMaxBodySizeMiddleware_EnforcesLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(maxBodySizeMiddleware(4))
	router.POST("/v1/conversations/x/messages", readBodyLengthHandler)

	req := httptest.NewRequest(http.MethodPost, "/v1/conversations/x/messages", strings.NewReader("0123456789"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestMaxBodySizeMiddleware_AllowsSmallBodies(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(maxBodySizeMiddleware(64))
	router.POST("/v1/conversations", readBodyLengthHandler)

	req := httptest.NewRequest(http.MethodPost, "/v1/conversations", strings.NewReader("0123456789"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "10", rec.Body.String())
}

func TestMaxBodySizeMiddleware_ZeroDisablesLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(maxBodySizeMiddleware(0))
	router.POST("/v1/conversations", readBodyLengthHandler)

	req := httptest.NewRequest(http.MethodPost, "/v1/conversations", strings.NewReader("0123456789"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func readBodyLengthHandler(c *gin.Context) {
	n, err := io.Copy(io.Discard, c.Request.Body)
	if err != nil {
		c.Status(http.StatusRequestEntityTooLarge)
		return
	}
	c.String(http.StatusOK, "%d", n)
}
