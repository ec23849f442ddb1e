package realtime_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chirino/chat-service/internal/realtime"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestSendToStalledClientFailsFast(t *testing.T) {
	conns := make(chan *realtime.Connection, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := realtime.NewConnection("alice", ws, realtime.ConnectionOptions{SendBuffer: 1, WriteWait: 3 * time.Second})
		conn.Start()
		conns <- conn
		<-conn.Done()
	}))
	t.Cleanup(srv.Close)

	// The client never reads, so the server's writes eventually block.
	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	var conn *realtime.Connection
	select {
	case conn = <-conns:
	case <-time.After(5 * time.Second):
		t.Fatal("server never accepted the connection")
	}
	t.Cleanup(func() { _ = conn.Close() })

	payload := []byte(strings.Repeat("x", 1<<20))
	var sendErr error
	for i := 0; i < 200 && sendErr == nil; i++ {
		start := time.Now()
		sendErr = conn.Send(payload)
		require.Less(t, time.Since(start), 500*time.Millisecond, "send %d blocked", i)
		time.Sleep(20 * time.Millisecond)
	}
	require.ErrorIs(t, sendErr, realtime.ErrSendBufferFull)

	select {
	case <-conn.Done():
	default:
		t.Fatal("a full send buffer must close the connection")
	}
	start := time.Now()
	require.ErrorIs(t, conn.Send(payload), realtime.ErrConnectionClosed)
	require.Less(t, time.Since(start), 500*time.Millisecond)
}
