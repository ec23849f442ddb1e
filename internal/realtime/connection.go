package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrConnectionClosed is returned by Send after the connection was closed.
var ErrConnectionClosed = errors.New("connection closed")

// ErrSendBufferFull is returned by Send when a slow client fell too far behind.
var ErrSendBufferFull = errors.New("connection send buffer exceeded")

// ConnectionOptions tune a websocket connection.
type ConnectionOptions struct {
	SendBuffer   int
	WriteWait    time.Duration
	PingPeriod   time.Duration
	PongWait     time.Duration
	MaxFrameSize int64
}

// DefaultConnectionOptions mirror the config defaults.
func DefaultConnectionOptions() ConnectionOptions {
	return ConnectionOptions{
		SendBuffer:   128,
		WriteWait:    10 * time.Second,
		PingPeriod:   30 * time.Second,
		PongWait:     60 * time.Second,
		MaxFrameSize: 64 * 1024,
	}
}

// Connection wraps a websocket and serializes outbound writes through a
// buffered channel drained by a single writer goroutine.
type Connection struct {
	id     string
	userID string

	ws   *websocket.Conn
	opts ConnectionOptions
	send chan []byte
	done chan struct{}
	once sync.Once
}

// NewConnection constructs a Connection for userID.
func NewConnection(userID string, ws *websocket.Conn, opts ConnectionOptions) *Connection {
	def := DefaultConnectionOptions()
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = def.SendBuffer
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = def.WriteWait
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = def.PingPeriod
	}
	if opts.PongWait <= opts.PingPeriod {
		opts.PongWait = 2 * opts.PingPeriod
	}
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = def.MaxFrameSize
	}
	return &Connection{
		id:     uuid.NewString(),
		userID: userID,
		ws:     ws,
		opts:   opts,
		send:   make(chan []byte, opts.SendBuffer),
		done:   make(chan struct{}),
	}
}

func (c *Connection) ID() string     { return c.id }
func (c *Connection) UserID() string { return c.userID }

// Done is closed when the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Start launches the write loop. It must be called exactly once per connection.
func (c *Connection) Start() {
	go c.writeLoop()
}

// Send enqueues payload for delivery without blocking. A full buffer closes
// the connection and fails the send.
func (c *Connection) Send(payload []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case <-c.done:
		return ErrConnectionClosed
	case c.send <- payload:
		return nil
	default:
		// The write loop may hold the socket; close it off the caller's goroutine.
		if c.markClosed() {
			go c.writeClose(websocket.CloseGoingAway, "send buffer full")
		}
		return ErrSendBufferFull
	}
}

// Close closes the connection with a normal closure frame.
func (c *Connection) Close() error {
	c.CloseWithReason(websocket.CloseNormalClosure, "")
	return nil
}

// CloseWithReason sends a close frame and closes the socket. Only the first call has an effect.
func (c *Connection) CloseWithReason(code int, reason string) {
	if c.markClosed() {
		c.writeClose(code, reason)
	}
}

// markClosed closes done and reports whether this call did it.
func (c *Connection) markClosed() bool {
	first := false
	c.once.Do(func() {
		close(c.done)
		first = true
	})
	return first
}

func (c *Connection) writeClose(code int, reason string) {
	deadline := time.Now().Add(c.opts.WriteWait)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = c.ws.Close()
}

// prepareRead applies the frame size limit and the liveness deadline, which
// every pong pushes out.
func (c *Connection) prepareRead() {
	c.ws.SetReadLimit(c.opts.MaxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})
}

func (c *Connection) readMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.CloseWithReason(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.CloseWithReason(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

func (c *Connection) write(messageType int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, payload)
}
