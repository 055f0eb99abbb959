package session

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/typelo/raceserver/internal/model"
)

// Default send-queue / deadline constants, mirroring the teacher's
// per-connection write pump (internal/gameserver/client.go).
const (
	defaultSendQueueSize = 64
	defaultWriteTimeout  = 5 * time.Second
	defaultReadLimit     = 4 << 10 // a single frame is never more than a few hundred bytes
	maxInboundPerSecond  = 50
)

var errSendQueueFull = errors.New("session: send queue full")

// Conn wraps one upgraded WebSocket connection: a buffered outbound
// queue drained by a dedicated writer goroutine, exactly the shape
// GameClient uses (sendCh + writePump + closeOnce), swapped from raw
// encrypted []byte packets to JSON frames.
type Conn struct {
	ws       *websocket.Conn
	playerID model.PlayerID
	logger   *slog.Logger

	sendCh    chan outboundFrame
	closeCh   chan struct{}
	closeOnce sync.Once

	limiter *rateLimiter

	mu       sync.Mutex
	onClose  func()
}

// NewConn wraps an already-upgraded WebSocket connection for playerID.
func NewConn(ws *websocket.Conn, playerID model.PlayerID, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	ws.SetReadLimit(defaultReadLimit)
	c := &Conn{
		ws:       ws,
		playerID: playerID,
		logger:   logger,
		sendCh:   make(chan outboundFrame, defaultSendQueueSize),
		closeCh:  make(chan struct{}),
		limiter:  newRateLimiter(maxInboundPerSecond),
	}
	go c.writePump()
	return c
}

// PlayerID returns the identity this connection authenticated as.
func (c *Conn) PlayerID() model.PlayerID { return c.playerID }

// OnClose registers a callback invoked exactly once when the connection
// is closed, from whichever goroutine (read loop or writer) notices
// first. Used by the server to trigger HandleDisconnect.
func (c *Conn) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

// writePump drains sendCh and writes frames to the socket, exactly the
// single-writer-goroutine shape client.go's writePump uses to keep all
// writes to one net.Conn (here, one *websocket.Conn) serialized.
func (c *Conn) writePump() {
	for {
		select {
		case frame, ok := <-c.sendCh:
			if !ok {
				return
			}
			if err := c.ws.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)); err != nil {
				c.logger.Warn("session: set write deadline failed", "player", c.playerID, "error", err)
				c.closeLocked()
				return
			}
			if err := c.ws.WriteJSON(frame); err != nil {
				c.logger.Warn("session: write failed", "player", c.playerID, "error", err)
				c.closeLocked()
				return
			}
		case <-c.closeCh:
			return
		}
	}
}

// send queues an outbound frame for async delivery. Non-blocking: a
// full queue means a slow or dead client, so the connection is closed
// rather than let the queue grow unbounded (client.go's Send policy).
func (c *Conn) send(frame outboundFrame) error {
	select {
	case c.sendCh <- frame:
		return nil
	default:
		c.logger.Warn("session: send queue full, disconnecting slow client", "player", c.playerID)
		c.closeLocked()
		return errSendQueueFull
	}
}

// ReadFrame blocks for the next inbound message, decodes it, and
// applies the rate limiter. ok is false once the connection is closed
// or unrecoverably malformed.
func (c *Conn) ReadFrame() (inboundFrame, bool) {
	var frame inboundFrame
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		c.closeLocked()
		return frame, false
	}
	if !c.limiter.allow() {
		c.sendError(ErrCodeRateLimitExceeded, "too many messages")
		return frame, true
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		c.sendError(ErrCodeMatchError, "malformed message")
		return frame, true
	}
	return frame, true
}

func (c *Conn) sendError(code, message string) {
	_ = c.send(outboundFrame{Type: TypeError, Code: code, Message: message})
}

// Close closes the underlying socket and stops the writer. Safe to
// call more than once.
func (c *Conn) Close() error {
	c.closeLocked()
	return c.ws.Close()
}

func (c *Conn) closeLocked() {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		c.mu.Lock()
		onClose := c.onClose
		c.mu.Unlock()
		if onClose != nil {
			onClose()
		}
	})
}
