package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/parlor/pkg/auth"
	"github.com/go-go-golems/parlor/pkg/rooms"
)

// wsConn is the subset of *websocket.Conn the writer needs.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Conn is one authenticated client connection. Frames are queued on a bounded
// channel and written by a single goroutine; Deliver never blocks.
type Conn struct {
	id       string
	identity auth.Identity
	ws       wsConn
	log      zerolog.Logger

	send         chan rooms.Frame
	writeTimeout time.Duration
	pingInterval time.Duration

	done      chan struct{}
	closeOnce sync.Once
	closeCode int
	closeMsg  string

	releaseOnce sync.Once
	dropped     atomic.Int64
}

func newConn(id string, identity auth.Identity, ws wsConn, opts connOptions, logger zerolog.Logger) *Conn {
	buf := opts.sendBuffer
	if buf <= 0 {
		buf = 64
	}
	return &Conn{
		id:           id,
		identity:     identity,
		ws:           ws,
		log:          logger,
		send:         make(chan rooms.Frame, buf),
		writeTimeout: opts.writeTimeout,
		pingInterval: opts.pingInterval,
		done:         make(chan struct{}),
	}
}

type connOptions struct {
	sendBuffer   int
	writeTimeout time.Duration
	pingInterval time.Duration
}

func (c *Conn) ID() string       { return c.id }
func (c *Conn) UserID() string   { return c.identity.UserID }
func (c *Conn) UserName() string { return c.identity.Name }

// Deliver queues f. A full queue drops droppable frames and closes the
// connection for anything else, since the client would miss state it cannot
// reconstruct without reconnecting.
func (c *Conn) Deliver(f rooms.Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- f:
		return true
	default:
	}
	if f.Droppable {
		c.dropped.Add(1)
		c.log.Debug().Str("event", f.Event).Msg("send queue full, dropping frame")
		return false
	}
	c.log.Warn().Str("event", f.Event).Int("queued", len(c.send)).Msg("slow consumer, closing connection")
	c.closeWith(websocket.CloseTryAgainLater, "slow consumer")
	return false
}

// Dropped reports how many droppable frames were discarded.
func (c *Conn) Dropped() int64 { return c.dropped.Load() }

// closeWith asks the writer to send a close frame and tear the socket down.
// Only the first call's code is used.
func (c *Conn) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeMsg = reason
		close(c.done)
	})
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// writeLoop owns every data write on the socket. It returns once the
// connection is closed or a write fails.
func (c *Conn) writeLoop() {
	var tick <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	defer func() { _ = c.ws.Close() }()

	for {
		select {
		case <-c.done:
			c.flushBeforeClose()
			msg := websocket.FormatCloseMessage(c.closeCode, c.closeMsg)
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.deadline()))
			return
		case f := <-c.send:
			if err := c.write(f); err != nil {
				c.log.Debug().Err(err).Str("event", f.Event).Msg("ws write failed")
				c.closeWith(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-tick:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.deadline())); err != nil {
				c.log.Debug().Err(err).Msg("ws ping failed")
				c.closeWith(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

// flushBeforeClose writes frames that were queued before the close was
// requested, so a final ack or error reaches the client. Slow consumers are
// not flushed.
func (c *Conn) flushBeforeClose() {
	if c.closeCode == websocket.CloseTryAgainLater || c.closeCode == websocket.CloseAbnormalClosure {
		return
	}
	for {
		select {
		case f := <-c.send:
			if err := c.write(f); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(f rooms.Frame) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.deadline())); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, f.Payload)
}

func (c *Conn) deadline() time.Duration {
	if c.writeTimeout <= 0 {
		return 10 * time.Second
	}
	return c.writeTimeout
}
