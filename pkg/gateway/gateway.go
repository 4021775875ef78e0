// Package gateway exposes the chat service over websockets and a small JSON
// HTTP API. Each socket gets one reader (the handler goroutine) and one
// writer; everything a connection holds is released exactly once when the
// reader stops.
package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/parlor/pkg/apperr"
	"github.com/go-go-golems/parlor/pkg/auth"
	"github.com/go-go-golems/parlor/pkg/chat"
	"github.com/go-go-golems/parlor/pkg/rooms"
)

type Options struct {
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteTimeout    time.Duration
	SendBuffer      int
	MaxMessageBytes int64
	AllowedOrigins  []string
	// RequestTimeout bounds the handling of one client event.
	RequestTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.PongWait <= 0 {
		o.PongWait = 30 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait * 2 / 3
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 64 << 10
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 15 * time.Second
	}
	return o
}

// Verifier resolves a bearer token to an identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (auth.Identity, error)
}

type Gateway struct {
	svc      *chat.Service
	verifier Verifier
	opts     Options
	upgrader websocket.Upgrader
	pool     *ConnectionPool
}

func New(svc *chat.Service, verifier Verifier, opts Options) (*Gateway, error) {
	if svc == nil {
		return nil, errors.New("gateway: chat service is nil")
	}
	if verifier == nil {
		return nil, errors.New("gateway: verifier is nil")
	}
	opts = opts.withDefaults()
	return &Gateway{
		svc:      svc,
		verifier: verifier,
		opts:     opts,
		upgrader: websocket.Upgrader{CheckOrigin: originChecker(opts.AllowedOrigins)},
		pool:     NewConnectionPool(),
	}, nil
}

func (g *Gateway) Pool() *ConnectionPool { return g.pool }

// originChecker allows everything for "*", the listed origins when given, and
// falls back to gorilla's same-host check otherwise.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := map[string]struct{}{}
	for _, o := range allowed {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		if o != "" {
			set[strings.ToLower(o)] = struct{}{}
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.ToLower(strings.TrimRight(origin, "/"))]
		return ok
	}
}

// ServeWS authenticates the handshake, upgrades and then runs the read loop
// until the connection ends.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	identity, err := g.verifier.Verify(r.Context(), auth.TokenFromRequest(r))
	if err != nil {
		log.Info().Str("component", "gateway").Str("remote", r.RemoteAddr).Str("kind", apperr.Kind(err)).
			Msg("websocket handshake rejected")
		writeError(w, err)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Str("component", "gateway").Msg("websocket upgrade failed")
		return
	}

	connID := uuid.NewString()
	logger := log.With().
		Str("component", "gateway").
		Str("conn_id", connID).
		Str("user_id", identity.UserID).
		Str("remote", r.RemoteAddr).
		Logger()
	c := newConn(connID, identity, ws, connOptions{
		sendBuffer:   g.opts.SendBuffer,
		writeTimeout: g.opts.WriteTimeout,
		pingInterval: g.opts.PingInterval,
	}, logger)

	if !g.pool.Add(c) {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}
	g.svc.Connect(c)
	logger.Info().Msg("ws connected")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	g.readLoop(r.Context(), c, ws)

	c.closeWith(websocket.CloseNormalClosure, "")
	<-writerDone
	g.release(c)
	logger.Info().Int64("dropped", c.Dropped()).Msg("ws disconnected")
}

// release runs the disconnect cleanup at most once per connection.
func (g *Gateway) release(c *Conn) {
	c.releaseOnce.Do(func() {
		g.svc.Disconnect(c)
		g.pool.Remove(c)
	})
}

func (g *Gateway) readLoop(ctx context.Context, c *Conn, ws *websocket.Conn) {
	ws.SetReadLimit(g.opts.MaxMessageBytes)
	_ = ws.SetReadDeadline(time.Now().Add(g.opts.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(g.opts.PongWait))
	})

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.closed() {
				c.log.Debug().Err(err).Msg("ws read loop end")
			}
			return
		}
		// Any inbound traffic proves the peer is alive.
		_ = ws.SetReadDeadline(time.Now().Add(g.opts.PongWait))

		if msgType != websocket.TextMessage {
			c.log.Warn().Int("type", msgType).Msg("binary frame, closing")
			c.closeWith(websocket.CloseUnsupportedData, "text frames only")
			return
		}
		if err := g.handleFrame(ctx, c, data); err != nil {
			c.log.Warn().Err(err).Msg("protocol violation, closing")
			c.closeWith(websocket.CloseProtocolError, "protocol violation")
			return
		}
		if c.closed() {
			return
		}
	}
}

// handleFrame runs one client event and queues its reply. Only protocol
// violations are returned; every other failure is reported to the client.
func (g *Gateway) handleFrame(ctx context.Context, c *Conn, raw []byte) error {
	in, err := parseInbound(raw)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, g.opts.RequestTimeout)
	defer cancel()

	result, err := g.dispatch(ctx, c, in)
	if errors.Is(err, errProtocol) {
		return err
	}

	var reply rooms.Frame
	var encErr error
	switch {
	case err != nil:
		kind := apperr.Kind(err)
		ev := c.log.Debug()
		if kind == "storage" || kind == "internal" {
			ev = c.log.Error()
		}
		ev.Err(err).Str("event", in.Event).Str("kind", kind).Msg("event failed")
		reply, encErr = replyError(in, err)
	case in.Event == EventPing:
		reply, encErr = rooms.NewFrame(EventPong, map[string]int64{"serverTime": time.Now().UnixMilli()})
	case in.AckID != "":
		reply, encErr = ackOK(in.AckID, result)
	default:
		return nil
	}
	if encErr != nil {
		c.log.Error().Err(encErr).Str("event", in.Event).Msg("encode reply")
		return nil
	}
	c.Deliver(reply)
	return nil
}

func (g *Gateway) dispatch(ctx context.Context, c *Conn, in inbound) (any, error) {
	switch in.Event {
	case EventPing:
		return nil, nil

	case EventJoinConversation:
		var d conversationRef
		if err := decodeData(in, &d); err != nil {
			return nil, err
		}
		if err := g.svc.Join(ctx, c, d.ConversationID); err != nil {
			return nil, err
		}
		return okAck, nil

	case EventLeaveConversation:
		var d conversationRef
		if err := decodeData(in, &d); err != nil {
			return nil, err
		}
		if strings.TrimSpace(d.ConversationID) == "" {
			return nil, apperr.Validation("conversationId is required")
		}
		g.svc.Leave(c, d.ConversationID)
		return okAck, nil

	case EventSendMessage:
		var d sendMessageData
		if err := decodeData(in, &d); err != nil {
			return nil, err
		}
		msg, err := g.svc.Send(ctx, c.UserID(), d.ConversationID, d.Text)
		if err != nil {
			return nil, err
		}
		return struct {
			Success bool             `json:"success"`
			Message chat.MessageView `json:"message"`
		}{true, chat.NewMessageView(msg)}, nil

	case EventTypingStart, EventTypingStop:
		var d conversationRef
		if err := decodeData(in, &d); err != nil {
			return nil, err
		}
		var err error
		if in.Event == EventTypingStart {
			err = g.svc.TypingStart(ctx, c, d.ConversationID)
		} else {
			err = g.svc.TypingStop(ctx, c, d.ConversationID)
		}
		if err != nil {
			return nil, err
		}
		return okAck, nil

	case EventMarkRead:
		var d conversationRef
		if err := decodeData(in, &d); err != nil {
			return nil, err
		}
		r, err := g.svc.MarkRead(ctx, c.UserID(), d.ConversationID)
		if err != nil {
			return nil, err
		}
		return struct {
			Success bool      `json:"success"`
			Marked  int64     `json:"marked"`
			ReadAt  time.Time `json:"readAt"`
		}{true, r.Marked, r.ReadAt}, nil

	case EventStartConversation:
		var d startConversationData
		if err := decodeData(in, &d); err != nil {
			return nil, err
		}
		return g.startConversation(ctx, c.UserID(), d)

	case EventGetMessages:
		var d getMessagesData
		if err := decodeData(in, &d); err != nil {
			return nil, err
		}
		page, err := g.svc.History(ctx, c.UserID(), d.ConversationID, d.Limit, d.Before)
		if err != nil {
			return nil, err
		}
		return struct {
			Success bool `json:"success"`
			chat.Page
		}{true, page}, nil

	default:
		return nil, errors.Wrapf(errProtocol, "unknown event %q", in.Event)
	}
}

type startConversationResult struct {
	Success      bool                  `json:"success"`
	Conversation chat.ConversationView `json:"conversation"`
	Message      *chat.MessageView     `json:"message,omitempty"`
}

func (g *Gateway) startConversation(ctx context.Context, userID string, d startConversationData) (startConversationResult, error) {
	conv, msg, err := g.svc.StartConversation(ctx, userID, d.UserID, d.Message)
	if err != nil {
		return startConversationResult{}, err
	}
	res := startConversationResult{Success: true, Conversation: chat.NewConversationView(conv, userID)}
	if msg != nil {
		v := chat.NewMessageView(*msg)
		res.Message = &v
	}
	return res, nil
}

// Shutdown closes every websocket with 1001 and waits for their cleanup.
func (g *Gateway) Shutdown(ctx context.Context) error {
	return g.pool.CloseAll(ctx, websocket.CloseGoingAway, "server shutting down")
}
