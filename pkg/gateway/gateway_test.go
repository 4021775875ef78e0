package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/parlor/pkg/auth"
	"github.com/go-go-golems/parlor/pkg/chat"
	"github.com/go-go-golems/parlor/pkg/persistence/chatstore"
	"github.com/go-go-golems/parlor/pkg/presence"
	"github.com/go-go-golems/parlor/pkg/receipts"
	"github.com/go-go-golems/parlor/pkg/rooms"
	"github.com/go-go-golems/parlor/pkg/typing"
)

const testSecret = "parlor-gateway-test-secret"

type testEnv struct {
	gw     *Gateway
	srv    *httptest.Server
	issuer *auth.Issuer
	reg    *presence.Registry
	rooms  *rooms.Manager
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	dsn, err := chatstore.SQLiteDSNForFile(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	store, err := chatstore.NewSQLiteStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	dir := auth.NewStaticDirectory(
		auth.User{ID: "u1", Name: "Ada"},
		auth.User{ID: "u2", Name: "Grace"},
		auth.User{ID: "u3", Name: "Linus"},
	)
	authOpts := auth.Options{Secret: []byte(testSecret)}
	authn, err := auth.NewAuthenticator(authOpts, dir)
	require.NoError(t, err)
	issuer, err := auth.NewIssuer(authOpts)
	require.NoError(t, err)

	rm := rooms.NewManager(store)
	reg := presence.NewRegistry()
	svc, err := chat.NewService(chat.Deps{
		Store:     store,
		Directory: dir,
		Rooms:     rm,
		Presence:  reg,
		Typing:    typing.NewCoordinator(rm, time.Minute),
		Receipts:  receipts.NewTracker(store, rm),
	}, chat.Config{})
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	gw, err := New(svc, authn, opts)
	require.NoError(t, err)
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})
	return &testEnv{gw: gw, srv: srv, issuer: issuer, reg: reg, rooms: rm}
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	tok, _, err := e.issuer.Mint(userID, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) wsURL(token string) string {
	u := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
	if token != "" {
		u += "?token=" + token
	}
	return u
}

func (e *testEnv) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(e.wsURL(e.token(t, userID)), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = ws.Close() })
	require.Eventually(t, func() bool { return e.reg.Online(userID) }, 2*time.Second, 10*time.Millisecond)
	return ws
}

type wireFrame struct {
	Event string          `json:"event"`
	AckID string          `json:"ackId"`
	Data  json.RawMessage `json:"data"`
}

func sendEvent(t *testing.T, ws *websocket.Conn, event, ackID string, data any) {
	t.Helper()
	b, err := json.Marshal(map[string]any{"event": event, "ackId": ackID, "data": data})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, b))
}

func readFrame(t *testing.T, ws *websocket.Conn) wireFrame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, b, err := ws.ReadMessage()
	require.NoError(t, err)
	var f wireFrame
	require.NoError(t, json.Unmarshal(b, &f))
	return f
}

func readCloseCode(t *testing.T, ws *websocket.Conn) int {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.ErrorAs(t, err, &ce)
		return ce.Code
	}
}

func TestHandshakeRejectsBadCredentials(t *testing.T) {
	e := newTestEnv(t, Options{})

	for _, tok := range []string{"", "not-a-jwt"} {
		_, resp, err := websocket.DefaultDialer.Dial(e.wsURL(tok), nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		_ = resp.Body.Close()
	}

	other, err := auth.NewIssuer(auth.Options{Secret: []byte("some-other-secret-value")})
	require.NoError(t, err)
	forged, _, err := other.Mint("u1", time.Hour)
	require.NoError(t, err)
	_, resp, err := websocket.DefaultDialer.Dial(e.wsURL(forged), nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()

	require.Equal(t, 0, e.gw.Pool().Count())
	require.False(t, e.reg.Online("u1"))
}

func TestConversationFlowOverWebsocket(t *testing.T) {
	e := newTestEnv(t, Options{})
	a := e.dial(t, "u1")
	b := e.dial(t, "u2")

	sendEvent(t, a, EventStartConversation, "s1", map[string]string{"userId": "u2"})
	ack := readFrame(t, a)
	require.Equal(t, EventAck, ack.Event)
	require.Equal(t, "s1", ack.AckID)
	var started startConversationResult
	require.NoError(t, json.Unmarshal(ack.Data, &started))
	require.True(t, started.Success)
	require.Equal(t, "u2", started.Conversation.PeerID)
	convID := started.Conversation.ID
	require.NotEmpty(t, convID)

	for _, ws := range []*websocket.Conn{a, b} {
		sendEvent(t, ws, EventJoinConversation, "j", map[string]string{"conversationId": convID})
		ack := readFrame(t, ws)
		require.Equal(t, EventAck, ack.Event)
		require.JSONEq(t, `{"success":true}`, string(ack.Data))
	}

	sendEvent(t, a, EventSendMessage, "m1", map[string]string{"conversationId": convID, "text": "hello"})
	// The sender sees its own broadcast before the ack.
	nm := readFrame(t, a)
	require.Equal(t, chat.EventNewMessage, nm.Event)
	ack = readFrame(t, a)
	require.Equal(t, "m1", ack.AckID)
	var sent struct {
		Success bool             `json:"success"`
		Message chat.MessageView `json:"message"`
	}
	require.NoError(t, json.Unmarshal(ack.Data, &sent))
	require.True(t, sent.Success)

	nm = readFrame(t, b)
	require.Equal(t, chat.EventNewMessage, nm.Event)
	var payload chat.NewMessagePayload
	require.NoError(t, json.Unmarshal(nm.Data, &payload))
	require.Equal(t, convID, payload.ConversationID)
	require.Equal(t, sent.Message.ID, payload.Message.ID)
	require.Equal(t, "hello", payload.Message.Text)
	require.Equal(t, "u1", payload.Message.SenderID)
	require.Nil(t, payload.Message.ReadAt)

	sendEvent(t, b, EventTypingStart, "t1", map[string]string{"conversationId": convID})
	// The typist gets only its ack.
	require.Equal(t, "t1", readFrame(t, b).AckID)
	typingFrame := readFrame(t, a)
	require.Equal(t, typing.EventUserTyping, typingFrame.Event)
	var tp typing.TypingPayload
	require.NoError(t, json.Unmarshal(typingFrame.Data, &tp))
	require.Equal(t, "u2", tp.UserID)
	require.Equal(t, "Grace", tp.UserName)

	sendEvent(t, b, EventMarkRead, "r1", map[string]string{"conversationId": convID})
	ack = readFrame(t, b)
	require.Equal(t, "r1", ack.AckID)
	var marked struct {
		Success bool  `json:"success"`
		Marked  int64 `json:"marked"`
	}
	require.NoError(t, json.Unmarshal(ack.Data, &marked))
	require.Equal(t, int64(1), marked.Marked)

	read := readFrame(t, a)
	require.Equal(t, receipts.EventMessagesRead, read.Event)
	var rp receipts.ReadPayload
	require.NoError(t, json.Unmarshal(read.Data, &rp))
	require.Equal(t, "u2", rp.UserID)
	require.Equal(t, convID, rp.ConversationID)

	// Nothing else was queued for the reader: its next frame answers a ping.
	sendEvent(t, b, EventPing, "", nil)
	require.Equal(t, EventPong, readFrame(t, b).Event)

	sendEvent(t, a, EventGetMessages, "h1", map[string]any{"conversationId": convID, "limit": 10})
	ack = readFrame(t, a)
	var page struct {
		Success bool `json:"success"`
		chat.Page
	}
	require.NoError(t, json.Unmarshal(ack.Data, &page))
	require.Len(t, page.Messages, 1)
	require.NotNil(t, page.Messages[0].ReadAt)
	require.False(t, page.HasMore)
}

func TestEventErrorsAreReportedToClient(t *testing.T) {
	e := newTestEnv(t, Options{})
	a := e.dial(t, "u1")
	c := e.dial(t, "u3")

	sendEvent(t, a, EventStartConversation, "s1", map[string]string{"userId": "u2"})
	var started startConversationResult
	require.NoError(t, json.Unmarshal(readFrame(t, a).Data, &started))

	sendEvent(t, c, EventJoinConversation, "j1", map[string]string{"conversationId": started.Conversation.ID})
	ack := readFrame(t, c)
	require.Equal(t, "j1", ack.AckID)
	var ae ackError
	require.NoError(t, json.Unmarshal(ack.Data, &ae))
	require.Equal(t, "forbidden", ae.Code)
	require.NotEmpty(t, ae.Error)

	sendEvent(t, a, EventSendMessage, "", map[string]string{"conversationId": started.Conversation.ID, "text": "   "})
	ev := readFrame(t, a)
	require.Equal(t, EventError, ev.Event)
	var ee errorEvent
	require.NoError(t, json.Unmarshal(ev.Data, &ee))
	require.Equal(t, "invalid", ee.Code)
	require.Equal(t, EventSendMessage, ee.Event)

	sendEvent(t, a, EventStartConversation, "s2", map[string]string{"userId": "nobody"})
	ack = readFrame(t, a)
	require.Contains(t, string(ack.Data), `"code":"not_found"`)
}

func TestProtocolViolationsCloseConnection(t *testing.T) {
	e := newTestEnv(t, Options{})

	unknown := e.dial(t, "u1")
	sendEvent(t, unknown, "launch_rockets", "x", nil)
	require.Equal(t, websocket.CloseProtocolError, readCloseCode(t, unknown))

	malformed := e.dial(t, "u2")
	require.NoError(t, malformed.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.Equal(t, websocket.CloseProtocolError, readCloseCode(t, malformed))

	binary := e.dial(t, "u3")
	require.NoError(t, binary.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	require.Equal(t, websocket.CloseUnsupportedData, readCloseCode(t, binary))

	require.Eventually(t, func() bool { return e.gw.Pool().Count() == 0 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 0, e.reg.OnlineCount())
}

func TestAbruptDisconnectReleasesState(t *testing.T) {
	e := newTestEnv(t, Options{})
	a := e.dial(t, "u1")
	b := e.dial(t, "u2")

	sendEvent(t, a, EventStartConversation, "s1", map[string]string{"userId": "u2"})
	var started startConversationResult
	require.NoError(t, json.Unmarshal(readFrame(t, a).Data, &started))
	convID := started.Conversation.ID
	sendEvent(t, a, EventJoinConversation, "j1", map[string]string{"conversationId": convID})
	require.Equal(t, "j1", readFrame(t, a).AckID)
	sendEvent(t, b, EventJoinConversation, "j2", map[string]string{"conversationId": convID})
	require.Equal(t, "j2", readFrame(t, b).AckID)
	require.Len(t, e.rooms.Members(convID), 2)

	require.NoError(t, a.UnderlyingConn().Close())

	require.Eventually(t, func() bool {
		return !e.reg.Online("u1") && len(e.rooms.Members(convID)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.True(t, e.reg.Online("u2"))
	p := e.reg.Presence("u1")
	require.NotNil(t, p.LastSeen)
}

func TestSilentClientTimesOut(t *testing.T) {
	e := newTestEnv(t, Options{PongWait: 300 * time.Millisecond, PingInterval: 100 * time.Millisecond})
	// Never reading means the client never answers pings.
	_ = e.dial(t, "u1")

	require.Eventually(t, func() bool {
		return !e.reg.Online("u1") && e.gw.Pool().Count() == 0
	}, 3*time.Second, 20*time.Millisecond)
}

func TestShutdownClosesWithGoingAway(t *testing.T) {
	e := newTestEnv(t, Options{})
	a := e.dial(t, "u1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- e.gw.Shutdown(ctx) }()

	require.Equal(t, websocket.CloseGoingAway, readCloseCode(t, a))
	require.NoError(t, <-done)
	require.False(t, e.reg.Online("u1"))

	// Late connections are turned away once shutdown started.
	late, resp, err := websocket.DefaultDialer.Dial(e.wsURL(e.token(t, "u2")), nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	defer func() { _ = late.Close() }()
	require.Equal(t, websocket.CloseGoingAway, readCloseCode(t, late))
	require.False(t, e.reg.Online("u2"))
}

func doJSON(t *testing.T, e *testEnv, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	out := map[string]any{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestHTTPAPI(t *testing.T) {
	e := newTestEnv(t, Options{})
	u1, u3 := e.token(t, "u1"), e.token(t, "u3")

	status, body := doJSON(t, e, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ok", body["status"])

	status, _ = doJSON(t, e, http.MethodGet, "/api/conversations", "", nil)
	require.Equal(t, http.StatusUnauthorized, status)

	status, body = doJSON(t, e, http.MethodPost, "/api/conversations", u1, map[string]string{"userId": "u2", "message": "hi"})
	require.Equal(t, http.StatusOK, status)
	conv := body["conversation"].(map[string]any)
	convID := conv["id"].(string)
	require.Equal(t, "u2", conv["peerId"])
	require.Equal(t, "hi", body["message"].(map[string]any)["text"])

	status, body = doJSON(t, e, http.MethodGet, "/api/conversations", u1, nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body["conversations"], 1)

	status, body = doJSON(t, e, http.MethodGet, "/api/conversations/"+convID+"/messages?limit=5", u1, nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body["messages"], 1)
	require.Equal(t, false, body["hasMore"])

	status, _ = doJSON(t, e, http.MethodGet, "/api/conversations/"+convID+"/messages", u3, nil)
	require.Equal(t, http.StatusForbidden, status)

	status, _ = doJSON(t, e, http.MethodGet, "/api/conversations/missing/messages", u1, nil)
	require.Equal(t, http.StatusNotFound, status)

	status, _ = doJSON(t, e, http.MethodGet, "/api/conversations/"+convID+"/messages?limit=-1", u1, nil)
	require.Equal(t, http.StatusBadRequest, status)

	status, _ = doJSON(t, e, http.MethodPost, "/api/conversations", u1, map[string]string{"userId": "u1"})
	require.Equal(t, http.StatusBadRequest, status)

	status, body = doJSON(t, e, http.MethodGet, "/api/presence/u2", u1, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, false, body["online"])

	status, _ = doJSON(t, e, http.MethodGet, "/api/presence/ghost", u1, nil)
	require.Equal(t, http.StatusNotFound, status)
}
