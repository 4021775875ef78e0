// Package chat ties the registries, the message store and the event outbox
// together. Transports (websocket, HTTP) call into Service; Service never
// knows how frames reach a client.
package chat

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/parlor/pkg/apperr"
	"github.com/go-go-golems/parlor/pkg/auth"
	"github.com/go-go-golems/parlor/pkg/chatevents"
	"github.com/go-go-golems/parlor/pkg/persistence/chatstore"
	"github.com/go-go-golems/parlor/pkg/presence"
	"github.com/go-go-golems/parlor/pkg/receipts"
	"github.com/go-go-golems/parlor/pkg/rooms"
	"github.com/go-go-golems/parlor/pkg/typing"
)

const lockStripes = 64

// Session is a live, authenticated connection.
type Session interface {
	rooms.Subscriber
	UserName() string
}

type Deps struct {
	Store     chatstore.Store
	Directory auth.Directory
	Rooms     *rooms.Manager
	Presence  *presence.Registry
	LastSeen  presence.LastSeenStore
	Typing    *typing.Coordinator
	Receipts  *receipts.Tracker
	Outbox    *chatevents.Outbox
}

type Config struct {
	DefaultPageSize int
	MaxPageSize     int
}

type Service struct {
	store     chatstore.Store
	directory auth.Directory
	rooms     *rooms.Manager
	presence  *presence.Registry
	lastSeen  presence.LastSeenStore
	typing    *typing.Coordinator
	receipts  *receipts.Tracker
	outbox    *chatevents.Outbox
	cfg       Config

	// Held across "persist, then enqueue broadcast" so that every member of
	// a room observes one conversation's events in commit order.
	locks [lockStripes]sync.Mutex

	newFrame func(event string, data any) (rooms.Frame, error)
}

func NewService(d Deps, cfg Config) (*Service, error) {
	if d.Store == nil {
		return nil, errors.New("chat service: store is nil")
	}
	if d.Rooms == nil {
		return nil, errors.New("chat service: rooms manager is nil")
	}
	if d.Presence == nil {
		d.Presence = presence.NewRegistry()
	}
	if d.Typing == nil {
		d.Typing = typing.NewCoordinator(d.Rooms, typing.DefaultTTL)
	}
	if d.Receipts == nil {
		d.Receipts = receipts.NewTracker(d.Store, d.Rooms)
	}
	if cfg.MaxPageSize <= 0 || cfg.MaxPageSize > chatstore.MaxPageSize {
		cfg.MaxPageSize = chatstore.MaxPageSize
	}
	if cfg.DefaultPageSize <= 0 || cfg.DefaultPageSize > cfg.MaxPageSize {
		cfg.DefaultPageSize = min(30, cfg.MaxPageSize)
	}
	s := &Service{
		store:     d.Store,
		directory: d.Directory,
		rooms:     d.Rooms,
		presence:  d.Presence,
		lastSeen:  d.LastSeen,
		typing:    d.Typing,
		receipts:  d.Receipts,
		outbox:    d.Outbox,
		cfg:       cfg,
		newFrame:  rooms.NewFrame,
	}
	s.typing.SetConversationLock(func(conversationID string) sync.Locker { return s.lockFor(conversationID) })
	return s, nil
}

func (s *Service) lockFor(conversationID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(conversationID))
	return &s.locks[h.Sum32()%lockStripes]
}

// Connect registers a freshly authenticated session.
func (s *Service) Connect(sess Session) {
	if s.presence.Register(sess.ID(), sess.UserID()) {
		log.Info().Str("component", "chat").Str("user_id", sess.UserID()).Msg("user online")
	}
}

// Disconnect releases everything a session holds. It is safe to call more
// than once.
func (s *Service) Disconnect(sess Session) {
	stopped := s.typing.CancelConnection(sess.ID())
	left := s.rooms.LeaveAll(sess)
	wentOffline := s.presence.Unregister(sess.ID())
	log.Debug().Str("component", "chat").Str("conn_id", sess.ID()).Str("user_id", sess.UserID()).
		Int("rooms", len(left)).Int("typing_cleared", stopped).Bool("offline", wentOffline).
		Msg("session released")
}

func (s *Service) Join(ctx context.Context, sess Session, conversationID string) error {
	return s.rooms.Join(ctx, sess, conversationID)
}

func (s *Service) Leave(sess Session, conversationID string) {
	mu := s.lockFor(conversationID)
	mu.Lock()
	defer mu.Unlock()
	s.typing.StopOwned(conversationID, sess.UserID(), sess.ID())
	s.rooms.Leave(sess, conversationID)
}

// Send persists a message and broadcasts new_message to every connection in
// the room, the sender's own included. Nothing is broadcast or published if
// persistence fails.
func (s *Service) Send(ctx context.Context, senderID, conversationID, text string) (chatstore.Message, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return chatstore.Message{}, apperr.Validation("conversationId is required")
	}
	mu := s.lockFor(conversationID)
	mu.Lock()
	defer mu.Unlock()
	return s.sendLocked(ctx, senderID, conversationID, text)
}

func (s *Service) sendLocked(ctx context.Context, senderID, conversationID, text string) (chatstore.Message, error) {
	msg, err := s.store.CreateMessage(ctx, conversationID, senderID, text)
	if err != nil {
		return chatstore.Message{}, err
	}

	s.typing.Stop(conversationID, senderID)

	// the message is committed; a frame that cannot be encoded only costs
	// the live fan-out
	delivered := 0
	f, err := s.newFrame(EventNewMessage, NewMessagePayload{ConversationID: conversationID, Message: NewMessageView(msg)})
	if err != nil {
		log.Error().Err(err).Str("component", "chat").Str("conv_id", conversationID).Str("msg_id", msg.ID).
			Msg("encode new_message frame")
	} else {
		delivered = s.rooms.Broadcast(conversationID, f)
	}

	recipient := ""
	if conv, err := s.store.GetConversation(ctx, conversationID); err == nil {
		recipient = conv.Peer(senderID)
	}
	s.outbox.Enqueue(chatevents.TopicMessageCreated, chatevents.MessageCreated{
		Message:         msg,
		RecipientID:     recipient,
		RecipientOnline: recipient != "" && s.presence.Online(recipient),
	})

	log.Debug().Str("component", "chat").Str("conv_id", conversationID).Str("msg_id", msg.ID).
		Int("delivered", delivered).Msg("message sent")
	return msg, nil
}

// StartConversation finds or creates the conversation between userID and
// peerID and, when text is non-empty, sends it as the first message.
func (s *Service) StartConversation(ctx context.Context, userID, peerID, text string) (chatstore.Conversation, *chatstore.Message, error) {
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return chatstore.Conversation{}, nil, apperr.Validation("userId is required")
	}
	if s.directory != nil && peerID != userID {
		if _, err := s.directory.Lookup(ctx, peerID); err != nil {
			return chatstore.Conversation{}, nil, err
		}
	}
	if strings.TrimSpace(text) != "" {
		if _, err := chatstore.ValidateText(text); err != nil {
			return chatstore.Conversation{}, nil, err
		}
	}

	conv, created, err := s.store.FindOrCreateConversation(ctx, userID, peerID)
	if err != nil {
		return chatstore.Conversation{}, nil, err
	}
	if created {
		log.Info().Str("component", "chat").Str("conv_id", conv.ID).Msg("conversation created")
	}
	if strings.TrimSpace(text) == "" {
		return conv, nil, nil
	}

	mu := s.lockFor(conv.ID)
	mu.Lock()
	defer mu.Unlock()
	msg, err := s.sendLocked(ctx, userID, conv.ID, text)
	if err != nil {
		return conv, nil, err
	}
	conv.UpdatedAt = msg.CreatedAt
	return conv, &msg, nil
}

// TypingStart requires the session to be in the room or to be a participant.
func (s *Service) TypingStart(ctx context.Context, sess Session, conversationID string) error {
	if err := s.checkMember(ctx, sess, conversationID); err != nil {
		return err
	}
	mu := s.lockFor(conversationID)
	mu.Lock()
	defer mu.Unlock()
	s.typing.Start(conversationID, sess.UserID(), sess.UserName(), sess.ID())
	return nil
}

func (s *Service) TypingStop(ctx context.Context, sess Session, conversationID string) error {
	if err := s.checkMember(ctx, sess, conversationID); err != nil {
		return err
	}
	mu := s.lockFor(conversationID)
	mu.Lock()
	defer mu.Unlock()
	s.typing.Stop(conversationID, sess.UserID())
	return nil
}

func (s *Service) checkMember(ctx context.Context, sess Session, conversationID string) error {
	if strings.TrimSpace(conversationID) == "" {
		return apperr.Validation("conversationId is required")
	}
	if s.rooms.IsJoined(conversationID, sess.ID()) {
		return nil
	}
	return s.requireParticipant(ctx, conversationID, sess.UserID())
}

func (s *Service) requireParticipant(ctx context.Context, conversationID, userID string) error {
	ok, err := s.store.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(apperr.ErrAuthorization, "user %q is not a participant of %q", userID, conversationID)
	}
	return nil
}

// MarkRead marks the peer's unread messages as read and notifies the peer.
func (s *Service) MarkRead(ctx context.Context, userID, conversationID string) (receipts.Receipt, error) {
	if strings.TrimSpace(conversationID) == "" {
		return receipts.Receipt{}, apperr.Validation("conversationId is required")
	}
	mu := s.lockFor(conversationID)
	mu.Lock()
	defer mu.Unlock()
	r, err := s.receipts.MarkRead(ctx, conversationID, userID)
	if err != nil {
		return receipts.Receipt{}, err
	}
	if r.Marked > 0 {
		s.outbox.Enqueue(chatevents.TopicMessagesRead, chatevents.MessagesRead{
			ConversationID: r.ConversationID,
			UserID:         r.UserID,
			ReadAt:         r.ReadAt,
			Marked:         r.Marked,
		})
	}
	return r, nil
}

// History returns up to limit messages older than before, oldest first.
func (s *Service) History(ctx context.Context, userID, conversationID string, limit int, before string) (Page, error) {
	if strings.TrimSpace(conversationID) == "" {
		return Page{}, apperr.Validation("conversationId is required")
	}
	if err := s.requireParticipant(ctx, conversationID, userID); err != nil {
		return Page{}, err
	}
	limit = s.pageSize(limit)
	desc, err := s.store.ListMessages(ctx, conversationID, limit, before)
	if err != nil {
		return Page{}, err
	}
	msgs, hasMore := chatstore.Paginate(desc, limit)
	return Page{Messages: NewMessageViews(msgs), HasMore: hasMore}, nil
}

func (s *Service) pageSize(limit int) int {
	if limit <= 0 {
		return s.cfg.DefaultPageSize
	}
	if limit > s.cfg.MaxPageSize {
		return s.cfg.MaxPageSize
	}
	return limit
}

func (s *Service) ListConversations(ctx context.Context, userID string, limit int) ([]ConversationView, error) {
	convs, err := s.store.ListConversations(ctx, userID, s.pageSize(limit))
	if err != nil {
		return nil, err
	}
	out := make([]ConversationView, 0, len(convs))
	for _, c := range convs {
		out = append(out, NewConversationView(c, userID))
	}
	return out, nil
}

// Presence reports whether userID is online. For offline users LastSeen
// falls back to the persistent store when this process never saw them.
func (s *Service) Presence(ctx context.Context, userID string) (presence.Presence, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return presence.Presence{}, apperr.Validation("userId is required")
	}
	if s.directory != nil {
		if _, err := s.directory.Lookup(ctx, userID); err != nil {
			return presence.Presence{}, err
		}
	}
	p := s.presence.Presence(userID)
	if p.Online || p.LastSeen != nil || s.lastSeen == nil {
		return p, nil
	}
	at, ok, err := s.lastSeen.LastSeen(ctx, userID)
	if err != nil {
		log.Warn().Err(err).Str("component", "chat").Str("user_id", userID).Msg("last seen lookup failed")
		return p, nil
	}
	if ok {
		p.LastSeen = &at
	}
	return p, nil
}

// Close stops typing timers without broadcasting.
func (s *Service) Close() {
	s.typing.Close()
}
