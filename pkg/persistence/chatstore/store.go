package chatstore

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/go-go-golems/parlor/pkg/apperr"
)

const (
	// MaxMessageLength is counted in runes after trimming.
	MaxMessageLength = 4000
	// MaxPageSize bounds ListMessages regardless of what callers ask for.
	MaxPageSize = 200
)

// Conversation is a durable two-party thread. Participants is stored ordered.
type Conversation struct {
	ID           string    `json:"id"`
	Participants [2]string `json:"participants"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (c Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.Participants[0] == userID || c.Participants[1] == userID)
}

// Peer returns the participant that is not userID.
func (c Conversation) Peer(userID string) string {
	if c.Participants[0] == userID {
		return c.Participants[1]
	}
	return c.Participants[0]
}

// Message is immutable except for ReadAt, which is set at most once.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	SenderID       string     `json:"senderId"`
	Text           string     `json:"text"`
	CreatedAt      time.Time  `json:"createdAt"`
	ReadAt         *time.Time `json:"readAt"`
}

// Store is the durable, ordered source of truth for conversations and messages.
type Store interface {
	// FindOrCreateConversation returns the conversation for the unordered pair,
	// creating it if needed. created reports whether this call inserted it.
	FindOrCreateConversation(ctx context.Context, userA, userB string) (conv Conversation, created bool, err error)
	GetConversation(ctx context.Context, conversationID string) (Conversation, error)
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	ListConversations(ctx context.Context, userID string, limit int) ([]Conversation, error)

	// CreateMessage persists a message and returns the committed record.
	CreateMessage(ctx context.Context, conversationID, senderID, text string) (Message, error)
	GetMessage(ctx context.Context, messageID string) (Message, error)
	// ListMessages returns up to limit+1 messages strictly older than the
	// before cursor (a message id, empty for newest), newest first.
	ListMessages(ctx context.Context, conversationID string, limit int, before string) ([]Message, error)
	// MarkRead sets ReadAt on every unread message not sent by readerID and
	// created at or before at. It returns how many rows changed.
	MarkRead(ctx context.Context, conversationID, readerID string, at time.Time) (int64, error)

	Close() error
}

// Paginate turns a ListMessages result into ascending display order and
// reports whether older messages remain.
func Paginate(desc []Message, limit int) ([]Message, bool) {
	hasMore := len(desc) > limit
	if hasMore {
		desc = desc[:limit]
	}
	out := make([]Message, len(desc))
	for i, m := range desc {
		out[len(desc)-1-i] = m
	}
	return out, hasMore
}

func normalizePair(userA, userB string) (string, string, error) {
	a, b := strings.TrimSpace(userA), strings.TrimSpace(userB)
	if a == "" || b == "" {
		return "", "", apperr.Validation("both participants are required")
	}
	if a == b {
		return "", "", apperr.Validation("cannot start a conversation with yourself")
	}
	if b < a {
		a, b = b, a
	}
	return a, b, nil
}

// ValidateText trims text and enforces the length limits.
func ValidateText(text string) (string, error) {
	t := strings.TrimSpace(text)
	if t == "" {
		return "", apperr.Validation("message text is empty")
	}
	if n := utf8.RuneCountInString(t); n > MaxMessageLength {
		return "", apperr.Validationf("message text is %d characters, limit is %d", n, MaxMessageLength)
	}
	return t, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 1
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

// nextOrderKey keeps CreatedAt strictly increasing within a conversation even
// when the wall clock stalls or steps back.
func nextOrderKey(now time.Time, lastMicros int64) int64 {
	us := now.UnixMicro()
	if us <= lastMicros {
		us = lastMicros + 1
	}
	return us
}

func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}

func notFoundConversation(id string) error {
	return errors.Wrapf(apperr.ErrNotFound, "conversation %q", id)
}

func notParticipant(conversationID, userID string) error {
	return errors.Wrapf(apperr.ErrAuthorization, "user %q in conversation %q", userID, conversationID)
}
