package chat

import (
	"time"

	"github.com/go-go-golems/parlor/pkg/persistence/chatstore"
)

const EventNewMessage = "new_message"

// MessageView is the client-facing shape of a message.
type MessageView struct {
	ID       string     `json:"id"`
	Text     string     `json:"text"`
	SenderID string     `json:"senderId"`
	SentAt   time.Time  `json:"sentAt"`
	ReadAt   *time.Time `json:"readAt"`
}

func NewMessageView(m chatstore.Message) MessageView {
	return MessageView{ID: m.ID, Text: m.Text, SenderID: m.SenderID, SentAt: m.CreatedAt, ReadAt: m.ReadAt}
}

func NewMessageViews(ms []chatstore.Message) []MessageView {
	out := make([]MessageView, 0, len(ms))
	for _, m := range ms {
		out = append(out, NewMessageView(m))
	}
	return out
}

type NewMessagePayload struct {
	ConversationID string      `json:"conversationId"`
	Message        MessageView `json:"message"`
}

type ConversationView struct {
	ID           string    `json:"id"`
	Participants [2]string `json:"participants"`
	PeerID       string    `json:"peerId"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func NewConversationView(c chatstore.Conversation, viewerID string) ConversationView {
	return ConversationView{
		ID:           c.ID,
		Participants: c.Participants,
		PeerID:       c.Peer(viewerID),
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

// Page is one slice of history in ascending order.
type Page struct {
	Messages []MessageView `json:"messages"`
	HasMore  bool          `json:"hasMore"`
}
