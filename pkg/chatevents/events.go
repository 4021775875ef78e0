// Package chatevents publishes domain events about conversations to a
// watermill topic stream. Consumers such as push delivery or analytics live
// outside the gateway and subscribe to these topics.
package chatevents

import (
	"time"

	"github.com/go-go-golems/parlor/pkg/persistence/chatstore"
)

const (
	TopicMessageCreated  = "parlor.message.created"
	TopicMessagesRead    = "parlor.messages.read"
	TopicPresenceChanged = "parlor.presence.changed"

	// MetadataEvent carries the topic name on every message so consumers
	// sharing one subscription can route without decoding the payload.
	MetadataEvent = "event"
)

func Topics() []string {
	return []string{TopicMessageCreated, TopicMessagesRead, TopicPresenceChanged}
}

type MessageCreated struct {
	Message     chatstore.Message `json:"message"`
	RecipientID string            `json:"recipientId"`
	// RecipientOnline is false when the recipient had no live connection at
	// send time, which is when push delivery should kick in.
	RecipientOnline bool `json:"recipientOnline"`
}

type MessagesRead struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	ReadAt         time.Time `json:"readAt"`
	Marked         int64     `json:"marked"`
}

type PresenceChanged struct {
	UserID string    `json:"userId"`
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
}
