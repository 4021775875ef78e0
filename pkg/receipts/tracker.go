// Package receipts records read receipts and tells the other side of the
// conversation about them.
package receipts

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/parlor/pkg/rooms"
)

const EventMessagesRead = "messages_read"

type ReadMarker interface {
	MarkRead(ctx context.Context, conversationID, readerID string, at time.Time) (int64, error)
}

type Broadcaster interface {
	Broadcast(conversationID string, frame rooms.Frame, opts ...rooms.BroadcastOption) int
}

type ReadPayload struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	ReadAt         time.Time `json:"readAt"`
}

// Receipt is the outcome of one MarkRead call. Marked is the number of
// messages that flipped to read.
type Receipt struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	ReadAt         time.Time `json:"readAt"`
	Marked         int64     `json:"marked"`
}

type Tracker struct {
	store ReadMarker
	rooms Broadcaster
	now   func() time.Time
}

func NewTracker(store ReadMarker, b Broadcaster) *Tracker {
	return &Tracker{store: store, rooms: b, now: time.Now}
}

// MarkRead marks every unread message from the other participant as read.
// messages_read goes out only when something changed, and never to the
// reader's own connections.
func (t *Tracker) MarkRead(ctx context.Context, conversationID, userID string) (Receipt, error) {
	at := t.now().UTC().Truncate(time.Microsecond)
	n, err := t.store.MarkRead(ctx, conversationID, userID, at)
	if err != nil {
		return Receipt{}, err
	}
	r := Receipt{ConversationID: conversationID, UserID: userID, ReadAt: at, Marked: n}
	if n == 0 || t.rooms == nil {
		return r, nil
	}

	f, err := rooms.NewFrame(EventMessagesRead, ReadPayload{ConversationID: conversationID, UserID: userID, ReadAt: at})
	if err != nil {
		return r, err
	}
	delivered := t.rooms.Broadcast(conversationID, f, rooms.ExcludeUser(userID))
	log.Debug().Str("component", "receipts").Str("conv_id", conversationID).Str("user_id", userID).
		Int64("marked", n).Int("delivered", delivered).Msg("messages read")
	return r, nil
}
