package chatevents

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/require"
)

func TestOutboxPublishesInOrder(t *testing.T) {
	ps := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, watermill.NopLogger{})
	t.Cleanup(func() { _ = ps.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, err := ps.Subscribe(ctx, TopicPresenceChanged)
	require.NoError(t, err)

	o, err := NewOutbox(ps, 8)
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		_ = o.Run(ctx)
		close(done)
	}()

	at := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	require.True(t, o.Enqueue(TopicPresenceChanged, PresenceChanged{UserID: "u1", Online: true, At: at}))
	require.True(t, o.Enqueue(TopicPresenceChanged, PresenceChanged{UserID: "u1", Online: false, At: at}))

	var got []PresenceChanged
	for len(got) < 2 {
		select {
		case m := <-msgs:
			require.Equal(t, TopicPresenceChanged, m.Metadata.Get(MetadataEvent))
			var p PresenceChanged
			require.NoError(t, json.Unmarshal(m.Payload, &p))
			got = append(got, p)
			m.Ack()
		case <-time.After(2 * time.Second):
			t.Fatal("event not delivered")
		}
	}
	require.True(t, got[0].Online)
	require.False(t, got[1].Online)

	cancel()
	<-done
}

type failingPublisher struct{}

func (failingPublisher) Publish(string, ...*message.Message) error { return context.DeadlineExceeded }
func (failingPublisher) Close() error                              { return nil }

func TestOutboxDropsWhenFull(t *testing.T) {
	o, err := NewOutbox(failingPublisher{}, 1)
	require.NoError(t, err)
	require.True(t, o.Enqueue(TopicMessagesRead, MessagesRead{ConversationID: "c1"}))
	require.False(t, o.Enqueue(TopicMessagesRead, MessagesRead{ConversationID: "c1"}))
	require.Equal(t, int64(1), o.Dropped())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, o.Run(ctx))
	require.Len(t, o.ch, 0)
}

func TestNilOutboxIsInert(t *testing.T) {
	var o *Outbox
	require.False(t, o.Enqueue(TopicMessageCreated, MessageCreated{}))
	require.Equal(t, int64(0), o.Dropped())

	_, err := NewOutbox(nil, 1)
	require.Error(t, err)
}
