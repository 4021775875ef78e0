package redisstream

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/require"
)

func TestBuildPublisher_InMemoryDefault(t *testing.T) {
	pub, err := BuildPublisher(Settings{}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pub.Close() })

	sub, ok := pub.(message.Subscriber)
	require.True(t, ok, "in-memory publisher doubles as subscriber")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := sub.Subscribe(ctx, "parlor.test")
	require.NoError(t, err)

	require.NoError(t, pub.Publish("parlor.test", message.NewMessage("m1", []byte(`{"ok":true}`))))

	select {
	case msg := <-ch:
		require.Equal(t, "m1", msg.UUID)
		require.JSONEq(t, `{"ok":true}`, string(msg.Payload))
		msg.Ack()
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestBuildPublisher_RedisRequiresClient(t *testing.T) {
	_, err := BuildPublisher(Settings{Enabled: true, Addr: "localhost:6379"}, nil, nil)
	require.ErrorContains(t, err, "requires a client")
}

func TestBuildSubscriber_RequiresRedis(t *testing.T) {
	_, err := BuildSubscriber(Settings{}, nil, nil, "")
	require.ErrorContains(t, err, "disabled")
	_, err = BuildSubscriber(Settings{Enabled: true}, nil, nil, "tail")
	require.ErrorContains(t, err, "requires a client")
}

func TestEnsureGroupAtTail_RequiresClient(t *testing.T) {
	require.ErrorContains(t, EnsureGroupAtTail(context.Background(), nil, "parlor.test", "g"), "nil")
}
