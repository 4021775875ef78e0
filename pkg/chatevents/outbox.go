package chatevents

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type pending struct {
	topic string
	msg   *message.Message
}

// Outbox decouples request handling from the event publisher. Enqueue never
// blocks; a single Run goroutine publishes in enqueue order. A nil *Outbox
// accepts and discards everything.
type Outbox struct {
	pub     message.Publisher
	ch      chan pending
	dropped atomic.Int64
}

func NewOutbox(pub message.Publisher, buffer int) (*Outbox, error) {
	if pub == nil {
		return nil, errors.New("outbox: publisher is nil")
	}
	if buffer <= 0 {
		buffer = 256
	}
	return &Outbox{pub: pub, ch: make(chan pending, buffer)}, nil
}

// Enqueue encodes payload and queues it for topic. It reports false when the
// event was dropped.
func (o *Outbox) Enqueue(topic string, payload any) bool {
	if o == nil {
		return false
	}
	b, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("component", "chatevents").Str("topic", topic).Msg("encode event")
		return false
	}
	msg := message.NewMessage(uuid.NewString(), b)
	msg.Metadata.Set(MetadataEvent, topic)

	select {
	case o.ch <- pending{topic: topic, msg: msg}:
		return true
	default:
		o.dropped.Add(1)
		log.Warn().Str("component", "chatevents").Str("topic", topic).Msg("outbox full, dropping event")
		return false
	}
}

func (o *Outbox) Dropped() int64 {
	if o == nil {
		return 0
	}
	return o.dropped.Load()
}

// Run publishes queued events until ctx is cancelled, then drains what is
// left with a short deadline.
func (o *Outbox) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			o.drain(5 * time.Second)
			return nil
		case p := <-o.ch:
			o.publish(p)
		}
	}
}

func (o *Outbox) drain(limit time.Duration) {
	deadline := time.After(limit)
	for {
		select {
		case p := <-o.ch:
			o.publish(p)
		case <-deadline:
			log.Warn().Str("component", "chatevents").Int("pending", len(o.ch)).Msg("outbox drain timed out")
			return
		default:
			return
		}
	}
}

func (o *Outbox) publish(p pending) {
	if err := o.pub.Publish(p.topic, p.msg); err != nil {
		log.Warn().Err(err).Str("component", "chatevents").Str("topic", p.topic).Str("event_id", p.msg.UUID).Msg("publish failed")
		return
	}
	log.Trace().Str("component", "chatevents").Str("topic", p.topic).Str("event_id", p.msg.UUID).Msg("event published")
}
