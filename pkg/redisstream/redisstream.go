// Package redisstream builds the watermill publisher used for domain events.
// Redis Streams is used when enabled; otherwise an in-process gochannel
// pub/sub keeps the same API for single-node deployments and tests.
package redisstream

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Settings holds Redis configuration shared by the event stream and the
// last-seen store.
type Settings struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// MaxLen caps each stream (approximate XADD MAXLEN); 0 leaves streams unbounded.
	MaxLen int64 `yaml:"max-len"`
}

// NewClient returns a client for s. Callers own the client and must close it.
func NewClient(s Settings) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     s.Addr,
		Password: s.Password,
		DB:       s.DB,
	})
}

// Ping checks connectivity so misconfiguration fails at startup.
func Ping(ctx context.Context, client redis.UniversalClient) error {
	if client == nil {
		return errors.New("redis client is nil")
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, "redis ping")
	}
	return nil
}

// BuildPublisher returns a Redis Streams publisher when s.Enabled, and an
// in-memory gochannel publisher otherwise. topics bounds MaxLen per stream.
func BuildPublisher(s Settings, client redis.UniversalClient, logger watermill.LoggerAdapter, topics ...string) (message.Publisher, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	if !s.Enabled {
		return gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, logger), nil
	}
	if client == nil {
		return nil, errors.New("redis stream publisher requires a client")
	}
	var maxLens map[string]int64
	if s.MaxLen > 0 {
		maxLens = make(map[string]int64, len(topics))
		for _, t := range topics {
			if t = strings.TrimSpace(t); t != "" {
				maxLens[t] = s.MaxLen
			}
		}
	}
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
		Maxlens:    maxLens,
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "build redis stream publisher")
	}
	log.Info().Str("component", "redisstream").Str("addr", s.Addr).Msg("publishing domain events to redis streams")
	return pub, nil
}

// BuildSubscriber reads domain events back from Redis Streams. An empty
// consumerGroup reads with a fan-out consumer that sees every message.
func BuildSubscriber(s Settings, client redis.UniversalClient, logger watermill.LoggerAdapter, consumerGroup string) (message.Subscriber, error) {
	if !s.Enabled {
		return nil, errors.New("redis streams are disabled")
	}
	if client == nil {
		return nil, errors.New("redis stream subscriber requires a client")
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: strings.TrimSpace(consumerGroup),
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "build redis stream subscriber")
	}
	return sub, nil
}

// EnsureGroupAtTail creates group on stream starting at "$" so a new
// consumer group does not replay the whole history. An existing group is
// left untouched.
func EnsureGroupAtTail(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	if client == nil {
		return errors.New("redis client is nil")
	}
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "create consumer group %s on %s", group, stream)
	}
	log.Info().Str("component", "redisstream").Str("stream", stream).Str("group", group).
		Msg("created redis consumer group at tail")
	return nil
}
