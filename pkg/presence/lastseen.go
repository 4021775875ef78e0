package presence

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// LastSeenStore keeps presence transitions beyond the lifetime of the process.
type LastSeenStore interface {
	Record(ctx context.Context, c Change) error
	// LastSeen returns the time the user last went offline; ok is false when
	// the user was never seen.
	LastSeen(ctx context.Context, userID string) (at time.Time, ok bool, err error)
}

type MemoryLastSeenStore struct {
	mu   sync.RWMutex
	seen map[string]time.Time
}

func NewMemoryLastSeenStore() *MemoryLastSeenStore {
	return &MemoryLastSeenStore{seen: map[string]time.Time{}}
}

func (m *MemoryLastSeenStore) Record(_ context.Context, c Change) error {
	if c.Online {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.seen[c.UserID]; !ok || c.At.After(prev) {
		m.seen[c.UserID] = c.At
	}
	return nil
}

func (m *MemoryLastSeenStore) LastSeen(_ context.Context, userID string) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.seen[userID]
	return t, ok, nil
}

const defaultRedisKeyPrefix = "parlor:presence:"

// RedisLastSeenStore writes one hash per user holding the online flag and the
// last offline transition in unix microseconds.
type RedisLastSeenStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisLastSeenStore(client redis.UniversalClient, prefix string) (*RedisLastSeenStore, error) {
	if client == nil {
		return nil, errors.New("redis last-seen store: client is nil")
	}
	if prefix == "" {
		prefix = defaultRedisKeyPrefix
	}
	return &RedisLastSeenStore{client: client, prefix: prefix}, nil
}

func (s *RedisLastSeenStore) key(userID string) string {
	return s.prefix + userID
}

func (s *RedisLastSeenStore) Record(ctx context.Context, c Change) error {
	online := "0"
	if c.Online {
		online = "1"
	}
	fields := []any{"online", online, "changedAt", c.At.UnixMicro()}
	if !c.Online {
		fields = append(fields, "lastSeen", c.At.UnixMicro())
	}
	if err := s.client.HSet(ctx, s.key(c.UserID), fields...).Err(); err != nil {
		return errors.Wrapf(err, "record presence for %q", c.UserID)
	}
	return nil
}

func (s *RedisLastSeenStore) LastSeen(ctx context.Context, userID string) (time.Time, bool, error) {
	v, err := s.client.HGet(ctx, s.key(userID), "lastSeen").Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, errors.Wrapf(err, "read last seen for %q", userID)
	}
	us, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, errors.Wrapf(err, "parse last seen for %q", userID)
	}
	return time.UnixMicro(us).UTC(), true, nil
}
