// Package presence tracks which users hold at least one live connection.
//
// A user is online while the registry holds any connection for them. The
// registry is sharded by user id so that unrelated users never contend on
// the same lock; transitions for one user are serialized by its shard.
package presence

import (
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

const defaultShards = 32

// Change is emitted when a user flips between online and offline.
type Change struct {
	UserID string    `json:"userId"`
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
}

// Notifier receives transitions while the user's shard lock is held, so it
// sees a user's changes in order. Implementations must not block.
type Notifier interface {
	Notify(Change)
}

type NotifierFunc func(Change)

func (f NotifierFunc) Notify(c Change) { f(c) }

type Presence struct {
	UserID      string     `json:"userId"`
	Online      bool       `json:"online"`
	Connections int        `json:"connections"`
	LastSeen    *time.Time `json:"lastSeen,omitempty"`
}

type shard struct {
	mu       sync.RWMutex
	users    map[string]map[string]struct{}
	lastSeen map[string]time.Time
}

type Registry struct {
	shards []*shard
	// conn id -> user id. Entries change only under the user's shard lock.
	owners   sync.Map
	notifier Notifier
	now      func() time.Time
}

type Option func(*Registry)

func WithNotifier(n Notifier) Option {
	return func(r *Registry) { r.notifier = n }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		shards: make([]*shard, defaultShards),
		now:    time.Now,
	}
	for i := range r.shards {
		r.shards[i] = &shard{
			users:    map[string]map[string]struct{}{},
			lastSeen: map[string]time.Time{},
		}
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Registry) shardFor(userID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

// Register records a live connection for userID and reports whether the user
// just came online. Registering the same connection twice is a no-op.
func (r *Registry) Register(connID, userID string) bool {
	connID, userID = strings.TrimSpace(connID), strings.TrimSpace(userID)
	if r == nil || connID == "" || userID == "" {
		return false
	}
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, loaded := r.owners.LoadOrStore(connID, userID); loaded {
		return false
	}
	set := s.users[userID]
	if set == nil {
		set = map[string]struct{}{}
		s.users[userID] = set
	}
	set[connID] = struct{}{}
	if len(set) != 1 {
		return false
	}
	r.notifyLocked(Change{UserID: userID, Online: true, At: r.now()})
	return true
}

// Unregister drops a connection and reports whether its user went offline.
// Unknown connections are ignored, so repeated calls are safe.
func (r *Registry) Unregister(connID string) bool {
	if r == nil {
		return false
	}
	connID = strings.TrimSpace(connID)
	v, ok := r.owners.Load(connID)
	if !ok {
		return false
	}
	userID := v.(string)

	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := r.owners.Load(connID); !ok || cur.(string) != userID {
		return false
	}
	r.owners.Delete(connID)
	set := s.users[userID]
	if _, ok := set[connID]; !ok {
		return false
	}
	delete(set, connID)
	if len(set) != 0 {
		return false
	}
	delete(s.users, userID)
	at := r.now()
	s.lastSeen[userID] = at
	r.notifyLocked(Change{UserID: userID, Online: false, At: at})
	return true
}

func (r *Registry) notifyLocked(c Change) {
	if r.notifier != nil {
		r.notifier.Notify(c)
	}
}

func (r *Registry) Online(userID string) bool {
	if r == nil {
		return false
	}
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users[userID]) > 0
}

func (r *Registry) Presence(userID string) Presence {
	p := Presence{UserID: userID}
	if r == nil {
		return p
	}
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	p.Connections = len(s.users[userID])
	p.Online = p.Connections > 0
	if !p.Online {
		if t, ok := s.lastSeen[userID]; ok {
			p.LastSeen = &t
		}
	}
	return p
}

// Connections returns the live connection ids of userID.
func (r *Registry) Connections(userID string) []string {
	if r == nil {
		return nil
	}
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.users[userID]))
	for id := range s.users[userID] {
		out = append(out, id)
	}
	return out
}

// OnlineCount is the number of users with at least one connection.
func (r *Registry) OnlineCount() int {
	if r == nil {
		return 0
	}
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.users)
		s.mu.RUnlock()
	}
	return n
}
