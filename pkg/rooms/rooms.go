// Package rooms is a transport-agnostic publish/subscribe layer keyed by
// conversation id. Subscribers are live connections; a frame broadcast to a
// room reaches every subscriber that joined it, minus any exclusions.
package rooms

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/parlor/pkg/apperr"
)

const defaultShards = 32

// Frame is an outbound server event, encoded once and shared by every
// recipient. Droppable frames may be discarded when a recipient is backed up.
type Frame struct {
	Event     string
	Payload   []byte
	Droppable bool
}

type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func NewFrame(event string, data any) (Frame, error) {
	b, err := json.Marshal(envelope{Event: event, Data: data})
	if err != nil {
		return Frame{}, errors.Wrapf(err, "encode %s frame", event)
	}
	return Frame{Event: event, Payload: b}, nil
}

// Subscriber is a connection as seen by the room layer. Deliver must not block;
// it reports whether the frame was accepted for sending.
type Subscriber interface {
	ID() string
	UserID() string
	Deliver(Frame) bool
}

type ParticipantChecker interface {
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
}

type roomShard struct {
	mu    sync.RWMutex
	rooms map[string]map[string]Subscriber
}

type Manager struct {
	checker ParticipantChecker
	shards  []*roomShard

	idxMu  sync.Mutex
	joined map[string]map[string]struct{} // conn id -> conversation ids
}

func NewManager(checker ParticipantChecker) *Manager {
	m := &Manager{
		checker: checker,
		shards:  make([]*roomShard, defaultShards),
		joined:  map[string]map[string]struct{}{},
	}
	for i := range m.shards {
		m.shards[i] = &roomShard{rooms: map[string]map[string]Subscriber{}}
	}
	return m
}

func (m *Manager) shardFor(conversationID string) *roomShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(conversationID))
	return m.shards[h.Sum32()%uint32(len(m.shards))]
}

// Join subscribes sub to the conversation after verifying its user is a
// participant. Joining twice is a no-op.
func (m *Manager) Join(ctx context.Context, sub Subscriber, conversationID string) error {
	if sub == nil {
		return errors.New("rooms: nil subscriber")
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return apperr.Validation("conversationId is required")
	}
	if m.checker != nil {
		ok, err := m.checker.IsParticipant(ctx, conversationID, sub.UserID())
		if err != nil {
			return err
		}
		if !ok {
			return errors.Wrapf(apperr.ErrAuthorization, "user %q is not a participant of %q", sub.UserID(), conversationID)
		}
	}

	s := m.shardFor(conversationID)
	s.mu.Lock()
	members := s.rooms[conversationID]
	if members == nil {
		members = map[string]Subscriber{}
		s.rooms[conversationID] = members
	}
	members[sub.ID()] = sub
	s.mu.Unlock()

	m.idxMu.Lock()
	rooms := m.joined[sub.ID()]
	if rooms == nil {
		rooms = map[string]struct{}{}
		m.joined[sub.ID()] = rooms
	}
	rooms[conversationID] = struct{}{}
	m.idxMu.Unlock()
	return nil
}

// Leave unsubscribes sub from one conversation and reports whether it was joined.
func (m *Manager) Leave(sub Subscriber, conversationID string) bool {
	if sub == nil {
		return false
	}
	conversationID = strings.TrimSpace(conversationID)
	m.idxMu.Lock()
	if rooms := m.joined[sub.ID()]; rooms != nil {
		delete(rooms, conversationID)
		if len(rooms) == 0 {
			delete(m.joined, sub.ID())
		}
	}
	m.idxMu.Unlock()
	return m.removeMember(conversationID, sub.ID())
}

// LeaveAll removes sub from every room it joined and returns those rooms.
func (m *Manager) LeaveAll(sub Subscriber) []string {
	if sub == nil {
		return nil
	}
	m.idxMu.Lock()
	rooms := m.joined[sub.ID()]
	delete(m.joined, sub.ID())
	m.idxMu.Unlock()

	out := make([]string, 0, len(rooms))
	for conversationID := range rooms {
		m.removeMember(conversationID, sub.ID())
		out = append(out, conversationID)
	}
	return out
}

func (m *Manager) removeMember(conversationID, connID string) bool {
	s := m.shardFor(conversationID)
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.rooms[conversationID]
	if _, ok := members[connID]; !ok {
		return false
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(s.rooms, conversationID)
	}
	return true
}

type broadcastOptions struct {
	excludeConn string
	excludeUser string
}

type BroadcastOption func(*broadcastOptions)

// ExcludeConn skips one connection, typically the sender's.
func ExcludeConn(connID string) BroadcastOption {
	return func(o *broadcastOptions) { o.excludeConn = connID }
}

// ExcludeUser skips every connection of a user.
func ExcludeUser(userID string) BroadcastOption {
	return func(o *broadcastOptions) { o.excludeUser = userID }
}

// Broadcast delivers frame to the room's subscribers and returns how many
// accepted it. Subscribers are snapshotted under the read lock and delivered
// to without holding it.
func (m *Manager) Broadcast(conversationID string, frame Frame, opts ...BroadcastOption) int {
	var o broadcastOptions
	for _, opt := range opts {
		opt(&o)
	}

	s := m.shardFor(conversationID)
	s.mu.RLock()
	targets := make([]Subscriber, 0, len(s.rooms[conversationID]))
	for id, sub := range s.rooms[conversationID] {
		if o.excludeConn != "" && id == o.excludeConn {
			continue
		}
		if o.excludeUser != "" && sub.UserID() == o.excludeUser {
			continue
		}
		targets = append(targets, sub)
	}
	s.mu.RUnlock()

	accepted := 0
	for _, sub := range targets {
		if sub.Deliver(frame) {
			accepted++
			continue
		}
		log.Debug().Str("component", "rooms").Str("conv_id", conversationID).Str("conn_id", sub.ID()).
			Str("event", frame.Event).Msg("frame not accepted")
	}
	return accepted
}

func (m *Manager) IsJoined(conversationID, connID string) bool {
	s := m.shardFor(conversationID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[conversationID][connID]
	return ok
}

// Members returns the connection ids subscribed to the conversation.
func (m *Manager) Members(conversationID string) []string {
	s := m.shardFor(conversationID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.rooms[conversationID]))
	for id := range s.rooms[conversationID] {
		out = append(out, id)
	}
	return out
}

// Rooms returns the conversations a connection has joined.
func (m *Manager) Rooms(connID string) []string {
	m.idxMu.Lock()
	defer m.idxMu.Unlock()
	out := make([]string, 0, len(m.joined[connID]))
	for id := range m.joined[connID] {
		out = append(out, id)
	}
	return out
}
