// Package typing keeps the ephemeral "user is typing" table. Every entry has a
// deadline; when it passes without a refresh the coordinator broadcasts a
// synthesized stop so clients never show a stale indicator.
package typing

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/parlor/pkg/rooms"
)

const (
	EventUserTyping        = "user_typing"
	EventUserStoppedTyping = "user_stopped_typing"

	DefaultTTL = 6 * time.Second
)

type Broadcaster interface {
	Broadcast(conversationID string, frame rooms.Frame, opts ...rooms.BroadcastOption) int
}

type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	UserName       string `json:"userName,omitempty"`
}

type key struct {
	conversationID string
	userID         string
}

type state struct {
	gen    uint64
	connID string
	timer  *time.Timer
}

type Coordinator struct {
	rooms Broadcaster
	ttl   time.Duration

	// lockFor, when set, returns the lock that orders a conversation's
	// broadcasts. Expiry takes it before mu, the same order callers use.
	lockFor func(conversationID string) sync.Locker

	mu     sync.Mutex
	gen    uint64
	closed bool
	states map[key]*state
	byConn map[string]map[key]struct{}
}

func NewCoordinator(b Broadcaster, ttl time.Duration) *Coordinator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Coordinator{
		rooms:  b,
		ttl:    ttl,
		states: map[key]*state{},
		byConn: map[string]map[key]struct{}{},
	}
}

func (c *Coordinator) TTL() time.Duration { return c.ttl }

// SetConversationLock makes expiry broadcasts hold the lock returned by
// lockFor, so a synthesized stop never interleaves with events the owner of
// that lock is broadcasting for the same conversation.
func (c *Coordinator) SetConversationLock(lockFor func(conversationID string) sync.Locker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lockFor = lockFor
}

// Start marks userID as typing in the conversation. The first call broadcasts
// user_typing to the other participants; later calls only push the deadline
// out. It reports whether a broadcast happened.
func (c *Coordinator) Start(conversationID, userID, userName, connID string) bool {
	k := key{conversationID: conversationID, userID: userID}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.gen++
	gen := c.gen

	if st, ok := c.states[k]; ok {
		st.timer.Stop()
		if st.connID != connID {
			c.untrackLocked(st.connID, k)
			c.trackLocked(connID, k)
			st.connID = connID
		}
		st.gen = gen
		st.timer = time.AfterFunc(c.ttl, func() { c.expire(k, gen) })
		return false
	}

	c.states[k] = &state{
		gen:    gen,
		connID: connID,
		timer:  time.AfterFunc(c.ttl, func() { c.expire(k, gen) }),
	}
	c.trackLocked(connID, k)
	c.broadcastLocked(EventUserTyping, TypingPayload{ConversationID: conversationID, UserID: userID, UserName: userName})
	return true
}

// Stop clears the typing state and broadcasts user_stopped_typing. Without an
// active state it does nothing and returns false.
func (c *Coordinator) Stop(conversationID, userID string) bool {
	k := key{conversationID: conversationID, userID: userID}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.removeLocked(k) {
		return false
	}
	c.broadcastLocked(EventUserStoppedTyping, TypingPayload{ConversationID: conversationID, UserID: userID})
	return true
}

// StopOwned is Stop restricted to a state last refreshed through connID.
// Another connection of the same user keeps its indicator.
func (c *Coordinator) StopOwned(conversationID, userID, connID string) bool {
	k := key{conversationID: conversationID, userID: userID}
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.states[k]; !ok || st.connID != connID {
		return false
	}
	c.removeLocked(k)
	c.broadcastLocked(EventUserStoppedTyping, TypingPayload{ConversationID: conversationID, UserID: userID})
	return true
}

// CancelConnection stops every state started through connID, broadcasting a
// stop for each, and returns how many were cleared.
func (c *Coordinator) CancelConnection(connID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := c.byConn[connID]
	n := 0
	for k := range keys {
		if c.removeLocked(k) {
			n++
			c.broadcastLocked(EventUserStoppedTyping, TypingPayload{ConversationID: k.conversationID, UserID: k.userID})
		}
	}
	delete(c.byConn, connID)
	return n
}

func (c *Coordinator) IsTyping(conversationID, userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.states[key{conversationID: conversationID, userID: userID}]
	return ok
}

// Close cancels every timer without broadcasting. Start is a no-op afterwards.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for k, st := range c.states {
		st.timer.Stop()
		delete(c.states, k)
	}
	c.byConn = map[string]map[key]struct{}{}
}

func (c *Coordinator) expire(k key, gen uint64) {
	c.mu.Lock()
	lockFor := c.lockFor
	c.mu.Unlock()
	if lockFor != nil {
		l := lockFor(k.conversationID)
		l.Lock()
		defer l.Unlock()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[k]
	if !ok || st.gen != gen {
		return
	}
	c.removeLocked(k)
	log.Debug().Str("component", "typing").Str("conv_id", k.conversationID).Str("user_id", k.userID).Msg("typing expired")
	c.broadcastLocked(EventUserStoppedTyping, TypingPayload{ConversationID: k.conversationID, UserID: k.userID})
}

func (c *Coordinator) removeLocked(k key) bool {
	st, ok := c.states[k]
	if !ok {
		return false
	}
	st.timer.Stop()
	delete(c.states, k)
	c.untrackLocked(st.connID, k)
	return true
}

func (c *Coordinator) trackLocked(connID string, k key) {
	set := c.byConn[connID]
	if set == nil {
		set = map[key]struct{}{}
		c.byConn[connID] = set
	}
	set[k] = struct{}{}
}

func (c *Coordinator) untrackLocked(connID string, k key) {
	if set := c.byConn[connID]; set != nil {
		delete(set, k)
		if len(set) == 0 {
			delete(c.byConn, connID)
		}
	}
}

func (c *Coordinator) broadcastLocked(event string, p TypingPayload) {
	if c.rooms == nil {
		return
	}
	f, err := rooms.NewFrame(event, p)
	if err != nil {
		log.Error().Err(err).Str("component", "typing").Msg("encode typing frame")
		return
	}
	f.Droppable = true
	c.rooms.Broadcast(p.ConversationID, f, rooms.ExcludeUser(p.UserID))
}
