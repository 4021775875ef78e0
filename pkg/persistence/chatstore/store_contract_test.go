package chatstore

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/parlor/pkg/apperr"
)

// clockedStore is a Store whose clock the test controls.
type clockedStore interface {
	Store
	setNow(func() time.Time)
}

func (s *SQLiteStore) setNow(now func() time.Time)   { s.now = now }
func (s *PostgresStore) setNow(now func() time.Time) { s.now = now }

// users returns ids that are unique to the calling test, so backends that
// share one database across runs do not see each other's rows. Ids keep the
// order of their names.
func users(t *testing.T) func(name string) string {
	prefix := uuid.NewString()[:8] + "-"
	return func(name string) string { return prefix + name }
}

// runStoreContract exercises the behavior every Store backend must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) clockedStore) {
	t.Run("FindOrCreateIsOrderInsensitive", func(t *testing.T) {
		s, u := newStore(t), users(t)
		ctx := context.Background()

		c1, created, err := s.FindOrCreateConversation(ctx, u("u2"), u("u1"))
		require.NoError(t, err)
		require.True(t, created)
		require.Equal(t, [2]string{u("u1"), u("u2")}, c1.Participants)

		c2, created, err := s.FindOrCreateConversation(ctx, u("u1"), u("u2"))
		require.NoError(t, err)
		require.False(t, created)
		require.Equal(t, c1.ID, c2.ID)

		_, _, err = s.FindOrCreateConversation(ctx, u("u1"), u("u1"))
		require.ErrorIs(t, err, apperr.ErrValidation)
		_, _, err = s.FindOrCreateConversation(ctx, u("u1"), " ")
		require.ErrorIs(t, err, apperr.ErrValidation)
	})

	t.Run("ConcurrentFindOrCreateConverges", func(t *testing.T) {
		s, u := newStore(t), users(t)
		ctx := context.Background()

		const n = 16
		ids := make([]string, n)
		errs := make([]error, n)
		var created int
		var mu sync.Mutex
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				a, b := u("alice"), u("bob")
				if i%2 == 1 {
					a, b = b, a
				}
				c, ok, err := s.FindOrCreateConversation(ctx, a, b)
				mu.Lock()
				defer mu.Unlock()
				ids[i], errs[i] = c.ID, err
				if ok {
					created++
				}
			}(i)
		}
		wg.Wait()

		for _, err := range errs {
			require.NoError(t, err)
		}
		require.Equal(t, 1, created)
		for _, id := range ids {
			require.Equal(t, ids[0], id)
		}
	})

	t.Run("ParticipantsAndNotFound", func(t *testing.T) {
		s, u := newStore(t), users(t)
		ctx := context.Background()

		c, _, err := s.FindOrCreateConversation(ctx, u("u1"), u("u2"))
		require.NoError(t, err)

		ok, err := s.IsParticipant(ctx, c.ID, u("u1"))
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = s.IsParticipant(ctx, c.ID, u("u3"))
		require.NoError(t, err)
		require.False(t, ok)

		missing := uuid.NewString()
		_, err = s.GetConversation(ctx, missing)
		require.ErrorIs(t, err, apperr.ErrNotFound)

		_, err = s.CreateMessage(ctx, c.ID, u("u3"), "hi")
		require.ErrorIs(t, err, apperr.ErrAuthorization)
		_, err = s.CreateMessage(ctx, missing, u("u1"), "hi")
		require.ErrorIs(t, err, apperr.ErrNotFound)
		_, err = s.CreateMessage(ctx, c.ID, u("u1"), "   ")
		require.ErrorIs(t, err, apperr.ErrValidation)
		_, err = s.CreateMessage(ctx, c.ID, u("u1"), strings.Repeat("x", MaxMessageLength+1))
		require.ErrorIs(t, err, apperr.ErrValidation)
	})

	t.Run("MessagesAreStrictlyOrdered", func(t *testing.T) {
		s, u := newStore(t), users(t)
		frozen := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		s.setNow(func() time.Time { return frozen })
		ctx := context.Background()

		c, _, err := s.FindOrCreateConversation(ctx, u("u1"), u("u2"))
		require.NoError(t, err)

		var sent []Message
		for i := 0; i < 5; i++ {
			m, err := s.CreateMessage(ctx, c.ID, u("u1"), " hello ")
			require.NoError(t, err)
			require.Equal(t, "hello", m.Text)
			require.Nil(t, m.ReadAt)
			sent = append(sent, m)
		}
		for i := 1; i < len(sent); i++ {
			require.True(t, sent[i].CreatedAt.After(sent[i-1].CreatedAt))
		}

		got, err := s.GetMessage(ctx, sent[2].ID)
		require.NoError(t, err)
		require.Equal(t, sent[2], got)

		conv, err := s.GetConversation(ctx, c.ID)
		require.NoError(t, err)
		require.Equal(t, sent[4].CreatedAt, conv.UpdatedAt)
	})

	t.Run("ListMessagesPaginates", func(t *testing.T) {
		s, u := newStore(t), users(t)
		ctx := context.Background()

		c, _, err := s.FindOrCreateConversation(ctx, u("u1"), u("u2"))
		require.NoError(t, err)
		var ids []string
		for i := 0; i < 5; i++ {
			m, err := s.CreateMessage(ctx, c.ID, u("u1"), "m")
			require.NoError(t, err)
			ids = append(ids, m.ID)
		}

		desc, err := s.ListMessages(ctx, c.ID, 2, "")
		require.NoError(t, err)
		page, hasMore := Paginate(desc, 2)
		require.True(t, hasMore)
		require.Equal(t, []string{ids[3], ids[4]}, messageIDs(page))

		desc, err = s.ListMessages(ctx, c.ID, 2, page[0].ID)
		require.NoError(t, err)
		page, hasMore = Paginate(desc, 2)
		require.True(t, hasMore)
		require.Equal(t, []string{ids[1], ids[2]}, messageIDs(page))

		desc, err = s.ListMessages(ctx, c.ID, 2, page[0].ID)
		require.NoError(t, err)
		page, hasMore = Paginate(desc, 2)
		require.False(t, hasMore)
		require.Equal(t, []string{ids[0]}, messageIDs(page))

		_, err = s.ListMessages(ctx, c.ID, 2, uuid.NewString())
		require.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("MarkReadIsIdempotent", func(t *testing.T) {
		s, u := newStore(t), users(t)
		clock := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
		s.setNow(func() time.Time { return clock })
		ctx := context.Background()

		c, _, err := s.FindOrCreateConversation(ctx, u("u1"), u("u2"))
		require.NoError(t, err)
		m1, err := s.CreateMessage(ctx, c.ID, u("u1"), "hello")
		require.NoError(t, err)
		_, err = s.CreateMessage(ctx, c.ID, u("u1"), "again")
		require.NoError(t, err)
		own, err := s.CreateMessage(ctx, c.ID, u("u2"), "reply")
		require.NoError(t, err)

		at := clock.Add(time.Minute)
		n, err := s.MarkRead(ctx, c.ID, u("u2"), at)
		require.NoError(t, err)
		require.Equal(t, int64(2), n)

		n, err = s.MarkRead(ctx, c.ID, u("u2"), at.Add(time.Minute))
		require.NoError(t, err)
		require.Equal(t, int64(0), n)

		got, err := s.GetMessage(ctx, m1.ID)
		require.NoError(t, err)
		require.NotNil(t, got.ReadAt)
		require.True(t, got.ReadAt.Equal(at))

		got, err = s.GetMessage(ctx, own.ID)
		require.NoError(t, err)
		require.Nil(t, got.ReadAt)

		_, err = s.MarkRead(ctx, c.ID, u("u3"), at)
		require.ErrorIs(t, err, apperr.ErrAuthorization)
	})

	t.Run("MarkReadSkipsLaterMessages", func(t *testing.T) {
		s, u := newStore(t), users(t)
		clock := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
		s.setNow(func() time.Time { return clock })
		ctx := context.Background()

		c, _, err := s.FindOrCreateConversation(ctx, u("u1"), u("u2"))
		require.NoError(t, err)
		early, err := s.CreateMessage(ctx, c.ID, u("u1"), "early")
		require.NoError(t, err)
		clock = clock.Add(time.Hour)
		late, err := s.CreateMessage(ctx, c.ID, u("u1"), "late")
		require.NoError(t, err)

		n, err := s.MarkRead(ctx, c.ID, u("u2"), early.CreatedAt.Add(time.Minute))
		require.NoError(t, err)
		require.Equal(t, int64(1), n)
		got, err := s.GetMessage(ctx, late.ID)
		require.NoError(t, err)
		require.Nil(t, got.ReadAt)

		n, err = s.MarkRead(ctx, c.ID, u("u2"), late.CreatedAt)
		require.NoError(t, err)
		require.Equal(t, int64(1), n)
	})

	t.Run("ListConversationsByActivity", func(t *testing.T) {
		s, u := newStore(t), users(t)
		clock := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		var mu sync.Mutex
		s.setNow(func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			clock = clock.Add(time.Second)
			return clock
		})
		ctx := context.Background()

		a, _, err := s.FindOrCreateConversation(ctx, u("u1"), u("u2"))
		require.NoError(t, err)
		b, _, err := s.FindOrCreateConversation(ctx, u("u1"), u("u3"))
		require.NoError(t, err)
		_, _, err = s.FindOrCreateConversation(ctx, u("u2"), u("u3"))
		require.NoError(t, err)

		_, err = s.CreateMessage(ctx, b.ID, u("u3"), "ping")
		require.NoError(t, err)
		_, err = s.CreateMessage(ctx, a.ID, u("u2"), "pong")
		require.NoError(t, err)

		convs, err := s.ListConversations(ctx, u("u1"), 10)
		require.NoError(t, err)
		require.Len(t, convs, 2)
		require.Equal(t, a.ID, convs[0].ID)
		require.Equal(t, b.ID, convs[1].ID)
		require.Equal(t, u("u3"), convs[1].Peer(u("u1")))
	})
}

func messageIDs(ms []Message) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.ID)
	}
	return out
}
