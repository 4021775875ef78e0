package chatstore

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/go-go-golems/parlor/pkg/apperr"
)

// PostgresStore implements Store on a pgx connection pool. The schema matches
// SQLiteStore; order keys are serialized by locking the conversation row.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ Store = &PostgresStore{}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres chat store: empty dsn")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "postgres chat store: connect")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "postgres chat store: ping")
	}
	s := &PostgresStore{pool: pool, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_low TEXT NOT NULL,
			user_high TEXT NOT NULL,
			created_at_us BIGINT NOT NULL,
			updated_at_us BIGINT NOT NULL,
			UNIQUE (user_low, user_high),
			CHECK (user_low < user_high)
		)`,
		`CREATE INDEX IF NOT EXISTS conversations_by_low ON conversations(user_low, updated_at_us DESC)`,
		`CREATE INDEX IF NOT EXISTS conversations_by_high ON conversations(user_high, updated_at_us DESC)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			sender_id TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at_us BIGINT NOT NULL,
			read_at_us BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS messages_by_conversation ON messages(conversation_id, created_at_us DESC, id DESC)`,
		`CREATE INDEX IF NOT EXISTS messages_unread ON messages(conversation_id, sender_id) WHERE read_at_us IS NULL`,
	}
	for _, st := range stmts {
		if _, err := s.pool.Exec(ctx, st); err != nil {
			return errors.Wrap(err, "postgres chat store: migrate")
		}
	}
	return nil
}

const pgConversationColumns = `id, user_low, user_high, created_at_us, updated_at_us`

func scanPgConversation(row pgx.Row) (Conversation, error) {
	var (
		c                  Conversation
		createdUs, updated int64
	)
	if err := row.Scan(&c.ID, &c.Participants[0], &c.Participants[1], &createdUs, &updated); err != nil {
		return Conversation{}, err
	}
	c.CreatedAt = fromMicros(createdUs)
	c.UpdatedAt = fromMicros(updated)
	return c, nil
}

func scanPgMessage(row pgx.Row) (Message, error) {
	var (
		m         Message
		createdUs int64
		readUs    *int64
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Text, &createdUs, &readUs); err != nil {
		return Message{}, err
	}
	m.CreatedAt = fromMicros(createdUs)
	if readUs != nil {
		t := fromMicros(*readUs)
		m.ReadAt = &t
	}
	return m, nil
}

func (s *PostgresStore) FindOrCreateConversation(ctx context.Context, userA, userB string) (Conversation, bool, error) {
	low, high, err := normalizePair(userA, userB)
	if err != nil {
		return Conversation{}, false, err
	}
	now := s.now().UnixMicro()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (id, user_low, user_high, created_at_us, updated_at_us)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (user_low, user_high) DO NOTHING
	`, uuid.NewString(), low, high, now)
	if err != nil {
		return Conversation{}, false, apperr.Storage(err, "postgres chat store: insert conversation")
	}
	conv, err := scanPgConversation(s.pool.QueryRow(ctx,
		`SELECT `+pgConversationColumns+` FROM conversations WHERE user_low = $1 AND user_high = $2`, low, high))
	if err != nil {
		return Conversation{}, false, apperr.Storage(err, "postgres chat store: read conversation")
	}
	return conv, tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	conv, err := scanPgConversation(s.pool.QueryRow(ctx,
		`SELECT `+pgConversationColumns+` FROM conversations WHERE id = $1`, conversationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, notFoundConversation(conversationID)
	}
	if err != nil {
		return Conversation{}, apperr.Storage(err, "postgres chat store: get conversation")
	}
	return conv, nil
}

func (s *PostgresStore) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return false, err
	}
	return conv.HasParticipant(userID), nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, userID string, limit int) ([]Conversation, error) {
	limit = clampLimit(limit)
	rows, err := s.pool.Query(ctx, `
		SELECT `+pgConversationColumns+` FROM conversations
		WHERE user_low = $1 OR user_high = $1
		ORDER BY updated_at_us DESC, id ASC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, apperr.Storage(err, "postgres chat store: list conversations")
	}
	defer rows.Close()

	out := make([]Conversation, 0, limit)
	for rows.Next() {
		c, err := scanPgConversation(rows)
		if err != nil {
			return nil, apperr.Storage(err, "postgres chat store: scan conversation")
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage(err, "postgres chat store: list conversations")
	}
	return out, nil
}

func (s *PostgresStore) CreateMessage(ctx context.Context, conversationID, senderID, text string) (Message, error) {
	body, err := ValidateText(text)
	if err != nil {
		return Message{}, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return Message{}, errors.Wrap(err, "postgres chat store: message id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Message{}, apperr.Storage(err, "postgres chat store: begin")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conv, err := scanPgConversation(tx.QueryRow(ctx,
		`SELECT `+pgConversationColumns+` FROM conversations WHERE id = $1 FOR UPDATE`, conversationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, notFoundConversation(conversationID)
	}
	if err != nil {
		return Message{}, apperr.Storage(err, "postgres chat store: lock conversation")
	}
	if !conv.HasParticipant(senderID) {
		return Message{}, notParticipant(conversationID, senderID)
	}

	var last int64
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(created_at_us), 0) FROM messages WHERE conversation_id = $1`, conversationID,
	).Scan(&last); err != nil {
		return Message{}, apperr.Storage(err, "postgres chat store: read order key")
	}
	createdUs := nextOrderKey(s.now(), last)

	if _, err := tx.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, body, created_at_us, read_at_us)
		VALUES ($1, $2, $3, $4, $5, NULL)
	`, id.String(), conversationID, senderID, body, createdUs); err != nil {
		return Message{}, apperr.Storage(err, "postgres chat store: insert message")
	}
	if _, err := tx.Exec(ctx,
		`UPDATE conversations SET updated_at_us = GREATEST(updated_at_us, $1) WHERE id = $2`,
		createdUs, conversationID); err != nil {
		return Message{}, apperr.Storage(err, "postgres chat store: touch conversation")
	}
	if err := tx.Commit(ctx); err != nil {
		return Message{}, apperr.Storage(err, "postgres chat store: commit message")
	}

	return Message{
		ID:             id.String(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           body,
		CreatedAt:      fromMicros(createdUs),
	}, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, messageID string) (Message, error) {
	m, err := scanPgMessage(s.pool.QueryRow(ctx, `
		SELECT id, conversation_id, sender_id, body, created_at_us, read_at_us
		FROM messages WHERE id = $1
	`, messageID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, errors.Wrapf(apperr.ErrNotFound, "message %q", messageID)
	}
	if err != nil {
		return Message{}, apperr.Storage(err, "postgres chat store: get message")
	}
	return m, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string, limit int, before string) ([]Message, error) {
	limit = clampLimit(limit)
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}

	var (
		rows pgx.Rows
		err  error
	)
	if before = strings.TrimSpace(before); before == "" {
		rows, err = s.pool.Query(ctx, `
			SELECT id, conversation_id, sender_id, body, created_at_us, read_at_us
			FROM messages WHERE conversation_id = $1
			ORDER BY created_at_us DESC, id DESC LIMIT $2
		`, conversationID, limit+1)
	} else {
		var cursorUs int64
		err = s.pool.QueryRow(ctx,
			`SELECT created_at_us FROM messages WHERE id = $1 AND conversation_id = $2`, before, conversationID,
		).Scan(&cursorUs)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.Wrapf(apperr.ErrNotFound, "cursor message %q", before)
		}
		if err != nil {
			return nil, apperr.Storage(err, "postgres chat store: read cursor")
		}
		rows, err = s.pool.Query(ctx, `
			SELECT id, conversation_id, sender_id, body, created_at_us, read_at_us
			FROM messages
			WHERE conversation_id = $1
			  AND (created_at_us < $2 OR (created_at_us = $2 AND id < $3))
			ORDER BY created_at_us DESC, id DESC LIMIT $4
		`, conversationID, cursorUs, before, limit+1)
	}
	if err != nil {
		return nil, apperr.Storage(err, "postgres chat store: list messages")
	}
	defer rows.Close()

	out := make([]Message, 0, limit+1)
	for rows.Next() {
		m, err := scanPgMessage(rows)
		if err != nil {
			return nil, apperr.Storage(err, "postgres chat store: scan message")
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage(err, "postgres chat store: list messages")
	}
	return out, nil
}

func (s *PostgresStore) MarkRead(ctx context.Context, conversationID, readerID string, at time.Time) (int64, error) {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	if !conv.HasParticipant(readerID) {
		return 0, notParticipant(conversationID, readerID)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET read_at_us = $1
		WHERE conversation_id = $2 AND sender_id <> $3 AND read_at_us IS NULL AND created_at_us <= $1
	`, at.UnixMicro(), conversationID, readerID)
	if err != nil {
		return 0, apperr.Storage(err, "postgres chat store: mark read")
	}
	return tag.RowsAffected(), nil
}
