package chatstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/parlor/pkg/apperr"
)

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite chat store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SQLiteDSNForFile builds a DSN tuned for one writer and many readers.
// _txlock=immediate takes the write lock at BEGIN so order-key assignment
// waits on busy_timeout instead of failing on lock upgrade.
func SQLiteDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite chat store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate", path), nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite chat store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_low TEXT NOT NULL,
			user_high TEXT NOT NULL,
			created_at_us INTEGER NOT NULL,
			updated_at_us INTEGER NOT NULL,
			UNIQUE (user_low, user_high),
			CHECK (user_low < user_high)
		);`,
		`CREATE INDEX IF NOT EXISTS conversations_by_low ON conversations(user_low, updated_at_us DESC);`,
		`CREATE INDEX IF NOT EXISTS conversations_by_high ON conversations(user_high, updated_at_us DESC);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			sender_id TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at_us INTEGER NOT NULL,
			read_at_us INTEGER
		);`,
		`CREATE INDEX IF NOT EXISTS messages_by_conversation ON messages(conversation_id, created_at_us DESC, id DESC);`,
		`CREATE INDEX IF NOT EXISTS messages_unread ON messages(conversation_id, sender_id) WHERE read_at_us IS NULL;`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite chat store: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) FindOrCreateConversation(ctx context.Context, userA, userB string) (Conversation, bool, error) {
	low, high, err := normalizePair(userA, userB)
	if err != nil {
		return Conversation{}, false, err
	}
	now := s.now().UnixMicro()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_low, user_high, created_at_us, updated_at_us)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_low, user_high) DO NOTHING
	`, uuid.NewString(), low, high, now, now)
	if err != nil {
		return Conversation{}, false, apperr.Storage(err, "sqlite chat store: insert conversation")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Conversation{}, false, apperr.Storage(err, "sqlite chat store: insert conversation")
	}

	conv, err := s.scanConversation(s.db.QueryRowContext(ctx, `
		SELECT id, user_low, user_high, created_at_us, updated_at_us
		FROM conversations WHERE user_low = ? AND user_high = ?
	`, low, high))
	if err != nil {
		return Conversation{}, false, err
	}
	return conv, n == 1, nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	conv, err := s.scanConversation(s.db.QueryRowContext(ctx, `
		SELECT id, user_low, user_high, created_at_us, updated_at_us
		FROM conversations WHERE id = ?
	`, conversationID))
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, notFoundConversation(conversationID)
	}
	return conv, err
}

func (s *SQLiteStore) scanConversation(row *sql.Row) (Conversation, error) {
	var (
		c                  Conversation
		createdUs, updated int64
	)
	err := row.Scan(&c.ID, &c.Participants[0], &c.Participants[1], &createdUs, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, err
	}
	if err != nil {
		return Conversation{}, apperr.Storage(err, "sqlite chat store: scan conversation")
	}
	c.CreatedAt = fromMicros(createdUs)
	c.UpdatedAt = fromMicros(updated)
	return c, nil
}

func (s *SQLiteStore) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return false, err
	}
	return conv.HasParticipant(userID), nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context, userID string, limit int) ([]Conversation, error) {
	limit = clampLimit(limit)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_low, user_high, created_at_us, updated_at_us
		FROM conversations
		WHERE user_low = ? OR user_high = ?
		ORDER BY updated_at_us DESC, id ASC
		LIMIT ?
	`, userID, userID, limit)
	if err != nil {
		return nil, apperr.Storage(err, "sqlite chat store: list conversations")
	}
	defer func() { _ = rows.Close() }()

	out := make([]Conversation, 0, limit)
	for rows.Next() {
		var (
			c                  Conversation
			createdUs, updated int64
		)
		if err := rows.Scan(&c.ID, &c.Participants[0], &c.Participants[1], &createdUs, &updated); err != nil {
			return nil, apperr.Storage(err, "sqlite chat store: scan conversation")
		}
		c.CreatedAt = fromMicros(createdUs)
		c.UpdatedAt = fromMicros(updated)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage(err, "sqlite chat store: list conversations")
	}
	return out, nil
}

func (s *SQLiteStore) CreateMessage(ctx context.Context, conversationID, senderID, text string) (Message, error) {
	body, err := ValidateText(text)
	if err != nil {
		return Message{}, err
	}
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return Message{}, err
	}
	if !conv.HasParticipant(senderID) {
		return Message{}, notParticipant(conversationID, senderID)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return Message{}, errors.Wrap(err, "sqlite chat store: message id")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, apperr.Storage(err, "sqlite chat store: begin")
	}
	defer func() { _ = tx.Rollback() }()

	var last int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(created_at_us), 0) FROM messages WHERE conversation_id = ?
	`, conversationID).Scan(&last); err != nil {
		return Message{}, apperr.Storage(err, "sqlite chat store: read order key")
	}
	createdUs := nextOrderKey(s.now(), last)

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, body, created_at_us, read_at_us)
		VALUES (?, ?, ?, ?, ?, NULL)
	`, id.String(), conversationID, senderID, body, createdUs); err != nil {
		return Message{}, apperr.Storage(err, "sqlite chat store: insert message")
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET updated_at_us = MAX(updated_at_us, ?) WHERE id = ?
	`, createdUs, conversationID); err != nil {
		return Message{}, apperr.Storage(err, "sqlite chat store: touch conversation")
	}
	if err := tx.Commit(); err != nil {
		return Message{}, apperr.Storage(err, "sqlite chat store: commit message")
	}

	return Message{
		ID:             id.String(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           body,
		CreatedAt:      fromMicros(createdUs),
	}, nil
}

func (s *SQLiteStore) GetMessage(ctx context.Context, messageID string) (Message, error) {
	var (
		m         Message
		createdUs int64
		readUs    sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, sender_id, body, created_at_us, read_at_us
		FROM messages WHERE id = ?
	`, messageID).Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Text, &createdUs, &readUs)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, errors.Wrapf(apperr.ErrNotFound, "message %q", messageID)
	}
	if err != nil {
		return Message{}, apperr.Storage(err, "sqlite chat store: get message")
	}
	m.CreatedAt = fromMicros(createdUs)
	if readUs.Valid {
		t := fromMicros(readUs.Int64)
		m.ReadAt = &t
	}
	return m, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int, before string) ([]Message, error) {
	limit = clampLimit(limit)
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, conversation_id, sender_id, body, created_at_us, read_at_us
		FROM messages
		WHERE conversation_id = ?
	`
	args := []any{conversationID}
	if before = strings.TrimSpace(before); before != "" {
		var cursorUs int64
		err := s.db.QueryRowContext(ctx, `
			SELECT created_at_us FROM messages WHERE id = ? AND conversation_id = ?
		`, before, conversationID).Scan(&cursorUs)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(apperr.ErrNotFound, "cursor message %q", before)
		}
		if err != nil {
			return nil, apperr.Storage(err, "sqlite chat store: read cursor")
		}
		query += ` AND (created_at_us < ? OR (created_at_us = ? AND id < ?))`
		args = append(args, cursorUs, cursorUs, before)
	}
	query += ` ORDER BY created_at_us DESC, id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Storage(err, "sqlite chat store: list messages")
	}
	defer func() { _ = rows.Close() }()

	out := make([]Message, 0, limit+1)
	for rows.Next() {
		var (
			m         Message
			createdUs int64
			readUs    sql.NullInt64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Text, &createdUs, &readUs); err != nil {
			return nil, apperr.Storage(err, "sqlite chat store: scan message")
		}
		m.CreatedAt = fromMicros(createdUs)
		if readUs.Valid {
			t := fromMicros(readUs.Int64)
			m.ReadAt = &t
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage(err, "sqlite chat store: list messages")
	}
	return out, nil
}

func (s *SQLiteStore) MarkRead(ctx context.Context, conversationID, readerID string, at time.Time) (int64, error) {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	if !conv.HasParticipant(readerID) {
		return 0, notParticipant(conversationID, readerID)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET read_at_us = ?
		WHERE conversation_id = ? AND sender_id <> ? AND read_at_us IS NULL AND created_at_us <= ?
	`, at.UnixMicro(), conversationID, readerID, at.UnixMicro())
	if err != nil {
		return 0, apperr.Storage(err, "sqlite chat store: mark read")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperr.Storage(err, "sqlite chat store: mark read")
	}
	return n, nil
}
