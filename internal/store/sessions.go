package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Session is one row of the sessions table; one per chat.
type Session struct {
	ID            string
	ChatID        string
	StartedAt     time.Time
	UpdatedAt     time.Time
	MessageCount  int
	ContextTokens int
	Model         string
	Provider      string
	LastResetDate string
	Summary       string
}

// GetOrCreateSession returns the session for chatID, creating it on the first
// inbound message from that chat.
func (s *Store) GetOrCreateSession(ctx context.Context, chatID string) (*Session, error) {
	session, err := s.GetSession(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if session != nil {
		return session, nil
	}

	now := s.now()
	session = &Session{
		ID:            uuid.NewString(),
		ChatID:        chatID,
		StartedAt:     now,
		UpdatedAt:     now,
		LastResetDate: now.UTC().Format("2006-01-02"),
	}
	_, err = s.exec(ctx, `
		INSERT INTO sessions (id, chat_id, started_at, updated_at, message_count, context_tokens, model, provider, last_reset_date, summary)
		VALUES (?, ?, ?, ?, 0, 0, ?, ?, ?, '')
		ON CONFLICT (chat_id) DO NOTHING
	`, session.ID, chatID, now, now, session.Model, session.Provider, session.LastResetDate)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	// Re-read in case a concurrent creator won the conflict.
	return s.GetSession(ctx, chatID)
}

// GetSession returns the session for chatID, or nil when absent.
func (s *Store) GetSession(ctx context.Context, chatID string) (*Session, error) {
	row := s.queryRow(ctx, `
		SELECT id, chat_id, started_at, updated_at, message_count, context_tokens,
		       COALESCE(model, ''), COALESCE(provider, ''), COALESCE(last_reset_date, ''), COALESCE(summary, '')
		FROM sessions WHERE chat_id = ?
	`, chatID)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", chatID, err)
	}
	return session, nil
}

// ListSessions returns every session ordered by most recent activity.
func (s *Store) ListSessions(ctx context.Context) ([]*Session, error) {
	rows, err := s.query(ctx, `
		SELECT id, chat_id, started_at, updated_at, message_count, context_tokens,
		       COALESCE(model, ''), COALESCE(provider, ''), COALESCE(last_reset_date, ''), COALESCE(summary, '')
		FROM sessions ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// UpdateSession writes the mutable session fields.
func (s *Store) UpdateSession(ctx context.Context, session *Session) error {
	if session == nil {
		return errors.New("session is nil")
	}
	session.UpdatedAt = s.now()
	_, err := s.exec(ctx, `
		UPDATE sessions SET updated_at = ?, message_count = ?, context_tokens = ?,
			model = ?, provider = ?, last_reset_date = ?, summary = ?
		WHERE id = ?
	`, session.UpdatedAt, session.MessageCount, session.ContextTokens,
		session.Model, session.Provider, session.LastResetDate, session.Summary, session.ID)
	if err != nil {
		return fmt.Errorf("update session %s: %w", session.ID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var session Session
	err := row.Scan(
		&session.ID,
		&session.ChatID,
		&session.StartedAt,
		&session.UpdatedAt,
		&session.MessageCount,
		&session.ContextTokens,
		&session.Model,
		&session.Provider,
		&session.LastResetDate,
		&session.Summary,
	)
	if err != nil {
		return nil, err
	}
	return &session, nil
}
