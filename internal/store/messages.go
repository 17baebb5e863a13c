package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role labels a transcript entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one transcript entry belonging to a session via ChatID.
type Message struct {
	ID            string
	ChatID        string
	SenderID      string
	Role          Role
	Text          string
	ToolCalls     string // serialised tool calls, empty when none
	ToolResultFor string // tool call id this result answers
	Timestamp     time.Time
}

// AppendMessage persists a transcript entry. A zero timestamp is stamped with
// the store clock; a missing id gets a fresh UUID.
func (s *Store) AppendMessage(ctx context.Context, msg *Message) error {
	if msg == nil {
		return errors.New("message is nil")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	_, err := s.exec(ctx, `
		INSERT INTO tg_messages (id, chat_id, sender_id, role, text, tool_calls, tool_result_for, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ChatID, msg.SenderID, string(msg.Role), msg.Text,
		nullIfEmpty(msg.ToolCalls), nullIfEmpty(msg.ToolResultFor), msg.Timestamp)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// RecentMessages returns the most recent limit messages for a chat in
// chronological order.
func (s *Store) RecentMessages(ctx context.Context, chatID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.query(ctx, `
		SELECT id, chat_id, COALESCE(sender_id, ''), role, text,
		       COALESCE(tool_calls, ''), COALESCE(tool_result_for, ''), timestamp
		FROM tg_messages WHERE chat_id = ?
		ORDER BY timestamp DESC, rowid DESC LIMIT ?
	`, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse into chronological order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// MessageCount returns the transcript length for a chat.
func (s *Store) MessageCount(ctx context.Context, chatID string) (int, error) {
	var n int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM tg_messages WHERE chat_id = ?`, chatID).Scan(&n)
	return n, err
}

// ReplaceHeadWithSummary deletes every message of a chat except the keepRecent
// most recent ones and inserts a single summary entry timestamped just before
// the kept head. Used by compaction.
func (s *Store) ReplaceHeadWithSummary(ctx context.Context, chatID, summary string, keepRecent int) error {
	if keepRecent < 0 {
		keepRecent = 0
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var cutoff time.Time
		var cutoffRowid int64
		err := tx.QueryRowContext(ctx, `
			SELECT timestamp, rowid FROM tg_messages WHERE chat_id = ?
			ORDER BY timestamp DESC, rowid DESC LIMIT 1 OFFSET ?
		`, chatID, keepRecent-1).Scan(&cutoff, &cutoffRowid)
		if errors.Is(err, sql.ErrNoRows) {
			// Fewer messages than keepRecent; nothing to compact.
			return nil
		}
		if err != nil {
			return fmt.Errorf("find compaction cutoff: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			DELETE FROM tg_messages
			WHERE chat_id = ? AND (timestamp < ? OR (timestamp = ? AND rowid < ?))
		`, chatID, cutoff, cutoff, cutoffRowid)
		if err != nil {
			return fmt.Errorf("drop compacted head: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO tg_messages (id, chat_id, sender_id, role, text, timestamp)
			VALUES (?, ?, '', 'assistant', ?, ?)
		`, uuid.NewString(), chatID, summary, cutoff.Add(-time.Millisecond))
		if err != nil {
			return fmt.Errorf("insert summary entry: %w", err)
		}
		return nil
	})
}

// DeleteMessages removes the whole transcript of a chat.
func (s *Store) DeleteMessages(ctx context.Context, chatID string) error {
	_, err := s.exec(ctx, `DELETE FROM tg_messages WHERE chat_id = ?`, chatID)
	return err
}

// SearchMessages runs a BM25 full-text query over the transcript of one chat.
func (s *Store) SearchMessages(ctx context.Context, chatID, query string, limit int) ([]*Message, error) {
	match := EscapeFTSQuery(query)
	if match == "" || limit <= 0 {
		return nil, nil
	}
	rows, err := s.query(ctx, `
		SELECT m.id, m.chat_id, COALESCE(m.sender_id, ''), m.role, m.text,
		       COALESCE(m.tool_calls, ''), COALESCE(m.tool_result_for, ''), m.timestamp
		FROM tg_messages_fts f
		JOIN tg_messages m ON m.rowid = f.rowid
		WHERE tg_messages_fts MATCH ? AND m.chat_id = ?
		ORDER BY rank LIMIT ?
	`, match, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var role string
	err := row.Scan(&msg.ID, &msg.ChatID, &msg.SenderID, &role, &msg.Text,
		&msg.ToolCalls, &msg.ToolResultFor, &msg.Timestamp)
	if err != nil {
		return nil, err
	}
	msg.Role = Role(role)
	return &msg, nil
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
