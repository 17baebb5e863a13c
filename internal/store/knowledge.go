package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// KnowledgeSource labels where a chunk came from.
type KnowledgeSource string

const (
	SourceMemory  KnowledgeSource = "memory"
	SourceSession KnowledgeSource = "session"
	SourceLearned KnowledgeSource = "learned"
)

// KnowledgeChunk is one ingested piece of knowledge. Hash makes re-ingestion
// idempotent.
type KnowledgeChunk struct {
	ID        string
	Source    KnowledgeSource
	Path      string
	Text      string
	Embedding []float32
	Hash      string
	StartLine int
	EndLine   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasKnowledgeHash reports whether a chunk with this content hash exists.
func (s *Store) HasKnowledgeHash(ctx context.Context, hash string) (bool, error) {
	var one int
	err := s.queryRow(ctx, `SELECT 1 FROM knowledge WHERE hash = ?`, hash).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check knowledge hash: %w", err)
	}
	return true, nil
}

// InsertKnowledgeChunks writes chunks and their vector rows in one
// transaction. Chunks whose hash already exists are skipped.
func (s *Store) InsertKnowledgeChunks(ctx context.Context, chunks []*KnowledgeChunk) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}
	inserted := 0
	now := s.now()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, chunk := range chunks {
			if chunk.ID == "" {
				chunk.ID = uuid.NewString()
			}
			res, err := tx.ExecContext(ctx, `
				INSERT INTO knowledge (id, source, path, text, embedding, hash, start_line, end_line, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (hash) DO NOTHING
			`, chunk.ID, string(chunk.Source), nullIfEmpty(chunk.Path), chunk.Text,
				EncodeEmbedding(chunk.Embedding), chunk.Hash, chunk.StartLine, chunk.EndLine, now, now)
			if err != nil {
				return fmt.Errorf("insert knowledge chunk: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				continue
			}
			inserted++
			if len(chunk.Embedding) > 0 {
				if err := upsertVectorTx(ctx, tx, "knowledge_vec", chunk.ID, chunk.Embedding); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// GetKnowledgeChunk returns a chunk by id, or nil when absent.
func (s *Store) GetKnowledgeChunk(ctx context.Context, id string) (*KnowledgeChunk, error) {
	row := s.queryRow(ctx, `
		SELECT id, source, COALESCE(path, ''), text, embedding, hash,
		       COALESCE(start_line, 0), COALESCE(end_line, 0), created_at, updated_at
		FROM knowledge WHERE id = ?
	`, id)
	chunk, err := scanKnowledgeChunk(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read knowledge chunk %s: %w", id, err)
	}
	return chunk, nil
}

// KnowledgeCount returns the number of stored chunks.
func (s *Store) KnowledgeCount(ctx context.Context) (int, error) {
	var n int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM knowledge`).Scan(&n)
	return n, err
}

// DeleteKnowledgeByPath removes every chunk ingested from path along with its
// vector rows. Used when a watched memory file changes.
func (s *Store) DeleteKnowledgeByPath(ctx context.Context, path string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id FROM knowledge WHERE path = ?`, path)
		if err != nil {
			return err
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `DELETE FROM knowledge_vec WHERE id = ?`, id); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM knowledge WHERE path = ?`, path)
		return err
	})
}

// SearchKnowledgeFTS runs a BM25 query over knowledge text. Results carry the
// raw BM25 rank (more negative is better).
func (s *Store) SearchKnowledgeFTS(ctx context.Context, query string, limit int) ([]FTSMatch, error) {
	match := EscapeFTSQuery(query)
	if match == "" || limit <= 0 {
		return nil, nil
	}
	rows, err := s.query(ctx, `
		SELECT k.id, rank FROM knowledge_fts f
		JOIN knowledge k ON k.rowid = f.rowid
		WHERE knowledge_fts MATCH ?
		ORDER BY rank LIMIT ?
	`, match, limit)
	if err != nil {
		return nil, fmt.Errorf("search knowledge: %w", err)
	}
	defer rows.Close()
	return scanFTSMatches(rows)
}

func scanKnowledgeChunk(row rowScanner) (*KnowledgeChunk, error) {
	var chunk KnowledgeChunk
	var source string
	var blob []byte
	err := row.Scan(&chunk.ID, &source, &chunk.Path, &chunk.Text, &blob, &chunk.Hash,
		&chunk.StartLine, &chunk.EndLine, &chunk.CreatedAt, &chunk.UpdatedAt)
	if err != nil {
		return nil, err
	}
	chunk.Source = KnowledgeSource(source)
	chunk.Embedding = DecodeEmbedding(blob)
	return &chunk, nil
}
