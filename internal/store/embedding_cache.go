package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// EmbeddingCacheEntry is one cached embedding keyed by (hash, model, provider).
type EmbeddingCacheEntry struct {
	Hash       string
	Model      string
	Provider   string
	Embedding  []float32
	Dims       int
	CreatedAt  time.Time
	AccessedAt time.Time
}

// DefaultEmbeddingCacheLimit bounds the cache; eviction is LRU by accessed_at.
const DefaultEmbeddingCacheLimit = 50000

// CachedEmbedding returns the cached vector for (hash, model, provider) and
// touches accessed_at. Entries whose dims disagree with the current vector
// layout are treated as misses and deleted.
func (s *Store) CachedEmbedding(ctx context.Context, hash, model, provider string) ([]float32, bool, error) {
	var blob []byte
	var dims int
	err := s.queryRow(ctx, `
		SELECT embedding, dims FROM embedding_cache
		WHERE hash = ? AND model = ? AND provider = ?
	`, hash, model, provider).Scan(&blob, &dims)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read embedding cache: %w", err)
	}

	if want := s.VectorDims(); want > 0 && dims != want {
		_, _ = s.exec(ctx, `
			DELETE FROM embedding_cache WHERE hash = ? AND model = ? AND provider = ?
		`, hash, model, provider)
		return nil, false, nil
	}

	if _, err := s.exec(ctx, `
		UPDATE embedding_cache SET accessed_at = ?
		WHERE hash = ? AND model = ? AND provider = ?
	`, s.now(), hash, model, provider); err != nil {
		return nil, false, err
	}
	return DecodeEmbedding(blob), true, nil
}

// PutEmbedding stores a vector in the cache and evicts least-recently-used
// rows beyond the limit.
func (s *Store) PutEmbedding(ctx context.Context, hash, model, provider string, embedding []float32) error {
	now := s.now()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO embedding_cache (hash, model, provider, embedding, dims, created_at, accessed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (hash, model, provider) DO UPDATE SET
				embedding = excluded.embedding,
				dims = excluded.dims,
				accessed_at = excluded.accessed_at
		`, hash, model, provider, EncodeEmbedding(embedding), len(embedding), now, now)
		if err != nil {
			return fmt.Errorf("write embedding cache: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			DELETE FROM embedding_cache WHERE rowid IN (
				SELECT rowid FROM embedding_cache
				ORDER BY accessed_at DESC
				LIMIT -1 OFFSET ?
			)
		`, DefaultEmbeddingCacheLimit)
		if err != nil {
			return fmt.Errorf("evict embedding cache: %w", err)
		}
		return nil
	})
	return err
}

// EmbeddingCacheSize returns the number of cached entries.
func (s *Store) EmbeddingCacheSize(ctx context.Context) (int, error) {
	var n int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM embedding_cache`).Scan(&n)
	return n, err
}
