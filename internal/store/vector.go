package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strconv"
)

const vectorDimsKey = "vector_dims"

// vectorTables are the per-entity vector companions. sqlite-vec style virtual
// tables are not available in the pure-Go driver, so these are plain tables
// holding float32 blobs searched with brute-force cosine distance.
var vectorTables = []string{"knowledge_vec", "tg_messages_vec", "tool_index_vec"}

// EnsureVectorTables creates the vector tables parameterised by dims. When an
// existing layout was built for a different dimension, all vector tables are
// dropped and recreated; the embedding cache re-populates them over time.
func (s *Store) EnsureVectorTables(ctx context.Context, dims int) error {
	if dims <= 0 {
		return fmt.Errorf("vector dims must be positive, got %d", dims)
	}

	stored, err := s.MetaGet(ctx, vectorDimsKey)
	if err != nil {
		return err
	}
	if stored != "" {
		existing, err := strconv.Atoi(stored)
		if err == nil && existing != dims {
			s.logger.Warn("vector dimension changed, dropping vector tables",
				"old_dims", existing, "new_dims", dims)
			if err := s.dropVectorTables(ctx); err != nil {
				return err
			}
		}
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range vectorTables {
			_, err := tx.ExecContext(ctx, fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id TEXT PRIMARY KEY,
					embedding BLOB NOT NULL
				)`, table))
			if err != nil {
				return fmt.Errorf("create %s: %w", table, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := s.MetaSet(ctx, vectorDimsKey, strconv.Itoa(dims)); err != nil {
		return err
	}
	s.mu.Lock()
	s.dims = dims
	s.mu.Unlock()
	return nil
}

// VectorDims returns the dimension the vector tables were created with.
func (s *Store) VectorDims() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dims
}

func (s *Store) dropVectorTables(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range vectorTables {
			if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
				return fmt.Errorf("drop %s: %w", table, err)
			}
		}
		return nil
	})
}

// UpsertVector replaces the vector row for id in the given table. The vector
// tables have no upsert-aware index structure, so delete-then-insert it is.
func (s *Store) UpsertVector(ctx context.Context, table, id string, embedding []float32) error {
	if !validVectorTable(table) {
		return fmt.Errorf("unknown vector table %q", table)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return upsertVectorTx(ctx, tx, table, id, embedding)
	})
}

func upsertVectorTx(ctx context.Context, tx *sql.Tx, table, id string, embedding []float32) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete vector %s: %w", id, err)
	}
	_, err := tx.ExecContext(ctx, "INSERT INTO "+table+" (id, embedding) VALUES (?, ?)",
		id, EncodeEmbedding(embedding))
	if err != nil {
		return fmt.Errorf("insert vector %s: %w", id, err)
	}
	return nil
}

// DeleteVector removes the vector row for id.
func (s *Store) DeleteVector(ctx context.Context, table, id string) error {
	if !validVectorTable(table) {
		return fmt.Errorf("unknown vector table %q", table)
	}
	_, err := s.exec(ctx, "DELETE FROM "+table+" WHERE id = ?", id)
	return err
}

// VectorMatch is one nearest-neighbour hit. Distance is cosine distance
// (1 - similarity), matching the vec0 convention.
type VectorMatch struct {
	ID       string
	Distance float64
}

// NearestVectors returns the k rows of table closest to query by cosine
// distance, ascending.
func (s *Store) NearestVectors(ctx context.Context, table string, query []float32, k int) ([]VectorMatch, error) {
	if !validVectorTable(table) {
		return nil, fmt.Errorf("unknown vector table %q", table)
	}
	if k <= 0 || len(query) == 0 {
		return nil, nil
	}

	rows, err := s.query(ctx, "SELECT id, embedding FROM "+table)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", table, err)
	}
	defer rows.Close()

	var matches []VectorMatch
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, err
		}
		embedding := DecodeEmbedding(blob)
		if len(embedding) != len(query) {
			continue
		}
		matches = append(matches, VectorMatch{
			ID:       id,
			Distance: 1 - cosineSimilarity(query, embedding),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Distance < matches[j].Distance })
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func validVectorTable(table string) bool {
	for _, t := range vectorTables {
		if t == table {
			return true
		}
	}
	return false
}

// EncodeEmbedding converts []float32 to little-endian IEEE 754 bytes.
func EncodeEmbedding(embedding []float32) []byte {
	if len(embedding) == 0 {
		return nil
	}
	data := make([]byte, len(embedding)*4)
	for i, f := range embedding {
		bits := math.Float32bits(f)
		data[i*4] = byte(bits)
		data[i*4+1] = byte(bits >> 8)
		data[i*4+2] = byte(bits >> 16)
		data[i*4+3] = byte(bits >> 24)
	}
	return data
}

// DecodeEmbedding converts stored bytes back to []float32.
func DecodeEmbedding(data []byte) []float32 {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil
	}
	embedding := make([]float32, len(data)/4)
	for i := range embedding {
		bits := uint32(data[i*4]) |
			uint32(data[i*4+1])<<8 |
			uint32(data[i*4+2])<<16 |
			uint32(data[i*4+3])<<24
		embedding[i] = math.Float32frombits(bits)
	}
	return embedding
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
