// Package memory ingests markdown knowledge into the store, retrieves it with
// hybrid search, and keeps per-day logs the agent can read back.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/haasonsaas/teleton/internal/llm"
	"github.com/haasonsaas/teleton/internal/store"
)

const (
	// MinScore filters hybrid retrieval noise below this floor.
	MinScore = 0.15
	// DefaultRecentChunks is how many chunks a turn hydrates by default.
	DefaultRecentChunks = 5

	embedBatchSize = 128
	branchFactor   = 3
)

// System owns knowledge ingestion and retrieval for one memory directory.
type System struct {
	store     *store.Store
	embedder  llm.Embedder
	dir       string
	chunkSize int
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures the system.
type Option func(*System)

// WithEmbedder enables the vector branch of retrieval and ingestion.
func WithEmbedder(embedder llm.Embedder) Option {
	return func(m *System) { m.embedder = embedder }
}

// WithChunkSize overrides the target chunk length for ingestion.
func WithChunkSize(size int) Option {
	return func(m *System) {
		if size > 0 {
			m.chunkSize = size
		}
	}
}

// WithLogger configures the system logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *System) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(m *System) {
		if now != nil {
			m.now = now
		}
	}
}

// New creates a memory system over dir.
func New(s *store.Store, dir string, opts ...Option) *System {
	m := &System{
		store:     s,
		dir:       dir,
		chunkSize: DefaultChunkSize,
		logger:    slog.Default().With("component", "memory"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Dir returns the memory directory.
func (m *System) Dir() string { return m.dir }

// IngestFile chunks a markdown file and stores the chunks that are not
// already known. Re-running over an unchanged file is a no-op: chunks are
// keyed by content hash.
func (m *System) IngestFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read memory file: %w", err)
	}
	return m.IngestText(ctx, path, string(data))
}

// IngestText ingests already-loaded markdown attributed to path.
func (m *System) IngestText(ctx context.Context, path, text string) (int, error) {
	var fresh []*store.KnowledgeChunk
	for _, chunk := range ChunkMarkdown(text, m.chunkSize) {
		hash := llm.ContentHash(chunk.Text)
		known, err := m.store.HasKnowledgeHash(ctx, hash)
		if err != nil {
			return 0, err
		}
		if known {
			continue
		}
		fresh = append(fresh, &store.KnowledgeChunk{
			Source:    store.SourceMemory,
			Path:      path,
			Text:      chunk.Text,
			Hash:      hash,
			StartLine: chunk.StartLine,
			EndLine:   chunk.EndLine,
		})
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	if m.embedder != nil {
		for start := 0; start < len(fresh); start += embedBatchSize {
			end := start + embedBatchSize
			if end > len(fresh) {
				end = len(fresh)
			}
			batch := fresh[start:end]
			texts := make([]string, len(batch))
			for i, chunk := range batch {
				texts[i] = chunk.Text
			}
			vectors, err := m.embedder.EmbedBatch(ctx, texts)
			if err != nil {
				return 0, fmt.Errorf("embed knowledge chunks: %w", err)
			}
			for i, chunk := range batch {
				if i < len(vectors) {
					chunk.Embedding = vectors[i]
				}
			}
		}
	}

	inserted, err := m.store.InsertKnowledgeChunks(ctx, fresh)
	if err != nil {
		return 0, err
	}
	m.logger.Info("memory ingested", "path", path, "chunks", inserted)
	return inserted, nil
}

// ReingestFile drops everything previously ingested from path and ingests the
// current contents. Used by the watcher when a file changes in place.
func (m *System) ReingestFile(ctx context.Context, path string) (int, error) {
	if err := m.store.DeleteKnowledgeByPath(ctx, path); err != nil {
		return 0, err
	}
	return m.IngestFile(ctx, path)
}

// Forget removes everything ingested from path.
func (m *System) Forget(ctx context.Context, path string) error {
	return m.store.DeleteKnowledgeByPath(ctx, path)
}

// Retrieved is one chunk returned by hybrid retrieval.
type Retrieved struct {
	Chunk *store.KnowledgeChunk
	Score float64
}

// Retrieve returns the top-n knowledge chunks for query, scored by the same
// hybrid merge the tool index uses but with a higher floor.
func (m *System) Retrieve(ctx context.Context, query string, n int) ([]Retrieved, error) {
	if n <= 0 {
		n = DefaultRecentChunks
	}

	var vector []store.VectorMatch
	if m.embedder != nil {
		embedded, err := m.embedder.Embed(ctx, query)
		if err != nil {
			m.logger.Warn("query embedding failed, keyword-only retrieval", "error", err)
		} else {
			vector, err = m.store.NearestVectors(ctx, "knowledge_vec", embedded, branchFactor*n)
			if err != nil {
				return nil, err
			}
		}
	}
	keyword, err := m.store.SearchKnowledgeFTS(ctx, query, branchFactor*n)
	if err != nil {
		return nil, err
	}

	merged := store.MergeHybrid(vector, keyword, MinScore, n)
	results := make([]Retrieved, 0, len(merged))
	for _, hit := range merged {
		chunk, err := m.store.GetKnowledgeChunk(ctx, hit.ID)
		if err != nil {
			return nil, err
		}
		if chunk == nil {
			continue
		}
		results = append(results, Retrieved{Chunk: chunk, Score: hit.Score})
	}
	return results, nil
}
