// Package index maintains the searchable catalog of tool descriptions: a
// persistent dual index (vector + full-text) with hybrid retrieval and
// always-include patterns, kept in step with the registry by delta sync.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/haasonsaas/teleton/internal/llm"
	"github.com/haasonsaas/teleton/internal/store"
	"github.com/haasonsaas/teleton/internal/tools"
)

const (
	// DefaultK is the retrieval depth handed to the agent loop.
	DefaultK = 25
	// MinScore filters hybrid noise below this floor.
	MinScore = 0.10
	// branchFactor widens each search branch before merging.
	branchFactor = 3
	// embedBatchSize bounds one embedding call during sync.
	embedBatchSize = 128
)

// Match is one retrieved tool. Always-included tools carry the score they
// earned, possibly zero.
type Match struct {
	Name  string
	Score float64
}

// Index searches tool descriptions. The embedder is optional; without one the
// keyword branch carries the search alone.
type Index struct {
	store    *store.Store
	registry *tools.Registry
	embedder llm.Embedder
	logger   *slog.Logger

	alwaysInclude []string
}

// Option configures the index.
type Option func(*Index)

// WithEmbedder enables the vector branch.
func WithEmbedder(embedder llm.Embedder) Option {
	return func(ix *Index) { ix.embedder = embedder }
}

// WithLogger configures the index logger.
func WithLogger(logger *slog.Logger) Option {
	return func(ix *Index) {
		if logger != nil {
			ix.logger = logger
		}
	}
}

// WithAlwaysInclude sets patterns whose tools are always retrieved: exact
// names, or prefixes written as "prefix*".
func WithAlwaysInclude(patterns []string) Option {
	return func(ix *Index) { ix.alwaysInclude = patterns }
}

// New builds an index over the registry's definitions.
func New(s *store.Store, registry *tools.Registry, opts ...Option) *Index {
	ix := &Index{
		store:    s,
		registry: registry,
		logger:   slog.Default().With("component", "toolindex"),
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// Sync reconciles the persistent index with the registry: new or changed
// descriptions are re-embedded (batch 128) and upserted, vanished tools are
// removed. Content hashes keep unchanged tools untouched.
func (ix *Index) Sync(ctx context.Context) error {
	existing, err := ix.store.ToolIndexRows(ctx)
	if err != nil {
		return fmt.Errorf("read tool index: %w", err)
	}

	var upserts []*store.ToolIndexRow
	desired := make(map[string]bool)
	for _, def := range ix.registry.Definitions() {
		desired[def.Name] = true
		hash := llm.ContentHash(def.Name + "\n" + def.Description)
		if row, ok := existing[def.Name]; ok && row.Hash == hash {
			continue
		}
		upserts = append(upserts, &store.ToolIndexRow{
			Name:        def.Name,
			Description: def.Description,
			Module:      def.Module,
			Category:    string(def.Category),
			Hash:        hash,
		})
	}

	var removals []string
	for name := range existing {
		if !desired[name] {
			removals = append(removals, name)
		}
	}
	sort.Strings(removals)

	if len(upserts) == 0 && len(removals) == 0 {
		return nil
	}

	vectors := make(map[string][]float32)
	if ix.embedder != nil && len(upserts) > 0 {
		for start := 0; start < len(upserts); start += embedBatchSize {
			end := start + embedBatchSize
			if end > len(upserts) {
				end = len(upserts)
			}
			batch := upserts[start:end]
			texts := make([]string, len(batch))
			for i, row := range batch {
				texts[i] = row.Name + ": " + row.Description
			}
			embedded, err := ix.embedder.EmbedBatch(ctx, texts)
			if err != nil {
				return fmt.Errorf("embed tool descriptions: %w", err)
			}
			for i, row := range batch {
				if i < len(embedded) {
					vectors[row.Name] = embedded[i]
				}
			}
		}
	}

	if err := ix.store.ApplyToolIndexDelta(ctx, upserts, vectors, removals); err != nil {
		return err
	}
	ix.logger.Info("tool index synced", "upserts", len(upserts), "removals", len(removals))
	return nil
}

// Search returns up to k tools relevant to query, hybrid-scored, plus every
// tool matching an always-include pattern.
func (ix *Index) Search(ctx context.Context, query string, k int) ([]Match, error) {
	if k <= 0 {
		k = DefaultK
	}

	var vector []store.VectorMatch
	if ix.embedder != nil && strings.TrimSpace(query) != "" {
		embedded, err := ix.embedder.Embed(ctx, query)
		if err != nil {
			// The keyword branch still works; log and degrade.
			ix.logger.Warn("query embedding failed, keyword-only search", "error", err)
		} else {
			vector, err = ix.store.NearestVectors(ctx, "tool_index_vec", embedded, branchFactor*k)
			if err != nil {
				return nil, err
			}
		}
	}

	keyword, err := ix.store.SearchToolIndexFTS(ctx, query, branchFactor*k)
	if err != nil {
		return nil, err
	}

	merged := store.MergeHybrid(vector, keyword, MinScore, 0)
	scores := make(map[string]float64, len(merged))
	for _, hit := range merged {
		scores[hit.ID] = hit.Score
	}

	always := ix.alwaysIncluded()

	var matches []Match
	seen := make(map[string]bool)
	for _, hit := range merged {
		if len(matches) >= k && !always[hit.ID] {
			continue
		}
		matches = append(matches, Match{Name: hit.ID, Score: hit.Score})
		seen[hit.ID] = true
	}
	for name := range always {
		if !seen[name] {
			matches = append(matches, Match{Name: name, Score: scores[name]})
			seen[name] = true
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Name < matches[j].Name
	})
	if len(matches) > k {
		matches = ix.trimKeepingAlways(matches, always, k)
	}
	return matches, nil
}

// trimKeepingAlways cuts to k entries without dropping always-included tools.
func (ix *Index) trimKeepingAlways(matches []Match, always map[string]bool, k int) []Match {
	kept := make([]Match, 0, k)
	extra := 0
	for _, m := range matches {
		if always[m.Name] {
			extra++
		}
	}
	budget := k - extra
	for _, m := range matches {
		if always[m.Name] {
			kept = append(kept, m)
			continue
		}
		if budget > 0 {
			kept = append(kept, m)
			budget--
		}
	}
	if len(kept) > k {
		kept = kept[:k]
	}
	return kept
}

// alwaysIncluded resolves the configured patterns against the registry.
func (ix *Index) alwaysIncluded() map[string]bool {
	if len(ix.alwaysInclude) == 0 {
		return nil
	}
	names := make(map[string]bool)
	for _, def := range ix.registry.Definitions() {
		for _, pattern := range ix.alwaysInclude {
			if matchPattern(pattern, def.Name) {
				names[def.Name] = true
				break
			}
		}
	}
	return names
}

// matchPattern accepts exact names or "prefix*" patterns.
func matchPattern(pattern, name string) bool {
	if pattern == "" || name == "" {
		return false
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(name, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == name
}
