package store

import (
	"database/sql"
	"math"
	"sort"
	"strings"
)

// FTSMatch is one BM25 hit; Rank is the raw FTS5 rank (negative, lower is
// better).
type FTSMatch struct {
	ID   string
	Rank float64
}

// EscapeFTSQuery turns free text into a safe FTS5 MATCH expression: reserved
// syntax characters are stripped and each remaining term is quoted.
func EscapeFTSQuery(query string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '"', '\'', '(', ')', '*', ':', '^', '-', '+', '~', '{', '}', '[', ']':
			return ' '
		}
		return r
	}, query)

	fields := strings.Fields(cleaned)
	if len(fields) == 0 {
		return ""
	}
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		terms = append(terms, `"`+f+`"`)
	}
	return strings.Join(terms, " OR ")
}

// KeywordScore converts a BM25 rank into (0,1): 1/(1+exp(rank)). Ranks are
// negative, so better matches land closer to 1.
func KeywordScore(rank float64) float64 {
	return 1 / (1 + math.Exp(rank))
}

// VectorScore converts a cosine distance into a similarity score.
func VectorScore(distance float64) float64 {
	return 1 - distance
}

// HybridWeights used by the tool index and the memory retriever.
const (
	HybridVectorWeight  = 0.6
	HybridKeywordWeight = 0.4
)

// HybridResult is one merged hit of a hybrid search.
type HybridResult struct {
	ID    string
	Score float64
}

// MergeHybrid combines vector and keyword branches into the weighted score
// 0.6*vector + 0.4*keyword (a missing branch contributes 0), drops results
// below minScore, and returns the top-k by descending score.
func MergeHybrid(vector []VectorMatch, keyword []FTSMatch, minScore float64, k int) []HybridResult {
	scores := make(map[string]float64)
	for _, m := range vector {
		scores[m.ID] += HybridVectorWeight * VectorScore(m.Distance)
	}
	for _, m := range keyword {
		scores[m.ID] += HybridKeywordWeight * KeywordScore(m.Rank)
	}

	results := make([]HybridResult, 0, len(scores))
	for id, score := range scores {
		if score < minScore {
			continue
		}
		results = append(results, HybridResult{ID: id, Score: score})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results
}

func scanFTSMatches(rows *sql.Rows) ([]FTSMatch, error) {
	var matches []FTSMatch
	for rows.Next() {
		var m FTSMatch
		if err := rows.Scan(&m.ID, &m.Rank); err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}
