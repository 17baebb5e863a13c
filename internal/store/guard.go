package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ErrForbiddenSQL is returned by the guarded handle for statements that could
// escape the database file.
var ErrForbiddenSQL = errors.New("statement is not allowed through the guarded handle")

// forbiddenSQL lists statement fragments that tool executors must never issue.
// ATTACH/DETACH would let a query reach arbitrary files on disk.
var forbiddenSQL = []string{"attach", "detach"}

// Guarded is a restricted view of the store handed to tool executors. It
// shares the underlying connection and writer lock but screens every
// statement before execution.
type Guarded struct {
	store *Store
}

// Guarded returns the restricted handle for this store.
func (s *Store) Guarded() *Guarded {
	return &Guarded{store: s}
}

// Exec runs a write statement after screening it.
func (g *Guarded) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if err := screenSQL(query); err != nil {
		return nil, err
	}
	return g.store.exec(ctx, query, args...)
}

// Query runs a read statement after screening it.
func (g *Guarded) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if err := screenSQL(query); err != nil {
		return nil, err
	}
	return g.store.query(ctx, query, args...)
}

// screenSQL rejects statements containing a forbidden keyword as a standalone
// token. Matching on tokens keeps column names like "attachment" usable.
func screenSQL(query string) error {
	lower := strings.ToLower(query)
	for _, word := range forbiddenSQL {
		idx := 0
		for {
			i := strings.Index(lower[idx:], word)
			if i < 0 {
				break
			}
			start := idx + i
			end := start + len(word)
			if isTokenBoundary(lower, start-1) && isTokenBoundary(lower, end) {
				return fmt.Errorf("%w: %s", ErrForbiddenSQL, strings.ToUpper(word))
			}
			idx = end
		}
	}
	return nil
}

func isTokenBoundary(s string, i int) bool {
	if i < 0 || i >= len(s) {
		return true
	}
	c := s[i]
	isWord := c == '_' || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
	return !isWord
}
