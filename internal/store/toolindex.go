package store

import (
	"context"
	"database/sql"
	"fmt"
)

// ToolIndexRow is one searchable tool description.
type ToolIndexRow struct {
	Name        string
	Description string
	Module      string
	Category    string
	Hash        string
}

// ToolIndexRows returns the indexed rows keyed by tool name.
func (s *Store) ToolIndexRows(ctx context.Context) (map[string]*ToolIndexRow, error) {
	rows, err := s.query(ctx, `SELECT name, description, module, category, hash FROM tool_index`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	indexed := make(map[string]*ToolIndexRow)
	for rows.Next() {
		var row ToolIndexRow
		if err := rows.Scan(&row.Name, &row.Description, &row.Module, &row.Category, &row.Hash); err != nil {
			return nil, err
		}
		indexed[row.Name] = &row
	}
	return indexed, rows.Err()
}

// ApplyToolIndexDelta upserts and removes tool index rows in one transaction,
// keeping the FTS companion (via triggers) and the vector table in step. The
// vector rows use delete-then-insert because the table has no upsert path.
func (s *Store) ApplyToolIndexDelta(ctx context.Context, upserts []*ToolIndexRow, vectors map[string][]float32, removals []string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, name := range removals {
			if _, err := tx.ExecContext(ctx, `DELETE FROM tool_index WHERE name = ?`, name); err != nil {
				return fmt.Errorf("remove tool %s: %w", name, err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM tool_index_vec WHERE id = ?`, name); err != nil {
				return fmt.Errorf("remove tool vector %s: %w", name, err)
			}
		}
		for _, row := range upserts {
			// Delete-then-insert keeps the FTS triggers simple.
			if _, err := tx.ExecContext(ctx, `DELETE FROM tool_index WHERE name = ?`, row.Name); err != nil {
				return fmt.Errorf("replace tool %s: %w", row.Name, err)
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO tool_index (name, description, module, category, hash)
				VALUES (?, ?, ?, ?, ?)
			`, row.Name, row.Description, row.Module, row.Category, row.Hash)
			if err != nil {
				return fmt.Errorf("index tool %s: %w", row.Name, err)
			}
			if embedding, ok := vectors[row.Name]; ok && len(embedding) > 0 {
				if err := upsertVectorTx(ctx, tx, "tool_index_vec", row.Name, embedding); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// SearchToolIndexFTS runs a BM25 query over tool names and descriptions.
func (s *Store) SearchToolIndexFTS(ctx context.Context, query string, limit int) ([]FTSMatch, error) {
	match := EscapeFTSQuery(query)
	if match == "" || limit <= 0 {
		return nil, nil
	}
	rows, err := s.query(ctx, `
		SELECT t.name, rank FROM tool_index_fts f
		JOIN tool_index t ON t.rowid = f.rowid
		WHERE tool_index_fts MATCH ?
		ORDER BY rank LIMIT ?
	`, match, limit)
	if err != nil {
		return nil, fmt.Errorf("search tool index: %w", err)
	}
	defer rows.Close()
	return scanFTSMatches(rows)
}
