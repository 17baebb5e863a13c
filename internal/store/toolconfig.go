package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ToolConfig is a runtime override row for one tool.
type ToolConfig struct {
	ToolName  string
	Enabled   bool
	Scope     string // empty means "use the tool's static scope"
	UpdatedAt time.Time
	UpdatedBy string
}

// ModuleLevel gates a tool module inside one group chat.
type ModuleLevel string

const (
	ModuleOpen     ModuleLevel = "open"
	ModuleAdmin    ModuleLevel = "admin"
	ModuleDisabled ModuleLevel = "disabled"
)

// GroupModulePermission is one (chat, module) gating row.
type GroupModulePermission struct {
	ChatID    string
	Module    string
	Level     ModuleLevel
	UpdatedAt time.Time
}

// ReservedModules are immutable and always open.
var ReservedModules = []string{"core", "admin"}

// ErrReservedModule is returned when changing a reserved module's level.
var ErrReservedModule = errors.New("module permission is reserved and immutable")

// UpsertToolConfig writes an override row for toolName.
func (s *Store) UpsertToolConfig(ctx context.Context, cfg *ToolConfig) error {
	if cfg == nil || cfg.ToolName == "" {
		return errors.New("tool name is required")
	}
	enabled := 0
	if cfg.Enabled {
		enabled = 1
	}
	_, err := s.exec(ctx, `
		INSERT INTO tool_config (tool_name, enabled, scope, updated_at, updated_by)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tool_name) DO UPDATE SET
			enabled = excluded.enabled,
			scope = excluded.scope,
			updated_at = excluded.updated_at,
			updated_by = excluded.updated_by
	`, cfg.ToolName, enabled, nullIfEmpty(cfg.Scope), s.now(), cfg.UpdatedBy)
	if err != nil {
		return fmt.Errorf("write tool config %s: %w", cfg.ToolName, err)
	}
	return nil
}

// DeleteToolConfig removes the override for toolName.
func (s *Store) DeleteToolConfig(ctx context.Context, toolName string) error {
	_, err := s.exec(ctx, `DELETE FROM tool_config WHERE tool_name = ?`, toolName)
	return err
}

// ToolConfigs returns every override keyed by tool name.
func (s *Store) ToolConfigs(ctx context.Context) (map[string]*ToolConfig, error) {
	rows, err := s.query(ctx, `
		SELECT tool_name, enabled, COALESCE(scope, ''), updated_at, COALESCE(updated_by, '')
		FROM tool_config
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	configs := make(map[string]*ToolConfig)
	for rows.Next() {
		var cfg ToolConfig
		var enabled int
		if err := rows.Scan(&cfg.ToolName, &enabled, &cfg.Scope, &cfg.UpdatedAt, &cfg.UpdatedBy); err != nil {
			return nil, err
		}
		cfg.Enabled = enabled != 0
		configs[cfg.ToolName] = &cfg
	}
	return configs, rows.Err()
}

// SetGroupModuleLevel writes the gating level for (chatID, module). Reserved
// modules cannot be changed.
func (s *Store) SetGroupModuleLevel(ctx context.Context, chatID, module string, level ModuleLevel) error {
	for _, reserved := range ReservedModules {
		if module == reserved {
			return ErrReservedModule
		}
	}
	switch level {
	case ModuleOpen, ModuleAdmin, ModuleDisabled:
	default:
		return fmt.Errorf("unknown module level %q", level)
	}
	_, err := s.exec(ctx, `
		INSERT INTO group_modules (chat_id, module, level, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (chat_id, module) DO UPDATE SET
			level = excluded.level, updated_at = excluded.updated_at
	`, chatID, module, string(level), s.now())
	if err != nil {
		return fmt.Errorf("write group module %s/%s: %w", chatID, module, err)
	}
	return nil
}

// GroupModuleLevel returns the level for (chatID, module); absence means open,
// and reserved modules are always open.
func (s *Store) GroupModuleLevel(ctx context.Context, chatID, module string) (ModuleLevel, error) {
	for _, reserved := range ReservedModules {
		if module == reserved {
			return ModuleOpen, nil
		}
	}
	var level string
	err := s.queryRow(ctx, `
		SELECT level FROM group_modules WHERE chat_id = ? AND module = ?
	`, chatID, module).Scan(&level)
	if errors.Is(err, sql.ErrNoRows) {
		return ModuleOpen, nil
	}
	if err != nil {
		return "", fmt.Errorf("read group module %s/%s: %w", chatID, module, err)
	}
	return ModuleLevel(level), nil
}

// GroupModuleLevels returns every gating row for a chat keyed by module.
func (s *Store) GroupModuleLevels(ctx context.Context, chatID string) (map[string]ModuleLevel, error) {
	rows, err := s.query(ctx, `SELECT module, level FROM group_modules WHERE chat_id = ?`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	levels := make(map[string]ModuleLevel)
	for rows.Next() {
		var module, level string
		if err := rows.Scan(&module, &level); err != nil {
			return nil, err
		}
		levels[module] = ModuleLevel(level)
	}
	// Reserved modules are always open regardless of stray rows.
	for _, reserved := range ReservedModules {
		levels[reserved] = ModuleOpen
	}
	return levels, rows.Err()
}
