package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/arclight-ai/llmmeter/pkg/model"
)

const configColumns = `id, scope, user_id, provider, params, is_active, is_default, created_at, updated_at`

func (s *SQLite) InsertConfig(ctx context.Context, cfg *model.ProviderConfig) error {
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now

	params, err := json.Marshal(cfg.Params)
	if err != nil {
		return fmt.Errorf("marshal config params: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO provider_configs (id, scope, user_id, provider, params, is_active, is_default, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cfg.ID, string(cfg.Scope), cfg.UserID, cfg.Provider, string(params),
		cfg.IsActive, cfg.IsDefault, cfg.CreatedAt, cfg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert provider config: %w", err)
	}
	return nil
}

func (s *SQLite) UpdateConfig(ctx context.Context, cfg *model.ProviderConfig) error {
	cfg.UpdatedAt = time.Now().UTC()

	params, err := json.Marshal(cfg.Params)
	if err != nil {
		return fmt.Errorf("marshal config params: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE provider_configs
		 SET provider = ?, params = ?, is_active = ?, is_default = ?, updated_at = ?
		 WHERE id = ?`,
		cfg.Provider, string(params), cfg.IsActive, cfg.IsDefault, cfg.UpdatedAt, cfg.ID,
	)
	if err != nil {
		return fmt.Errorf("update provider config: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("config %s: %w", cfg.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLite) DeleteConfig(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM provider_configs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete provider config: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("config %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLite) GetConfig(ctx context.Context, id string) (*model.ProviderConfig, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+configColumns+" FROM provider_configs WHERE id = ?", id)
	cfg, err := scanConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("config %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get provider config: %w", err)
	}
	return cfg, nil
}

func (s *SQLite) ListConfigs(ctx context.Context, scope model.ConfigScope, userID string) ([]model.ProviderConfig, error) {
	query := "SELECT " + configColumns + " FROM provider_configs WHERE scope = ?"
	args := []any{string(scope)}
	if scope == model.ScopeUser {
		query += " AND user_id = ?"
		args = append(args, userID)
	} else {
		query += " AND user_id = ''"
	}
	query += " ORDER BY created_at, rowid"
	return s.queryConfigs(ctx, query, args...)
}

func (s *SQLite) ActiveConfigs(ctx context.Context, scope model.ConfigScope, userID string) ([]model.ProviderConfig, error) {
	query := "SELECT " + configColumns + " FROM provider_configs WHERE scope = ? AND is_active = 1"
	args := []any{string(scope)}
	if scope == model.ScopeUser {
		query += " AND user_id = ? ORDER BY created_at, rowid"
		args = append(args, userID)
	} else {
		// Global resolution order: default flag first, then earliest created.
		query += " AND user_id = '' ORDER BY is_default DESC, created_at, rowid"
	}
	return s.queryConfigs(ctx, query, args...)
}

func (s *SQLite) SetDefaultConfig(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set default: %w", err)
	}
	defer tx.Rollback()

	var scope string
	err = tx.QueryRowContext(ctx,
		"SELECT scope FROM provider_configs WHERE id = ?", id).Scan(&scope)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("config %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("look up config: %w", err)
	}
	if scope != string(model.ScopeGlobal) {
		return fmt.Errorf("config %s: only global configs can be default", id)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		"UPDATE provider_configs SET is_default = 0, updated_at = ? WHERE scope = ? AND is_default = 1 AND id != ?",
		now, string(model.ScopeGlobal), id); err != nil {
		return fmt.Errorf("clear default flags: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE provider_configs SET is_default = 1, updated_at = ? WHERE id = ?",
		now, id); err != nil {
		return fmt.Errorf("set default flag: %w", err)
	}

	return tx.Commit()
}

func (s *SQLite) queryConfigs(ctx context.Context, query string, args ...any) ([]model.ProviderConfig, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query provider configs: %w", err)
	}
	defer rows.Close()

	var configs []model.ProviderConfig
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scan config row: %w", err)
		}
		configs = append(configs, *cfg)
	}
	return configs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConfig(row rowScanner) (*model.ProviderConfig, error) {
	var (
		cfg    model.ProviderConfig
		scope  string
		params string
	)
	if err := row.Scan(&cfg.ID, &scope, &cfg.UserID, &cfg.Provider, &params,
		&cfg.IsActive, &cfg.IsDefault, &cfg.CreatedAt, &cfg.UpdatedAt); err != nil {
		return nil, err
	}
	cfg.Scope = model.ConfigScope(scope)
	if err := json.Unmarshal([]byte(params), &cfg.Params); err != nil {
		return nil, fmt.Errorf("unmarshal config params: %w", err)
	}
	cfg.CreatedAt = cfg.CreatedAt.UTC()
	cfg.UpdatedAt = cfg.UpdatedAt.UTC()
	return &cfg, nil
}
