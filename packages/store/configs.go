package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dentix-ortho/goaltest-server/packages/common"
)

// UpsertFlowiseConfig inserts cfg, or updates it when cfg.ID is set. Marking a
// profile default clears the flag on the tenant's other profiles.
func (s *Store) UpsertFlowiseConfig(ctx context.Context, cfg common.FlowiseConfig) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if cfg.IsDefault {
		if _, err := tx.ExecContext(ctx, `UPDATE flowise_configs SET is_default = 0 WHERE tenant_id = ?`, cfg.TenantID); err != nil {
			return 0, fmt.Errorf("clear default flowise config: %w", err)
		}
	}
	id := cfg.ID
	if id == 0 {
		id, err = insert(ctx, tx,
			`INSERT INTO flowise_configs (tenant_id, name, url, api_key, is_default) VALUES (?, ?, ?, ?, ?)`,
			cfg.TenantID, cfg.Name, cfg.URL, cfg.APIKey, cfg.IsDefault)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE flowise_configs SET tenant_id = ?, name = ?, url = ?, api_key = ?, is_default = ? WHERE id = ?`,
			cfg.TenantID, cfg.Name, cfg.URL, cfg.APIKey, cfg.IsDefault, id)
	}
	if err != nil {
		return 0, fmt.Errorf("upsert flowise config: %w", err)
	}
	return id, tx.Commit()
}

func (s *Store) GetFlowiseConfig(ctx context.Context, id int64) (common.FlowiseConfig, error) {
	return scanFlowise(s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, url, api_key, is_default FROM flowise_configs WHERE id = ?`, id))
}

// DefaultFlowiseConfig returns the tenant's default Flowise profile.
func (s *Store) DefaultFlowiseConfig(ctx context.Context, tenantID int64) (common.FlowiseConfig, error) {
	return scanFlowise(s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, url, api_key, is_default FROM flowise_configs
		 WHERE tenant_id = ? AND is_default = 1 ORDER BY id LIMIT 1`, tenantID))
}

func scanFlowise(row *sql.Row) (common.FlowiseConfig, error) {
	var cfg common.FlowiseConfig
	err := row.Scan(&cfg.ID, &cfg.TenantID, &cfg.Name, &cfg.URL, &cfg.APIKey, &cfg.IsDefault)
	if errors.Is(err, sql.ErrNoRows) {
		return common.FlowiseConfig{}, fmt.Errorf("flowise config: %w", ErrNotFound)
	}
	if err != nil {
		return common.FlowiseConfig{}, fmt.Errorf("flowise config: %w", err)
	}
	return cfg, nil
}

// UpsertLangfuseConfig mirrors UpsertFlowiseConfig for Langfuse profiles.
func (s *Store) UpsertLangfuseConfig(ctx context.Context, cfg common.LangfuseConfig) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if cfg.IsDefault {
		if _, err := tx.ExecContext(ctx, `UPDATE langfuse_configs SET is_default = 0 WHERE tenant_id = ?`, cfg.TenantID); err != nil {
			return 0, fmt.Errorf("clear default langfuse config: %w", err)
		}
	}
	id := cfg.ID
	if id == 0 {
		id, err = insert(ctx, tx,
			`INSERT INTO langfuse_configs (tenant_id, name, host, public_key, secret_key, is_default) VALUES (?, ?, ?, ?, ?, ?)`,
			cfg.TenantID, cfg.Name, cfg.Host, cfg.PublicKey, cfg.SecretKey, cfg.IsDefault)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE langfuse_configs SET tenant_id = ?, name = ?, host = ?, public_key = ?, secret_key = ?, is_default = ? WHERE id = ?`,
			cfg.TenantID, cfg.Name, cfg.Host, cfg.PublicKey, cfg.SecretKey, cfg.IsDefault, id)
	}
	if err != nil {
		return 0, fmt.Errorf("upsert langfuse config: %w", err)
	}
	return id, tx.Commit()
}

func (s *Store) GetLangfuseConfig(ctx context.Context, id int64) (common.LangfuseConfig, error) {
	return scanLangfuse(s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, host, public_key, secret_key, is_default FROM langfuse_configs WHERE id = ?`, id))
}

// DefaultLangfuseConfig returns the tenant's default Langfuse profile.
func (s *Store) DefaultLangfuseConfig(ctx context.Context, tenantID int64) (common.LangfuseConfig, error) {
	return scanLangfuse(s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, host, public_key, secret_key, is_default FROM langfuse_configs
		 WHERE tenant_id = ? AND is_default = 1 ORDER BY id LIMIT 1`, tenantID))
}

func scanLangfuse(row *sql.Row) (common.LangfuseConfig, error) {
	var cfg common.LangfuseConfig
	err := row.Scan(&cfg.ID, &cfg.TenantID, &cfg.Name, &cfg.Host, &cfg.PublicKey, &cfg.SecretKey, &cfg.IsDefault)
	if errors.Is(err, sql.ErrNoRows) {
		return common.LangfuseConfig{}, fmt.Errorf("langfuse config: %w", ErrNotFound)
	}
	if err != nil {
		return common.LangfuseConfig{}, fmt.Errorf("langfuse config: %w", err)
	}
	return cfg, nil
}
