package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"tuneplane/internal/store"
)

// UpsertConnection creates or updates the single record for a platform.
func (s *Store) UpsertConnection(ctx context.Context, conn *store.PlatformConnection) error {
	meta := conn.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO platform_connections (name, status, last_verified_at, metadata, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (name)
		DO UPDATE SET
			status = EXCLUDED.status,
			last_verified_at = EXCLUDED.last_verified_at,
			metadata = EXCLUDED.metadata
	`
	_, err = s.db.ExecContext(ctx, query, conn.Name, conn.Status, conn.LastVerifiedAt, metaJSON)
	if err != nil {
		return fmt.Errorf("failed to upsert connection %s: %w", conn.Name, err)
	}
	return nil
}

// GetConnection returns the record for one platform.
func (s *Store) GetConnection(ctx context.Context, name string) (*store.PlatformConnection, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, status, last_verified_at, metadata, created_at
		FROM platform_connections
		WHERE name = $1
	`, name)
	return scanConnection(row)
}

// ListConnections returns all platform records.
func (s *Store) ListConnections(ctx context.Context) ([]store.PlatformConnection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, status, last_verified_at, metadata, created_at
		FROM platform_connections
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	var conns []store.PlatformConnection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, *c)
	}
	return conns, rows.Err()
}

func scanConnection(row rowScanner) (*store.PlatformConnection, error) {
	var c store.PlatformConnection
	var metaJSON []byte

	err := row.Scan(&c.Name, &c.Status, &c.LastVerifiedAt, &metaJSON, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan connection: %w", err)
	}

	meta := map[string]string{}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &meta); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	c.Metadata = meta
	return &c, nil
}
