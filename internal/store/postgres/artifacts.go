package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"tuneplane/internal/store"
)

// CreateArtifact inserts an artifact row. The unique index on job_id enforces
// at most one artifact per job.
func (s *Store) CreateArtifact(ctx context.Context, artifact *store.Artifact) error {
	meta := artifact.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO artifacts (id, job_id, path, size_bytes, sha256, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`
	_, err = s.db.ExecContext(ctx, query,
		artifact.ID, artifact.JobID, artifact.Path, artifact.SizeBytes, artifact.SHA256, metaJSON)
	if err != nil {
		return fmt.Errorf("failed to create artifact %s: %w", artifact.ID, err)
	}
	return nil
}

// GetArtifact returns an artifact by its ID.
func (s *Store) GetArtifact(ctx context.Context, id uuid.UUID) (*store.Artifact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, job_id, path, size_bytes, sha256, metadata, created_at
		FROM artifacts
		WHERE id = $1
	`, id)
	return scanArtifact(row)
}

// ListArtifacts returns artifacts, optionally scoped to one job.
func (s *Store) ListArtifacts(ctx context.Context, jobID *uuid.UUID) ([]store.Artifact, error) {
	query := `
		SELECT id, job_id, path, size_bytes, sha256, metadata, created_at
		FROM artifacts
		WHERE ($1::uuid IS NULL OR job_id = $1)
		ORDER BY created_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []store.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, *a)
	}
	return artifacts, rows.Err()
}

func scanArtifact(row rowScanner) (*store.Artifact, error) {
	var a store.Artifact
	var metaJSON []byte

	err := row.Scan(&a.ID, &a.JobID, &a.Path, &a.SizeBytes, &a.SHA256, &metaJSON, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan artifact: %w", err)
	}

	meta := map[string]string{}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &meta); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	a.Metadata = meta
	return &a, nil
}
