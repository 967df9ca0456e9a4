package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"tuneplane/internal/platform"
	"tuneplane/internal/store"
)

// CreateJob inserts a new training job in its initial status.
func (s *Store) CreateJob(ctx context.Context, job *store.TrainingJob) error {
	configJSON, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	metrics := job.Metrics
	if metrics == nil {
		metrics = map[string]float64{}
	}
	metricsJSON, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}

	query := `
		INSERT INTO training_jobs (id, remote_id, provider, config, status, metrics, cost_estimate, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`
	_, err = s.db.ExecContext(ctx, query,
		job.ID, job.RemoteID, job.Provider, configJSON, job.Status, metricsJSON, job.CostEstimate)
	if err != nil {
		return fmt.Errorf("failed to create job %s: %w", job.ID, err)
	}
	return nil
}

// GetJob returns a job by its ID.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*store.TrainingJob, error) {
	query := `
		SELECT id, remote_id, provider, config, status, error_kind, error_message,
		       metrics, cost_estimate, created_at, started_at, completed_at
		FROM training_jobs
		WHERE id = $1
	`
	return scanJob(s.db.QueryRowContext(ctx, query, id))
}

// ListJobs returns jobs matching the filter, newest first.
func (s *Store) ListJobs(ctx context.Context, filter store.JobFilter) ([]store.TrainingJob, error) {
	query := `
		SELECT id, remote_id, provider, config, status, error_kind, error_message,
		       metrics, cost_estimate, created_at, started_at, completed_at
		FROM training_jobs
		WHERE ($1 = '' OR provider = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, query, filter.Provider, string(filter.Status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []store.TrainingJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// MarkRunning transitions pending -> running. The WHERE status guard makes
// the transition atomic against concurrent writers.
func (s *Store) MarkRunning(ctx context.Context, id uuid.UUID, remoteID string) error {
	query := `
		UPDATE training_jobs
		SET status = $1, remote_id = $2, started_at = COALESCE(started_at, NOW())
		WHERE id = $3 AND status = $4
	`
	res, err := s.db.ExecContext(ctx, query, store.JobStatusRunning, remoteID, id, store.JobStatusPending)
	if err != nil {
		return fmt.Errorf("failed to mark job %s running: %w", id, err)
	}
	return requireRow(res)
}

// MarkTerminal transitions a non-terminal job to its final status.
func (s *Store) MarkTerminal(ctx context.Context, id uuid.UUID, status store.JobStatus, errKind, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("status %s is not terminal", status)
	}

	query := `
		UPDATE training_jobs
		SET status = $1, error_kind = $2, error_message = $3, completed_at = NOW()
		WHERE id = $4 AND status IN ($5, $6)
	`
	res, err := s.db.ExecContext(ctx, query, status, errKind, errMsg, id,
		store.JobStatusPending, store.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to mark job %s %s: %w", id, status, err)
	}
	return requireRow(res)
}

// SetCostEstimate records the pre-submission cost estimate.
func (s *Store) SetCostEstimate(ctx context.Context, id uuid.UUID, estimate float64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE training_jobs SET cost_estimate = $1 WHERE id = $2", estimate, id)
	return err
}

// AppendJobLogs persists a chunk of log output for exactly one job.
func (s *Store) AppendJobLogs(ctx context.Context, id uuid.UUID, content string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO job_logs (job_id, content) VALUES ($1, $2)", id, content)
	if err != nil {
		return fmt.Errorf("failed to append logs for job %s: %w", id, err)
	}
	return nil
}

// GetJobLogs returns persisted log chunks after the given log id.
func (s *Store) GetJobLogs(ctx context.Context, id uuid.UUID, afterID int64, limit int) ([]store.JobLog, error) {
	if limit <= 0 {
		limit = 1000
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, content, created_at
		FROM job_logs
		WHERE job_id = $1 AND id > $2
		ORDER BY id ASC
		LIMIT $3
	`, id, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch logs for job %s: %w", id, err)
	}
	defer rows.Close()

	var logs []store.JobLog
	for rows.Next() {
		var l store.JobLog
		if err := rows.Scan(&l.ID, &l.JobID, &l.Content, &l.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// MergeJobMetrics folds new metric samples into the job's metrics map using a
// JSONB merge, so concurrent monitors updating different jobs never conflict.
func (s *Store) MergeJobMetrics(ctx context.Context, id uuid.UUID, metrics map[string]float64) error {
	if len(metrics) == 0 {
		return nil
	}
	metricsJSON, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		"UPDATE training_jobs SET metrics = metrics || $1::jsonb WHERE id = $2", metricsJSON, id)
	if err != nil {
		return fmt.Errorf("failed to merge metrics for job %s: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*store.TrainingJob, error) {
	var job store.TrainingJob
	var configJSON, metricsJSON []byte

	err := row.Scan(
		&job.ID, &job.RemoteID, &job.Provider, &configJSON, &job.Status,
		&job.ErrorKind, &job.ErrorMessage, &metricsJSON, &job.CostEstimate,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	var cfg platform.TrainingConfig
	if err := json.Unmarshal(configJSON, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	job.Config = cfg

	metrics := map[string]float64{}
	if len(metricsJSON) > 0 {
		if err := json.Unmarshal(metricsJSON, &metrics); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metrics: %w", err)
		}
	}
	job.Metrics = metrics

	return &job, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrStaleTransition
	}
	return nil
}
