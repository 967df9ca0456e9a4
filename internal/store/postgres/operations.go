package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tuneplane/internal/store"
)

// EnqueueOperation persists a pending operation. The row is committed before
// this returns, so the intent survives a process restart.
func (s *Store) EnqueueOperation(ctx context.Context, op *store.QueuedOperation) error {
	query := `
		INSERT INTO operation_queue (id, op_type, resource_key, payload, status, attempt, next_attempt_at, enqueued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`
	nextAttempt := op.NextAttemptAt
	if nextAttempt.IsZero() {
		nextAttempt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, query,
		op.ID, op.Type, op.ResourceKey, op.Payload, store.OperationPending, op.Attempt, nextAttempt)
	if err != nil {
		return fmt.Errorf("failed to enqueue operation %s: %w", op.ID, err)
	}
	return nil
}

// PendingOperations returns all pending operations, oldest first. Enqueue
// order within a resource key is the replay order.
func (s *Store) PendingOperations(ctx context.Context) ([]store.QueuedOperation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, op_type, resource_key, payload, status, attempt, next_attempt_at, last_error, enqueued_at
		FROM operation_queue
		WHERE status = $1
		ORDER BY enqueued_at ASC
	`, store.OperationPending)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending operations: %w", err)
	}
	defer rows.Close()

	return scanOperations(rows)
}

// ClaimOperation transitions pending -> in_flight with a status guard, so two
// concurrent drains never replay the same operation.
func (s *Store) ClaimOperation(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE operation_queue SET status = $1 WHERE id = $2 AND status = $3
	`, store.OperationInFlight, id, store.OperationPending)
	if err != nil {
		return fmt.Errorf("failed to claim operation %s: %w", id, err)
	}
	return requireRow(res)
}

// CompleteOperation transitions in_flight -> done.
func (s *Store) CompleteOperation(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE operation_queue SET status = $1 WHERE id = $2 AND status = $3
	`, store.OperationDone, id, store.OperationInFlight)
	if err != nil {
		return fmt.Errorf("failed to complete operation %s: %w", id, err)
	}
	return requireRow(res)
}

// RequeueOperation returns an in_flight operation to pending after a failed
// replay. The operation keeps its enqueue position so replay order per
// resource is preserved.
func (s *Store) RequeueOperation(ctx context.Context, id uuid.UUID, attempt int, nextAttempt time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE operation_queue
		SET status = $1, attempt = $2, next_attempt_at = $3, last_error = $4
		WHERE id = $5 AND status = $6
	`, store.OperationPending, attempt, nextAttempt, lastErr, id, store.OperationInFlight)
	if err != nil {
		return fmt.Errorf("failed to requeue operation %s: %w", id, err)
	}
	return requireRow(res)
}

// RecoverInFlight returns operations stranded in_flight by a previous process
// to pending so the next sync replays them. Runs before the drain loop starts,
// when no live replay can be holding a claim.
func (s *Store) RecoverInFlight(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE operation_queue SET status = $1 WHERE status = $2
	`, store.OperationPending, store.OperationInFlight)
	if err != nil {
		return 0, fmt.Errorf("failed to recover in-flight operations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count recovered operations: %w", err)
	}
	return n, nil
}

// DeleteOperation removes an operation after explicit user cancellation. Only
// a still-pending operation can be withdrawn; deleting an in_flight row would
// pull an intent out from under its replay.
func (s *Store) DeleteOperation(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM operation_queue WHERE id = $1 AND status = $2", id, store.OperationPending)
	if err != nil {
		return fmt.Errorf("failed to delete operation %s: %w", id, err)
	}
	return requireRow(res)
}

// ListOperations returns all operations, newest first.
func (s *Store) ListOperations(ctx context.Context) ([]store.QueuedOperation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, op_type, resource_key, payload, status, attempt, next_attempt_at, last_error, enqueued_at
		FROM operation_queue
		ORDER BY enqueued_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	return scanOperations(rows)
}

// CountPending returns the number of pending operations.
func (s *Store) CountPending(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM operation_queue WHERE status = $1", store.OperationPending).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending operations: %w", err)
	}
	return count, nil
}

func scanOperations(rows *sql.Rows) ([]store.QueuedOperation, error) {
	var ops []store.QueuedOperation
	for rows.Next() {
		var op store.QueuedOperation
		err := rows.Scan(&op.ID, &op.Type, &op.ResourceKey, &op.Payload, &op.Status,
			&op.Attempt, &op.NextAttemptAt, &op.LastError, &op.EnqueuedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}
