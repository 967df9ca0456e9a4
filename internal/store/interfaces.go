package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrStaleTransition is returned when a guarded status update matched no row,
// meaning another writer moved the entity first. Callers treat it as a lost
// race, not a failure.
var ErrStaleTransition = errors.New("store: stale status transition")

// JobFilter narrows ListJobs. Zero values match everything.
type JobFilter struct {
	Provider string
	Status   JobStatus
	Limit    int
}

// JobStore handles the persistence of training jobs and their log history.
// Status transitions are guarded so concurrent monitors for different jobs
// proceed independently while updates to one job are serialized by the row.
type JobStore interface {
	// CreateJob inserts a new job in its initial status.
	CreateJob(ctx context.Context, job *TrainingJob) error

	// GetJob returns a job by its ID.
	GetJob(ctx context.Context, id uuid.UUID) (*TrainingJob, error)

	// ListJobs returns jobs matching the filter, newest first.
	ListJobs(ctx context.Context, filter JobFilter) ([]TrainingJob, error)

	// MarkRunning transitions pending -> running and records the remote id.
	// Returns ErrStaleTransition if the job was not pending.
	MarkRunning(ctx context.Context, id uuid.UUID, remoteID string) error

	// MarkTerminal transitions a non-terminal job to succeeded, failed or
	// cancelled, recording the error taxonomy kind and message for failures.
	MarkTerminal(ctx context.Context, id uuid.UUID, status JobStatus, errKind, errMsg string) error

	// SetCostEstimate records the pre-submission cost estimate.
	SetCostEstimate(ctx context.Context, id uuid.UUID, estimate float64) error

	// AppendJobLogs persists a chunk of log output for exactly one job.
	AppendJobLogs(ctx context.Context, id uuid.UUID, content string) error

	// GetJobLogs returns persisted log chunks after the given log id.
	GetJobLogs(ctx context.Context, id uuid.UUID, afterID int64, limit int) ([]JobLog, error)

	// MergeJobMetrics folds new metric samples into the job's metrics map.
	MergeJobMetrics(ctx context.Context, id uuid.UUID, metrics map[string]float64) error
}

// ArtifactStore handles trained artifact records.
type ArtifactStore interface {
	// CreateArtifact inserts an artifact row. Exactly one row per succeeded
	// job; the hash has already been verified by the caller.
	CreateArtifact(ctx context.Context, artifact *Artifact) error

	// GetArtifact returns an artifact by its ID.
	GetArtifact(ctx context.Context, id uuid.UUID) (*Artifact, error)

	// ListArtifacts returns artifacts, optionally scoped to one job.
	ListArtifacts(ctx context.Context, jobID *uuid.UUID) ([]Artifact, error)
}

// ConnectionStore handles platform connection health records.
type ConnectionStore interface {
	// UpsertConnection creates or updates the single row for a platform.
	UpsertConnection(ctx context.Context, conn *PlatformConnection) error

	// GetConnection returns the record for one platform.
	GetConnection(ctx context.Context, name string) (*PlatformConnection, error)

	// ListConnections returns all platform records.
	ListConnections(ctx context.Context) ([]PlatformConnection, error)
}

// OperationStore is the durable backing of the offline queue.
type OperationStore interface {
	// EnqueueOperation persists a pending operation. The operation is durable
	// once this returns nil.
	EnqueueOperation(ctx context.Context, op *QueuedOperation) error

	// PendingOperations returns all pending operations in enqueue order.
	// Ordering within a resource key is the replay order; the queue manager
	// applies NextAttemptAt itself because a not-yet-due operation must
	// block later operations on the same resource, not be skipped.
	PendingOperations(ctx context.Context) ([]QueuedOperation, error)

	// ClaimOperation transitions pending -> in_flight. ErrStaleTransition if
	// another drainer claimed it first.
	ClaimOperation(ctx context.Context, id uuid.UUID) error

	// CompleteOperation transitions in_flight -> done.
	CompleteOperation(ctx context.Context, id uuid.UUID) error

	// RequeueOperation returns an in_flight operation to pending with a new
	// attempt count, next-attempt time and last error.
	RequeueOperation(ctx context.Context, id uuid.UUID, attempt int, nextAttempt time.Time, lastErr string) error

	// RecoverInFlight returns every in_flight operation to pending and
	// reports how many rows moved. Called once at startup, before any drain
	// runs: an in_flight row at that point belongs to a replay that died
	// with the previous process.
	RecoverInFlight(ctx context.Context) (int64, error)

	// DeleteOperation removes an operation. Used only for explicit user
	// cancellation of a still-pending intent; ErrStaleTransition if the
	// operation is already in_flight or done.
	DeleteOperation(ctx context.Context, id uuid.UUID) error

	// ListOperations returns all operations, newest first, for inspection.
	ListOperations(ctx context.Context) ([]QueuedOperation, error)

	// CountPending returns the number of pending operations.
	CountPending(ctx context.Context) (int64, error)
}

// StateStore is the full persistence surface, the single source of truth for
// jobs, artifacts, connections and queued operations. The orchestrator and
// queue manager write through this API only.
type StateStore interface {
	JobStore
	ArtifactStore
	ConnectionStore
	OperationStore
	Ping(ctx context.Context) error
}
