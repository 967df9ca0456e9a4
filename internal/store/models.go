// Package store contains the database layer for tuneplane.
package store

import (
	"time"

	"github.com/google/uuid"

	"tuneplane/internal/platform"
)

// JobStatus represents the state of a training job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed || s == JobStatusCancelled
}

// TrainingJob represents one submission of a training config.
// The job id is generated locally so that jobs queued while offline have a
// stable identity before any platform has seen them; RemoteID is filled in
// once a connector accepts the submission. Jobs are never deleted.
type TrainingJob struct {
	ID           uuid.UUID
	RemoteID     string
	Provider     string
	Config       platform.TrainingConfig
	Status       JobStatus
	ErrorKind    string
	ErrorMessage string
	Metrics      map[string]float64
	CostEstimate float64
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// JobLog is one persisted chunk of a job's log output.
type JobLog struct {
	ID        int64
	JobID     uuid.UUID
	Content   string
	CreatedAt time.Time
}

// Artifact is a trained adapter produced by a succeeded job. Immutable once
// written; the stored hash equals the hash the platform reported, verified
// before the row was created.
type Artifact struct {
	ID        uuid.UUID
	JobID     uuid.UUID
	Path      string
	SizeBytes int64
	SHA256    string
	Metadata  map[string]string
	CreatedAt time.Time
}

// ConnectionStatus represents the verification state of a platform.
type ConnectionStatus string

const (
	ConnectionUnverified  ConnectionStatus = "unverified"
	ConnectionConnected   ConnectionStatus = "connected"
	ConnectionInvalid     ConnectionStatus = "invalid"
	ConnectionUnreachable ConnectionStatus = "unreachable"
)

// PlatformConnection is the per-platform health record, one row per platform
// name. Secrets never appear here; at most a "has_credentials" metadata flag.
type PlatformConnection struct {
	Name           string
	Status         ConnectionStatus
	LastVerifiedAt *time.Time
	Metadata       map[string]string
	CreatedAt      time.Time
}

// OperationStatus represents the replay state of a queued operation.
type OperationStatus string

const (
	OperationPending  OperationStatus = "pending"
	OperationInFlight OperationStatus = "in_flight"
	OperationDone     OperationStatus = "done"
)

// OperationType identifies the intent captured by a queued operation.
type OperationType string

const (
	OpSubmitJob      OperationType = "submit_job"
	OpCancelJob      OperationType = "cancel_job"
	OpUploadArtifact OperationType = "upload_artifact"
)

// QueuedOperation is a serialized intent captured while offline. Operations
// sharing a ResourceKey replay in enqueue order; there is no terminal failed
// state — failed replays go back to pending with a later NextAttemptAt.
type QueuedOperation struct {
	ID            uuid.UUID
	Type          OperationType
	ResourceKey   string
	Payload       []byte
	Status        OperationStatus
	Attempt       int
	NextAttemptAt time.Time
	LastError     string
	EnqueuedAt    time.Time
}
