// Package storetest provides an in-memory StateStore for tests. It enforces
// the same guarded status transitions as the postgres store so concurrency
// tests exercise real CAS behavior.
package storetest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"tuneplane/internal/store"
)

// Memory implements store.StateStore entirely in memory.
type Memory struct {
	mu        sync.Mutex
	jobs      map[uuid.UUID]*store.TrainingJob
	logs      map[uuid.UUID][]store.JobLog
	nextLogID int64
	artifacts map[uuid.UUID]*store.Artifact
	conns     map[string]*store.PlatformConnection
	ops       []*store.QueuedOperation
	pingErr   error
}

// New creates an empty Memory store.
func New() *Memory {
	return &Memory{
		jobs:      map[uuid.UUID]*store.TrainingJob{},
		logs:      map[uuid.UUID][]store.JobLog{},
		artifacts: map[uuid.UUID]*store.Artifact{},
		conns:     map[string]*store.PlatformConnection{},
	}
}

// SetPingError makes Ping fail, simulating a lost database.
func (m *Memory) SetPingError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingErr = err
}

func (m *Memory) CreateJob(ctx context.Context, job *store.TrainingJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	cp.CreatedAt = time.Now()
	m.jobs[job.ID] = &cp
	return nil
}

func (m *Memory) GetJob(ctx context.Context, id uuid.UUID) (*store.TrainingJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *Memory) ListJobs(ctx context.Context, filter store.JobFilter) ([]store.TrainingJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.TrainingJob
	for _, job := range m.jobs {
		if filter.Provider != "" && job.Provider != filter.Provider {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		out = append(out, *job)
	}
	return out, nil
}

func (m *Memory) MarkRunning(ctx context.Context, id uuid.UUID, remoteID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if job.Status != store.JobStatusPending {
		return store.ErrStaleTransition
	}
	now := time.Now()
	job.Status = store.JobStatusRunning
	job.RemoteID = remoteID
	job.StartedAt = &now
	return nil
}

func (m *Memory) MarkTerminal(ctx context.Context, id uuid.UUID, status store.JobStatus, errKind, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if job.Status.Terminal() {
		return store.ErrStaleTransition
	}
	now := time.Now()
	job.Status = status
	job.ErrorKind = errKind
	job.ErrorMessage = errMsg
	job.CompletedAt = &now
	return nil
}

func (m *Memory) SetCostEstimate(ctx context.Context, id uuid.UUID, estimate float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	job.CostEstimate = estimate
	return nil
}

func (m *Memory) AppendJobLogs(ctx context.Context, id uuid.UUID, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextLogID++
	m.logs[id] = append(m.logs[id], store.JobLog{
		ID: m.nextLogID, JobID: id, Content: content, CreatedAt: time.Now(),
	})
	return nil
}

func (m *Memory) GetJobLogs(ctx context.Context, id uuid.UUID, afterID int64, limit int) ([]store.JobLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.JobLog
	for _, l := range m.logs[id] {
		if l.ID <= afterID {
			continue
		}
		out = append(out, l)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) MergeJobMetrics(ctx context.Context, id uuid.UUID, metrics map[string]float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if job.Metrics == nil {
		job.Metrics = map[string]float64{}
	}
	for k, v := range metrics {
		job.Metrics[k] = v
	}
	return nil
}

func (m *Memory) CreateArtifact(ctx context.Context, artifact *store.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *artifact
	cp.CreatedAt = time.Now()
	m.artifacts[artifact.ID] = &cp
	return nil
}

func (m *Memory) GetArtifact(ctx context.Context, id uuid.UUID) (*store.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.artifacts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) ListArtifacts(ctx context.Context, jobID *uuid.UUID) ([]store.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Artifact
	for _, a := range m.artifacts {
		if jobID != nil && a.JobID != *jobID {
			continue
		}
		out = append(out, *a)
	}
	return out, nil
}

func (m *Memory) UpsertConnection(ctx context.Context, conn *store.PlatformConnection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *conn
	m.conns[conn.Name] = &cp
	return nil
}

func (m *Memory) GetConnection(ctx context.Context, name string) (*store.PlatformConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) ListConnections(ctx context.Context) ([]store.PlatformConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.PlatformConnection
	for _, c := range m.conns {
		out = append(out, *c)
	}
	return out, nil
}

func (m *Memory) EnqueueOperation(ctx context.Context, op *store.QueuedOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *op
	if cp.NextAttemptAt.IsZero() {
		cp.NextAttemptAt = time.Now()
	}
	cp.EnqueuedAt = time.Now()
	m.ops = append(m.ops, &cp)
	return nil
}

func (m *Memory) PendingOperations(ctx context.Context) ([]store.QueuedOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.QueuedOperation
	for _, op := range m.ops {
		if op.Status == store.OperationPending {
			out = append(out, *op)
		}
	}
	return out, nil
}

func (m *Memory) opTransition(id uuid.UUID, from, to store.OperationStatus, mutate func(*store.QueuedOperation)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range m.ops {
		if op.ID == id {
			if op.Status != from {
				return store.ErrStaleTransition
			}
			op.Status = to
			if mutate != nil {
				mutate(op)
			}
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *Memory) ClaimOperation(ctx context.Context, id uuid.UUID) error {
	return m.opTransition(id, store.OperationPending, store.OperationInFlight, nil)
}

func (m *Memory) CompleteOperation(ctx context.Context, id uuid.UUID) error {
	return m.opTransition(id, store.OperationInFlight, store.OperationDone, nil)
}

func (m *Memory) RequeueOperation(ctx context.Context, id uuid.UUID, attempt int, nextAttempt time.Time, lastErr string) error {
	return m.opTransition(id, store.OperationInFlight, store.OperationPending, func(op *store.QueuedOperation) {
		op.Attempt = attempt
		op.NextAttemptAt = nextAttempt
		op.LastError = lastErr
	})
}

func (m *Memory) RecoverInFlight(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, op := range m.ops {
		if op.Status == store.OperationInFlight {
			op.Status = store.OperationPending
			n++
		}
	}
	return n, nil
}

func (m *Memory) DeleteOperation(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, op := range m.ops {
		if op.ID == id {
			if op.Status != store.OperationPending {
				return store.ErrStaleTransition
			}
			m.ops = append(m.ops[:i], m.ops[i+1:]...)
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *Memory) ListOperations(ctx context.Context) ([]store.QueuedOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.QueuedOperation
	for _, op := range m.ops {
		out = append(out, *op)
	}
	return out, nil
}

func (m *Memory) CountPending(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, op := range m.ops {
		if op.Status == store.OperationPending {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pingErr
}
