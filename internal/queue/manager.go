// Package queue buffers operations issued while disconnected and replays
// them once connectivity returns. Durability comes from the state store; the
// manager itself is stateless across restarts.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"tuneplane/internal/backoff"
	"tuneplane/internal/store"
)

// Executor replays one queued operation. Returning nil marks the operation
// done; any error requeues it with backoff. An executor that resolves an
// intent terminally (for example by failing the owning job) returns nil —
// the intent is settled even though the outcome is a failure.
type Executor interface {
	Execute(ctx context.Context, op store.QueuedOperation) error
}

// Probe reports whether the process currently has connectivity.
type Probe interface {
	Online(ctx context.Context) bool
}

// Config holds queue manager tunables.
type Config struct {
	// SyncInterval is how often the background loop checks for work.
	SyncInterval time.Duration
	// RetryBase and RetryMax bound the per-operation backoff schedule.
	RetryBase time.Duration
	RetryMax  time.Duration
}

// Manager is the offline queue manager.
type Manager struct {
	ops   store.OperationStore
	exec  Executor
	probe Probe
	cfg   Config
	log   *slog.Logger

	mu      sync.Mutex
	syncing bool

	syncNow chan struct{}
}

// New creates a queue manager. The executor is typically the orchestrator.
func New(ops store.OperationStore, exec Executor, probe Probe, cfg Config, log *slog.Logger) *Manager {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 15 * time.Second
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 5 * time.Minute
	}
	return &Manager{
		ops:     ops,
		exec:    exec,
		probe:   probe,
		cfg:     cfg,
		log:     log,
		syncNow: make(chan struct{}, 1),
	}
}

// Enqueue captures an intent for later replay. The operation is durable in
// the state store before Enqueue returns.
func (m *Manager) Enqueue(ctx context.Context, opType store.OperationType, resourceKey string, payload interface{}) (*store.QueuedOperation, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode operation payload: %w", err)
	}

	op := &store.QueuedOperation{
		ID:          uuid.New(),
		Type:        opType,
		ResourceKey: resourceKey,
		Payload:     data,
		Status:      store.OperationPending,
	}
	if err := m.ops.EnqueueOperation(ctx, op); err != nil {
		return nil, err
	}

	m.log.Info("operation queued for replay",
		"operation_id", op.ID, "type", opType, "resource", resourceKey)
	return op, nil
}

// Sync drains the queue once. Operations are grouped by resource key and
// replayed in enqueue order within each group; a failed replay requeues the
// operation in place and stops that group's drain so nothing overtakes it.
// Other groups continue independently.
func (m *Manager) Sync(ctx context.Context) error {
	m.mu.Lock()
	if m.syncing {
		m.mu.Unlock()
		return nil
	}
	m.syncing = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.syncing = false
		m.mu.Unlock()
	}()

	pending, err := m.ops.PendingOperations(ctx)
	if err != nil {
		return fmt.Errorf("failed to load pending operations: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	// Group per resource, preserving enqueue order within each group.
	groups := make(map[string][]store.QueuedOperation)
	var order []string
	for _, op := range pending {
		if _, ok := groups[op.ResourceKey]; !ok {
			order = append(order, op.ResourceKey)
		}
		groups[op.ResourceKey] = append(groups[op.ResourceKey], op)
	}

	var failed int
	now := time.Now()
	for _, key := range order {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !m.drainResource(ctx, groups[key], now) {
			failed++
		}
	}

	if failed > 0 {
		m.log.Warn("sync finished degraded", "blocked_resources", failed)
	}
	return nil
}

// drainResource replays one resource's operations in order. Returns false if
// the drain stopped on a failure or a not-yet-due head.
func (m *Manager) drainResource(ctx context.Context, ops []store.QueuedOperation, now time.Time) bool {
	for _, op := range ops {
		if op.NextAttemptAt.After(now) {
			// The head of this resource is still backing off; everything
			// behind it must wait to preserve replay order.
			return false
		}

		if err := m.ops.ClaimOperation(ctx, op.ID); err != nil {
			if err == store.ErrStaleTransition {
				return false
			}
			m.log.Error("failed to claim operation", "operation_id", op.ID, "error", err)
			return false
		}

		if err := m.exec.Execute(ctx, op); err != nil {
			attempt := op.Attempt + 1
			delay := backoff.Policy{Base: m.cfg.RetryBase, Max: m.cfg.RetryMax}.Delay(attempt)
			next := time.Now().Add(delay)

			m.log.Warn("operation replay failed, requeued",
				"operation_id", op.ID, "type", op.Type, "attempt", attempt,
				"next_attempt", next, "error", err)

			if reqErr := m.ops.RequeueOperation(ctx, op.ID, attempt, next, err.Error()); reqErr != nil {
				m.log.Error("failed to requeue operation", "operation_id", op.ID, "error", reqErr)
			}
			return false
		}

		if err := m.ops.CompleteOperation(ctx, op.ID); err != nil {
			m.log.Error("failed to mark operation done", "operation_id", op.ID, "error", err)
			return false
		}
		m.log.Info("operation replayed", "operation_id", op.ID, "type", op.Type)
	}
	return true
}

// Run is the background sync loop. It blocks until the context is cancelled.
// Before the first tick it returns operations stranded in_flight by a crashed
// predecessor to pending; at this point no replay can be live, so every
// in_flight row is an interrupted claim.
func (m *Manager) Run(ctx context.Context) error {
	if n, err := m.ops.RecoverInFlight(ctx); err != nil {
		m.log.Error("failed to recover interrupted operations", "error", err)
	} else if n > 0 {
		m.log.Info("recovered interrupted operations", "count", n)
		m.TriggerSync()
	}

	ticker := time.NewTicker(m.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-m.syncNow:
		}

		if !m.probe.Online(ctx) {
			continue
		}
		if err := m.Sync(ctx); err != nil && ctx.Err() == nil {
			m.log.Error("sync failed", "error", err)
		}
	}
}

// TriggerSync requests an immediate sync from the background loop without
// blocking. Used after enqueue and after connectivity flips to online.
func (m *Manager) TriggerSync() {
	select {
	case m.syncNow <- struct{}{}:
	default:
		// A sync is already pending.
	}
}

// List returns all queued operations for inspection.
func (m *Manager) List(ctx context.Context) ([]store.QueuedOperation, error) {
	return m.ops.ListOperations(ctx)
}

// CancelOperation removes a pending operation. This is the only way an
// operation leaves the queue without being replayed; an operation already
// in flight cannot be withdrawn (ErrStaleTransition).
func (m *Manager) CancelOperation(ctx context.Context, id uuid.UUID) error {
	return m.ops.DeleteOperation(ctx, id)
}
