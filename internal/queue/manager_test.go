package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"tuneplane/internal/store"
)

// memOperations is an in-memory OperationStore. It outlives manager
// instances, which lets tests simulate a process restart.
type memOperations struct {
	mu  sync.Mutex
	ops []*store.QueuedOperation
}

func (m *memOperations) EnqueueOperation(ctx context.Context, op *store.QueuedOperation) error {
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

func (m *memOperations) PendingOperations(ctx context.Context) ([]store.QueuedOperation, error) {
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

func (m *memOperations) transition(id uuid.UUID, from, to store.OperationStatus, mutate func(*store.QueuedOperation)) error {
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

func (m *memOperations) ClaimOperation(ctx context.Context, id uuid.UUID) error {
	return m.transition(id, store.OperationPending, store.OperationInFlight, nil)
}

func (m *memOperations) CompleteOperation(ctx context.Context, id uuid.UUID) error {
	return m.transition(id, store.OperationInFlight, store.OperationDone, nil)
}

func (m *memOperations) RequeueOperation(ctx context.Context, id uuid.UUID, attempt int, nextAttempt time.Time, lastErr string) error {
	return m.transition(id, store.OperationInFlight, store.OperationPending, func(op *store.QueuedOperation) {
		op.Attempt = attempt
		op.NextAttemptAt = nextAttempt
		op.LastError = lastErr
	})
}

func (m *memOperations) RecoverInFlight(ctx context.Context) (int64, error) {
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

func (m *memOperations) DeleteOperation(ctx context.Context, id uuid.UUID) error {
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

func (m *memOperations) ListOperations(ctx context.Context) ([]store.QueuedOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.QueuedOperation
	for _, op := range m.ops {
		out = append(out, *op)
	}
	return out, nil
}

func (m *memOperations) CountPending(ctx context.Context) (int64, error) {
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

func (m *memOperations) get(id uuid.UUID) store.QueuedOperation {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range m.ops {
		if op.ID == id {
			return *op
		}
	}
	return store.QueuedOperation{}
}

// scriptExecutor records execution order and fails ids on demand.
type scriptExecutor struct {
	mu       sync.Mutex
	executed []uuid.UUID
	failIDs  map[uuid.UUID]error
}

func newScriptExecutor() *scriptExecutor {
	return &scriptExecutor{failIDs: map[uuid.UUID]error{}}
}

func (e *scriptExecutor) Execute(ctx context.Context, op store.QueuedOperation) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err, ok := e.failIDs[op.ID]; ok {
		return err
	}
	e.executed = append(e.executed, op.ID)
	return nil
}

func (e *scriptExecutor) order() []uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]uuid.UUID(nil), e.executed...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(ops store.OperationStore, exec Executor) *Manager {
	return New(ops, exec, NewStaticProbe(true), Config{
		RetryBase: 100 * time.Millisecond,
		RetryMax:  time.Second,
	}, testLogger())
}

func TestEnqueue_DurableAcrossRestart(t *testing.T) {
	ops := &memOperations{}
	exec := newScriptExecutor()
	m1 := newTestManager(ops, exec)

	ctx := context.Background()
	op, err := m1.Enqueue(ctx, store.OpSubmitJob, "job-1", map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// Simulate a restart: a new manager over the same durable store.
	m2 := newTestManager(ops, exec)
	list, err := m2.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 1 || list[0].ID != op.ID || list[0].Status != store.OperationPending {
		t.Fatalf("operation lost or mutated across restart: %+v", list)
	}

	if err := m2.Sync(ctx); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if got := ops.get(op.ID).Status; got != store.OperationDone {
		t.Errorf("status after sync = %s, want done", got)
	}
}

func TestSync_PreservesOrderPerResource(t *testing.T) {
	ops := &memOperations{}
	exec := newScriptExecutor()
	m := newTestManager(ops, exec)

	ctx := context.Background()
	a1, _ := m.Enqueue(ctx, store.OpSubmitJob, "job-a", 1)
	a2, _ := m.Enqueue(ctx, store.OpCancelJob, "job-a", 2)
	b1, _ := m.Enqueue(ctx, store.OpSubmitJob, "job-b", 3)
	a3, _ := m.Enqueue(ctx, store.OpUploadArtifact, "job-a", 4)

	if err := m.Sync(ctx); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	order := exec.order()
	if len(order) != 4 {
		t.Fatalf("executed %d operations, want 4", len(order))
	}

	// Relative order within job-a must be a1, a2, a3.
	pos := map[uuid.UUID]int{}
	for i, id := range order {
		pos[id] = i
	}
	if !(pos[a1.ID] < pos[a2.ID] && pos[a2.ID] < pos[a3.ID]) {
		t.Errorf("job-a operations replayed out of order: %v", order)
	}
	if _, ok := pos[b1.ID]; !ok {
		t.Error("job-b operation was not replayed")
	}
}

func TestSync_FailureBlocksResourceButNotOthers(t *testing.T) {
	ops := &memOperations{}
	exec := newScriptExecutor()
	m := newTestManager(ops, exec)

	ctx := context.Background()
	a1, _ := m.Enqueue(ctx, store.OpSubmitJob, "job-a", 1)
	a2, _ := m.Enqueue(ctx, store.OpCancelJob, "job-a", 2)
	b1, _ := m.Enqueue(ctx, store.OpSubmitJob, "job-b", 3)

	exec.failIDs[a1.ID] = errors.New("platform unreachable")

	if err := m.Sync(ctx); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	// a1 failed: requeued pending with backoff, a2 untouched, b1 done.
	got := ops.get(a1.ID)
	if got.Status != store.OperationPending {
		t.Errorf("a1 status = %s, want pending (requeued)", got.Status)
	}
	if got.Attempt != 1 {
		t.Errorf("a1 attempt = %d, want 1", got.Attempt)
	}
	if !got.NextAttemptAt.After(time.Now()) {
		t.Error("a1 should be backing off into the future")
	}
	if got.LastError == "" {
		t.Error("a1 should record the replay error")
	}

	if s := ops.get(a2.ID).Status; s != store.OperationPending {
		t.Errorf("a2 status = %s, want pending (must not overtake a1)", s)
	}
	if s := ops.get(b1.ID).Status; s != store.OperationDone {
		t.Errorf("b1 status = %s, want done (independent resource)", s)
	}

	// An immediate second sync must not replay a1 while it backs off.
	if err := m.Sync(ctx); err != nil {
		t.Fatalf("second Sync failed: %v", err)
	}
	for _, id := range exec.order() {
		if id == a1.ID || id == a2.ID {
			t.Errorf("operation %s replayed during backoff window", id)
		}
	}
}

func TestSync_RetriesAfterBackoff(t *testing.T) {
	ops := &memOperations{}
	exec := newScriptExecutor()
	m := newTestManager(ops, exec)

	ctx := context.Background()
	a1, _ := m.Enqueue(ctx, store.OpSubmitJob, "job-a", 1)
	exec.failIDs[a1.ID] = errors.New("transient")

	if err := m.Sync(ctx); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	// Heal the executor and move past the backoff window.
	delete(exec.failIDs, a1.ID)
	time.Sleep(150 * time.Millisecond)

	if err := m.Sync(ctx); err != nil {
		t.Fatalf("retry Sync failed: %v", err)
	}
	if s := ops.get(a1.ID).Status; s != store.OperationDone {
		t.Errorf("a1 status = %s, want done after retry", s)
	}
}

func TestCancelOperation(t *testing.T) {
	ops := &memOperations{}
	m := newTestManager(ops, newScriptExecutor())

	ctx := context.Background()
	op, _ := m.Enqueue(ctx, store.OpSubmitJob, "job-a", 1)

	if err := m.CancelOperation(ctx, op.ID); err != nil {
		t.Fatalf("CancelOperation failed: %v", err)
	}
	list, _ := m.List(ctx)
	if len(list) != 0 {
		t.Errorf("expected empty queue after cancel, got %d", len(list))
	}
}

func TestCancelOperation_InFlightNotWithdrawn(t *testing.T) {
	ops := &memOperations{}
	m := newTestManager(ops, newScriptExecutor())

	ctx := context.Background()
	op, _ := m.Enqueue(ctx, store.OpSubmitJob, "job-a", 1)
	if err := ops.ClaimOperation(ctx, op.ID); err != nil {
		t.Fatalf("ClaimOperation failed: %v", err)
	}

	if err := m.CancelOperation(ctx, op.ID); err != store.ErrStaleTransition {
		t.Fatalf("CancelOperation on in-flight op = %v, want ErrStaleTransition", err)
	}
	if got := ops.get(op.ID).Status; got != store.OperationInFlight {
		t.Errorf("status after refused cancel = %s, want in_flight", got)
	}
}

func TestRun_ReplaysOperationInterruptedByCrash(t *testing.T) {
	ops := &memOperations{}
	exec := newScriptExecutor()
	m1 := newTestManager(ops, exec)

	ctx := context.Background()
	op, err := m1.Enqueue(ctx, store.OpSubmitJob, "job-a", 1)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// The previous process claimed the operation and died before finishing
	// it. The row stays in_flight in the durable store.
	if err := ops.ClaimOperation(ctx, op.ID); err != nil {
		t.Fatalf("ClaimOperation failed: %v", err)
	}

	// A fresh manager's background loop must return the row to pending and
	// replay it; Sync alone only sees pending rows.
	m2 := New(ops, exec, NewStaticProbe(true), Config{
		SyncInterval: 10 * time.Millisecond,
		RetryBase:    time.Millisecond,
		RetryMax:     time.Millisecond,
	}, testLogger())

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		m2.Run(runCtx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for ops.get(op.ID).Status != store.OperationDone {
		if time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if got := ops.get(op.ID).Status; got != store.OperationDone {
		t.Fatalf("status after restart = %s, want done", got)
	}
	if order := exec.order(); len(order) != 1 || order[0] != op.ID {
		t.Errorf("executor calls = %v, want exactly one replay of %s", order, op.ID)
	}
}

func TestRun_OfflineNeverSyncs(t *testing.T) {
	ops := &memOperations{}
	exec := newScriptExecutor()
	probe := NewStaticProbe(false)
	m := New(ops, exec, probe, Config{
		SyncInterval: 10 * time.Millisecond,
		RetryBase:    time.Millisecond,
		RetryMax:     time.Millisecond,
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	m.Enqueue(ctx, store.OpSubmitJob, "job-a", 1)

	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	time.Sleep(60 * time.Millisecond)
	cancel()
	<-done

	if len(exec.order()) != 0 {
		t.Error("operations replayed while offline")
	}
}
