// Package orchestrator owns the training job lifecycle: submission (online or
// captured for offline replay), per-job log monitoring, artifact retrieval and
// cancellation. It coordinates the registry, state store, artifact store and
// offline queue but contains no platform-specific logic.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"tuneplane/internal/artifacts"
	"tuneplane/internal/backoff"
	"tuneplane/internal/platform"
	"tuneplane/internal/platform/registry"
	"tuneplane/internal/queue"
	"tuneplane/internal/store"
)

// Queue is the offline queue surface the orchestrator needs. Satisfied by
// *queue.Manager; narrowed so tests can fake it.
type Queue interface {
	Enqueue(ctx context.Context, opType store.OperationType, resourceKey string, payload interface{}) (*store.QueuedOperation, error)
	TriggerSync()
}

// Config holds orchestrator tunables.
type Config struct {
	// StreamRetry bounds log stream reconnection after transient drops.
	StreamRetry backoff.Policy
	// LogBatchSize and LogFlushInterval control how streamed lines are
	// batched before hitting the state store.
	LogBatchSize     int
	LogFlushInterval time.Duration
	// SubscriberBuffer is the per-subscriber log channel capacity.
	SubscriberBuffer int
	// FetchRetry bounds artifact fetch attempts while the platform finalizes
	// the output after the log stream ends.
	FetchRetry backoff.Policy
}

func (c *Config) applyDefaults() {
	if c.StreamRetry.Base <= 0 {
		c.StreamRetry = backoff.Policy{Base: time.Second, Max: 8 * time.Second, Limit: 4}
	}
	if c.LogBatchSize <= 0 {
		c.LogBatchSize = 100
	}
	if c.LogFlushInterval <= 0 {
		c.LogFlushInterval = time.Second
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = 256
	}
	if c.FetchRetry.Base <= 0 {
		c.FetchRetry = backoff.Policy{Base: 2 * time.Second, Max: 30 * time.Second, Limit: 5}
	}
}

// Orchestrator drives training jobs from submission to a terminal state.
type Orchestrator struct {
	registry *registry.Registry
	st       store.StateStore
	blobs    *artifacts.Store
	probe    queue.Probe
	cfg      Config
	log      *slog.Logger

	queue Queue

	tracer trace.Tracer

	jobsSubmitted metric.Int64Counter
	jobsFinished  metric.Int64Counter
	linesStreamed metric.Int64Counter

	mu           sync.Mutex
	monitors     map[uuid.UUID]context.CancelFunc
	broadcasters map[uuid.UUID]*broadcaster
	wg           sync.WaitGroup
}

// New creates an orchestrator. AttachQueue must be called before StartTraining.
func New(reg *registry.Registry, st store.StateStore, blobs *artifacts.Store, probe queue.Probe, cfg Config, log *slog.Logger) (*Orchestrator, error) {
	cfg.applyDefaults()

	meter := otel.Meter("tuneplane-orchestrator")
	jobsSubmitted, err := meter.Int64Counter("jobs_submitted_total",
		metric.WithDescription("Training jobs accepted for submission"))
	if err != nil {
		return nil, fmt.Errorf("failed to create jobs counter: %w", err)
	}
	jobsFinished, err := meter.Int64Counter("jobs_finished_total",
		metric.WithDescription("Training jobs reaching a terminal status"))
	if err != nil {
		return nil, fmt.Errorf("failed to create finished counter: %w", err)
	}
	linesStreamed, err := meter.Int64Counter("log_lines_streamed_total",
		metric.WithDescription("Log lines consumed from platform streams"))
	if err != nil {
		return nil, fmt.Errorf("failed to create lines counter: %w", err)
	}

	return &Orchestrator{
		registry:      reg,
		st:            st,
		blobs:         blobs,
		probe:         probe,
		cfg:           cfg,
		log:           log,
		tracer:        otel.Tracer("tuneplane-orchestrator"),
		jobsSubmitted: jobsSubmitted,
		jobsFinished:  jobsFinished,
		linesStreamed: linesStreamed,
		monitors:      make(map[uuid.UUID]context.CancelFunc),
		broadcasters:  make(map[uuid.UUID]*broadcaster),
	}, nil
}

// AttachQueue wires the offline queue. Separate from New because the queue's
// executor is the orchestrator itself.
func (o *Orchestrator) AttachQueue(q Queue) { o.queue = q }

type submitPayload struct {
	JobID uuid.UUID `json:"job_id"`
}

type cancelPayload struct {
	JobID uuid.UUID `json:"job_id"`
}

type uploadPayload struct {
	ArtifactID uuid.UUID `json:"artifact_id"`
	Platform   string    `json:"platform"`
}

// StartTraining records a new job and submits it to its platform. When the
// process is offline, or submission fails transiently, the intent is captured
// in the offline queue and the job stays pending; the job id is valid either
// way. Terminal submission errors fail the job immediately.
func (o *Orchestrator) StartTraining(ctx context.Context, cfg platform.TrainingConfig) (*store.TrainingJob, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.start_training",
		trace.WithAttributes(attribute.String("provider", cfg.Provider)))
	defer span.End()

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	if _, err := o.registry.Get(cfg.Provider); err != nil {
		return nil, err
	}

	job := &store.TrainingJob{
		ID:       uuid.New(),
		Provider: cfg.Provider,
		Config:   cfg,
		Status:   store.JobStatusPending,
		Metrics:  map[string]float64{},
	}
	if err := o.st.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}
	o.jobsSubmitted.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", cfg.Provider)))

	if !o.probe.Online(ctx) {
		if err := o.deferSubmit(ctx, job); err != nil {
			return nil, err
		}
		return job, nil
	}

	if err := o.submit(ctx, job); err != nil {
		if platform.Retryable(err) {
			o.log.Warn("submission failed transiently, capturing for replay",
				"job_id", job.ID, "provider", job.Provider, "error", err)
			if qErr := o.deferSubmit(ctx, job); qErr != nil {
				return nil, qErr
			}
			return job, nil
		}
		o.failJob(ctx, job.ID, err)
		return nil, err
	}

	return o.st.GetJob(ctx, job.ID)
}

func (o *Orchestrator) deferSubmit(ctx context.Context, job *store.TrainingJob) error {
	_, err := o.queue.Enqueue(ctx, store.OpSubmitJob, job.ID.String(), submitPayload{JobID: job.ID})
	if err != nil {
		return fmt.Errorf("failed to queue submission: %w", err)
	}
	o.log.Info("job submission queued", "job_id", job.ID, "provider", job.Provider)
	return nil
}

// submit pushes one pending job to its platform and starts its monitor.
func (o *Orchestrator) submit(ctx context.Context, job *store.TrainingJob) error {
	conn, err := o.registry.Get(job.Provider)
	if err != nil {
		return err
	}

	o.estimateCost(ctx, conn, job)

	remoteID, err := conn.SubmitJob(ctx, job.Config)
	if err != nil {
		return err
	}

	if err := o.st.MarkRunning(ctx, job.ID, remoteID); err != nil {
		if err == store.ErrStaleTransition {
			// The job was cancelled between create and accept. Undo the
			// remote submission if the platform allows it.
			o.log.Warn("job left pending before submission completed, cancelling remote",
				"job_id", job.ID, "remote_id", remoteID)
			o.cancelRemote(ctx, conn, remoteID)
			return nil
		}
		return fmt.Errorf("failed to mark job running: %w", err)
	}

	o.log.Info("job submitted", "job_id", job.ID, "provider", job.Provider, "remote_id", remoteID)
	o.startMonitor(job.ID, job.Provider, remoteID)
	return nil
}

// estimateCost records price * requested hours when both are known. Best
// effort: pricing failures never block a submission.
func (o *Orchestrator) estimateCost(ctx context.Context, conn platform.Connector, job *store.TrainingJob) {
	if job.Config.ResourceID == "" || job.Config.MaxHours <= 0 {
		return
	}
	pricing, err := conn.GetPricing(ctx, job.Config.ResourceID)
	if err != nil {
		o.log.Warn("cost estimate unavailable",
			"job_id", job.ID, "resource", job.Config.ResourceID, "error", err)
		return
	}
	price := pricing.PricePerHour
	if pricing.SpotPerHour > 0 && pricing.SpotPerHour < price {
		price = pricing.SpotPerHour
	}
	estimate := price * job.Config.MaxHours
	if err := o.st.SetCostEstimate(ctx, job.ID, estimate); err != nil {
		o.log.Warn("failed to record cost estimate", "job_id", job.ID, "error", err)
	}
}

// Cancel moves a job to cancelled. Idempotent: cancelling a terminal job is a
// no-op. Remote cancellation is best effort and queued when offline.
func (o *Orchestrator) Cancel(ctx context.Context, id uuid.UUID) error {
	job, err := o.st.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	o.stopMonitor(id)

	if err := o.st.MarkTerminal(ctx, id, store.JobStatusCancelled, "", ""); err != nil {
		if err == store.ErrStaleTransition {
			return nil
		}
		return err
	}
	o.jobsFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", job.Provider),
		attribute.String("status", string(store.JobStatusCancelled))))
	o.closeBroadcaster(id)

	if job.RemoteID == "" {
		return nil
	}

	conn, err := o.registry.Get(job.Provider)
	if err != nil {
		return nil
	}
	if !registry.SupportsCancel(conn) {
		o.log.Info("platform does not support remote cancellation, cancelled locally",
			"job_id", id, "provider", job.Provider)
		return nil
	}

	if !o.probe.Online(ctx) {
		_, err := o.queue.Enqueue(ctx, store.OpCancelJob, id.String(), cancelPayload{JobID: id})
		return err
	}
	o.cancelRemote(ctx, conn, job.RemoteID)
	return nil
}

func (o *Orchestrator) cancelRemote(ctx context.Context, conn platform.Connector, remoteID string) {
	canceler, ok := conn.(platform.Canceler)
	if !ok {
		return
	}
	if err := canceler.CancelJob(ctx, remoteID); err != nil {
		o.log.Warn("remote cancellation failed", "remote_id", remoteID, "error", err)
	}
}

// GetJob returns one job.
func (o *Orchestrator) GetJob(ctx context.Context, id uuid.UUID) (*store.TrainingJob, error) {
	return o.st.GetJob(ctx, id)
}

// ListJobs returns jobs matching the filter.
func (o *Orchestrator) ListJobs(ctx context.Context, filter store.JobFilter) ([]store.TrainingJob, error) {
	return o.st.ListJobs(ctx, filter)
}

// Logs returns persisted log chunks for one job.
func (o *Orchestrator) Logs(ctx context.Context, id uuid.UUID, afterID int64, limit int) ([]store.JobLog, error) {
	return o.st.GetJobLogs(ctx, id, afterID, limit)
}

// Subscribe attaches a live log subscriber to a job. The returned channel
// carries only this job's lines and closes when its stream ends; the cancel
// func detaches early. Subscribing to a terminal job yields a closed channel.
func (o *Orchestrator) Subscribe(ctx context.Context, id uuid.UUID) (<-chan platform.LogLine, func(), error) {
	job, err := o.st.GetJob(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	b, ok := o.broadcasters[id]
	if !ok {
		b = newBroadcaster(o.cfg.SubscriberBuffer)
		if job.Status.Terminal() {
			// Nothing will ever publish; hand out a closed channel without
			// retaining the broadcaster.
			b.close()
		} else {
			o.broadcasters[id] = b
		}
	}
	ch, unsub := b.subscribe()
	return ch, unsub, nil
}

// ListArtifacts returns artifact records, optionally scoped to one job.
func (o *Orchestrator) ListArtifacts(ctx context.Context, jobID *uuid.UUID) ([]store.Artifact, error) {
	return o.st.ListArtifacts(ctx, jobID)
}

// OpenArtifact returns an artifact record and a reader over its bytes after
// re-verifying the stored file against its recorded hash.
func (o *Orchestrator) OpenArtifact(ctx context.Context, id uuid.UUID) (*store.Artifact, io.ReadCloser, error) {
	artifact, err := o.st.GetArtifact(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if err := o.blobs.Verify(artifact.Path, artifact.SHA256); err != nil {
		return nil, nil, platform.Errorf(platform.KindIntegrity, "", "open_artifact",
			"stored artifact failed verification: %v", err)
	}
	rc, err := o.blobs.Open(artifact.Path)
	if err != nil {
		return nil, nil, err
	}
	return artifact, rc, nil
}

// PushArtifact uploads a stored artifact to a platform, typically a model
// hub. The local file is re-verified against its recorded hash first. When
// offline the upload is queued and queued=true is returned.
func (o *Orchestrator) PushArtifact(ctx context.Context, artifactID uuid.UUID, platformName string) (remoteID string, queued bool, err error) {
	artifact, err := o.st.GetArtifact(ctx, artifactID)
	if err != nil {
		return "", false, err
	}
	conn, err := o.registry.Get(platformName)
	if err != nil {
		return "", false, err
	}
	if err := o.blobs.Verify(artifact.Path, artifact.SHA256); err != nil {
		return "", false, platform.Errorf(platform.KindIntegrity, platformName, "push_artifact",
			"local artifact failed verification: %v", err)
	}

	if !o.probe.Online(ctx) {
		_, err := o.queue.Enqueue(ctx, store.OpUploadArtifact, artifactID.String(),
			uploadPayload{ArtifactID: artifactID, Platform: platformName})
		if err != nil {
			return "", false, err
		}
		return "", true, nil
	}

	remoteID, err = conn.UploadArtifact(ctx, artifact.Path, uploadMetadata(artifact))
	if err != nil {
		return "", false, err
	}
	o.log.Info("artifact pushed", "artifact_id", artifactID, "platform", platformName, "remote_id", remoteID)
	return remoteID, false, nil
}

func uploadMetadata(a *store.Artifact) map[string]string {
	md := map[string]string{"sha256": a.SHA256, "job_id": a.JobID.String()}
	for k, v := range a.Metadata {
		md[k] = v
	}
	return md
}

// Execute replays one queued operation. It is the queue manager's executor.
// Returning nil settles the intent; an error requeues it with backoff. A
// replay that fails terminally settles by failing the owning job.
func (o *Orchestrator) Execute(ctx context.Context, op store.QueuedOperation) error {
	switch op.Type {
	case store.OpSubmitJob:
		return o.replaySubmit(ctx, op)
	case store.OpCancelJob:
		return o.replayCancel(ctx, op)
	case store.OpUploadArtifact:
		return o.replayUpload(ctx, op)
	default:
		o.log.Error("unknown queued operation type", "operation_id", op.ID, "type", op.Type)
		return nil
	}
}

func (o *Orchestrator) replaySubmit(ctx context.Context, op store.QueuedOperation) error {
	var p submitPayload
	if err := json.Unmarshal(op.Payload, &p); err != nil {
		o.log.Error("malformed submit payload, dropping", "operation_id", op.ID, "error", err)
		return nil
	}

	job, err := o.st.GetJob(ctx, p.JobID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}
	// A replayed submit is exactly-once against the job row: anything past
	// pending means a previous replay (or an online submit) already won.
	if job.Status != store.JobStatusPending || job.RemoteID != "" {
		return nil
	}

	err = o.submit(ctx, job)
	if err == nil {
		return nil
	}
	if platform.Retryable(err) {
		return err
	}
	o.failJob(ctx, job.ID, err)
	return nil
}

func (o *Orchestrator) replayCancel(ctx context.Context, op store.QueuedOperation) error {
	var p cancelPayload
	if err := json.Unmarshal(op.Payload, &p); err != nil {
		o.log.Error("malformed cancel payload, dropping", "operation_id", op.ID, "error", err)
		return nil
	}

	job, err := o.st.GetJob(ctx, p.JobID)
	if err != nil || job.RemoteID == "" {
		return nil
	}
	conn, err := o.registry.Get(job.Provider)
	if err != nil {
		return nil
	}
	canceler, ok := conn.(platform.Canceler)
	if !ok {
		return nil
	}
	if err := canceler.CancelJob(ctx, job.RemoteID); err != nil && platform.Retryable(err) {
		return err
	}
	return nil
}

func (o *Orchestrator) replayUpload(ctx context.Context, op store.QueuedOperation) error {
	var p uploadPayload
	if err := json.Unmarshal(op.Payload, &p); err != nil {
		o.log.Error("malformed upload payload, dropping", "operation_id", op.ID, "error", err)
		return nil
	}

	remoteID, queued, err := o.PushArtifact(ctx, p.ArtifactID, p.Platform)
	if queued {
		// The probe flapped back offline mid-replay; keep the original
		// operation pending rather than the duplicate we just enqueued.
		return fmt.Errorf("connectivity lost during replay")
	}
	if err != nil {
		if platform.Retryable(err) {
			return err
		}
		o.log.Error("artifact upload failed terminally",
			"operation_id", op.ID, "artifact_id", p.ArtifactID, "error", err)
		return nil
	}
	o.log.Info("queued artifact upload replayed", "artifact_id", p.ArtifactID, "remote_id", remoteID)
	return nil
}

// Resume restarts monitors for jobs that were running when the process last
// stopped. Called once at startup.
func (o *Orchestrator) Resume(ctx context.Context) error {
	running, err := o.st.ListJobs(ctx, store.JobFilter{Status: store.JobStatusRunning})
	if err != nil {
		return fmt.Errorf("failed to list running jobs: %w", err)
	}
	for _, job := range running {
		if job.RemoteID == "" {
			continue
		}
		o.log.Info("resuming monitor", "job_id", job.ID, "provider", job.Provider)
		o.startMonitor(job.ID, job.Provider, job.RemoteID)
	}
	return nil
}

// Shutdown stops all monitors and waits for them to flush.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	for _, cancel := range o.monitors {
		cancel()
	}
	o.mu.Unlock()
	o.wg.Wait()
}

func (o *Orchestrator) failJob(ctx context.Context, id uuid.UUID, cause error) {
	kind := string(platform.KindOf(cause))
	if err := o.st.MarkTerminal(ctx, id, store.JobStatusFailed, kind, cause.Error()); err != nil {
		if err != store.ErrStaleTransition {
			o.log.Error("failed to mark job failed", "job_id", id, "error", err)
		}
		return
	}
	o.jobsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(store.JobStatusFailed))))
	o.log.Warn("job failed", "job_id", id, "kind", kind, "error", cause)
	o.closeBroadcaster(id)
}

// closeBroadcaster drops a finished job's broadcaster. Late subscribers get a
// fresh closed channel from Subscribe, so the entry need not be kept around.
func (o *Orchestrator) closeBroadcaster(id uuid.UUID) {
	o.mu.Lock()
	b, ok := o.broadcasters[id]
	delete(o.broadcasters, id)
	o.mu.Unlock()
	if ok {
		b.close()
	}
}

func validateConfig(cfg platform.TrainingConfig) error {
	switch {
	case cfg.Provider == "":
		return platform.Errorf(platform.KindValidation, "", "start_training", "provider is required")
	case cfg.BaseModel == "":
		return platform.Errorf(platform.KindValidation, cfg.Provider, "start_training", "base model is required")
	case cfg.Dataset == "":
		return platform.Errorf(platform.KindValidation, cfg.Provider, "start_training", "dataset is required")
	case cfg.Algorithm == "":
		return platform.Errorf(platform.KindValidation, cfg.Provider, "start_training", "algorithm is required")
	}
	return nil
}
