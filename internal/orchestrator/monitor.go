package orchestrator

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"tuneplane/internal/artifacts"
	"tuneplane/internal/backoff"
	"tuneplane/internal/platform"
	"tuneplane/internal/store"
)

// monitor follows one remote job: it consumes the platform log stream,
// persists lines and metrics, fans lines out to subscribers and drives the
// job to its terminal state. One monitor goroutine per running job; monitors
// never share mutable state, so one job's failure cannot touch another.
type monitor struct {
	o        *Orchestrator
	jobID    uuid.UUID
	provider string
	remoteID string
}

// startMonitor launches the monitor goroutine for a running job. A second
// call for the same job is a no-op.
func (o *Orchestrator) startMonitor(jobID uuid.UUID, provider, remoteID string) {
	o.mu.Lock()
	if _, ok := o.monitors[jobID]; ok {
		o.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.monitors[jobID] = cancel
	if _, ok := o.broadcasters[jobID]; !ok {
		o.broadcasters[jobID] = newBroadcaster(o.cfg.SubscriberBuffer)
	}
	o.mu.Unlock()

	m := &monitor{o: o, jobID: jobID, provider: provider, remoteID: remoteID}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.removeMonitor(jobID)
		m.run(ctx)
	}()
}

func (o *Orchestrator) stopMonitor(jobID uuid.UUID) {
	o.mu.Lock()
	cancel, ok := o.monitors[jobID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
}

func (o *Orchestrator) removeMonitor(jobID uuid.UUID) {
	o.mu.Lock()
	delete(o.monitors, jobID)
	o.mu.Unlock()
}

func (o *Orchestrator) getBroadcaster(jobID uuid.UUID) *broadcaster {
	o.mu.Lock()
	defer o.mu.Unlock()
	b, ok := o.broadcasters[jobID]
	if !ok {
		b = newBroadcaster(o.cfg.SubscriberBuffer)
		o.broadcasters[jobID] = b
	}
	return b
}

// run follows the log stream to completion, reconnecting across transient
// drops. A clean stream end means the remote job finished and the artifact is
// retrieved; a terminal stream error fails the job.
func (m *monitor) run(ctx context.Context) {
	ctx, span := m.o.tracer.Start(ctx, "orchestrator.monitor",
		trace.WithAttributes(
			attribute.String("job_id", m.jobID.String()),
			attribute.String("provider", m.provider)))
	defer span.End()

	conn, err := m.o.registry.Get(m.provider)
	if err != nil {
		m.o.failJob(ctx, m.jobID, err)
		return
	}

	retry := backoff.New(m.o.cfg.StreamRetry)
	for {
		stream, err := conn.StreamLogs(ctx, m.remoteID)
		if err == nil {
			err = m.consume(ctx, stream)
		}

		if ctx.Err() != nil {
			// Cancelled from outside; Cancel owns the status transition.
			return
		}
		if err == nil {
			m.complete(ctx, conn)
			return
		}
		if platform.Terminal(err) {
			m.o.failJob(ctx, m.jobID, err)
			return
		}

		delay, ok := retry.Next()
		if !ok {
			m.o.log.Error("log stream retries exhausted",
				"job_id", m.jobID, "attempts", retry.Attempt(), "error", err)
			m.o.failJob(ctx, m.jobID, platform.Wrap(platform.KindUnreachable, m.provider, "stream_logs", err))
			return
		}
		m.o.log.Warn("log stream dropped, reconnecting",
			"job_id", m.jobID, "attempt", retry.Attempt(), "delay", delay, "error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// consume drains the stream, batching persisted lines so a chatty job does
// not turn every line into a database write. Subscribers get lines
// immediately; the store gets them per batch or per flush interval.
func (m *monitor) consume(ctx context.Context, stream platform.LogStream) error {
	defer stream.Close()

	b := m.o.getBroadcaster(m.jobID)

	var batch []string
	metrics := map[string]float64{}
	flush := func() {
		if len(batch) > 0 {
			if err := m.o.st.AppendJobLogs(ctx, m.jobID, strings.Join(batch, "\n")); err != nil {
				m.o.log.Error("failed to persist job logs", "job_id", m.jobID, "error", err)
			}
			batch = batch[:0]
		}
		if len(metrics) > 0 {
			if err := m.o.st.MergeJobMetrics(ctx, m.jobID, metrics); err != nil {
				m.o.log.Error("failed to persist job metrics", "job_id", m.jobID, "error", err)
			}
			metrics = map[string]float64{}
		}
	}
	defer flush()

	ticker := time.NewTicker(m.o.cfg.LogFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			flush()
		case line, ok := <-stream.Lines():
			if !ok {
				return stream.Err()
			}
			b.publish(line)
			m.o.linesStreamed.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", m.provider)))
			batch = append(batch, line.Text)
			for k, v := range parseMetrics(line.Text) {
				metrics[k] = v
			}
			if len(batch) >= m.o.cfg.LogBatchSize {
				flush()
			}
		}
	}
}

// complete retrieves and verifies the trained artifact after a clean stream
// end, then marks the job succeeded. A hash mismatch discards the bytes and
// fails the job; no artifact record is ever written for unverified content.
func (m *monitor) complete(ctx context.Context, conn platform.Connector) {
	payload, err := m.fetchWithRetry(ctx, conn)
	if err != nil {
		m.o.failJob(ctx, m.jobID, err)
		return
	}

	computed := artifacts.Hash(payload.Data)
	if payload.SHA256 == "" || computed != payload.SHA256 {
		m.o.failJob(ctx, m.jobID, platform.Errorf(platform.KindIntegrity, m.provider, "fetch_artifact",
			"artifact hash mismatch: platform reported %q, content is %s", payload.SHA256, computed))
		return
	}

	path, size, hash, err := m.o.blobs.Save(ctx, payload.Data)
	if path == "" && err != nil {
		m.o.failJob(ctx, m.jobID, platform.Wrap(platform.KindInternal, m.provider, "save_artifact", err))
		return
	}
	if err != nil {
		// Saved locally, mirror upload failed. Degraded, not fatal.
		m.o.log.Warn("artifact mirror upload failed", "job_id", m.jobID, "error", err)
	}

	artifact := &store.Artifact{
		ID:        uuid.New(),
		JobID:     m.jobID,
		Path:      path,
		SizeBytes: size,
		SHA256:    hash,
		Metadata:  payload.Metadata,
	}
	if err := m.o.st.CreateArtifact(ctx, artifact); err != nil {
		m.o.failJob(ctx, m.jobID, platform.Wrap(platform.KindInternal, m.provider, "save_artifact", err))
		return
	}

	if err := m.o.st.MarkTerminal(ctx, m.jobID, store.JobStatusSucceeded, "", ""); err != nil {
		if err != store.ErrStaleTransition {
			m.o.log.Error("failed to mark job succeeded", "job_id", m.jobID, "error", err)
		}
		return
	}
	m.o.jobsFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", m.provider),
		attribute.String("status", string(store.JobStatusSucceeded))))
	m.o.log.Info("job succeeded",
		"job_id", m.jobID, "artifact_id", artifact.ID, "sha256", hash, "size_bytes", size)
	m.o.closeBroadcaster(m.jobID)
}

// fetchWithRetry polls FetchArtifact while the platform finalizes the output.
// Not-ready and unreachable are retried on the fetch schedule; anything else
// is returned as-is.
func (m *monitor) fetchWithRetry(ctx context.Context, conn platform.Connector) (platform.ArtifactPayload, error) {
	retry := backoff.New(m.o.cfg.FetchRetry)
	for {
		payload, err := conn.FetchArtifact(ctx, m.remoteID)
		if err == nil {
			return payload, nil
		}
		if !platform.IsKind(err, platform.KindNotReady) && !platform.Retryable(err) {
			return platform.ArtifactPayload{}, err
		}
		delay, ok := retry.Next()
		if !ok {
			return platform.ArtifactPayload{}, err
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return platform.ArtifactPayload{}, ctx.Err()
		}
	}
}

// parseMetrics extracts key=value pairs with numeric values from one training
// log line, e.g. "epoch=2 step=340 loss=0.4217".
func parseMetrics(line string) map[string]float64 {
	var out map[string]float64
	for _, field := range strings.Fields(line) {
		k, v, ok := strings.Cut(field, "=")
		if !ok || k == "" {
			continue
		}
		f, err := strconv.ParseFloat(strings.TrimSuffix(v, ","), 64)
		if err != nil {
			continue
		}
		if out == nil {
			out = map[string]float64{}
		}
		out[strings.ToLower(k)] = f
	}
	return out
}
