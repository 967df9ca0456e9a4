package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"tuneplane/internal/artifacts"
	"tuneplane/internal/platform"
	"tuneplane/internal/platform/registry"
	"tuneplane/internal/queue"
	"tuneplane/internal/store"
	"tuneplane/internal/store/storetest"
)

type memCreds struct {
	mu    sync.Mutex
	creds map[string]platform.Credentials
}

func newMemCreds() *memCreds { return &memCreds{creds: map[string]platform.Credentials{}} }

func (m *memCreds) Store(name string, creds platform.Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[name] = creds
	return nil
}

func (m *memCreds) Retrieve(name string) (platform.Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[name]
	if !ok {
		return platform.Credentials{}, fmt.Errorf("no credentials for %s", name)
	}
	return c, nil
}

func (m *memCreds) Delete(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.creds, name)
	return nil
}

func (m *memCreds) Has(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.creds[name]
	return ok
}

// fakeConnector scripts platform behavior per remote job id.
type fakeConnector struct {
	name string

	mu        sync.Mutex
	submits   int
	submitErr error
	cancelled []string

	streamFn func(remoteID string) (platform.LogStream, error)
	fetchFn  func(remoteID string) (platform.ArtifactPayload, error)
	pricing  platform.PricingInfo
}

func (f *fakeConnector) Name() string                                              { return f.name }
func (f *fakeConnector) Connect(ctx context.Context, _ platform.Credentials) error { return nil }

func (f *fakeConnector) SubmitJob(ctx context.Context, cfg platform.TrainingConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submits++
	return fmt.Sprintf("remote-%d", f.submits), nil
}

func (f *fakeConnector) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

func (f *fakeConnector) StreamLogs(ctx context.Context, remoteID string) (platform.LogStream, error) {
	return f.streamFn(remoteID)
}

func (f *fakeConnector) FetchArtifact(ctx context.Context, remoteID string) (platform.ArtifactPayload, error) {
	return f.fetchFn(remoteID)
}

func (f *fakeConnector) UploadArtifact(ctx context.Context, path string, metadata map[string]string) (string, error) {
	return "hub-upload-1", nil
}

func (f *fakeConnector) ListResources(ctx context.Context) ([]platform.Resource, error) {
	return nil, nil
}

func (f *fakeConnector) GetPricing(ctx context.Context, resourceID string) (platform.PricingInfo, error) {
	return f.pricing, nil
}

func (f *fakeConnector) CancelJob(ctx context.Context, remoteID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, remoteID)
	return nil
}

// scriptedStream plays a fixed set of lines, then finishes with err.
func scriptedStream(lines []string, finishErr error) platform.LogStream {
	s := platform.NewStream(len(lines) + 1)
	go func() {
		for _, l := range lines {
			if !s.Send(platform.LogLine{Text: l, Time: time.Now()}) {
				return
			}
		}
		s.Finish(finishErr)
	}()
	return s
}

func payloadFor(data []byte) platform.ArtifactPayload {
	return platform.ArtifactPayload{Data: data, SHA256: artifacts.Hash(data)}
}

type testRig struct {
	orch  *Orchestrator
	store *storetest.Memory
	conn  *fakeConnector
	probe *queue.StaticProbe
	queue *queue.Manager
}

func newTestRig(t *testing.T, online bool) *testRig {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	st := storetest.New()
	creds := newMemCreds()
	reg := registry.New(st, creds, registry.Config{}, log)

	conn := &fakeConnector{
		name: "testplat",
		streamFn: func(string) (platform.LogStream, error) {
			return scriptedStream(nil, nil), nil
		},
		fetchFn: func(string) (platform.ArtifactPayload, error) {
			return payloadFor([]byte("weights")), nil
		},
	}
	if err := reg.Register(conn); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	blobs, err := artifacts.New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("artifact store failed: %v", err)
	}

	probe := queue.NewStaticProbe(online)
	orch, err := New(reg, st, blobs, probe, Config{
		LogFlushInterval: 10 * time.Millisecond,
	}, log)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	q := queue.New(st, orch, probe, queue.Config{
		RetryBase: 10 * time.Millisecond,
		RetryMax:  100 * time.Millisecond,
	}, log)
	orch.AttachQueue(q)

	t.Cleanup(orch.Shutdown)
	return &testRig{orch: orch, store: st, conn: conn, probe: probe, queue: q}
}

func validConfig() platform.TrainingConfig {
	return platform.TrainingConfig{
		BaseModel: "llama-3-8b",
		Algorithm: "lora",
		Provider:  "testplat",
		Dataset:   "s3://data/train.jsonl",
	}
}

func waitForStatus(t *testing.T, rig *testRig, id uuid.UUID, want store.JobStatus) *store.TrainingJob {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, err := rig.orch.GetJob(context.Background(), id)
		if err != nil {
			t.Fatalf("GetJob failed: %v", err)
		}
		if job.Status == want {
			return job
		}
		if job.Status.Terminal() && job.Status != want {
			t.Fatalf("job reached %s (%s: %s), want %s",
				job.Status, job.ErrorKind, job.ErrorMessage, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
	job, _ := rig.orch.GetJob(context.Background(), id)
	t.Fatalf("job never reached %s, still %s", want, job.Status)
	return nil
}

func TestStartTraining_CompletesAndVerifiesArtifact(t *testing.T) {
	rig := newTestRig(t, true)
	data := []byte("trained adapter bytes")
	rig.conn.streamFn = func(string) (platform.LogStream, error) {
		return scriptedStream([]string{
			"starting run",
			"epoch=1 step=100 loss=0.82",
			"epoch=2 step=200 loss=0.41",
		}, nil), nil
	}
	rig.conn.fetchFn = func(string) (platform.ArtifactPayload, error) {
		return payloadFor(data), nil
	}

	job, err := rig.orch.StartTraining(context.Background(), validConfig())
	if err != nil {
		t.Fatalf("StartTraining failed: %v", err)
	}
	if job.RemoteID == "" || job.Status == store.JobStatusPending {
		t.Fatalf("job = %s remote=%q, want submitted with a remote id", job.Status, job.RemoteID)
	}

	done := waitForStatus(t, rig, job.ID, store.JobStatusSucceeded)
	if done.Metrics["loss"] != 0.41 || done.Metrics["epoch"] != 2 {
		t.Errorf("metrics = %v, want latest loss=0.41 epoch=2", done.Metrics)
	}

	logs, err := rig.orch.Logs(context.Background(), job.ID, 0, 100)
	if err != nil {
		t.Fatalf("Logs failed: %v", err)
	}
	var all strings.Builder
	for _, l := range logs {
		all.WriteString(l.Content)
		all.WriteString("\n")
	}
	if !strings.Contains(all.String(), "loss=0.82") {
		t.Errorf("persisted logs missing streamed line: %q", all.String())
	}

	arts, err := rig.orch.ListArtifacts(context.Background(), &job.ID)
	if err != nil {
		t.Fatalf("ListArtifacts failed: %v", err)
	}
	if len(arts) != 1 {
		t.Fatalf("artifacts = %d, want 1", len(arts))
	}
	if arts[0].SHA256 != artifacts.Hash(data) {
		t.Errorf("artifact hash = %s, want %s", arts[0].SHA256, artifacts.Hash(data))
	}
}

func TestStartTraining_RejectsInvalidConfig(t *testing.T) {
	rig := newTestRig(t, true)
	cfg := validConfig()
	cfg.Dataset = ""

	if _, err := rig.orch.StartTraining(context.Background(), cfg); !platform.IsKind(err, platform.KindValidation) {
		t.Fatalf("error = %v, want validation", err)
	}
	if _, err := rig.orch.StartTraining(context.Background(), platform.TrainingConfig{Provider: "nope"}); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestArtifactIntegrityMismatchFailsJob(t *testing.T) {
	rig := newTestRig(t, true)
	rig.conn.fetchFn = func(string) (platform.ArtifactPayload, error) {
		return platform.ArtifactPayload{
			Data:   []byte("actual bytes"),
			SHA256: artifacts.Hash([]byte("claimed different bytes")),
		}, nil
	}

	job, err := rig.orch.StartTraining(context.Background(), validConfig())
	if err != nil {
		t.Fatalf("StartTraining failed: %v", err)
	}

	failed := waitForStatus(t, rig, job.ID, store.JobStatusFailed)
	if failed.ErrorKind != string(platform.KindIntegrity) {
		t.Errorf("error kind = %s, want integrity", failed.ErrorKind)
	}

	arts, _ := rig.orch.ListArtifacts(context.Background(), &job.ID)
	if len(arts) != 0 {
		t.Errorf("unverified artifact was persisted: %+v", arts)
	}
}

func TestJobStreamsStayIsolated(t *testing.T) {
	rig := newTestRig(t, true)

	// Slow, distinct streams per remote job so their monitors interleave.
	rig.conn.streamFn = func(remoteID string) (platform.LogStream, error) {
		s := platform.NewStream(1)
		go func() {
			for i := 0; i < 5; i++ {
				if !s.Send(platform.LogLine{Text: fmt.Sprintf("%s line %d", remoteID, i), Time: time.Now()}) {
					return
				}
				time.Sleep(5 * time.Millisecond)
			}
			s.Finish(nil)
		}()
		return s, nil
	}

	ctx := context.Background()
	jobA, err := rig.orch.StartTraining(ctx, validConfig())
	if err != nil {
		t.Fatalf("StartTraining A failed: %v", err)
	}
	jobB, err := rig.orch.StartTraining(ctx, validConfig())
	if err != nil {
		t.Fatalf("StartTraining B failed: %v", err)
	}

	chA, unsubA, err := rig.orch.Subscribe(ctx, jobA.ID)
	if err != nil {
		t.Fatalf("Subscribe A failed: %v", err)
	}
	defer unsubA()

	var gotA []string
	for line := range chA {
		gotA = append(gotA, line.Text)
	}
	for _, text := range gotA {
		if !strings.HasPrefix(text, jobA.RemoteID+" ") {
			t.Errorf("job A subscriber saw foreign line %q", text)
		}
	}

	waitForStatus(t, rig, jobA.ID, store.JobStatusSucceeded)
	waitForStatus(t, rig, jobB.ID, store.JobStatusSucceeded)

	logsA, _ := rig.orch.Logs(ctx, jobA.ID, 0, 100)
	for _, l := range logsA {
		if strings.Contains(l.Content, jobB.RemoteID+" ") {
			t.Errorf("job A history contains job B output: %q", l.Content)
		}
	}
	logsB, _ := rig.orch.Logs(ctx, jobB.ID, 0, 100)
	if len(logsA) == 0 || len(logsB) == 0 {
		t.Error("both jobs should have persisted logs")
	}
}

func TestBroadcastersReleasedAfterJobFinishes(t *testing.T) {
	rig := newTestRig(t, true)
	ctx := context.Background()

	job, err := rig.orch.StartTraining(ctx, validConfig())
	if err != nil {
		t.Fatalf("StartTraining failed: %v", err)
	}
	if _, unsub, err := rig.orch.Subscribe(ctx, job.ID); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	} else {
		defer unsub()
	}

	waitForStatus(t, rig, job.ID, store.JobStatusSucceeded)

	// The monitor drops the broadcaster right after marking the job
	// terminal; give it a moment.
	deadline := time.Now().Add(time.Second)
	for {
		rig.orch.mu.Lock()
		n := len(rig.orch.broadcasters)
		rig.orch.mu.Unlock()
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("%d broadcasters retained after job finished", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A late subscriber to the finished job gets a closed channel and does
	// not repopulate the map.
	ch, unsub, err := rig.orch.Subscribe(ctx, job.ID)
	if err != nil {
		t.Fatalf("Subscribe after finish failed: %v", err)
	}
	defer unsub()
	if _, open := <-ch; open {
		t.Error("subscription to a finished job should be closed")
	}
	rig.orch.mu.Lock()
	n := len(rig.orch.broadcasters)
	rig.orch.mu.Unlock()
	if n != 0 {
		t.Errorf("late subscription retained %d broadcasters", n)
	}
}

func TestStreamReconnectsAfterTransientDrop(t *testing.T) {
	rig := newTestRig(t, true)

	var calls int
	var mu sync.Mutex
	rig.conn.streamFn = func(remoteID string) (platform.LogStream, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			return scriptedStream([]string{"before drop"},
				platform.Errorf(platform.KindUnreachable, "testplat", "stream_logs", "connection reset")), nil
		}
		return scriptedStream([]string{"after reconnect"}, nil), nil
	}

	job, err := rig.orch.StartTraining(context.Background(), validConfig())
	if err != nil {
		t.Fatalf("StartTraining failed: %v", err)
	}
	waitForStatus(t, rig, job.ID, store.JobStatusSucceeded)

	mu.Lock()
	defer mu.Unlock()
	if calls < 2 {
		t.Errorf("stream opened %d times, want a reconnect", calls)
	}
}

func TestOfflineSubmitReplaysExactlyOnce(t *testing.T) {
	rig := newTestRig(t, false)

	job, err := rig.orch.StartTraining(context.Background(), validConfig())
	if err != nil {
		t.Fatalf("StartTraining failed: %v", err)
	}
	if job.Status != store.JobStatusPending {
		t.Fatalf("offline job status = %s, want pending", job.Status)
	}
	if n := rig.conn.submitCount(); n != 0 {
		t.Fatalf("platform saw %d submissions while offline", n)
	}

	pending, _ := rig.store.CountPending(context.Background())
	if pending != 1 {
		t.Fatalf("pending operations = %d, want 1", pending)
	}

	// Connectivity returns; two syncs must produce exactly one submission.
	rig.probe.Set(true)
	if err := rig.queue.Sync(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if err := rig.queue.Sync(context.Background()); err != nil {
		t.Fatalf("second Sync failed: %v", err)
	}

	if n := rig.conn.submitCount(); n != 1 {
		t.Errorf("platform saw %d submissions, want exactly 1", n)
	}
	waitForStatus(t, rig, job.ID, store.JobStatusSucceeded)

	pending, _ = rig.store.CountPending(context.Background())
	if pending != 0 {
		t.Errorf("pending operations after replay = %d, want 0", pending)
	}
}

func TestOfflineSubmit_ReplayOfCancelledJobIsNoop(t *testing.T) {
	rig := newTestRig(t, false)

	job, err := rig.orch.StartTraining(context.Background(), validConfig())
	if err != nil {
		t.Fatalf("StartTraining failed: %v", err)
	}
	if err := rig.orch.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	rig.probe.Set(true)
	if err := rig.queue.Sync(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if n := rig.conn.submitCount(); n != 0 {
		t.Errorf("cancelled job was submitted %d times", n)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	rig := newTestRig(t, true)

	// Keep the stream open so the job stays running until cancelled.
	rig.conn.streamFn = func(string) (platform.LogStream, error) {
		return platform.NewStream(1), nil
	}

	job, err := rig.orch.StartTraining(context.Background(), validConfig())
	if err != nil {
		t.Fatalf("StartTraining failed: %v", err)
	}

	ctx := context.Background()
	if err := rig.orch.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if err := rig.orch.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("second Cancel failed: %v", err)
	}

	got, _ := rig.orch.GetJob(ctx, job.ID)
	if got.Status != store.JobStatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}

	rig.conn.mu.Lock()
	defer rig.conn.mu.Unlock()
	if len(rig.conn.cancelled) != 1 {
		t.Errorf("remote cancel called %d times, want 1", len(rig.conn.cancelled))
	}
}

func TestTerminalSubmissionErrorFailsJob(t *testing.T) {
	rig := newTestRig(t, true)
	rig.conn.submitErr = platform.Errorf(platform.KindQuota, "testplat", "submit_job", "no capacity for A100")

	_, err := rig.orch.StartTraining(context.Background(), validConfig())
	if !platform.IsKind(err, platform.KindQuota) {
		t.Fatalf("error = %v, want quota", err)
	}

	jobs, _ := rig.orch.ListJobs(context.Background(), store.JobFilter{})
	if len(jobs) != 1 || jobs[0].Status != store.JobStatusFailed {
		t.Fatalf("job should be recorded failed, got %+v", jobs)
	}
	if jobs[0].ErrorKind != string(platform.KindQuota) {
		t.Errorf("error kind = %s, want quota", jobs[0].ErrorKind)
	}
}

func TestTransientSubmissionErrorQueuesJob(t *testing.T) {
	rig := newTestRig(t, true)
	rig.conn.submitErr = platform.Errorf(platform.KindUnreachable, "testplat", "submit_job", "timeout")

	job, err := rig.orch.StartTraining(context.Background(), validConfig())
	if err != nil {
		t.Fatalf("StartTraining should capture transient failure, got %v", err)
	}
	if job.Status != store.JobStatusPending {
		t.Errorf("status = %s, want pending", job.Status)
	}
	pending, _ := rig.store.CountPending(context.Background())
	if pending != 1 {
		t.Errorf("pending operations = %d, want 1", pending)
	}
}

func TestCostEstimateRecorded(t *testing.T) {
	rig := newTestRig(t, true)
	rig.conn.pricing = platform.PricingInfo{ResourceID: "gpu-a100", PricePerHour: 2.5, Currency: "USD"}

	cfg := validConfig()
	cfg.ResourceID = "gpu-a100"
	cfg.MaxHours = 4

	job, err := rig.orch.StartTraining(context.Background(), cfg)
	if err != nil {
		t.Fatalf("StartTraining failed: %v", err)
	}
	got, _ := rig.orch.GetJob(context.Background(), job.ID)
	if got.CostEstimate != 10 {
		t.Errorf("cost estimate = %f, want 10", got.CostEstimate)
	}
}

func TestParseMetrics(t *testing.T) {
	cases := []struct {
		line string
		want map[string]float64
	}{
		{"epoch=1 step=50 loss=0.93", map[string]float64{"epoch": 1, "step": 50, "loss": 0.93}},
		{"loading dataset shard 3/8", nil},
		{"lr=0.0002, loss=0.5100", map[string]float64{"lr": 0.0002, "loss": 0.51}},
		{"checkpoint=latest", nil},
	}
	for _, tc := range cases {
		got := parseMetrics(tc.line)
		if len(got) != len(tc.want) {
			t.Errorf("parseMetrics(%q) = %v, want %v", tc.line, got, tc.want)
			continue
		}
		for k, v := range tc.want {
			if got[k] != v {
				t.Errorf("parseMetrics(%q)[%s] = %f, want %f", tc.line, k, got[k], v)
			}
		}
	}
}
