// Package local runs training jobs in containers on the local Docker daemon.
// It is the development platform: free, offline-friendly, and exercising the
// whole connector contract without renting anything.
package local

import (
	"archive/tar"
	"bufio"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"

	"tuneplane/internal/artifacts"
	"tuneplane/internal/platform"
)

const (
	// Name is the platform name this connector registers under.
	Name = "local"

	// artifactPath is where the training image is expected to leave its
	// output inside the container.
	artifactPath = "/output/adapter.safetensors"

	defaultImage = "tuneplane/trainer:latest"
)

// Connector implements platform.Connector over the Docker SDK.
type Connector struct {
	cli   *client.Client
	image string
}

// New creates a local connector against the daemon described by the standard
// Docker environment variables.
func New(trainImage string) (*Connector, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if trainImage == "" {
		trainImage = defaultImage
	}
	return &Connector{cli: cli, image: trainImage}, nil
}

func (c *Connector) Name() string { return Name }

// Connect verifies the daemon is reachable. The local platform has no real
// credentials; any supplied values are accepted once the daemon answers.
func (c *Connector) Connect(ctx context.Context, _ platform.Credentials) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return platform.Wrap(platform.KindUnreachable, Name, "connect", err)
	}
	return nil
}

// SubmitJob starts a training container and returns its id.
func (c *Connector) SubmitJob(ctx context.Context, cfg platform.TrainingConfig) (string, error) {
	if _, err := c.cli.ImageInspect(ctx, c.image); err != nil {
		reader, err := c.cli.ImagePull(ctx, c.image, image.PullOptions{})
		if err != nil {
			return "", platform.Wrap(platform.KindUnreachable, Name, "submit_job",
				fmt.Errorf("failed to pull %s: %w", c.image, err))
		}
		defer reader.Close()
		io.Copy(io.Discard, reader)
	}

	created, err := c.cli.ContainerCreate(ctx, &container.Config{
		Image: c.image,
		Env:   trainingEnv(cfg),
		Tty:   true,
	}, nil, nil, nil, "")
	if err != nil {
		return "", platform.Wrap(platform.KindInternal, Name, "submit_job", err)
	}
	if err := c.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", platform.Wrap(platform.KindInternal, Name, "submit_job", err)
	}
	return created.ID, nil
}

func trainingEnv(cfg platform.TrainingConfig) []string {
	env := []string{
		"TUNE_BASE_MODEL=" + cfg.BaseModel,
		"TUNE_ALGORITHM=" + cfg.Algorithm,
		"TUNE_DATASET=" + cfg.Dataset,
		"TUNE_OUTPUT=" + artifactPath,
	}
	if cfg.Quantization != "" {
		env = append(env, "TUNE_QUANTIZATION="+cfg.Quantization)
	}
	for k, v := range cfg.Hyperparameters {
		env = append(env, fmt.Sprintf("TUNE_HP_%s=%g", k, v))
	}
	return env
}

// StreamLogs follows the container output line by line. The stream finishes
// cleanly only when the container exits zero.
func (c *Connector) StreamLogs(ctx context.Context, remoteID string) (platform.LogStream, error) {
	rc, err := c.cli.ContainerLogs(ctx, remoteID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, platform.Wrap(platform.KindNotFound, Name, "stream_logs", err)
		}
		return nil, platform.Wrap(platform.KindUnreachable, Name, "stream_logs", err)
	}

	s := platform.NewStream(64)
	go func() {
		defer rc.Close()
		scanner := bufio.NewScanner(rc)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			if !s.Send(platform.LogLine{Text: scanner.Text(), Time: time.Now()}) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			s.Finish(platform.Wrap(platform.KindUnreachable, Name, "stream_logs", err))
			return
		}
		s.Finish(c.exitError(ctx, remoteID))
	}()
	return s, nil
}

// exitError translates the container's exit status into the stream's terminal
// error. A non-zero exit means the training script itself failed.
func (c *Connector) exitError(ctx context.Context, remoteID string) error {
	statusCh, errCh := c.cli.ContainerWait(ctx, remoteID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return platform.Wrap(platform.KindUnreachable, Name, "stream_logs", err)
	case status := <-statusCh:
		if status.StatusCode != 0 {
			return platform.Errorf(platform.KindInternal, Name, "stream_logs",
				"training container exited with code %d", status.StatusCode)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FetchArtifact copies the trained output out of the stopped container.
func (c *Connector) FetchArtifact(ctx context.Context, remoteID string) (platform.ArtifactPayload, error) {
	inspect, err := c.cli.ContainerInspect(ctx, remoteID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return platform.ArtifactPayload{}, platform.Wrap(platform.KindNotFound, Name, "fetch_artifact", err)
		}
		return platform.ArtifactPayload{}, platform.Wrap(platform.KindUnreachable, Name, "fetch_artifact", err)
	}
	if inspect.State != nil && inspect.State.Running {
		return platform.ArtifactPayload{}, platform.Errorf(platform.KindNotReady, Name, "fetch_artifact",
			"training container still running")
	}

	rc, _, err := c.cli.CopyFromContainer(ctx, remoteID, artifactPath)
	if err != nil {
		if client.IsErrNotFound(err) {
			return platform.ArtifactPayload{}, platform.Errorf(platform.KindNotFound, Name, "fetch_artifact",
				"no output at %s", artifactPath)
		}
		return platform.ArtifactPayload{}, platform.Wrap(platform.KindUnreachable, Name, "fetch_artifact", err)
	}
	defer rc.Close()

	data, err := firstTarFile(rc)
	if err != nil {
		return platform.ArtifactPayload{}, platform.Wrap(platform.KindInternal, Name, "fetch_artifact", err)
	}

	return platform.ArtifactPayload{
		Data:     data,
		SHA256:   artifacts.Hash(data),
		Metadata: map[string]string{"container_id": remoteID, "source": artifactPath},
	}, nil
}

// firstTarFile extracts the first regular file from a container copy archive.
func firstTarFile(r io.Reader) ([]byte, error) {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("archive contained no file")
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag == tar.TypeReg {
			return io.ReadAll(tr)
		}
	}
}

// UploadArtifact is not available locally; the artifact store already holds
// local files.
func (c *Connector) UploadArtifact(ctx context.Context, path string, metadata map[string]string) (string, error) {
	return "", platform.Errorf(platform.KindValidation, Name, "upload_artifact",
		"local runtime has no artifact registry; push to a hub platform instead")
}

// ListResources reports the single local machine.
func (c *Connector) ListResources(ctx context.Context) ([]platform.Resource, error) {
	info, err := c.cli.Info(ctx)
	if err != nil {
		return nil, platform.Wrap(platform.KindUnreachable, Name, "list_resources", err)
	}
	return []platform.Resource{{
		ID:       "local",
		Name:     info.Name,
		GPUCount: 0,
		MemoryGB: int(info.MemTotal / (1 << 30)),
		Region:   "local",
	}}, nil
}

// GetPricing reports the local machine as free.
func (c *Connector) GetPricing(ctx context.Context, resourceID string) (platform.PricingInfo, error) {
	return platform.PricingInfo{
		ResourceID:   resourceID,
		PricePerHour: 0,
		Currency:     "USD",
		FetchedAt:    time.Now(),
	}, nil
}

// CancelJob stops the training container.
func (c *Connector) CancelJob(ctx context.Context, remoteID string) error {
	timeout := 5
	if err := c.cli.ContainerStop(ctx, remoteID, container.StopOptions{Timeout: &timeout}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return platform.Wrap(platform.KindUnreachable, Name, "cancel_job", err)
	}
	return nil
}
