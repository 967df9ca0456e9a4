// Package hfhub adapts a model hub used for publishing and retrieving trained
// adapters. The hub offers no compute, so the training operations return
// typed validation errors instead of pretending to run jobs.
package hfhub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"tuneplane/internal/platform"
)

// Name is the platform name this connector registers under.
const Name = "hfhub"

const defaultBaseURL = "https://huggingface.co"

const artifactHashHeader = "X-Artifact-SHA256"

// Connector implements platform.Connector for the hub's HTTP API.
type Connector struct {
	baseURL string
	http    *http.Client

	mu    sync.Mutex
	token string
	owner string
}

// New creates a hub connector. An empty baseURL targets the public hub.
func New(baseURL string) *Connector {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Connector{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *Connector) Name() string { return Name }

// Connect validates the access token via whoami and remembers the account
// namespace for uploads.
func (c *Connector) Connect(ctx context.Context, creds platform.Credentials) error {
	if creds.APIKey == "" {
		return platform.Errorf(platform.KindAuth, Name, "connect", "access token is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/whoami-v2", nil)
	if err != nil {
		return platform.Wrap(platform.KindInternal, Name, "connect", err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return platform.Wrap(platform.KindUnreachable, Name, "connect", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return platform.Errorf(platform.KindAuth, Name, "connect", "access token rejected")
	case resp.StatusCode != http.StatusOK:
		return platform.Errorf(platform.KindUnreachable, Name, "connect", "whoami returned status %d", resp.StatusCode)
	}

	var who struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&who); err != nil {
		return platform.Wrap(platform.KindInternal, Name, "connect", err)
	}

	c.mu.Lock()
	c.token = creds.APIKey
	c.owner = who.Name
	c.mu.Unlock()
	return nil
}

func (c *Connector) auth() (token, owner string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token, c.owner
}

// SubmitJob is unavailable: the hub hosts models, it does not train them.
func (c *Connector) SubmitJob(ctx context.Context, cfg platform.TrainingConfig) (string, error) {
	return "", platform.Errorf(platform.KindValidation, Name, "submit_job",
		"hub platforms cannot run training jobs; submit to a compute platform and push the result here")
}

// StreamLogs is unavailable for the same reason as SubmitJob.
func (c *Connector) StreamLogs(ctx context.Context, remoteID string) (platform.LogStream, error) {
	return nil, platform.Errorf(platform.KindValidation, Name, "stream_logs",
		"hub platforms have no training jobs to stream")
}

// FetchArtifact downloads a published adapter file. remoteID is the repo id.
func (c *Connector) FetchArtifact(ctx context.Context, remoteID string) (platform.ArtifactPayload, error) {
	token, _ := c.auth()
	url := fmt.Sprintf("%s/%s/resolve/main/adapter.safetensors", c.baseURL, remoteID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return platform.ArtifactPayload{}, platform.Wrap(platform.KindInternal, Name, "fetch_artifact", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return platform.ArtifactPayload{}, platform.Wrap(platform.KindUnreachable, Name, "fetch_artifact", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return platform.ArtifactPayload{}, platform.Errorf(platform.KindNotFound, Name, "fetch_artifact",
			"no adapter published at %s", remoteID)
	case http.StatusUnauthorized, http.StatusForbidden:
		return platform.ArtifactPayload{}, platform.Errorf(platform.KindAuth, Name, "fetch_artifact",
			"access token rejected")
	default:
		return platform.ArtifactPayload{}, platform.Errorf(platform.KindUnreachable, Name, "fetch_artifact",
			"hub returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return platform.ArtifactPayload{}, platform.Wrap(platform.KindUnreachable, Name, "fetch_artifact", err)
	}
	return platform.ArtifactPayload{
		Data:     data,
		SHA256:   resp.Header.Get(artifactHashHeader),
		Metadata: map[string]string{"repo": remoteID},
	}, nil
}

// UploadArtifact publishes a local adapter file under the connected account.
// The repo name comes from metadata["output_name"], defaulting to the file's
// hash prefix.
func (c *Connector) UploadArtifact(ctx context.Context, path string, metadata map[string]string) (string, error) {
	token, owner := c.auth()
	if token == "" {
		return "", platform.Errorf(platform.KindAuth, Name, "upload_artifact", "not connected")
	}

	name := metadata["output_name"]
	if name == "" {
		if sha := metadata["sha256"]; len(sha) >= 12 {
			name = "adapter-" + sha[:12]
		} else {
			name = "adapter"
		}
	}
	repo := owner + "/" + name

	f, err := os.Open(path)
	if err != nil {
		return "", platform.Wrap(platform.KindInternal, Name, "upload_artifact", err)
	}
	defer f.Close()

	url := fmt.Sprintf("%s/api/models/%s/upload/main/adapter.safetensors", c.baseURL, repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, f)
	if err != nil {
		return "", platform.Wrap(platform.KindInternal, Name, "upload_artifact", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/octet-stream")
	if sha := metadata["sha256"]; sha != "" {
		req.Header.Set(artifactHashHeader, sha)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", platform.Wrap(platform.KindUnreachable, Name, "upload_artifact", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return repo, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return "", platform.Errorf(platform.KindAuth, Name, "upload_artifact", "access token rejected")
	case http.StatusTooManyRequests:
		return "", platform.Errorf(platform.KindQuota, Name, "upload_artifact", "hub rate limit exceeded")
	default:
		return "", platform.Errorf(platform.KindUnreachable, Name, "upload_artifact",
			"hub returned status %d", resp.StatusCode)
	}
}

// ListResources returns no resources: the hub offers storage, not compute.
func (c *Connector) ListResources(ctx context.Context) ([]platform.Resource, error) {
	return []platform.Resource{}, nil
}

// GetPricing reports hub storage as free.
func (c *Connector) GetPricing(ctx context.Context, resourceID string) (platform.PricingInfo, error) {
	return platform.PricingInfo{
		ResourceID:   resourceID,
		PricePerHour: 0,
		Currency:     "USD",
		FetchedAt:    time.Now(),
	}, nil
}
