// Package runpod adapts a rented-GPU training service with a REST API. Logs
// are delivered by cursor polling: each poll returns the lines after the
// cursor plus whether the remote job is done, which maps cleanly onto the
// restartable stream contract.
package runpod

import (
	"bytes"
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
const Name = "runpod"

const defaultPollInterval = 2 * time.Second

// artifactHashHeader carries the platform-computed content hash of a fetched
// artifact.
const artifactHashHeader = "X-Artifact-SHA256"

// Connector implements platform.Connector against the service's REST API.
type Connector struct {
	baseURL string
	http    *http.Client
	poll    time.Duration

	mu     sync.Mutex
	apiKey string
}

// Option tweaks a connector. Used by tests to shrink the poll interval.
type Option func(*Connector)

// WithPollInterval overrides the log poll cadence.
func WithPollInterval(d time.Duration) Option {
	return func(c *Connector) { c.poll = d }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Connector) { c.http = h }
}

// New creates a connector for the API at baseURL.
func New(baseURL string, opts ...Option) *Connector {
	c := &Connector{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		poll:    defaultPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Connector) Name() string { return Name }

func (c *Connector) key() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.apiKey
}

// Connect verifies the API key and retains it for subsequent calls.
func (c *Connector) Connect(ctx context.Context, creds platform.Credentials) error {
	if creds.APIKey == "" {
		return platform.Errorf(platform.KindAuth, Name, "connect", "api key is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/account", nil)
	if err != nil {
		return platform.Wrap(platform.KindInternal, Name, "connect", err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return platform.Wrap(platform.KindUnreachable, Name, "connect", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError("connect", resp)
	}

	c.mu.Lock()
	c.apiKey = creds.APIKey
	c.mu.Unlock()
	return nil
}

func (c *Connector) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return platform.Wrap(platform.KindInternal, Name, method, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return platform.Wrap(platform.KindInternal, Name, method, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.key())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return platform.Wrap(platform.KindUnreachable, Name, method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(path, resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return platform.Wrap(platform.KindInternal, Name, path, err)
		}
	}
	return nil
}

// statusError maps an HTTP status onto the error taxonomy. The response body
// is read for the service's message but never logged verbatim with secrets.
func statusError(op string, resp *http.Response) error {
	msg := readAPIMessage(resp)
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return platform.Errorf(platform.KindAuth, Name, op, "credentials rejected: %s", msg)
	case resp.StatusCode == http.StatusNotFound:
		return platform.Errorf(platform.KindNotFound, Name, op, "%s", msg)
	case resp.StatusCode == http.StatusConflict:
		return platform.Errorf(platform.KindNotReady, Name, op, "%s", msg)
	case resp.StatusCode == http.StatusTooManyRequests:
		return platform.Errorf(platform.KindQuota, Name, op, "%s", msg)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return platform.Errorf(platform.KindValidation, Name, op, "%s", msg)
	default:
		return platform.Errorf(platform.KindUnreachable, Name, op, "status %d: %s", resp.StatusCode, msg)
	}
}

func readAPIMessage(resp *http.Response) string {
	var apiErr struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
		return apiErr.Error
	}
	return http.StatusText(resp.StatusCode)
}

// SubmitJob creates a remote training run.
func (c *Connector) SubmitJob(ctx context.Context, cfg platform.TrainingConfig) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/jobs", cfg, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", platform.Errorf(platform.KindInternal, Name, "submit_job", "service returned no job id")
	}
	return out.ID, nil
}

type logsPage struct {
	Lines []struct {
		Text string    `json:"text"`
		Time time.Time `json:"ts"`
	} `json:"lines"`
	Cursor    int64  `json:"cursor"`
	Done      bool   `json:"done"`
	ExitError string `json:"exit_error"`
}

// StreamLogs polls the log endpoint from "now", pushing each page's lines
// into the stream. The stream finishes cleanly when the service reports the
// job done without an exit error.
func (c *Connector) StreamLogs(ctx context.Context, remoteID string) (platform.LogStream, error) {
	// Probe once synchronously so a bad job id fails the call, not the stream.
	var first logsPage
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/jobs/%s/logs?after=0", remoteID), nil, &first); err != nil {
		return nil, err
	}

	s := platform.NewStream(64)
	go func() {
		page := first
		for {
			for _, l := range page.Lines {
				if !s.Send(platform.LogLine{Text: l.Text, Time: l.Time}) {
					return
				}
			}
			if page.Done {
				if page.ExitError != "" {
					s.Finish(platform.Errorf(platform.KindInternal, Name, "stream_logs",
						"remote job failed: %s", page.ExitError))
				} else {
					s.Finish(nil)
				}
				return
			}

			select {
			case <-ctx.Done():
				s.Finish(ctx.Err())
				return
			case <-s.Closed():
				return
			case <-time.After(c.poll):
			}

			var next logsPage
			if err := c.do(ctx, http.MethodGet,
				fmt.Sprintf("/v1/jobs/%s/logs?after=%d", remoteID, page.Cursor), nil, &next); err != nil {
				s.Finish(err)
				return
			}
			page = next
		}
	}()
	return s, nil
}

// FetchArtifact downloads the trained output together with the hash the
// service computed for it.
func (c *Connector) FetchArtifact(ctx context.Context, remoteID string) (platform.ArtifactPayload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/v1/jobs/%s/artifact", c.baseURL, remoteID), nil)
	if err != nil {
		return platform.ArtifactPayload{}, platform.Wrap(platform.KindInternal, Name, "fetch_artifact", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.key())

	resp, err := c.http.Do(req)
	if err != nil {
		return platform.ArtifactPayload{}, platform.Wrap(platform.KindUnreachable, Name, "fetch_artifact", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return platform.ArtifactPayload{}, statusError("fetch_artifact", resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return platform.ArtifactPayload{}, platform.Wrap(platform.KindUnreachable, Name, "fetch_artifact", err)
	}

	return platform.ArtifactPayload{
		Data:     data,
		SHA256:   resp.Header.Get(artifactHashHeader),
		Metadata: map[string]string{"remote_job_id": remoteID},
	}, nil
}

// UploadArtifact pushes a local artifact file to the service's storage.
func (c *Connector) UploadArtifact(ctx context.Context, path string, metadata map[string]string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", platform.Wrap(platform.KindInternal, Name, "upload_artifact", err)
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/v1/artifacts", f)
	if err != nil {
		return "", platform.Wrap(platform.KindInternal, Name, "upload_artifact", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.key())
	req.Header.Set("Content-Type", "application/octet-stream")
	if sha := metadata["sha256"]; sha != "" {
		req.Header.Set(artifactHashHeader, sha)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", platform.Wrap(platform.KindUnreachable, Name, "upload_artifact", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", statusError("upload_artifact", resp)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", platform.Wrap(platform.KindInternal, Name, "upload_artifact", err)
	}
	return out.ID, nil
}

// ListResources enumerates the rentable GPU pods.
func (c *Connector) ListResources(ctx context.Context) ([]platform.Resource, error) {
	var out struct {
		GPUs []struct {
			ID       string `json:"id"`
			Name     string `json:"display_name"`
			GPUType  string `json:"gpu_type"`
			GPUCount int    `json:"gpu_count"`
			MemoryGB int    `json:"memory_gb"`
			Region   string `json:"region"`
			Spot     bool   `json:"spot"`
		} `json:"gpus"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/gpus", nil, &out); err != nil {
		return nil, err
	}

	resources := make([]platform.Resource, 0, len(out.GPUs))
	for _, g := range out.GPUs {
		resources = append(resources, platform.Resource{
			ID:       g.ID,
			Name:     g.Name,
			GPUType:  g.GPUType,
			GPUCount: g.GPUCount,
			MemoryGB: g.MemoryGB,
			Region:   g.Region,
			Spot:     g.Spot,
		})
	}
	return resources, nil
}

// GetPricing returns the current rate for one GPU pod type.
func (c *Connector) GetPricing(ctx context.Context, resourceID string) (platform.PricingInfo, error) {
	var out struct {
		PricePerHour float64 `json:"price_per_hour"`
		SpotPerHour  float64 `json:"spot_per_hour"`
		Currency     string  `json:"currency"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/gpus/"+resourceID+"/price", nil, &out); err != nil {
		return platform.PricingInfo{}, err
	}
	return platform.PricingInfo{
		ResourceID:   resourceID,
		PricePerHour: out.PricePerHour,
		SpotPerHour:  out.SpotPerHour,
		Currency:     out.Currency,
		FetchedAt:    time.Now(),
	}, nil
}

// CancelJob stops a remote run. Cancelling an already-finished job is not an
// error.
func (c *Connector) CancelJob(ctx context.Context, remoteID string) error {
	err := c.do(ctx, http.MethodDelete, "/v1/jobs/"+remoteID, nil, nil)
	if platform.IsKind(err, platform.KindNotFound) {
		return nil
	}
	return err
}
