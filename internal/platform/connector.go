// Package platform defines the uniform contract every external compute,
// registry or tracking platform is adapted to. Adding a platform means
// implementing Connector and registering it at startup; the orchestrator
// never learns platform specifics.
package platform

import (
	"context"
	"time"
)

// Credentials are the short-lived secret values a user supplies when
// connecting a platform. The vault persists them encrypted; they must never
// be logged or stored anywhere else.
type Credentials struct {
	APIKey    string            `json:"api_key,omitempty"`
	SecretKey string            `json:"secret_key,omitempty"`
	Endpoint  string            `json:"endpoint,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// TrainingConfig describes one training intent. It is immutable once a job
// has been submitted; resubmission requires a new config.
type TrainingConfig struct {
	BaseModel       string             `json:"base_model"`
	Algorithm       string             `json:"algorithm"` // lora, qlora, dpo, ...
	Hyperparameters map[string]float64 `json:"hyperparameters,omitempty"`
	Quantization    string             `json:"quantization,omitempty"`
	Provider        string             `json:"provider"`
	ResourceID      string             `json:"resource_id"`
	Dataset         string             `json:"dataset"`
	Tracker         string             `json:"tracker,omitempty"`
	OutputName      string             `json:"output_name,omitempty"`
	MaxHours        float64            `json:"max_hours,omitempty"`
}

// LogLine is one line of training output attributed to exactly one job.
type LogLine struct {
	Text string
	Time time.Time
}

// LogStream is a lazy, unbounded sequence of log lines for one remote job.
// Lines is closed when the remote job terminates or the stream breaks; after
// that Err reports why. A nil Err after close means the remote job finished.
// Close releases the stream from the consumer side and is always safe to call.
type LogStream interface {
	Lines() <-chan LogLine
	Err() error
	Close() error
}

// ArtifactPayload is the trained output fetched from a platform together with
// the content hash the platform reports for it. The caller must verify the
// hash before persisting the bytes.
type ArtifactPayload struct {
	Data     []byte
	SHA256   string
	Metadata map[string]string
}

// Resource is one rentable compute option on a platform.
type Resource struct {
	ID       string
	Name     string
	GPUType  string
	GPUCount int
	MemoryGB int
	Region   string
	Spot     bool
}

// PricingInfo is the price of one resource. Cacheable; FetchedAt lets callers
// decide staleness.
type PricingInfo struct {
	ResourceID   string
	PricePerHour float64
	SpotPerHour  float64
	Currency     string
	FetchedAt    time.Time
}

// Connector adapts the uniform job lifecycle to one external platform.
// Every operation returns a *Error from the taxonomy in errors.go; no
// capability may be silently unimplemented — a connector that cannot perform
// an operation returns a typed ValidationError explaining why.
type Connector interface {
	// Name is the unique platform name this connector is registered under.
	Name() string

	// Connect validates credentials against the platform. It must respect
	// ctx's deadline and return KindAuth for rejected credentials or
	// KindUnreachable for network failure.
	Connect(ctx context.Context, creds Credentials) error

	// SubmitJob starts a training run and returns the platform-assigned id.
	SubmitJob(ctx context.Context, cfg TrainingConfig) (string, error)

	// StreamLogs opens a live log stream for a running job. The stream is
	// restartable: calling StreamLogs again after a drop resumes from "now"
	// (at-least-once delivery of lines is acceptable).
	StreamLogs(ctx context.Context, remoteID string) (LogStream, error)

	// FetchArtifact downloads the trained output once the job completed.
	// KindNotReady before completion, KindNotFound if the output is missing.
	FetchArtifact(ctx context.Context, remoteID string) (ArtifactPayload, error)

	// UploadArtifact pushes a local artifact to the platform and returns the
	// platform-assigned artifact id.
	UploadArtifact(ctx context.Context, path string, metadata map[string]string) (string, error)

	// ListResources enumerates the compute resources the platform offers.
	ListResources(ctx context.Context) ([]Resource, error)

	// GetPricing returns the current price of one resource.
	GetPricing(ctx context.Context, resourceID string) (PricingInfo, error)
}

// Canceler is implemented by connectors whose platform supports remote
// cancellation. Connectors without it are cancelled locally only.
type Canceler interface {
	CancelJob(ctx context.Context, remoteID string) error
}
