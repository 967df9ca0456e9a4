// Package api contains shared JSON request/response structs.
// This package is shared between the CLI and the daemon.
package api

import "time"

// ConnectPlatformRequest carries user-supplied credentials for one platform.
// These values go straight into the vault and are never echoed back.
type ConnectPlatformRequest struct {
	APIKey    string            `json:"api_key,omitempty"`
	SecretKey string            `json:"secret_key,omitempty"`
	Endpoint  string            `json:"endpoint,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// PlatformResponse describes one registered platform and its connection
// health. No credential material ever appears here.
type PlatformResponse struct {
	Name           string     `json:"name"`
	Status         string     `json:"status"`
	HasCredentials bool       `json:"has_credentials"`
	LastVerifiedAt *time.Time `json:"last_verified_at,omitempty"`
}

// ListPlatformsResponse is the response body for listing platforms.
type ListPlatformsResponse struct {
	Platforms []PlatformResponse `json:"platforms"`
}

// SubmitJobRequest is the request body for starting a training job.
type SubmitJobRequest struct {
	BaseModel       string             `json:"base_model"`
	Algorithm       string             `json:"algorithm"`
	Hyperparameters map[string]float64 `json:"hyperparameters,omitempty"`
	Quantization    string             `json:"quantization,omitempty"`
	Provider        string             `json:"provider"`
	ResourceID      string             `json:"resource_id,omitempty"`
	Dataset         string             `json:"dataset"`
	Tracker         string             `json:"tracker,omitempty"`
	OutputName      string             `json:"output_name,omitempty"`
	MaxHours        float64            `json:"max_hours,omitempty"`
}

// JobResponse represents a training job in API responses.
type JobResponse struct {
	ID           string             `json:"id"`
	RemoteID     string             `json:"remote_id,omitempty"`
	Provider     string             `json:"provider"`
	BaseModel    string             `json:"base_model"`
	Algorithm    string             `json:"algorithm"`
	Status       string             `json:"status"`
	ErrorKind    string             `json:"error_kind,omitempty"`
	ErrorMessage string             `json:"error_message,omitempty"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
	CostEstimate float64            `json:"cost_estimate,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	StartedAt    *time.Time         `json:"started_at,omitempty"`
	CompletedAt  *time.Time         `json:"completed_at,omitempty"`
}

// ListJobsResponse is the response body for listing jobs.
type ListJobsResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

// LogEntry represents a persisted chunk of job output.
type LogEntry struct {
	ID        int64     `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// GetLogsResponse is the response body for fetching logs.
type GetLogsResponse struct {
	Logs []LogEntry `json:"logs"`
}

// OperationResponse represents one queued offline operation.
type OperationResponse struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	ResourceKey   string    `json:"resource_key"`
	Status        string    `json:"status"`
	Attempt       int       `json:"attempt"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	LastError     string    `json:"last_error,omitempty"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}

// ListOperationsResponse is the response body for queue inspection.
type ListOperationsResponse struct {
	Operations []OperationResponse `json:"operations"`
}

// ArtifactResponse represents a verified trained artifact.
type ArtifactResponse struct {
	ID        string            `json:"id"`
	JobID     string            `json:"job_id"`
	SizeBytes int64             `json:"size_bytes"`
	SHA256    string            `json:"sha256"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// ListArtifactsResponse is the response body for listing artifacts.
type ListArtifactsResponse struct {
	Artifacts []ArtifactResponse `json:"artifacts"`
}

// PushArtifactRequest asks the daemon to upload an artifact to a platform.
type PushArtifactRequest struct {
	Platform string `json:"platform"`
}

// PushArtifactResponse reports the outcome of an artifact push.
type PushArtifactResponse struct {
	RemoteID string `json:"remote_id,omitempty"`
	Queued   bool   `json:"queued"`
}

// ResourceResponse represents one rentable compute option.
type ResourceResponse struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	GPUType  string `json:"gpu_type,omitempty"`
	GPUCount int    `json:"gpu_count,omitempty"`
	MemoryGB int    `json:"memory_gb,omitempty"`
	Region   string `json:"region,omitempty"`
	Spot     bool   `json:"spot,omitempty"`
}

// ListResourcesResponse is the response body for resource listing.
type ListResourcesResponse struct {
	Resources []ResourceResponse `json:"resources"`
}

// PricingResponse reports the price of one resource.
type PricingResponse struct {
	ResourceID   string    `json:"resource_id"`
	PricePerHour float64   `json:"price_per_hour"`
	SpotPerHour  float64   `json:"spot_per_hour,omitempty"`
	Currency     string    `json:"currency"`
	FetchedAt    time.Time `json:"fetched_at"`
}

// HealthResponse is the response body for health checks.
type HealthResponse struct {
	Status            string `json:"status"`
	Database          string `json:"database"`
	PendingOperations int64  `json:"pending_operations"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}
