package registry

import (
	"context"
	"fmt"

	"tuneplane/internal/platform"
)

// guarded wraps a connector so a panic in any operation is recovered and
// converted into a typed error. One misbehaving connector must never crash
// the process or affect another connector's calls.
type guarded struct {
	inner platform.Connector
}

func (g guarded) Name() string { return g.inner.Name() }

func (g guarded) Connect(ctx context.Context, creds platform.Credentials) (err error) {
	defer g.recoverTo("connect", &err)
	return g.inner.Connect(ctx, creds)
}

func (g guarded) SubmitJob(ctx context.Context, cfg platform.TrainingConfig) (id string, err error) {
	defer g.recoverTo("submit_job", &err)
	return g.inner.SubmitJob(ctx, cfg)
}

func (g guarded) StreamLogs(ctx context.Context, remoteID string) (s platform.LogStream, err error) {
	defer g.recoverTo("stream_logs", &err)
	return g.inner.StreamLogs(ctx, remoteID)
}

func (g guarded) FetchArtifact(ctx context.Context, remoteID string) (p platform.ArtifactPayload, err error) {
	defer g.recoverTo("fetch_artifact", &err)
	return g.inner.FetchArtifact(ctx, remoteID)
}

func (g guarded) UploadArtifact(ctx context.Context, path string, metadata map[string]string) (id string, err error) {
	defer g.recoverTo("upload_artifact", &err)
	return g.inner.UploadArtifact(ctx, path, metadata)
}

func (g guarded) ListResources(ctx context.Context) (res []platform.Resource, err error) {
	defer g.recoverTo("list_resources", &err)
	return g.inner.ListResources(ctx)
}

func (g guarded) GetPricing(ctx context.Context, resourceID string) (p platform.PricingInfo, err error) {
	defer g.recoverTo("get_pricing", &err)
	return g.inner.GetPricing(ctx, resourceID)
}

// CancelJob forwards remote cancellation when the wrapped connector supports
// it. The Canceler assertion on the guarded value keeps working because the
// wrapper implements it unconditionally and reports validation otherwise.
func (g guarded) CancelJob(ctx context.Context, remoteID string) (err error) {
	defer g.recoverTo("cancel_job", &err)
	c, ok := g.inner.(platform.Canceler)
	if !ok {
		return platform.Errorf(platform.KindValidation, g.inner.Name(), "cancel_job",
			"platform does not support remote cancellation")
	}
	return c.CancelJob(ctx, remoteID)
}

func (g guarded) recoverTo(op string, err *error) {
	if p := recover(); p != nil {
		*err = platform.Errorf(platform.KindInternal, g.inner.Name(), op,
			"connector panicked: %v", p)
	}
}

var _ platform.Connector = guarded{}
var _ platform.Canceler = guarded{}

// SupportsCancel reports whether the underlying connector can cancel jobs
// remotely.
func SupportsCancel(c platform.Connector) bool {
	if g, ok := c.(guarded); ok {
		_, supported := g.inner.(platform.Canceler)
		return supported
	}
	_, supported := c.(platform.Canceler)
	return supported
}

// String avoids accidental logging of connector internals.
func (g guarded) String() string { return fmt.Sprintf("connector(%s)", g.inner.Name()) }
