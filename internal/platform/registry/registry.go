// Package registry holds the set of registered platform connectors and
// isolates their failures from the rest of the process. Connectors are
// registered once at startup; the orchestrator reaches platforms only
// through Get.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tuneplane/internal/platform"
	"tuneplane/internal/store"
	"tuneplane/internal/vault"
)

// DefaultConnectTimeout bounds Connect so health checks report promptly.
const DefaultConnectTimeout = 5 * time.Second

// CredentialSource is the vault surface the registry needs.
type CredentialSource interface {
	Store(name string, creds platform.Credentials) error
	Retrieve(name string) (platform.Credentials, error)
	Delete(name string) error
	Has(name string) bool
}

// Config holds registry tunables.
type Config struct {
	// ConnectTimeout bounds every credential verification call.
	ConnectTimeout time.Duration
}

// Registry is the name-keyed connector lookup. All connectors returned by Get
// are wrapped so a panic inside one connector surfaces as a typed error
// instead of taking down the process.
type Registry struct {
	connectors map[string]platform.Connector
	conns      store.ConnectionStore
	creds      CredentialSource
	cfg        Config
	log        *slog.Logger
}

// New creates an empty registry.
func New(conns store.ConnectionStore, creds CredentialSource, cfg Config, log *slog.Logger) *Registry {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	return &Registry{
		connectors: make(map[string]platform.Connector),
		conns:      conns,
		creds:      creds,
		cfg:        cfg,
		log:        log,
	}
}

// Register adds a connector under its name. Called during startup wiring only;
// duplicate names are a programming error.
func (r *Registry) Register(c platform.Connector) error {
	name := c.Name()
	if name == "" {
		return fmt.Errorf("connector has empty name")
	}
	if _, ok := r.connectors[name]; ok {
		return fmt.Errorf("connector %q already registered", name)
	}
	r.connectors[name] = guarded{inner: c}
	return nil
}

// Get returns the connector registered under name, or a typed not-found error.
func (r *Registry) Get(name string) (platform.Connector, error) {
	c, ok := r.connectors[name]
	if !ok {
		return nil, platform.Errorf(platform.KindNotFound, name, "get", "no connector registered for platform")
	}
	return c, nil
}

// Names returns the registered platform names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.connectors))
	for name := range r.connectors {
		names = append(names, name)
	}
	return names
}

// Connect validates user-supplied credentials against a platform, stores them
// in the vault and records the connection status. Credentials are kept even
// when the platform is unreachable, so a later Verify can succeed without the
// user re-entering them; they are dropped on an auth rejection.
func (r *Registry) Connect(ctx context.Context, name string, creds platform.Credentials) error {
	conn, err := r.Get(name)
	if err != nil {
		return err
	}

	verifyErr := r.connectWithTimeout(ctx, conn, creds)

	switch {
	case verifyErr == nil:
		if err := r.creds.Store(name, creds); err != nil {
			return fmt.Errorf("failed to store credentials: %w", err)
		}
		r.recordStatus(ctx, name, store.ConnectionConnected, true)
		return nil

	case platform.IsKind(verifyErr, platform.KindAuth):
		r.recordStatus(ctx, name, store.ConnectionInvalid, false)
		return verifyErr

	default:
		if err := r.creds.Store(name, creds); err != nil {
			return fmt.Errorf("failed to store credentials: %w", err)
		}
		r.recordStatus(ctx, name, store.ConnectionUnreachable, true)
		return verifyErr
	}
}

// Verify re-checks a platform using the vaulted credentials and updates the
// connection record. Used by health refresh and by the connectivity probe.
func (r *Registry) Verify(ctx context.Context, name string) error {
	conn, err := r.Get(name)
	if err != nil {
		return err
	}

	creds, err := r.creds.Retrieve(name)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			r.recordStatus(ctx, name, store.ConnectionUnverified, false)
			return platform.Errorf(platform.KindAuth, name, "verify", "no stored credentials")
		}
		return err
	}

	verifyErr := r.connectWithTimeout(ctx, conn, creds)

	switch {
	case verifyErr == nil:
		r.recordStatus(ctx, name, store.ConnectionConnected, true)
	case platform.IsKind(verifyErr, platform.KindAuth):
		r.recordStatus(ctx, name, store.ConnectionInvalid, true)
	default:
		r.recordStatus(ctx, name, store.ConnectionUnreachable, true)
	}
	return verifyErr
}

// Disconnect removes a platform's credentials and resets its record.
func (r *Registry) Disconnect(ctx context.Context, name string) error {
	if _, err := r.Get(name); err != nil {
		return err
	}
	if err := r.creds.Delete(name); err != nil {
		return fmt.Errorf("failed to delete credentials: %w", err)
	}
	r.recordStatus(ctx, name, store.ConnectionUnverified, false)
	return nil
}

// Credentials fetches the vaulted credentials for a platform, for callers
// that must re-authenticate a connector before use.
func (r *Registry) Credentials(name string) (platform.Credentials, error) {
	creds, err := r.creds.Retrieve(name)
	if errors.Is(err, vault.ErrNotFound) {
		return platform.Credentials{}, platform.Errorf(platform.KindAuth, name, "credentials", "no stored credentials")
	}
	return creds, err
}

// connectWithTimeout bounds Connect so a hung platform reports unreachable
// instead of blocking the caller.
func (r *Registry) connectWithTimeout(ctx context.Context, conn platform.Connector, creds platform.Credentials) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- conn.Connect(ctx, creds)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return platform.Errorf(platform.KindUnreachable, conn.Name(), "connect",
			"no response within %s", r.cfg.ConnectTimeout)
	}
}

func (r *Registry) recordStatus(ctx context.Context, name string, status store.ConnectionStatus, hasCreds bool) {
	now := time.Now()
	conn := &store.PlatformConnection{
		Name:           name,
		Status:         status,
		LastVerifiedAt: &now,
		Metadata:       map[string]string{"has_credentials": fmt.Sprintf("%t", hasCreds)},
	}
	if err := r.conns.UpsertConnection(ctx, conn); err != nil {
		r.log.Error("failed to record platform status",
			"platform", name, "status", status, "error", err)
	}
}
