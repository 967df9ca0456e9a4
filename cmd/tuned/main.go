// Command tuned is the fine-tuning daemon. It owns the state store, the
// credential vault and the offline queue, and serves the local HTTP API the
// CLI talks to.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"tuneplane/internal/artifacts"
	"tuneplane/internal/config"
	"tuneplane/internal/controller"
	"tuneplane/internal/controller/handlers"
	"tuneplane/internal/logger"
	"tuneplane/internal/observability"
	"tuneplane/internal/orchestrator"
	"tuneplane/internal/platform/awscloud"
	"tuneplane/internal/platform/hfhub"
	"tuneplane/internal/platform/local"
	"tuneplane/internal/platform/registry"
	"tuneplane/internal/platform/runpod"
	"tuneplane/internal/queue"
	"tuneplane/internal/store/postgres"
	"tuneplane/internal/vault"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configFile := flag.String("config", "", "path to config file")
	migrate := flag.Bool("migrate", false, "run database migrations before starting")
	flag.Parse()

	log := logger.New()

	cfg, err := config.Load(*configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, "tuned", cfg.OTELEndpoint)
	if err != nil {
		return fmt.Errorf("failed to init tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			log.Error("tracer shutdown failed", "error", err)
		}
	}()

	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		return fmt.Errorf("failed to init metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			log.Error("metrics shutdown failed", "error", err)
		}
	}()

	st, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer st.Close()

	if *migrate {
		log.Info("running database migrations")
		if err := postgres.Migrate(st.DB()); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	vlt := vault.New(cfg.VaultPath)

	var mirror *artifacts.Mirror
	if cfg.MirrorEndpoint != "" {
		mirror, err = artifacts.NewMirror(artifacts.MirrorConfig{
			Endpoint:  cfg.MirrorEndpoint,
			AccessKey: cfg.MirrorAccessKey,
			SecretKey: cfg.MirrorSecretKey,
			Bucket:    cfg.MirrorBucket,
			UseSSL:    cfg.MirrorUseSSL,
		})
		if err != nil {
			return fmt.Errorf("failed to init artifact mirror: %w", err)
		}
	}

	blobs, err := artifacts.New(cfg.ArtifactDir, mirror)
	if err != nil {
		return fmt.Errorf("failed to init artifact store: %w", err)
	}

	reg := registry.New(st, vlt, registry.Config{ConnectTimeout: cfg.ConnectTimeout}, log)
	if err := registerConnectors(reg, cfg, mirror, log); err != nil {
		return err
	}

	probe := queue.DialProbe{Address: cfg.ProbeAddress}

	orch, err := orchestrator.New(reg, st, blobs, probe, orchestrator.Config{}, log)
	if err != nil {
		return fmt.Errorf("failed to init orchestrator: %w", err)
	}

	q := queue.New(st, orch, probe, queue.Config{SyncInterval: cfg.SyncInterval}, log)
	orch.AttachQueue(q)

	// Re-verify vaulted platforms so connectors hold working credentials
	// again after a restart. Failures are recorded, not fatal.
	go func() {
		for _, name := range reg.Names() {
			if !vlt.Has(name) {
				continue
			}
			if err := reg.Verify(ctx, name); err != nil {
				log.Warn("platform verification failed on startup", "platform", name, "error", err)
			}
		}
	}()

	if err := orch.Resume(ctx); err != nil {
		log.Error("failed to resume running jobs", "error", err)
	}
	defer orch.Shutdown()

	meter := otel.Meter("tuneplane-daemon")
	_, err = meter.Int64ObservableGauge("tuneplane.queue.pending",
		metric.WithDescription("Number of pending offline operations"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			n, err := st.CountPending(ctx)
			if err != nil {
				return err
			}
			obs.Observe(n)
			return nil
		}))
	if err != nil {
		return fmt.Errorf("failed to register queue gauge: %w", err)
	}

	go func() {
		if err := q.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("queue sync loop exited", "error", err)
		}
	}()

	h := handlers.New(orch, reg, q, st, log)
	server := controller.New(h, controller.Config{
		Port:         cfg.HTTPPort,
		APIToken:     cfg.APIToken,
		RateLimitRPS: cfg.RateLimitRPS,
		Metrics:      metricsHandler,
	}, log)

	log.Info("tuned starting", "port", cfg.HTTPPort)
	if err := server.Run(ctx); err != nil {
		return fmt.Errorf("http server failed: %w", err)
	}
	log.Info("tuned stopped")
	return nil
}

// registerConnectors wires every supported platform into the registry. The
// local runtime is optional: a machine without a container daemon still runs
// remote jobs.
func registerConnectors(reg *registry.Registry, cfg *config.Config, mirror *artifacts.Mirror, log *slog.Logger) error {
	if lc, err := local.New(cfg.TrainImage); err != nil {
		log.Warn("local runtime unavailable", "error", err)
	} else if err := reg.Register(lc); err != nil {
		return fmt.Errorf("failed to register local connector: %w", err)
	}

	if err := reg.Register(runpod.New(cfg.RunpodURL)); err != nil {
		return fmt.Errorf("failed to register runpod connector: %w", err)
	}
	if err := reg.Register(hfhub.New(cfg.HubURL)); err != nil {
		return fmt.Errorf("failed to register hfhub connector: %w", err)
	}
	if err := reg.Register(awscloud.New(awscloud.Config{
		Region:          cfg.AWSRegion,
		AMI:             cfg.AWSAMI,
		InstanceProfile: cfg.AWSInstanceProfile,
		PricingTTL:      cfg.AWSPricingTTL,
	}, mirror)); err != nil {
		return fmt.Errorf("failed to register awscloud connector: %w", err)
	}
	return nil
}
