// Package config loads daemon configuration from an optional YAML file and
// environment variables. Environment values override the file; secrets are
// never part of this config, they live in the credential vault.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all tuneplane daemon settings.
type Config struct {
	// DatabaseURL is the Postgres connection string for the state store.
	DatabaseURL string `mapstructure:"database_url"`

	// HTTPPort is the local API port.
	HTTPPort int `mapstructure:"http_port"`

	// APIToken protects the local API. Empty disables token auth, which is
	// acceptable only because the listener is loopback-bound.
	APIToken string `mapstructure:"api_token"`

	// RateLimitRPS bounds API requests per second per client.
	RateLimitRPS float64 `mapstructure:"rate_limit_rps"`

	// ArtifactDir is where verified artifacts are stored.
	ArtifactDir string `mapstructure:"artifact_dir"`

	// VaultPath is the encrypted credential vault file.
	VaultPath string `mapstructure:"vault_path"`

	// SyncInterval is the offline queue's background sync cadence.
	SyncInterval time.Duration `mapstructure:"sync_interval"`

	// ConnectTimeout bounds platform credential verification.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`

	// ProbeAddress is dialed to detect connectivity.
	ProbeAddress string `mapstructure:"probe_address"`

	// OTELEndpoint is the OTLP trace collector address.
	OTELEndpoint string `mapstructure:"otel_endpoint"`

	// TrainImage is the container image the local platform runs.
	TrainImage string `mapstructure:"train_image"`

	// RunpodURL is the rented-GPU service API base URL.
	RunpodURL string `mapstructure:"runpod_url"`

	// HubURL is the model hub base URL; empty targets the public hub.
	HubURL string `mapstructure:"hub_url"`

	AWSRegion          string `mapstructure:"aws_region"`
	AWSAMI             string `mapstructure:"aws_ami"`
	AWSInstanceProfile string `mapstructure:"aws_instance_profile"`

	// AWSPricingTTL is how long fetched cloud prices stay fresh.
	AWSPricingTTL time.Duration `mapstructure:"aws_pricing_ttl"`

	// Object storage mirror for artifacts. Optional; empty endpoint
	// disables mirroring.
	MirrorEndpoint  string `mapstructure:"mirror_endpoint"`
	MirrorAccessKey string `mapstructure:"mirror_access_key"`
	MirrorSecretKey string `mapstructure:"mirror_secret_key"`
	MirrorBucket    string `mapstructure:"mirror_bucket"`
	MirrorUseSSL    bool   `mapstructure:"mirror_use_ssl"`
}

// Load reads configuration. configFile may be empty; environment variables
// always win over file values.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("http_port", 7171)
	v.SetDefault("rate_limit_rps", 50.0)
	v.SetDefault("artifact_dir", "artifacts")
	v.SetDefault("vault_path", "vault.enc.json")
	v.SetDefault("sync_interval", 15*time.Second)
	v.SetDefault("connect_timeout", 5*time.Second)
	v.SetDefault("probe_address", "1.1.1.1:443")
	v.SetDefault("otel_endpoint", "localhost:4317")
	v.SetDefault("train_image", "tuneplane/trainer:latest")
	v.SetDefault("runpod_url", "https://api.runpod.io")
	v.SetDefault("hub_url", "")
	v.SetDefault("aws_region", "us-east-1")
	v.SetDefault("aws_pricing_ttl", 24*time.Hour)
	v.SetDefault("mirror_bucket", "tuneplane-artifacts")

	v.SetEnvPrefix("TUNEPLANE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Common names kept for operator convenience.
	v.BindEnv("database_url", "TUNEPLANE_DATABASE_URL", "DATABASE_URL")
	v.BindEnv("http_port", "TUNEPLANE_HTTP_PORT", "PORT")
	v.BindEnv("otel_endpoint", "TUNEPLANE_OTEL_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database_url is required (env: TUNEPLANE_DATABASE_URL)")
	}
	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		return nil, fmt.Errorf("http_port %d out of range", cfg.HTTPPort)
	}

	return &cfg, nil
}
