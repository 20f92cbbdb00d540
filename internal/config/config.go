package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	DBPath string `envconfig:"DB_PATH" default:"offline.db"`

	// Bearer token sent to the CDN when fetching manifests and segments.
	CDNToken string `envconfig:"CDN_TOKEN"`

	LicenseServerURL string `envconfig:"LICENSE_SERVER_URL"`
	LicenseToken     string `envconfig:"LICENSE_TOKEN"`

	// KeySystems lists the key systems the platform supports. Entries suffixed
	// with ":persistent" also support durable license storage.
	KeySystems []string `envconfig:"KEY_SYSTEMS" default:"com.widevine.alpha:persistent"`

	UsePersistentLicense bool `envconfig:"USE_PERSISTENT_LICENSE" default:"false"`

	MaxParallel        int           `envconfig:"MAX_PARALLEL" default:"5"`
	FetchRetries       uint          `envconfig:"FETCH_RETRIES" default:"3"`
	FetchRetryInterval time.Duration `envconfig:"FETCH_RETRY_INTERVAL" default:"500ms"`
	FetchTimeout       time.Duration `envconfig:"FETCH_TIMEOUT" default:"2m"`

	CleanupInterval time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`

	LogLevel   string `envconfig:"LOG_LEVEL" default:"INFO"`
	WebhookURL string `envconfig:"WEBHOOK_URL"`

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"offline_vault"`
		OTLPEndpoint string `split_words:"true"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8080"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Capabilities expands KeySystems into the capability map consumed by the
// DRM oracle.
func (c *Config) Capabilities() map[string]bool {
	caps := make(map[string]bool, len(c.KeySystems))

	for _, ks := range c.KeySystems {
		name, persistent := strings.CutSuffix(ks, ":persistent")
		caps[name] = persistent
	}

	return caps
}
