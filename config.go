package rentd

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// DefaultStore keeps the credential pool in memory when no store is
	// configured.
	DefaultStore = "mem://"
	// DefaultMetricsListen is the metrics/health endpoint. Empty disables it.
	DefaultMetricsListen = ""
	// DefaultRentalDuration is the fixed lease length handed to new orders.
	DefaultRentalDuration = time.Hour
	// DefaultBonusExtension is the one-time extension granted when the
	// qualifying bonus event occurs.
	DefaultBonusExtension = 30 * time.Minute
	// DefaultWarningInterval is the expiry/warning scan cadence.
	DefaultWarningInterval = time.Minute
	// DefaultWarningWindow is the width of each warning window. It must not
	// be shorter than the scan interval or windows can be skipped over.
	DefaultWarningWindow = time.Minute
	// DefaultBonusInterval is the bonus scan cadence.
	DefaultBonusInterval = 5 * time.Minute
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultConfigFileName is looked up by the CLI under $HOME/.rentd.
	DefaultConfigFileName = "rentd.yaml"
)

// DefaultConfigDir returns the default configuration directory ($HOME/.rentd).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".rentd"), nil
}

// DefaultWarningThresholds returns the remaining-time marks that trigger
// expiry warnings, highest first.
func DefaultWarningThresholds() []time.Duration {
	return []time.Duration{30 * time.Minute, 20 * time.Minute, 10 * time.Minute}
}

// Config controls a rentd server. The zero value plus Validate() yields a
// memory-backed server with production timing.
type Config struct {
	// Store selects the inventory backend: mem://, disk://PATH, or
	// s3://BUCKET/OBJECT.
	Store string
	// MetricsListen is the Prometheus scrape + health endpoint address.
	// Empty disables the listener.
	MetricsListen string

	RentalDuration    time.Duration
	BonusExtension    time.Duration
	WarningThresholds []time.Duration
	WarningWindow     time.Duration
	WarningInterval   time.Duration
	BonusInterval     time.Duration
	ShutdownTimeout   time.Duration

	// S3* configure the s3:// backend. Credentials fall back to the usual
	// AWS/minio environment chain when unset.
	S3Endpoint       string
	S3Region         string
	S3AccessKey      string
	S3SecretKey      string
	S3Insecure       bool
	S3ForcePathStyle bool
}

// Validate normalizes cfg in place and reports configuration errors.
func (cfg *Config) Validate() error {
	if strings.TrimSpace(cfg.Store) == "" {
		cfg.Store = DefaultStore
	}
	if _, err := url.Parse(cfg.Store); err != nil {
		return fmt.Errorf("config: parse store URL: %w", err)
	}
	if cfg.RentalDuration == 0 {
		cfg.RentalDuration = DefaultRentalDuration
	}
	if cfg.RentalDuration < 0 {
		return fmt.Errorf("config: rental duration must be positive")
	}
	if cfg.BonusExtension == 0 {
		cfg.BonusExtension = DefaultBonusExtension
	}
	if cfg.BonusExtension < 0 {
		return fmt.Errorf("config: bonus extension must be positive")
	}
	if len(cfg.WarningThresholds) == 0 {
		cfg.WarningThresholds = DefaultWarningThresholds()
	}
	for _, threshold := range cfg.WarningThresholds {
		if threshold <= 0 {
			return fmt.Errorf("config: warning threshold %s must be positive", threshold)
		}
	}
	if cfg.WarningInterval == 0 {
		cfg.WarningInterval = DefaultWarningInterval
	}
	if cfg.WarningInterval < 0 {
		return fmt.Errorf("config: warning interval must be positive")
	}
	if cfg.WarningWindow == 0 {
		cfg.WarningWindow = DefaultWarningWindow
	}
	if cfg.WarningWindow < cfg.WarningInterval {
		return fmt.Errorf("config: warning window %s shorter than scan interval %s; warnings could be skipped",
			cfg.WarningWindow, cfg.WarningInterval)
	}
	if cfg.BonusInterval == 0 {
		cfg.BonusInterval = DefaultBonusInterval
	}
	if cfg.BonusInterval < 0 {
		return fmt.Errorf("config: bonus interval must be positive")
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	return nil
}
