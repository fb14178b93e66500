package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"
	"pkt.systems/rentd"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("RENTD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "rentd")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := rentd.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, rentd.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}

	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return abs, nil
}

func parseThresholds(raw string) ([]time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	thresholds := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := time.ParseDuration(part)
		if err != nil {
			return nil, fmt.Errorf("parse warning threshold %q: %w", part, err)
		}
		thresholds = append(thresholds, d)
	}
	return thresholds, nil
}

func bindConfig(cfg *rentd.Config) error {
	cfg.Store = viper.GetString("store")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.RentalDuration = viper.GetDuration("rental-duration")
	cfg.BonusExtension = viper.GetDuration("bonus-extension")
	thresholds, err := parseThresholds(viper.GetString("warning-thresholds"))
	if err != nil {
		return err
	}
	cfg.WarningThresholds = thresholds
	cfg.WarningWindow = viper.GetDuration("warning-window")
	cfg.WarningInterval = viper.GetDuration("warning-interval")
	cfg.BonusInterval = viper.GetDuration("bonus-interval")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	cfg.S3Endpoint = viper.GetString("s3-endpoint")
	cfg.S3Region = viper.GetString("s3-region")
	cfg.S3AccessKey = viper.GetString("s3-access-key")
	cfg.S3SecretKey = viper.GetString("s3-secret-key")
	cfg.S3Insecure = viper.GetBool("s3-insecure")
	cfg.S3ForcePathStyle = viper.GetBool("s3-path-style")
	return nil
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg rentd.Config

	cmd := &cobra.Command{
		Use:           "rentd",
		Short:         "rentd brokers timed rentals of shared accounts with warnings, one-time bonus extensions, and automatic reclamation",
		SilenceErrors: true,
		Example: `
  # Disk-backed pool, metrics on :9464
  rentd --store disk:///var/lib/rentd/pool.yaml --metrics-listen :9464

  # MinIO-backed pool (TLS on by default; append ?insecure=1 for HTTP)
  RENTD_S3_ACCESS_KEY=minioadmin RENTD_S3_SECRET_KEY=minioadmin \
    rentd --store s3://rentd/pool.yaml --s3-endpoint localhost:9000 --s3-insecure

  # In-memory pool (tests/dev only)
  rentd --store mem://
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			ctx := cmd.Context()
			cmd.SilenceUsage = true

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				logger.Info("loaded config file", "path", configFile)
			}
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
			}

			server, err := rentd.NewServer(cfg, rentd.WithLogger(logger))
			if err != nil {
				return err
			}
			if err := server.Start(); err != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
				return err
			}
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.rentd/"+rentd.DefaultConfigFileName+")")
	persistentFlags.String("store", rentd.DefaultStore, "pool backend URL (mem://, disk:///path/pool.yaml, s3://bucket/object)")
	persistentFlags.String("s3-endpoint", "", "S3-compatible endpoint for s3:// stores (host[:port])")
	persistentFlags.String("s3-region", "", "region for s3:// stores")
	persistentFlags.String("s3-access-key", "", "access key for s3:// stores (or use the AWS/minio env chain)")
	persistentFlags.String("s3-secret-key", "", "secret key for s3:// stores")
	persistentFlags.Bool("s3-insecure", false, "use HTTP instead of HTTPS for s3:// stores")
	persistentFlags.Bool("s3-path-style", false, "force path-style bucket addressing for s3:// stores")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	flags := cmd.Flags()
	flags.String("metrics-listen", rentd.DefaultMetricsListen, "metrics listen address (Prometheus scrape + health endpoint; empty disables)")
	flags.Duration("rental-duration", rentd.DefaultRentalDuration, "lease length for new orders")
	flags.Duration("bonus-extension", rentd.DefaultBonusExtension, "one-time extension granted on the qualifying bonus event")
	flags.String("warning-thresholds", "30m,20m,10m", "comma-separated remaining-time marks that trigger expiry warnings")
	flags.Duration("warning-window", rentd.DefaultWarningWindow, "width of each warning window (must cover the scan interval)")
	flags.Duration("warning-interval", rentd.DefaultWarningInterval, "expiry/warning scan cadence")
	flags.Duration("bonus-interval", rentd.DefaultBonusInterval, "bonus scan cadence")
	flags.Duration("shutdown-timeout", rentd.DefaultShutdownTimeout, "graceful shutdown timeout")

	lookupFlag := func(name string) *pflag.Flag {
		if flag := flags.Lookup(name); flag != nil {
			return flag
		}
		return persistentFlags.Lookup(name)
	}
	bindFlag := func(name string) {
		flag := lookupFlag(name)
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("RENTD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config", "store", "metrics-listen",
		"rental-duration", "bonus-extension", "warning-thresholds", "warning-window",
		"warning-interval", "bonus-interval", "shutdown-timeout",
		"s3-endpoint", "s3-region", "s3-access-key", "s3-secret-key", "s3-insecure", "s3-path-style",
		"log-level",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newAccountsCommand(baseLogger))
	cmd.AddCommand(newVersionCommand())

	return cmd
}
