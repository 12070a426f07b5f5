// Package valyrad serves resolved escrow views and finishes interrupted
// credential handovers for the configured wallet.
package valyrad

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"valyra/client"
	"valyra/config"
	"valyra/observability/logging"
	telemetry "valyra/observability/otel"
)

// Main initialises and runs the daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "valyra.yaml", "path to valyrad configuration (.yaml or .toml)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := SetupLogging("valyrad", cfg)

	shutdownTelemetry, err := telemetry.Init(context.Background(), TelemetryConfig("valyrad", cfg))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var opts []client.Option
	if strings.TrimSpace(cfg.Wallet.Keystore) == "" {
		opts = append(opts, client.ReadOnly())
	}
	c, err := client.Open(stopCtx, cfg, logger, opts...)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	proxies, err := ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return err
	}
	serverOpts := []ServerOption{
		WithLogger(logger),
		WithPollInterval(cfg.Poll.Interval.Duration),
		WithRateLimiter(NewRateLimiter(cfg.Server.RateLimit, cfg.Server.Burst, logger, WithTrustedProxies(proxies))),
	}
	if c.Journal != nil {
		serverOpts = append(serverOpts, WithHistory(c.Journal))
		go recoverHandovers(stopCtx, c, logger)
		go c.Syncer.Run(stopCtx, cfg.Sync.RetryInterval.Duration)
	}
	server := NewServer(c.Fetcher(), serverOpts...)

	httpServer := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("valyrad listening", slog.String("addr", cfg.Server.Listen), slog.String("account", c.Account().Hex()))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// recoverHandovers finishes sagas a previous run left behind, retrying while
// commitments await their receipt or entries are still inside their lease.
func recoverHandovers(ctx context.Context, c *client.Client, logger *slog.Logger) {
	saga, err := c.Handover(nil)
	if err != nil {
		logger.Error("handover recovery disabled", slog.Any("error", err))
		return
	}
	interval := c.Config.Sync.RetryInterval.Duration
	for {
		report, err := saga.Recover(ctx)
		logger.Info("handover recovery pass",
			slog.Int("confirmed", report.Confirmed),
			slog.Int("rolled_back", report.RolledBack),
			slog.Int("pending", report.Pending),
			slog.Int("leased", report.Leased),
			slog.Int("failed", len(report.Failed)))
		if err != nil && ctx.Err() == nil {
			logger.Error("handover recovery failed; manual support required", slog.Any("error", err))
		}
		if report.Pending == 0 && report.Leased == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// SetupLogging installs the JSON logger described by cfg.Logging.
func SetupLogging(service string, cfg *config.Config) *slog.Logger {
	opts := logging.Options{Level: logging.ParseLevel(cfg.Logging.Level)}
	if cfg.Logging.File != "" {
		opts.File = &logging.FileConfig{
			Path:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
			Compress:   cfg.Logging.Compress,
		}
	}
	return logging.SetupWithOptions(service, cfg.Environment, opts)
}

// TelemetryConfig starts from the OTEL_* environment and applies any
// endpoint configured in the file.
func TelemetryConfig(service string, cfg *config.Config) telemetry.Config {
	tc := telemetry.FromEnv(service, cfg.Environment)
	if endpoint := strings.TrimSpace(cfg.Telemetry.Endpoint); endpoint != "" {
		tc.Endpoint = endpoint
		tc.Insecure = cfg.Telemetry.Insecure
		tc.Metrics = cfg.Telemetry.Metrics
		tc.Traces = cfg.Telemetry.Traces
		if !tc.Metrics && !tc.Traces {
			tc.Metrics, tc.Traces = true, true
		}
	}
	if cfg.Telemetry.SampleRatio > 0 {
		tc.SampleRatio = cfg.Telemetry.SampleRatio
	}
	if len(cfg.Telemetry.Headers) > 0 {
		if tc.Headers == nil {
			tc.Headers = map[string]string{}
		}
		for k, v := range cfg.Telemetry.Headers {
			tc.Headers[k] = v
		}
	}
	return tc
}
