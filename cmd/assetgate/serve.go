package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/polisai/assetgate/internal/governance"
	gatetls "github.com/polisai/assetgate/internal/tls"
	"github.com/polisai/assetgate/pkg/asset"
	"github.com/polisai/assetgate/pkg/authz"
	"github.com/polisai/assetgate/pkg/config"
	"github.com/polisai/assetgate/pkg/gateway"
	"github.com/polisai/assetgate/pkg/logging"
	"github.com/polisai/assetgate/pkg/management"
	"github.com/polisai/assetgate/pkg/storage"
	"github.com/polisai/assetgate/pkg/telemetry"
)

const (
	telemetryShutdownTimeout = 5 * time.Second
	counterSweepInterval     = time.Minute
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the data and admin servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := flags.config()
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			logger, err := flags.newLogger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, path, logger)
		},
	}
}

// runServe wires every component from cfg and serves until ctx is done or a
// listener fails.
func runServe(ctx context.Context, cfg *config.Config, configPath string, logger *slog.Logger) error {
	shutdownTracing, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Environment: cfg.Telemetry.Environment,
		Insecure:    cfg.Telemetry.Insecure,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("initialize tracing: %w", err)
	}
	defer shutdownTelemetry(shutdownTracing, logger)

	metrics := telemetry.NewMetrics()

	rawStore, err := storage.Open(ctx, cfg.Storage.StoreConfig())
	if err != nil {
		return fmt.Errorf("open domain store: %w", err)
	}
	store := storage.Instrument(rawStore, metrics)
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("Failed to close domain store", "error", err)
		}
	}()

	engine, err := authz.NewEngine(store, cfg.Auth.ClientKey, cfg.Auth.AccessPolicy(),
		authz.WithCircuitBreaker(governance.NewCircuitBreaker(cfg.Resilience.CircuitBreakerConfig())),
		authz.WithRetryPolicy(governance.NewRetryPolicy(cfg.Resilience.RetryConfig())),
		authz.WithTimeouts(governance.NewTimeoutManager(governance.TimeoutConfig{
			StoreTimeout:    cfg.Resilience.StoreTimeout,
			UpstreamTimeout: cfg.Asset.Timeout,
		})),
		authz.WithObserver(metrics),
		authz.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("build decision engine: %w", err)
	}

	admission, err := newAdmission(ctx, cfg, metrics, logger)
	if err != nil {
		return err
	}

	var fetcher *asset.Fetcher
	if cfg.Asset.UpstreamURL != "" {
		fetcher, err = asset.NewFetcher(asset.Config{
			UpstreamURL: cfg.Asset.UpstreamURL,
			FetchRate:   cfg.Asset.FetchRate,
			Burst:       cfg.Asset.Burst,
			Timeout:     cfg.Asset.Timeout,
		}, logger, asset.WithObserver(metrics))
		if err != nil {
			return fmt.Errorf("build asset fetcher: %w", err)
		}
	} else {
		logger.Warn("No asset upstream configured, asset route disabled", "path", cfg.Asset.Path)
	}

	gw := gateway.NewServer(gateway.Deps{
		Engine:    engine,
		Manager:   management.NewManager(store, logger, metrics),
		Admission: admission,
		Fetcher:   fetcher,
		Metrics:   metrics,
		Logger:    logger,
	}, gateway.Options{
		AssetPath:         cfg.Asset.Path,
		ClientKey:         cfg.Auth.ClientKey,
		RevealKeyOnDenial: cfg.Auth.RevealKeyOnDenial,
		AdminKey:          cfg.Auth.AdminKey,
		CORSOrigins:       cfg.Server.CORSOrigins,
		TrustedProxies:    cfg.Admission.ProxyHops(),
	})

	dataTLS, closeDataCerts, err := listenerTLS("data", cfg.Server.TLS, metrics, logger)
	if err != nil {
		return err
	}
	defer closeDataCerts()
	adminTLS, closeAdminCerts, err := listenerTLS("admin", cfg.Server.AdminTLS, metrics, logger)
	if err != nil {
		return err
	}
	defer closeAdminCerts()

	errCh := make(chan error, 2)
	dataSrv, err := startServer("data", cfg.Server.DataAddress, gw.DataHandler(), dataTLS, cfg.Server, logger, errCh)
	if err != nil {
		return err
	}
	adminSrv, err := startServer("admin", cfg.Server.AdminAddress, gw.AdminHandler(), adminTLS, cfg.Server, logger, errCh)
	if err != nil {
		shutdownServer(dataSrv, cfg.Server.ShutdownTimeout, logger)
		return err
	}

	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, cfg, logger, config.WithReloadHook(metrics.RecordConfigReload))
		if err != nil {
			logger.Warn("Config hot reload disabled", "error", err)
		} else {
			defer func() { _ = watcher.Close() }()
			go applyReloads(ctx, watcher.Subscribe(), admission, logger)
		}
	}

	logger.Info("assetgate started",
		"data_address", cfg.Server.DataAddress,
		"admin_address", cfg.Server.AdminAddress,
		"policy", engine.Policy(),
		"storage", cfg.Storage.Driver,
		"admission_backend", cfg.Admission.Backend,
		"domain_api", cfg.Auth.AdminKey != "",
	)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal, draining connections")
	case runErr = <-errCh:
		logger.Error("Server failed", "error", runErr)
	}

	shutdownServer(dataSrv, cfg.Server.ShutdownTimeout, logger)
	shutdownServer(adminSrv, cfg.Server.ShutdownTimeout, logger)
	logger.Info("assetgate stopped")
	return runErr
}

// newAdmission builds the admission controller on the configured counter
// backend. The memory counter is swept for as long as ctx lives.
func newAdmission(ctx context.Context, cfg *config.Config, metrics *telemetry.Metrics, logger *slog.Logger) (*governance.AdmissionController, error) {
	var counter governance.WindowCounter
	var memory *governance.MemoryWindowCounter

	switch cfg.Admission.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Admission.RedisAddr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect admission redis: %w", err)
		}
		go func() {
			<-ctx.Done()
			_ = client.Close()
		}()
		counter = governance.NewRedisWindowCounter(client, "")
	default:
		memory = governance.NewMemoryWindowCounter()
		counter = memory
	}

	admission, err := governance.NewAdmissionController(cfg.Admission.Policy(), counter, logger, governance.WithObserver(metrics))
	if err != nil {
		return nil, fmt.Errorf("build admission controller: %w", err)
	}
	if memory != nil {
		go memory.RunSweeper(ctx, counterSweepInterval, func() time.Duration { return admission.Policy().Window })
	}
	return admission, nil
}

// applyReloads applies the live-reloadable parts of each new configuration.
func applyReloads(ctx context.Context, updates <-chan *config.Config, admission *governance.AdmissionController, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			if err := admission.Configure(cfg.Admission.Policy()); err != nil {
				logger.Warn("Rejected admission policy from reloaded config", "error", err)
			}
			logging.SetLevel(cfg.Logging.Level)
			logger.Info("Applied reloaded configuration",
				"log_level", cfg.Logging.Level,
				"admission_limit", cfg.Admission.Limit,
			)
		}
	}
}

// listenerTLS loads the certificate of one listener and keeps it reloaded. It
// returns a nil config when the listener serves plain HTTP.
func listenerTLS(name string, section config.TLSConfig, metrics *telemetry.Metrics, logger *slog.Logger) (*tls.Config, func(), error) {
	cfg := section.Listener()
	if !cfg.Enabled() {
		return nil, func() {}, nil
	}

	certs, err := gatetls.NewCertificateReloader(cfg.CertFile, cfg.KeyFile, logger.With("listener", name),
		gatetls.WithCertificateReloadHook(func(status string, leaf *x509.Certificate) {
			metrics.RecordCertificateReload(name, status)
			metrics.SetCertificateExpiry(name, leaf.NotAfter)
		}))
	if err != nil {
		return nil, nil, fmt.Errorf("%s listener certificate: %w", name, err)
	}
	metrics.SetCertificateExpiry(name, certs.Leaf().NotAfter)

	tlsConfig, err := gatetls.BuildServer(cfg, certs)
	if err != nil {
		_ = certs.Close()
		return nil, nil, fmt.Errorf("%s listener tls: %w", name, err)
	}
	return tlsConfig, func() { _ = certs.Close() }, nil
}

// startServer binds addr before returning so that a busy port fails startup.
func startServer(name, addr string, handler http.Handler, tlsConfig *tls.Config, cfg config.ServerConfig, logger *slog.Logger, errCh chan<- error) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%s server listen on %s: %w", name, addr, err)
	}
	scheme := "http"
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
		scheme = "https"
	}

	server := &http.Server{
		Handler:           handler,
		TLSConfig:         tlsConfig,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}

	go func() {
		logger.Info("Server listening", "server", name, "address", ln.Addr().String(), "scheme", scheme)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("%s server: %w", name, err)
		}
	}()
	return server, nil
}

func shutdownServer(server *http.Server, timeout time.Duration, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}
}

func shutdownTelemetry(shutdown func(context.Context) error, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.Warn("Telemetry shutdown error", "error", err)
	}
}
