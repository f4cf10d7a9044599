package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/migadu/mailroute/config"
	"github.com/migadu/mailroute/logger"
	"github.com/migadu/mailroute/pkg/health"
	"github.com/migadu/mailroute/server/delivery"
	"github.com/migadu/mailroute/server/directory"
	"github.com/migadu/mailroute/server/httpapi"
	"github.com/migadu/mailroute/server/mail"
	"github.com/migadu/mailroute/server/mailet"
	"github.com/migadu/mailroute/server/pipeline"
	"github.com/migadu/mailroute/server/redirect"
	"github.com/migadu/mailroute/server/relayqueue"
	"github.com/migadu/mailroute/server/resolver"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultConfigPath = "config.toml"

	// queue backlog above which the relay queue reports degraded
	maxPendingHealthy = 1000
)

// backend is a directory implementation with its lifecycle.
type backend interface {
	directory.Lister
	directory.Pinger
	io.Closer
}

// services are the long-lived components shared by the servers.
type services struct {
	directory   directory.Lister
	closer      io.Closer
	pinger      directory.Pinger
	relay       *delivery.SMTPRelayHandler
	queue       *relayqueue.DiskQueue
	outbox      *relayqueue.Outbox
	worker      *relayqueue.Worker
	chain       *mailet.Chain
	hostname    string
	retention   time.Duration
	cleanupTick time.Duration
}

func main() {
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", defaultConfigPath, "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("mailroute version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	if err := loadConfig(*configPath, &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "MAILROUTE: %v\n", err)
		os.Exit(1)
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "MAILROUTE: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	logger.Info("Mailroute starting", "version", version, "commit", commit, "built", date)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Info("Received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	svc, err := initializeServices(ctx, cfg)
	if err != nil {
		logger.Error("Failed to initialize services", "error", err)
		os.Exit(1)
	}
	defer svc.closer.Close()
	defer svc.worker.Stop()

	monitor := newHealthMonitor(svc)
	monitor.Start(ctx)
	defer monitor.Stop()

	errChan := make(chan error, 4)
	go runQueueCleanup(ctx, svc)

	if cfg.HTTPAPI.Enabled {
		go httpapi.Start(ctx, httpapi.ServerOptions{
			Addr:         cfg.HTTPAPI.Addr,
			APIKey:       cfg.HTTPAPI.APIKey,
			AllowedHosts: cfg.HTTPAPI.AllowedHosts,
			Chain:        svc.chain,
			Outbox:       svc.outbox,
			Queue:        svc.queue,
			Health:       monitor,
		}, errChan)
	}
	if cfg.Metrics.Enabled {
		go startMetricsServer(ctx, cfg.Metrics, errChan)
	}

	select {
	case <-ctx.Done():
		logger.Info("Waiting for the relay worker to finish in-flight deliveries")
	case err := <-errChan:
		logger.Error("Server failed", "error", err)
		cancel()
		monitor.Stop()
		svc.worker.Stop()
		svc.closer.Close()
		os.Exit(1)
	}
}

// loadConfig reads the configuration file. A missing default file leaves the
// built-in defaults in place; a missing explicit file is an error.
func loadConfig(path string, cfg *config.Config) error {
	if err := config.LoadConfigFromFile(path, cfg); err != nil {
		if !errors.Is(err, os.ErrNotExist) || path != defaultConfigPath {
			return fmt.Errorf("failed to load configuration %s: %w", path, err)
		}
		fmt.Fprintf(os.Stderr, "MAILROUTE: default configuration file '%s' not found, using defaults\n", path)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func initializeServices(ctx context.Context, cfg config.Config) (*services, error) {
	postmaster, err := mail.ParseAddress(cfg.Pipeline.Postmaster)
	if err != nil {
		return nil, fmt.Errorf("pipeline.postmaster: %w", err)
	}

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "localhost"
	}

	dir, be, err := openDirectory(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	svc := &services{directory: dir, closer: be, pinger: be, hostname: hostname}

	if err := svc.startRelay(ctx, cfg.Relay); err != nil {
		be.Close()
		return nil, err
	}

	svc.chain, err = pipeline.Build(cfg.Pipeline, pipeline.Deps{
		Resolver:      resolver.New(postmaster),
		Sender:        svc.outbox,
		DomainChecker: redirect.NewDNSChecker(),
		Directory:     svc.directory,
		Hostname:      hostname,
		RandomStoring: cfg.RandomStoring,
	})
	if err != nil {
		svc.worker.Stop()
		be.Close()
		return nil, err
	}
	return svc, nil
}

func openDirectory(ctx context.Context, cfg config.DatabaseConfig) (directory.Lister, backend, error) {
	timeout, err := cfg.GetQueryTimeout()
	if err != nil {
		return nil, nil, fmt.Errorf("database.query_timeout: %w", err)
	}

	switch cfg.Driver {
	case "postgres":
		pg, err := directory.NewPostgres(ctx, cfg.DSN, cfg.MaxConns)
		if err != nil {
			return nil, nil, err
		}
		return directory.WithQueryTimeout(pg, timeout), pg, nil
	default:
		lite, err := directory.OpenSQLite(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return directory.WithQueryTimeout(lite, timeout), lite, nil
	}
}

// startRelay opens the outbox queue and starts its delivery worker. Without
// a configured relay, queued messages are retried until they fail.
func (s *services) startRelay(ctx context.Context, cfg config.RelayConfig) error {
	backoff, err := cfg.Queue.GetRetryBackoff()
	if err != nil {
		return fmt.Errorf("relay.queue.retry_backoff: %w", err)
	}
	interval, err := cfg.Queue.GetWorkerInterval()
	if err != nil {
		return fmt.Errorf("relay.queue.worker_interval: %w", err)
	}
	s.retention, err = cfg.Queue.GetFailedRetention()
	if err != nil {
		return fmt.Errorf("relay.queue.failed_retention: %w", err)
	}
	s.cleanupTick = time.Hour

	s.queue, err = relayqueue.NewDiskQueue(cfg.GetQueuePath(), cfg.Queue.MaxAttempts, backoff)
	if err != nil {
		return err
	}
	if n, err := s.queue.RecoverOrphanedMessages(); err != nil {
		logger.Warn("Relay: Failed to recover orphaned messages", "error", err)
	} else if n > 0 {
		logger.Info("Relay: Recovered orphaned messages", "count", n)
	}

	var handler relayqueue.RelayHandler
	if cfg.IsConfigured() {
		h, err := delivery.NewSMTPRelayHandler(cfg)
		if err != nil {
			return err
		}
		handler = h
		s.relay = h
	} else {
		logger.Warn("Relay: No relay configured, queued messages cannot be delivered")
	}

	s.worker = relayqueue.NewWorker(s.queue, handler, interval, cfg.Queue.BatchSize, cfg.Queue.Concurrency, nil)
	s.outbox = relayqueue.NewOutbox(s.queue, s.hostname, s.worker)
	return s.worker.Start(ctx)
}

func newHealthMonitor(s *services) *health.Monitor {
	m := health.NewMonitor()
	m.Register(health.DirectoryCheck(s.pinger))
	m.Register(health.QueueCheck(s.queue, maxPendingHealthy))
	if s.relay != nil && s.relay.GetCircuitBreaker() != nil {
		m.Register(health.CircuitBreakerCheck("relay", s.relay.GetCircuitBreaker()))
	}
	return m
}

func runQueueCleanup(ctx context.Context, s *services) {
	if s.retention <= 0 {
		return
	}
	ticker := time.NewTicker(s.cleanupTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.queue.CleanupOldFailedMessages(s.retention)
			if err != nil {
				logger.Warn("Relay: Failed to clean up failed messages", "error", err)
			} else if n > 0 {
				logger.Info("Relay: Removed old failed messages", "count", n)
			}
		}
	}
}

func startMetricsServer(ctx context.Context, cfg config.MetricsConfig, errChan chan error) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down metrics server", "error", err)
		}
	}()

	logger.Info("Starting metrics server", "addr", cfg.Addr, "path", cfg.Path)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errChan <- fmt.Errorf("metrics server failed: %w", err)
	}
}
