package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/sealed-store/internal/api"
	"github.com/kenneth/sealed-store/internal/audit"
	"github.com/kenneth/sealed-store/internal/blobstore"
	"github.com/kenneth/sealed-store/internal/cache"
	"github.com/kenneth/sealed-store/internal/config"
	"github.com/kenneth/sealed-store/internal/fetch"
	"github.com/kenneth/sealed-store/internal/keystore"
	"github.com/kenneth/sealed-store/internal/kvstore"
	"github.com/kenneth/sealed-store/internal/metrics"
	"github.com/kenneth/sealed-store/internal/middleware"
	"github.com/kenneth/sealed-store/internal/s3"
	"github.com/kenneth/sealed-store/internal/service"
	"github.com/kenneth/sealed-store/internal/tracing"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	setLogLevel(logger, cfg.LogLevel)

	logger.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
	}).Info("Starting sealed-store")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	if cfg.Tracing.ServiceVersion == "" {
		cfg.Tracing.ServiceVersion = version
	}
	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, os.Stderr)
	if err != nil {
		logger.WithError(err).Fatal("Failed to set up tracing")
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			logger.WithError(err).Warn("Failed to flush traces")
		}
	}()

	// Initialize metrics
	m := metrics.NewMetrics()
	m.StartSystemMetricsCollector(ctx, 15*time.Second)

	var auditLogger audit.Logger
	if cfg.Audit.Enabled {
		auditLogger = audit.NewLogger(cfg.Audit.MaxEvents, audit.NewLogrusWriter(logger))
		logger.WithField("max_events", cfg.Audit.MaxEvents).Info("Audit logging enabled")
	}

	ks, err := newKeyStore(cfg, logger, m, auditLogger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to configure key store")
	}

	openKV, err := kvOpener(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to configure secret store")
	}
	openBlobs, err := blobOpener(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to configure blob store")
	}

	fetchOpts := fetch.DefaultOptions()
	fetchOpts.Timeout = cfg.Fetch.Timeout
	fetchOpts.MaxAttempts = cfg.Fetch.MaxAttempts
	fetchOpts.InitialBackoff = cfg.Fetch.InitialBackoff
	fetchOpts.MaxBackoff = cfg.Fetch.MaxBackoff
	fetchOpts.MaxBytes = cfg.Fetch.MaxBytes
	fetchOpts.UserAgent = cfg.Fetch.UserAgent

	svc, err := service.New(service.Config{
		KeyStore:  ks,
		OpenKV:    openKV,
		OpenBlobs: openBlobs,
		Fetcher:   fetch.New(nil, fetchOpts, logger),
		Audit:     auditLogger,
		Metrics:   m,
		Logger:    logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create service")
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close stores")
		}
	}()

	handler := api.NewHandler(svc, logger, cfg.Server.MaxBodyBytes)

	// Setup router
	router := mux.NewRouter()
	router.Handle("/metrics", m.Handler()).Methods("GET")
	handler.RegisterRoutes(router)

	// Route-aware middleware runs after matching so it sees path templates.
	router.Use(middleware.LoggingMiddleware(logger, &cfg.Logging))
	router.Use(middleware.MetricsMiddleware(m))
	router.Use(middleware.TracingMiddleware(cfg.Tracing.RedactSensitive))
	router.Use(middleware.BlobNameValidationMiddleware(logger))

	var httpHandler http.Handler = router
	httpHandler = middleware.RecoveryMiddleware(logger)(httpHandler)
	httpHandler = middleware.SecurityHeadersMiddleware()(httpHandler)

	var rateLimiter *middleware.RateLimiter
	if cfg.RateLimit.Enabled {
		rateLimiter = middleware.NewRateLimiter(cfg.RateLimit.Limit, cfg.RateLimit.Window, logger)
		defer rateLimiter.Stop()
		httpHandler = middleware.RateLimitMiddleware(rateLimiter)(httpHandler)
		logger.WithFields(logrus.Fields{
			"limit":  cfg.RateLimit.Limit,
			"window": cfg.RateLimit.Window,
		}).Info("Rate limiting enabled")
	}
	httpHandler = middleware.RequestIDMiddleware()(httpHandler)

	reloader, err := config.NewConfigReloader(configPath, cfg, logger)
	if err != nil {
		logger.WithError(err).Warn("Configuration hot reload disabled")
	} else {
		reloader.SetOnReloadCallback(func(_, newCfg *config.Config) error {
			setLogLevel(logger, newCfg.LogLevel)
			if rateLimiter != nil && newCfg.RateLimit.Enabled {
				rateLimiter.SetLimits(newCfg.RateLimit.Limit, newCfg.RateLimit.Window)
			}
			return nil
		})
		go reloader.Start()
		defer reloader.Stop()
	}

	// Create HTTP server
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httpHandler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
		ConnState: func(_ net.Conn, state http.ConnState) {
			switch state {
			case http.StateNew:
				m.IncrementActiveConnections()
			case http.StateHijacked, http.StateClosed:
				m.DecrementActiveConnections()
			}
		},
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		var err error
		if cfg.TLS.Enabled {
			logger.WithFields(logrus.Fields{
				"addr":      cfg.ListenAddr,
				"cert_file": cfg.TLS.CertFile,
				"key_file":  cfg.TLS.KeyFile,
			}).Info("Starting HTTPS server")
			err = server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			logger.WithField("addr", cfg.ListenAddr).Info("Starting HTTP server")
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		logger.WithError(err).Error("Server failed")
	}

	logger.Info("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	} else {
		logger.Info("Server stopped gracefully")
	}
}

func setLogLevel(logger *logrus.Logger, value string) {
	level, err := logrus.ParseLevel(value)
	if err != nil {
		logger.WithError(err).Warn("Invalid log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
}

// newKeyStore builds the master key store. A generated key is reported to
// the audit trail and metrics.
func newKeyStore(cfg *config.Config, logger *logrus.Logger, m *metrics.Metrics, auditLogger audit.Logger) (*keystore.KeyStore, error) {
	var protector keystore.Protector
	switch cfg.KeyStore.Protector {
	case keystore.ProtectorPassphrase:
		passphrase := os.Getenv(cfg.KeyStore.PassphraseEnv)
		if passphrase == "" {
			return nil, fmt.Errorf("passphrase protector selected but %s is empty", cfg.KeyStore.PassphraseEnv)
		}
		var err error
		protector, err = keystore.NewPassphraseProtector(passphrase, keystore.Argon2Params{
			Time:    cfg.KeyStore.Argon2.Time,
			Memory:  cfg.KeyStore.Argon2.MemoryKiB,
			Threads: cfg.KeyStore.Argon2.Threads,
		})
		if err != nil {
			return nil, err
		}
	default:
		protector = keystore.NewPlainProtector()
	}

	backend := keystore.NewFileBackend(cfg.KeyStorePath(), protector)
	logger.WithFields(logrus.Fields{
		"path":      backend.Path(),
		"protector": protector.Name(),
	}).Info("Key store configured")

	return keystore.New(backend,
		keystore.WithLogger(logger),
		keystore.WithGenerateHook(func() {
			m.RecordKeyGenerated()
			if auditLogger != nil {
				auditLogger.LogKeyGenerated(backend.Name())
			}
		}),
	), nil
}

// kvOpener returns a constructor for the secret store on the configured
// backend. The backend itself is opened when the master key is available.
func kvOpener(cfg *config.Config, logger *logrus.Logger) (func(service.Deriver) (*kvstore.Store, error), error) {
	path := cfg.KVPath()

	opts := []kvstore.Option{
		kvstore.WithAlgorithm(cfg.KV.Algorithm),
		kvstore.WithLogger(logger),
	}
	if cfg.Cache.Enabled {
		opts = append(opts, kvstore.WithCache(
			cache.NewMemoryCache(cfg.Cache.MaxSize, cfg.Cache.MaxItems, cfg.Cache.DefaultTTL),
			cfg.Cache.DefaultTTL,
		))
		logger.WithFields(logrus.Fields{
			"max_size":    cfg.Cache.MaxSize,
			"max_items":   cfg.Cache.MaxItems,
			"default_ttl": cfg.Cache.DefaultTTL,
		}).Info("Secret cache enabled")
	}

	return func(master service.Deriver) (*kvstore.Store, error) {
		var backend kvstore.Backend
		var err error
		switch cfg.KV.Backend {
		case "sqlite":
			backend, err = kvstore.OpenSQLiteBackend(path)
		default:
			backend, err = kvstore.OpenFileBackend(path)
		}
		if err != nil {
			return nil, err
		}
		store, err := kvstore.New(master, backend, opts...)
		if err != nil {
			backend.Close()
			return nil, err
		}
		return store, nil
	}, nil
}

// blobOpener returns a constructor for the blob store on the configured
// backend.
func blobOpener(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (func(service.Deriver) (*blobstore.Store, error), error) {
	var backend blobstore.Backend
	switch cfg.Blob.Backend {
	case "s3":
		client, err := s3.NewClient(ctx, &cfg.Backend)
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 client: %w", err)
		}
		stageDir := cfg.BlobDir()
		if err := os.MkdirAll(stageDir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create staging directory: %w", err)
		}
		backend = blobstore.NewS3Backend(client, cfg.Backend.Prefix, stageDir)
		logger.WithFields(logrus.Fields{
			"bucket": cfg.Backend.Bucket,
			"prefix": cfg.Backend.Prefix,
		}).Info("Using S3 blob backend")
	default:
		fsBackend, err := blobstore.NewFSBackend(cfg.BlobDir())
		if err != nil {
			return nil, err
		}
		backend = fsBackend
		logger.WithField("dir", fsBackend.Dir()).Info("Using filesystem blob backend")
	}

	compression, err := blobstore.NewCompression(
		cfg.Blob.Compression.Enabled,
		cfg.Blob.Compression.MinSize,
		cfg.Blob.Compression.ContentTypes,
		cfg.Blob.Compression.Level,
	)
	if err != nil {
		return nil, err
	}
	if cfg.Blob.Compression.Enabled {
		logger.WithField("min_size", cfg.Blob.Compression.MinSize).Info("Blob compression enabled")
	}

	return func(master service.Deriver) (*blobstore.Store, error) {
		return blobstore.New(master, backend,
			blobstore.WithChunkSize(cfg.Blob.ChunkSize),
			blobstore.WithAlgorithm(cfg.Blob.Algorithm),
			blobstore.WithCompression(compression),
			blobstore.WithLogger(logger),
		)
	}, nil
}
