// Command retrieval-service runs the encrypted retrieval gRPC and HTTP servers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/opaque/cipherrag/internal/config"
	"github.com/opaque/cipherrag/internal/logging"
	"github.com/opaque/cipherrag/internal/service"
	"github.com/opaque/cipherrag/pkg/audit"
	"github.com/opaque/cipherrag/pkg/auth"
	"github.com/opaque/cipherrag/pkg/cache"
	"github.com/opaque/cipherrag/pkg/crypto"
	"github.com/opaque/cipherrag/pkg/embeddings"
	"github.com/opaque/cipherrag/pkg/grpcserver"
	"github.com/opaque/cipherrag/pkg/server"
	"github.com/opaque/cipherrag/pkg/storage"
)

var (
	configPath = flag.String("config", "", "Path to YAML config file (optional)")
	envFile    = flag.String("env-file", ".env", "Dotenv file loaded before reading the environment")
	grpcAddr   = flag.String("grpc-addr", "", "gRPC listen address (overrides config)")
	httpAddr   = flag.String("http-addr", "", "HTTP listen address (overrides config)")
	backend    = flag.String("backend", "", "Circuit backend: bfv or simulated (overrides config)")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "retrieval-service: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", *envFile, err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *grpcAddr != "" {
		cfg.Server.GRPCAddr = *grpcAddr
	}
	if *httpAddr != "" {
		cfg.Server.HTTPAddr = *httpAddr
	}
	if *backend != "" {
		cfg.Circuit.Backend = *backend
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info("chunk store opened", zap.String("backend", cfg.Storage.Backend))

	switch cfg.Storage.Cache.Backend {
	case "memory":
		store = storage.NewCachedStore(store, cache.NewMemory(cfg.Storage.Cache.MaxEntries, cfg.Storage.Cache.TTL), logger)
	case "redis":
		rc, err := cache.NewRedis(ctx, cache.RedisConfig{
			Addr:     cfg.Storage.Cache.RedisAddr,
			Password: cfg.Storage.Cache.RedisPassword,
			DB:       cfg.Storage.Cache.RedisDB,
			TTL:      cfg.Storage.Cache.TTL,
		})
		if err != nil {
			return err
		}
		defer rc.Close()
		store = storage.NewCachedStore(store, rc, logger)
	}
	if cfg.Storage.Cache.Backend != "" {
		logger.Info("chunk cache enabled", zap.String("backend", cfg.Storage.Cache.Backend))
	}

	cc, err := newCryptoContext(cfg.Circuit, logger)
	if err != nil {
		return err
	}

	opts := []service.Option{service.WithLogger(logger)}
	switch {
	case cfg.Embedding.URL != "":
		opts = append(opts, service.WithEmbedder(embeddings.NewClient(embeddings.Config{
			BaseURL: cfg.Embedding.URL,
			Timeout: cfg.Embedding.Timeout,
		})))
	case cfg.Embedding.Dimensions > 0:
		logger.Info("using the local hashing embedder", zap.Int("dimensions", cfg.Embedding.Dimensions))
		opts = append(opts, service.WithEmbedder(embeddings.NewHashing(cfg.Embedding.Dimensions)))
	}
	if len(cfg.Audit.KafkaBrokers) > 0 {
		kafka := audit.NewKafkaSink(cfg.Audit.KafkaBrokers, cfg.Audit.KafkaTopic)
		defer kafka.Close()
		opts = append(opts, service.WithAuditSink(audit.MultiSink{store, kafka}))
		logger.Info("publishing audit records to kafka",
			zap.Strings("brokers", cfg.Audit.KafkaBrokers),
			zap.String("topic", cfg.Audit.KafkaTopic))
	}

	svcCfg := service.DefaultConfig()
	svcCfg.DefaultK = cfg.Search.DefaultK
	svcCfg.MaxK = cfg.Search.MaxK
	svcCfg.MaxConcurrentScores = cfg.Search.MaxConcurrentScores
	svcCfg.CompileMaxElapsed = cfg.Circuit.CompileTimeout
	svc := service.NewRetrievalService(svcCfg, cc, store, opts...)

	// gRPC
	serverOpts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(64 * 1024 * 1024),
		grpc.MaxSendMsgSize(64 * 1024 * 1024),
	}
	if cfg.Server.TLSCertFile != "" {
		creds, err := grpcserver.LoadTLSCredentials(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		if err != nil {
			return err
		}
		serverOpts = append(serverOpts, grpc.Creds(creds))
		logger.Info("TLS enabled")
	}
	authSvc, err := newAuthService(ctx, cfg.Auth)
	if err != nil {
		return err
	}
	if authSvc != nil {
		serverOpts = append(serverOpts, grpc.ChainUnaryInterceptor(auth.UnaryServerInterceptor(authSvc, grpcserver.MethodScopes)))
		go authSvc.RunCleanup(ctx, 5*time.Minute)
		logger.Info("bearer token auth enabled",
			zap.Int("static_tokens", len(cfg.Auth.Tokens)),
			zap.Int("users", len(cfg.Auth.Users)))
	} else {
		logger.Warn("auth disabled: every caller may ingest, retrieve and generate keys")
	}
	grpcServer := grpcserver.NewServer(logger, serverOpts...)
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(grpcserver.ServiceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	reflection.Register(grpcServer)
	grpcserver.Register(grpcServer, grpcserver.New(svc))

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Server.GRPCAddr, err)
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("grpc server listening", zap.String("addr", cfg.Server.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	// HTTP
	httpCfg := server.DefaultConfig()
	httpCfg.Address = cfg.Server.HTTPAddr
	httpCfg.Auth = authSvc
	httpServer := server.New(httpCfg, svc, logger)
	go func() {
		if err := httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	// Compile in the background so /readyz and grpc health report progress.
	go func() {
		if err := svc.Start(ctx); err != nil {
			errCh <- err
			return
		}
		healthServer.SetServingStatus(grpcserver.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
		healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errCh:
		logger.Error("fatal error, shutting down", zap.Error(err))
	}

	healthServer.Shutdown()
	grpcServer.GracefulStop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := httpServer.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("http shutdown", zap.Error(serr))
	}
	logger.Info("shutdown complete")
	return err
}

func openStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Backend {
	case "memory":
		return storage.NewMemoryStore(), nil
	case "file":
		return storage.NewFileStore(cfg.Path)
	case "sqlite":
		return storage.NewSQLiteStore(cfg.DatabasePath)
	case "minio":
		return storage.NewMinioStore(ctx, storage.MinioConfig{
			Endpoint:        cfg.Minio.Endpoint,
			AccessKeyID:     cfg.Minio.AccessKeyID,
			SecretAccessKey: cfg.Minio.SecretAccessKey,
			UseSSL:          cfg.Minio.UseSSL,
			Bucket:          cfg.Minio.Bucket,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// newAuthService returns nil when auth is disabled.
func newAuthService(ctx context.Context, cfg config.AuthConfig) (*auth.Service, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	svc := auth.NewService(auth.ServiceConfig{
		TokenTTL:   cfg.TokenTTL,
		SigningKey: []byte(cfg.SigningKey),
	})
	for _, t := range cfg.Tokens {
		if err := svc.AddStaticToken(t.Value, t.Subject, t.Scopes); err != nil {
			return nil, err
		}
	}
	if cfg.AdminToken != "" {
		if err := svc.AddStaticToken(cfg.AdminToken, "env-admin", []string{auth.ScopeAdmin}); err != nil {
			return nil, err
		}
	}
	for _, u := range cfg.Users {
		if err := svc.RegisterUserHash(ctx, u.ID, []byte(u.PasswordHash), u.Scopes); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

func newCryptoContext(cfg config.CircuitConfig, logger *zap.Logger) (*crypto.Context, error) {
	var b crypto.Backend
	switch cfg.Backend {
	case crypto.SimulatedName:
		logger.Warn("using the simulated backend: ciphertexts are NOT encrypted")
		b = crypto.NewSimulated()
	case crypto.BFVName:
		bfv, err := crypto.NewBFV(cfg.Workers)
		if err != nil {
			return nil, err
		}
		b = bfv
	default:
		return nil, fmt.Errorf("unknown circuit backend %q", cfg.Backend)
	}

	return crypto.NewContext(
		crypto.Circuit{ReducedDim: cfg.ReducedDim, Bits: cfg.Bits},
		b,
		crypto.WithKeyCache(crypto.NewKeyCache(cfg.KeyDir, cfg.KeyPassphrase, logger)),
		crypto.WithCalibrationSamples(cfg.CalibrationSamples),
		crypto.WithLogger(logger),
	)
}
