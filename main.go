package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/bird-detector/internal/auth"
	"github.com/example/bird-detector/internal/config"
	"github.com/example/bird-detector/internal/customvision"
	"github.com/example/bird-detector/internal/grpchealth"
	"github.com/example/bird-detector/internal/handlers"
	"github.com/example/bird-detector/internal/imagefetch"
	"github.com/example/bird-detector/internal/logging"
	"github.com/example/bird-detector/internal/observability"
	"github.com/example/bird-detector/internal/repository"
	"github.com/example/bird-detector/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := cfg.Validate(); err != nil {
		logger.Warn("custom vision configuration incomplete, predictions will fail", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	httpClient := newOutboundClient(cfg.Outbound.Timeout)
	defer httpClient.CloseIdleConnections()

	metrics := observability.NewMetrics()
	opts := usecase.Options{
		CacheTTL:  cfg.Redis.CacheTTL,
		ProjectID: cfg.CustomVision.ProjectID,
		ModelName: cfg.CustomVision.ModelName,
		Recorder:  metrics,
	}

	if cfg.Database.DSN != "" {
		db := initDatabase(ctx, cfg.Database.DSN, logger)
		repo := repository.NewPredictionRepository(db, logger)
		if err := repo.AutoMigrate(ctx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		opts.Repo = repo
	} else {
		logger.Info("DATABASE_DSN not set, prediction log disabled")
	}

	if cfg.Redis.Addr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		defer redisCancel()
		redisClient := initRedis(redisCtx, cfg.Redis.Addr, logger)
		defer redisClient.Close()
		opts.Cache = usecase.NewRedisCache(redisClient)
	} else {
		logger.Info("REDIS_ADDR not set, prediction cache disabled")
	}

	uc := usecase.NewRelayUseCase(
		imagefetch.NewFetcher(httpClient, cfg.Outbound.MaxDownloadBytes, logger),
		customvision.NewClient(httpClient, cfg.CustomVision, logger),
		opts,
		logger,
	)

	r := gin.New()
	r.Use(gin.Recovery(), handlers.RequestIDMiddleware(), handlers.LogRequests(logger), metrics.Middleware())
	r.MaxMultipartMemory = cfg.Server.MaxUploadBytes

	handlers.RegisterRoutes(r, uc, handlers.Options{
		MaxUploadSize: cfg.Server.MaxUploadBytes,
		Auth: auth.Middleware(auth.Settings{
			FunctionKey: cfg.Auth.FunctionKey,
			JWTSecret:   cfg.Auth.JWTSecret,
			JWTAudience: cfg.Auth.JWTAudience,
		}),
		MetricsHandler: metrics.Handler(),
		Logger:         logger,
	})

	server := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Server.GRPCHealthAddr != "" {
		health, err := startHealthServer(cfg.Server.GRPCHealthAddr, logger)
		if err != nil {
			logger.Fatal("failed to start gRPC health service", zap.Error(err))
		}
		defer health.Stop()
		server.RegisterOnShutdown(func() { health.SetServing(false) })
		health.SetServing(true)
	}

	logger.Info("prediction relay listening", zap.String("addr", cfg.Server.HTTPAddr))
	if err := serveHTTPServer(server, cfg.Server.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func newOutboundClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 16
	return &http.Client{Timeout: timeout, Transport: transport}
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func startHealthServer(addr string, logger *zap.Logger) (*grpchealth.Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	health := grpchealth.NewServer(logger)
	go func() {
		if err := health.Serve(listener); err != nil {
			logger.Error("gRPC health service stopped", zap.Error(err))
		}
	}()
	return health, nil
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
