package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/modalkit/fuseflow/api/handlers"
	"github.com/modalkit/fuseflow/backend/local"
	"github.com/modalkit/fuseflow/config"
	"github.com/modalkit/fuseflow/dispatch"
	"github.com/modalkit/fuseflow/fusion"
	"github.com/modalkit/fuseflow/internal/database"
	"github.com/modalkit/fuseflow/internal/metrics"
	"github.com/modalkit/fuseflow/internal/server"
	"github.com/modalkit/fuseflow/internal/telemetry"
	"github.com/modalkit/fuseflow/orchestrator"
	"github.com/modalkit/fuseflow/registry"
	"github.com/modalkit/fuseflow/store"
)

// Server wires the backend catalog, registry, dispatcher, fusion engine
// and persistence sinks behind the HTTP surface.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	httpManager    *server.Manager
	metricsManager *server.Manager

	collector *metrics.Collector
	registry  *registry.Registry
	facade    *orchestrator.Facade

	healthHandler  *handlers.HealthHandler
	processHandler *handlers.ProcessHandler
	resultsHandler *handlers.ResultsHandler

	otelProviders *telemetry.Providers
	redisClient   *redis.Client
	dbPool        *database.PoolManager

	rateLimiterCancel context.CancelFunc
}

// NewServer creates an unstarted Server.
func NewServer(cfg *config.Config, logger *zap.Logger, otelProviders *telemetry.Providers) *Server {
	return &Server{
		cfg:           cfg,
		logger:        logger,
		otelProviders: otelProviders,
	}
}

// Start builds the processing pipeline and starts both listeners.
func (s *Server) Start() error {
	s.collector = metrics.NewCollector("fuseflow", s.logger)

	if err := s.initPipeline(); err != nil {
		return fmt.Errorf("init pipeline: %w", err)
	}
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("start HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}

	s.logger.Info("all servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)
	return nil
}

// initPipeline assembles catalog, registry, dispatcher, fusion engine,
// sinks, the orchestration facade and the handlers on top of it.
func (s *Server) initPipeline() error {
	catalog := local.NewCatalog()

	s.registry = registry.New(catalog, registry.Config{
		RateLimits: s.cfg.Backends.RateLimits,
	}, s.logger, s.collector)

	dispatcher := dispatch.New(s.registry, dispatch.Options{
		MaxInFlight:       s.cfg.Dispatch.MaxInFlight,
		Timeouts:          s.cfg.ModalityTimeouts(),
		DefaultTimeout:    s.cfg.Dispatch.DefaultTimeout,
		DefaultOperations: s.cfg.ModalityOperations(),
	}, s.logger, s.collector)

	engine := fusion.NewEngine(fusion.Weights(s.cfg.FusionWeights()), s.logger, s.collector)

	s.healthHandler = handlers.NewHealthHandler(s.logger)

	var (
		sinks    []store.Sink
		fetchers []handlers.RecordFetcher
	)

	if s.cfg.Redis.Enabled {
		s.redisClient = redis.NewClient(&redis.Options{
			Addr:     s.cfg.Redis.Addr,
			Password: s.cfg.Redis.Password,
			DB:       s.cfg.Redis.DB,
			PoolSize: s.cfg.Redis.PoolSize,
		})
		redisSink := store.NewRedisSink(s.redisClient, s.cfg.Redis.TTL, s.logger, s.collector)
		sinks = append(sinks, redisSink)
		fetchers = append(fetchers, redisSink)
		s.healthHandler.RegisterCheck(handlers.HealthCheckFunc{
			CheckName: "redis",
			Ping:      redisSink.Ping,
		})
		s.logger.Info("redis sink enabled", zap.String("addr", s.cfg.Redis.Addr))
	}

	if s.cfg.Database.Enabled {
		db, err := openDatabase(s.cfg.Database)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		s.dbPool, err = database.NewPoolManager(db, database.PoolConfig{
			MaxIdleConns:    s.cfg.Database.MaxIdleConns,
			MaxOpenConns:    s.cfg.Database.MaxOpenConns,
			ConnMaxLifetime: s.cfg.Database.ConnMaxLifetime,
			ConnMaxIdleTime: s.cfg.Database.ConnMaxIdleTime,
		}, s.logger)
		if err != nil {
			return fmt.Errorf("init database pool: %w", err)
		}
		gormSink, err := store.NewGormSink(s.dbPool.DB(), s.logger)
		if err != nil {
			return fmt.Errorf("init database sink: %w", err)
		}
		sinks = append(sinks, gormSink)
		fetchers = append(fetchers, handlers.FetchFunc(gormSink.FetchByRequestID))
		s.healthHandler.RegisterCheck(handlers.HealthCheckFunc{
			CheckName: "database",
			Ping:      s.dbPool.Ping,
		})
		s.logger.Info("database sink enabled", zap.String("driver", s.cfg.Database.Driver))
	}

	s.facade = orchestrator.New(dispatcher, engine, sinks, s.logger, s.collector)
	s.processHandler = handlers.NewProcessHandler(s.facade, s.logger)
	s.resultsHandler = handlers.NewResultsHandler(s.logger, fetchers...)
	return nil
}

func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /healthz", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /ready", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	mux.HandleFunc("POST /v1/process", s.processHandler.HandleProcess)
	mux.HandleFunc("GET /v1/results/{id}", s.resultsHandler.HandleGet)

	rateLimiterCtx, cancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = cancel

	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		OTelTracing(),
		RateLimiter(rateLimiterCtx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger),
	)

	s.httpManager = server.NewManager(handler, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)

	return s.httpManager.Start()
}

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s.metricsManager = server.NewManager(mux, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)

	return s.metricsManager.Start()
}

// WaitForShutdown blocks until a shutdown signal, then cleans up.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown stops listeners, drains detached persistence and releases
// loaded backends.
func (s *Server) Shutdown() {
	s.logger.Info("starting graceful shutdown")
	ctx := context.Background()

	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("metrics server shutdown error", zap.Error(err))
		}
	}
	if s.facade != nil {
		s.facade.Close()
	}
	if s.registry != nil {
		if err := s.registry.Close(); err != nil {
			s.logger.Error("registry close error", zap.Error(err))
		}
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Error("redis close error", zap.Error(err))
		}
	}
	if s.dbPool != nil {
		if err := s.dbPool.Close(); err != nil {
			s.logger.Error("database pool close error", zap.Error(err))
		}
	}
	if s.otelProviders != nil {
		if err := s.otelProviders.Shutdown(ctx); err != nil {
			s.logger.Error("telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("graceful shutdown completed")
}

// openDatabase opens the configured gorm dialector.
func openDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
	return gorm.Open(dialector, &gorm.Config{})
}
