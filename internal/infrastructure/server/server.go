package server

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apihttp "github.com/GriffinCanCode/tsingtao/internal/api/http"
	"github.com/GriffinCanCode/tsingtao/internal/api/middleware"
	"github.com/GriffinCanCode/tsingtao/internal/api/ws"
	"github.com/GriffinCanCode/tsingtao/internal/builder"
	"github.com/GriffinCanCode/tsingtao/internal/domain/bundler"
	"github.com/GriffinCanCode/tsingtao/internal/domain/cdn"
	"github.com/GriffinCanCode/tsingtao/internal/domain/resolver"
	"github.com/GriffinCanCode/tsingtao/internal/domain/sandbox"
	"github.com/GriffinCanCode/tsingtao/internal/domain/session"
	"github.com/GriffinCanCode/tsingtao/internal/domain/vfs"
	"github.com/GriffinCanCode/tsingtao/internal/infrastructure/config"
	"github.com/GriffinCanCode/tsingtao/internal/infrastructure/logging"
	"github.com/GriffinCanCode/tsingtao/internal/infrastructure/monitoring"
)

const shutdownTimeout = 10 * time.Second

// Server wraps the HTTP server and dependencies
type Server struct {
	router   *gin.Engine
	sessions *session.Manager
	fetcher  *cdn.Fetcher
	logger   *logging.Logger
	config   *config.Config
	metrics  *monitoring.Metrics
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config) (*Server, error) {
	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("Initializing preview server",
		zap.String("addr", cfg.Addr()),
		zap.String("cdn_base", cfg.Builder.CDNBase),
		zap.String("seed_dir", cfg.Server.SeedDir),
	)

	// Initialize metrics first (needed by other components)
	metrics := monitoring.NewMetrics()

	// The seed directory's manifest contributes pins and the entry;
	// explicit configuration wins
	pins := map[string]string{}
	entry := cfg.Builder.Entry
	var seed session.Seeder
	if dir := cfg.Server.SeedDir; dir != "" {
		s, err := vfs.LoadDir(context.Background(), dir, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to load seed dir: %w", err)
		}
		maps.Copy(pins, s.Pins)
		if entry == "" {
			entry = s.Entry
		}
		seed = DirSeeder(dir)
		logger.Info("Seed loaded", zap.Int("files", len(s.Files)), zap.String("entry", s.Entry))
	}
	maps.Copy(pins, cfg.Builder.Pins)

	res, pipeline, err := newPipeline(cfg, pins, logger.Component("bundler"))
	if err != nil {
		return nil, err
	}

	fetcher, err := cdn.New(cdn.Config{
		Timeout:   cfg.CDN.Timeout,
		Retries:   cfg.CDN.Retries,
		RateLimit: cfg.CDN.RateLimit,
		CacheSize: cfg.CDN.CacheSize,
		UserAgent: "tsingtao/1.0",
	}, logger.Component("cdn"), cdn.WithRecorder(metrics))
	if err != nil {
		return nil, fmt.Errorf("failed to create CDN fetcher: %w", err)
	}

	bcfg := BuilderConfig(cfg, entry)
	builderLogger := logger.Component("builder")
	factory := func(files map[string]string, onResize func(float64)) (session.Builder, error) {
		b, err := builder.New(files, onResize,
			builder.WithConfig(bcfg),
			builder.WithResolver(res),
			builder.WithBundler(pipeline),
			builder.WithFetcher(fetcher),
			builder.WithMetrics(metrics),
			builder.WithLogger(builderLogger),
		)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	sessions := session.NewManager(factory, session.Config{
		Size: cfg.Sessions.Size,
		TTL:  cfg.Sessions.TTL,
	}, logger.Component("sessions"))

	// Create router
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(logger.Component("http")))
	router.Use(monitoring.Middleware(metrics))
	cors := middleware.DefaultCORSConfig()
	cors.AllowOrigins = cfg.Server.CORSOrigins
	router.Use(middleware.CORS(cors))

	applyChain := []gin.HandlerFunc{}
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		limit := middleware.DefaultRateLimitConfig()
		limit.RequestsPerSecond = cfg.RateLimit.RequestsPerSecond
		limit.Burst = cfg.RateLimit.Burst
		applyChain = append(applyChain, middleware.RateLimit(limit))
	}

	handlers := apihttp.NewHandlers(sessions, seed, metrics, logger.Component("api"))
	wsHandler := ws.NewHandler(sessions, seed, metrics, logger.Component("ws"))

	// Register routes
	router.GET("/", handlers.Root)
	router.GET("/health", handlers.Health)

	// Sessions
	router.POST("/sessions", handlers.CreateSession)
	router.GET("/sessions/:id", handlers.GetSession)
	router.POST("/sessions/:id/apply", append(applyChain, handlers.ApplySession)...)
	router.POST("/sessions/:id/resize", handlers.ResizeSession)
	router.GET("/sessions/:id/artifact", handlers.Artifact)
	router.GET("/sessions/:id/preview", handlers.Preview)
	router.DELETE("/sessions/:id", handlers.DeleteSession)

	// WebSocket
	router.GET("/stream", wsHandler.HandleConnection)

	// Metrics endpoint
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	logger.Info("Server initialized successfully")

	return &Server{
		router:   router,
		sessions: sessions,
		fetcher:  fetcher,
		logger:   logger,
		config:   cfg,
		metrics:  metrics,
	}, nil
}

// newPipeline builds the resolver and bundler every session shares
func newPipeline(cfg *config.Config, pins map[string]string, logger *zap.Logger) (*resolver.Resolver, *bundler.Pipeline, error) {
	res, err := resolver.New(resolver.Config{
		CDNBase: cfg.Builder.CDNBase,
		Pins:    pins,
		Query:   cfg.Builder.CDNQuery,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("invalid resolver config: %w", err)
	}
	pipeline, err := bundler.New(res, bundler.Options{
		Target:          cfg.Builder.Target,
		JSXImportSource: cfg.Builder.JSXImportSource,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create bundler: %w", err)
	}
	return res, pipeline, nil
}

// BuilderConfig maps service configuration onto one builder
func BuilderConfig(cfg *config.Config, entry string) builder.Config {
	bc := builder.DefaultConfig()
	bc.Entry = entry
	bc.Orchestrator.BuildTimeout = cfg.Timeouts.Build
	bc.Orchestrator.LoadTimeout = cfg.Timeouts.Load
	bc.Sandbox.Viewport = sandbox.Viewport{Width: cfg.Sandbox.Width, Height: cfg.Sandbox.Height}
	bc.Sandbox.LineHeight = cfg.Sandbox.LineHeight
	bc.Sandbox.ScriptTimeout = cfg.Timeouts.Script
	bc.Sandbox.EnableConsole = cfg.Sandbox.Console
	return bc
}

// DirSeeder rereads dir for every new session, so edits to the sample
// show up without a restart
func DirSeeder(dir string) session.Seeder {
	return func(ctx context.Context) (map[string]string, error) {
		s, err := vfs.LoadDir(ctx, dir, nil)
		if err != nil {
			return nil, err
		}
		return s.Files, nil
	}
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Logger is the server's root logger
func (s *Server) Logger() *logging.Logger {
	return s.logger
}

// Run serves until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down: %w", err)
	}
	return nil
}

// Close ends every session
func (s *Server) Close() error {
	err := s.sessions.Close()
	s.logger.Info("Closed sessions", zap.String("cdn_breaker", s.fetcher.BreakerState().String()))

	// Sync logger before exit
	_ = s.logger.Sync()
	return err
}
