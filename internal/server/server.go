// Package server sets up the HTTP server and wires the scoring pipeline
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/fraudwatch/internal/config"
	"github.com/mbd888/fraudwatch/internal/features"
	"github.com/mbd888/fraudwatch/internal/health"
	"github.com/mbd888/fraudwatch/internal/idgen"
	"github.com/mbd888/fraudwatch/internal/logging"
	"github.com/mbd888/fraudwatch/internal/metrics"
	"github.com/mbd888/fraudwatch/internal/model"
	"github.com/mbd888/fraudwatch/internal/queue"
	"github.com/mbd888/fraudwatch/internal/ratelimit"
	"github.com/mbd888/fraudwatch/internal/realtime"
	"github.com/mbd888/fraudwatch/internal/refdata"
	"github.com/mbd888/fraudwatch/internal/relay"
	"github.com/mbd888/fraudwatch/internal/security"
	"github.com/mbd888/fraudwatch/internal/transactions"
	"github.com/mbd888/fraudwatch/internal/worker"
)

// maxRequestSize is the maximum request body size (1MB)
const maxRequestSize = 1 << 20

// pipelineQueue is a queue usable from both ends of a pipeline stage.
type pipelineQueue interface {
	queue.Publisher
	queue.Consumer
}

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and the scoring pipeline dependencies
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	db        *sql.DB // nil if using in-memory
	store     transactions.Store
	feed      transactions.Feed
	txHandler *transactions.Handler

	refCache  *refdata.Cache
	predictor *model.Predictor

	workQueue    pipelineQueue
	resultQueue  pipelineQueue
	kafkaQueues  []*queue.KafkaQueue // non-nil entries need Close on shutdown
	redisClient  *redis.Client
	realtimeHub  *realtime.Hub
	changeRelay  *relay.ChangeFeedRelay
	resultRelay  *relay.ResultRelay
	scoreWorker  *worker.ScoringWorker
	rateLimiter  *ratelimit.Limiter
	healthReg    *health.Registry
	router       *gin.Engine
	httpSrv      *http.Server
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set logger)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.store = transactions.NewPostgresStore(db)
		s.feed = transactions.NewPostgresFeed(db, s.logger,
			transactions.WithPollInterval(cfg.FeedPollInterval))
		s.refCache = refdata.NewCache(refdata.NewPostgresSource(db), s.logger)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		memStore := transactions.NewMemoryStore()
		s.store = memStore
		s.feed = memStore
		s.refCache = refdata.NewCache(refdata.NewMemorySource(), s.logger)
		s.logger.Info("using in-memory storage (data will not persist)")
	}
	s.txHandler = transactions.NewHandler(s.store)

	// Dedup window (Redis if configured, otherwise per-process)
	var deduper queue.Deduper
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
		}
		s.redisClient = redis.NewClient(redisOpts)
		deduper = queue.NewRedisDeduper(s.redisClient, cfg.DedupWindow)
		s.logger.Info("dedup window shared via redis", "window", cfg.DedupWindow)
	} else {
		deduper = queue.NewMemoryDeduper(cfg.DedupWindow)
		s.logger.Info("dedup window in-process", "window", cfg.DedupWindow)
	}

	// Work and result queues (Kafka if configured, otherwise in-process)
	if len(cfg.KafkaBrokers) > 0 {
		work, err := queue.NewKafkaQueue(cfg.KafkaBrokers, cfg.WorkTopic,
			cfg.ConsumerGroupID, deduper, s.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create work queue: %w", err)
		}
		results, err := queue.NewKafkaQueue(cfg.KafkaBrokers, cfg.ResultsTopic,
			cfg.ConsumerGroupID+"-results", deduper, s.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create results queue: %w", err)
		}
		s.workQueue = work
		s.resultQueue = results
		s.kafkaQueues = []*queue.KafkaQueue{work, results}
	} else {
		s.workQueue = queue.NewMemoryQueue(deduper, s.logger)
		s.resultQueue = queue.NewMemoryQueue(deduper, s.logger)
		s.logger.Info("using in-process queues")
	}

	// Scoring pipeline
	s.predictor = model.NewPredictor(cfg.ModelDir, s.logger)
	s.realtimeHub = realtime.NewHub(s.logger)
	s.changeRelay = relay.NewChangeFeedRelay(s.feed, s.workQueue, s.realtimeHub, s.logger)
	s.resultRelay = relay.NewResultRelay(s.store, s.resultQueue, s.realtimeHub,
		cfg.BroadcastThreshold, s.logger)
	s.scoreWorker = worker.NewScoringWorker(
		s.workQueue,
		s.resultQueue,
		s.store,
		s.refCache,
		features.NewEngine(s.logger),
		s.predictor,
		s.logger,
	)

	s.setupHealthChecks()

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

func (s *Server) setupHealthChecks() {
	s.healthReg = health.NewRegistry()

	s.healthReg.Register("database", func(ctx context.Context) health.Status {
		if s.db == nil {
			return health.Status{Name: "database", Healthy: true, Detail: "in-memory"}
		}
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "database", Healthy: true}
	})

	s.healthReg.Register("model", func(ctx context.Context) health.Status {
		if err := s.predictor.Load(ctx); err != nil {
			return health.Status{Name: "model", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "model", Healthy: true, Detail: s.predictor.Version()}
	})

	s.healthReg.Register("reference_data", func(ctx context.Context) health.Status {
		if !s.refCache.Loaded() {
			// Loads lazily on the first scored transaction.
			return health.Status{Name: "reference_data", Healthy: true, Detail: "not yet loaded"}
		}
		return health.Status{Name: "reference_data", Healthy: true, Detail: "loaded"}
	})
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestSize)
		c.Next()
	})

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// V1 API group
	v1 := s.router.Group("/api/v1")
	s.txHandler.RegisterRoutes(v1)
	v1.GET("/model", s.modelInfoHandler)
	v1.GET("/stats", s.statsHandler)
	v1.POST("/refdata/reload", s.refdataReloadHandler)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse is the aggregate health payload
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.healthReg.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) modelInfoHandler(c *gin.Context) {
	version := s.predictor.Version()
	if version == "" {
		c.JSON(http.StatusOK, gin.H{
			"loaded":  false,
			"message": "model loads on first scored transaction",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"loaded":  true,
		"version": version,
	})
}

func (s *Server) statsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"realtime": s.realtimeHub.Stats(),
	})
}

func (s *Server) refdataReloadHandler(c *gin.Context) {
	s.refCache.Invalidate()
	s.logger.Info("reference data cache invalidated")
	c.JSON(http.StatusOK, gin.H{"status": "reloading"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// StartPipeline launches the hub, relays, and scoring worker. Run calls this;
// it is exported for tests that drive the pipeline without signal handling.
func (s *Server) StartPipeline(ctx context.Context) {
	go s.realtimeHub.Run(ctx)
	go func() {
		if err := s.changeRelay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("change feed relay stopped", "error", err)
		}
	}()
	go func() {
		if err := s.scoreWorker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("scoring worker stopped", "error", err)
		}
	}()
	go func() {
		if err := s.resultRelay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("result relay stopped", "error", err)
		}
	}()
	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
	}
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.StartPipeline(runCtx)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, relays, worker)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close Kafka producers
	for _, q := range s.kafkaQueues {
		if err := q.Close(); err != nil {
			s.logger.Error("kafka queue close error", "error", err)
		}
	}

	// Close Redis connection
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Store returns the transaction store for tests and tooling
func (s *Server) Store() transactions.Store {
	return s.store
}

func generateRequestID() string {
	return idgen.Hex(8)
}
