// Package server wires the detection pipeline, circuit breaker and HTTP API
// into one process.
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
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	_ "github.com/lib/pq"

	"github.com/mbd888/tradeguard/internal/alerts"
	"github.com/mbd888/tradeguard/internal/auth"
	"github.com/mbd888/tradeguard/internal/chain"
	"github.com/mbd888/tradeguard/internal/circuitbreaker"
	"github.com/mbd888/tradeguard/internal/config"
	"github.com/mbd888/tradeguard/internal/detect"
	"github.com/mbd888/tradeguard/internal/health"
	"github.com/mbd888/tradeguard/internal/history"
	"github.com/mbd888/tradeguard/internal/ingest"
	"github.com/mbd888/tradeguard/internal/logging"
	"github.com/mbd888/tradeguard/internal/metrics"
	"github.com/mbd888/tradeguard/internal/mitigation"
	"github.com/mbd888/tradeguard/internal/mq"
	"github.com/mbd888/tradeguard/internal/ratelimit"
	"github.com/mbd888/tradeguard/internal/realtime"
	"github.com/mbd888/tradeguard/internal/security"
	"github.com/mbd888/tradeguard/internal/validation"
	"github.com/mbd888/tradeguard/internal/watcher"
	"github.com/mbd888/tradeguard/internal/webhooks"
)

const (
	syncTimeout        = 10 * time.Second
	dbStatsInterval    = 15 * time.Second
	defaultDrainDelay  = 5 * time.Second
	httpShutdownBudget = 30 * time.Second
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string
	clock   clockwork.Clock
	db      *sql.DB // nil if using in-memory

	history      *history.Store
	pipeline     *detect.Pipeline
	alertStore   alerts.Store
	alertRouter  *alerts.Router
	engine       *mitigation.Engine
	breaker      *circuitbreaker.Breaker
	audit        circuitbreaker.AuditStore
	ledger       circuitbreaker.Ledger
	ledgerReader circuitbreaker.LedgerReader
	contract     *chain.Contract // nil when no chain is configured
	ethClient    chain.EthClient
	dispatcher   *ingest.Dispatcher
	watcher      *watcher.Watcher
	realtimeHub  *realtime.Hub
	publisher    *mq.Publisher // nil when Kafka is not configured
	notifier     *webhooks.Notifier
	pruner       *history.Pruner
	counterReset *detect.CounterReset
	alertTimer   *alerts.Timer
	health       *health.Registry
	rateLimiter  *ratelimit.Limiter

	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	drainDelay   time.Duration
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithVersion sets the version reported by /health and /v1/info.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithClock sets the clock shared by every window and timer.
func WithClock(c clockwork.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// WithLedger replaces the ledger the breaker writes to. Without it the
// server uses the configured contract, or an in-process ledger offline.
func WithLedger(l circuitbreaker.Ledger) Option {
	return func(s *Server) { s.ledger = l }
}

// WithEthClient injects the Ethereum client used for the contract.
func WithEthClient(c chain.EthClient) Option {
	return func(s *Server) { s.ethClient = c }
}

// WithDrainDelay sets how long Shutdown waits for load balancers after
// readiness turns false.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) { s.drainDelay = d }
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		clock:      clockwork.NewRealClock(),
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: defaultDrainDelay,
	}

	for _, opt := range opts {
		opt(s)
	}
	metrics.BuildInfo.WithLabelValues(s.version).Set(1)

	ctx := context.Background()

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		alertStore := alerts.NewPostgresStore(db)
		if err := alertStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate alert store", "error", err)
		}
		s.alertStore = alertStore

		auditStore := circuitbreaker.NewPostgresAuditStore(db)
		if err := auditStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate circuit breaker audit store", "error", err)
		}
		s.audit = auditStore
	} else {
		s.alertStore = alerts.NewMemoryStore(s.clock)
		s.audit = circuitbreaker.NewMemoryAuditStore()
		s.logger.Warn("DATABASE_URL not set, alerts and audit trail are in-memory only")
	}

	if err := s.setupLedger(); err != nil {
		return nil, err
	}

	s.breaker = circuitbreaker.New(s.ledger, s.audit,
		logging.Component(s.logger, "circuitbreaker"),
		circuitbreaker.WithClock(s.clock),
		circuitbreaker.WithLedgerTimeout(cfg.LedgerWriteTimeout),
	)

	table := mitigation.DefaultTable(cfg.EvaluationWindow)
	if cfg.MitigationStrategiesFile != "" {
		loaded, err := mitigation.LoadTable(cfg.MitigationStrategiesFile, cfg.EvaluationWindow)
		if err != nil {
			return nil, fmt.Errorf("failed to load mitigation strategies: %w", err)
		}
		table = loaded
		s.logger.Info("mitigation strategies loaded", "file", cfg.MitigationStrategiesFile, "strategies", len(table))
	}
	s.engine = mitigation.NewEngine(table, s.alertStore, s.breaker,
		logging.Component(s.logger, "mitigation"),
		mitigation.WithClock(s.clock),
		mitigation.WithStoreTimeout(cfg.StoreTimeout),
	)

	// Fan-out targets
	var hubOpts []realtime.Option
	if len(cfg.CORSOrigins) > 0 {
		hubOpts = append(hubOpts, realtime.WithAllowedOrigins(cfg.CORSOrigins...))
	}
	hubOpts = append(hubOpts, realtime.WithSnapshot(s.snapshot))
	s.realtimeHub = realtime.NewHub(logging.Component(s.logger, "realtime"), hubOpts...)
	s.breaker.Subscribe(s.realtimeHub.PublishBreakerEvent)

	publishers := []alerts.Publisher{s.realtimeHub}
	if len(cfg.KafkaBrokers) > 0 {
		s.publisher = mq.NewPublisher(mq.NewWriter(cfg.KafkaBrokers, cfg.KafkaTopic), logging.Component(s.logger, "mq"))
		s.breaker.Subscribe(s.publisher.PublishBreakerEvent)
		publishers = append(publishers, s.publisher)
		s.logger.Info("kafka fan-out enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}
	if len(cfg.WebhookURLs) > 0 {
		s.notifier = webhooks.NewNotifier(cfg.WebhookURLs, cfg.WebhookSecret,
			logging.Component(s.logger, "webhooks"), webhooks.WithClock(s.clock))
		s.breaker.Subscribe(s.notifier.PublishBreakerEvent)
		publishers = append(publishers, s.notifier)
		s.logger.Info("webhook fan-out enabled", "endpoints", len(cfg.WebhookURLs), "signed", cfg.WebhookSecret != "")
	}

	s.alertRouter = alerts.NewRouter(s.alertStore, s.engine,
		logging.Component(s.logger, "alerts"),
		alerts.WithClock(s.clock),
		alerts.WithStoreTimeout(cfg.StoreTimeout),
		alerts.WithPublishers(publishers...),
	)

	// Detection
	s.history = history.NewStore(
		history.WithClock(s.clock),
		history.WithRetention(cfg.RetentionWindow),
	)
	s.pipeline = detect.NewPipeline(s.history, detect.Thresholds{
		SuspiciousVolume: cfg.SuspiciousVolume,
		MinPrice:         cfg.MinPrice,
		MaxPrice:         cfg.MaxPrice,
		LargeMinting:     cfg.LargeMinting,
		RapidTradeCount:  cfg.RapidTradeThreshold,
		PriceEpsilon:     cfg.PriceEpsilon,
		FrontRunGap:      cfg.FrontRunGap,
		FrontRunMatches:  cfg.FrontRunMatches,
		AnalysisWindow:   cfg.AnalysisWindow,
	}, logging.Component(s.logger, "detect"), detect.WithClock(s.clock))

	processor := ingest.NewProcessor(s.pipeline, s.alertRouter, s.breaker, logging.Component(s.logger, "ingest"))
	s.dispatcher = ingest.NewDispatcher(processor, cfg.IngestLanes, cfg.IngestQueueSize, logging.Component(s.logger, "ingest"))

	if s.contract != nil {
		decoder, err := chain.NewDecoder(cfg.TokenDecimals)
		if err != nil {
			return nil, fmt.Errorf("failed to build event decoder: %w", err)
		}
		wcfg := watcher.DefaultConfig()
		wcfg.Contract = s.contract.Address()
		wcfg.PollInterval = cfg.PollInterval
		wcfg.StartBlock = cfg.StartBlock
		wcfg.Confirmations = cfg.Confirmations
		if cfg.MaxBlockRange > 0 {
			wcfg.MaxBlockRange = cfg.MaxBlockRange
		}
		s.watcher = watcher.New(s.contract.Client(), decoder, s.dispatcher, wcfg,
			logging.Component(s.logger, "watcher"), watcher.WithClock(s.clock))
		s.logger.Info("contract watcher configured",
			"contract", wcfg.Contract.Hex(),
			"confirmations", wcfg.Confirmations,
			"poll", wcfg.PollInterval,
		)
	}

	// Timers
	s.pruner = history.NewPruner(s.history, cfg.EvaluationWindow, s.clock, logging.Component(s.logger, "history"))
	s.counterReset = detect.NewCounterReset(s.pipeline.Frequency(), cfg.AnalysisWindow, s.clock, logging.Component(s.logger, "detect"))
	s.alertTimer = alerts.NewTimer(s.alertStore, cfg.CleanupInterval, cfg.AlertResolveAfter, cfg.AlertRetention, s.clock, logging.Component(s.logger, "alerts"))

	s.setupHealth()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// setupLedger picks where breaker transitions are written: the signed
// contract, a read-only stand-in under DRY_RUN, or an in-process ledger when
// no chain is configured.
func (s *Server) setupLedger() error {
	cfg := s.cfg
	if cfg.ChainEnabled() {
		key := cfg.OperatorKey
		if cfg.DryRun {
			key = ""
		}
		var opts []chain.Option
		if s.ethClient != nil {
			opts = append(opts, chain.WithClient(s.ethClient))
		}
		opts = append(opts, chain.WithClock(s.clock))
		contract, err := chain.New(chain.Config{
			RPCURL:          cfg.RPCURL,
			ContractAddress: cfg.ContractAddress,
			PrivateKey:      key,
			ChainID:         cfg.ChainID,
			Decimals:        cfg.TokenDecimals,
		}, opts...)
		if err != nil {
			return fmt.Errorf("failed to create contract client: %w", err)
		}
		s.contract = contract
		s.ledgerReader = contract
		s.logger.Info("ledger connected",
			"rpc", maskDSN(cfg.RPCURL),
			"chain_id", cfg.ChainID,
			"contract", contract.Address().Hex(),
			"operator", contract.Operator(),
		)
	}

	if s.ledger != nil {
		return nil
	}
	switch {
	case cfg.DryRun:
		s.ledger = circuitbreaker.NewLocalLedger(true)
		s.logger.Warn("DRY_RUN enabled, circuit breaker transitions will be rejected")
	case s.contract != nil:
		s.ledger = s.contract
	default:
		local := circuitbreaker.NewLocalLedger(false)
		s.ledger = local
		s.ledgerReader = local
		s.logger.Warn("CONTRACT_ADDRESS not set, circuit breaker runs against an in-process ledger")
	}
	return nil
}

func (s *Server) setupHealth() {
	s.health = health.NewRegistry(health.DefaultTimeout)
	if s.db != nil {
		s.health.Register("database", health.PingCheck("database", s.db))
	}
	if s.watcher != nil {
		s.health.Register("watcher", health.RunnerCheck("watcher", s.watcher))
	}
	s.health.Register("ingest", health.RunnerCheck("ingest", s.dispatcher))
	s.health.Register("websocket", health.RunnerCheck("websocket", s.realtimeHub))
	s.health.Register("alert_fanout", health.RunnerCheck("alert_fanout", s.alertRouter))
	if s.notifier != nil {
		s.health.Register("webhooks", func(context.Context) health.Status {
			ok, detail := s.notifier.Healthy()
			return health.Status{Name: "webhooks", Healthy: ok, Detail: detail}
		})
	}
	if s.publisher != nil {
		s.health.Register("kafka", func(context.Context) health.Status {
			ok, detail := s.publisher.Healthy()
			return health.Status{Name: "kafka", Healthy: ok, Detail: detail}
		})
	}
	if s.contract != nil {
		s.health.Register("rpc", func(ctx context.Context) health.Status {
			if _, err := s.contract.Client().BlockNumber(ctx); err != nil {
				return health.Status{Name: "rpc", Detail: err.Error()}
			}
			return health.Status{Name: "rpc", Healthy: true}
		})
	}
}

// snapshot is sent to every WebSocket client when it connects.
func (s *Server) snapshot(ctx context.Context) any {
	snap := gin.H{"circuitBreaker": s.breaker.Status()}
	if n, err := s.alertStore.ActiveCount(ctx); err == nil {
		snap["activeAlerts"] = n
	}
	return snap
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

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rlCfg, ratelimit.WithClock(s.clock))
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an upstream request ID (load balancer, gateway) if present
		requestID := validation.SanitizeString(c.GetHeader("X-Request-ID"), 64)
		if requestID == "" {
			requestID = uuid.NewString()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger.With("request_id", requestID))
		c.Request = c.Request.WithContext(ctx)

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
		case path == "/health/live" || path == "/health/ready" || path == "/metrics":
			// probes and scrapes would drown the log
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	// Validate :address URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.AddressParamMiddleware())

	breakerHandler := circuitbreaker.NewHandler(s.breaker, s.audit, s.alertStore, s.ledgerReader)
	alertHandler := alerts.NewHandler(s.alertStore, s.alertRouter)
	historyHandler := history.NewHandler(s.history)

	// PUBLIC ROUTES (read-only)
	v1.GET("/info", s.infoHandler)
	breakerHandler.RegisterRoutes(v1)
	alertHandler.RegisterRoutes(v1)
	historyHandler.RegisterRoutes(v1)

	// OPERATOR ROUTES (admin secret)
	protected := v1.Group("")
	protected.Use(auth.RequireAdmin(s.cfg.AdminSecret, s.cfg.IsDevelopment()))
	{
		breakerHandler.RegisterProtectedRoutes(protected)
		alertHandler.RegisterProtectedRoutes(protected)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
		Checks:    checks,
		Timestamp: s.clock.Now().UTC().Format(time.RFC3339),
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

func (s *Server) infoHandler(c *gin.Context) {
	info := gin.H{
		"name":       "tradeguard",
		"version":    s.version,
		"env":        s.cfg.Env,
		"dryRun":     s.cfg.DryRun,
		"persistent": s.db != nil,
		"strategies": s.engine.Strategies(),
		"thresholds": gin.H{
			"suspiciousVolume":  s.cfg.SuspiciousVolume.String(),
			"minPrice":          s.cfg.MinPrice.String(),
			"maxPrice":          s.cfg.MaxPrice.String(),
			"largeMinting":      s.cfg.LargeMinting.String(),
			"rapidTradeCount":   s.cfg.RapidTradeThreshold,
			"analysisWindow":    s.cfg.AnalysisWindow.String(),
			"evaluationWindow":  s.cfg.EvaluationWindow.String(),
			"historyRetention":  s.cfg.RetentionWindow.String(),
			"frontRunningGap":   s.cfg.FrontRunGap.String(),
			"frontRunningMatch": s.cfg.FrontRunMatches,
		},
	}
	if s.contract != nil {
		info["chain"] = gin.H{
			"chainId":  s.cfg.ChainID,
			"contract": s.contract.Address().Hex(),
			"operator": s.contract.Operator(),
		}
	}
	if s.watcher != nil {
		info["lastBlock"] = s.watcher.LastBlock()
	}
	c.JSON(http.StatusOK, info)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start launches every background loop. Run calls it; tests drive it
// directly with the router from Router().
func (s *Server) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	go s.realtimeHub.Run(runCtx)
	go s.alertRouter.RunPublisher(runCtx)
	s.dispatcher.Start(runCtx)

	go s.pruner.Start(runCtx)
	go s.counterReset.Start(runCtx)
	go s.alertTimer.Start(runCtx)
	var dbStats metrics.StatsSource
	if s.db != nil {
		dbStats = s.db
	}
	go metrics.StartDBStatsCollector(runCtx, dbStats, dbStatsInterval, s.clock)

	if s.ledgerReader != nil && s.contract != nil {
		sctx, scancel := context.WithTimeout(runCtx, syncTimeout)
		if err := s.breaker.Sync(sctx, s.ledgerReader); err != nil {
			s.logger.Warn("failed to sync circuit breaker from contract", "error", err)
		}
		scancel()
	}

	// The watcher goes last so the first polled events find a running pipeline.
	if s.watcher != nil {
		if err := s.watcher.Start(runCtx); err != nil {
			s.logger.Error("failed to start contract watcher", "error", err)
		}
	}
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.Start(ctx)
	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server. Ingestion is drained before the
// background context is cancelled so in-flight events still reach the store.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	if s.drainDelay > 0 {
		time.Sleep(s.drainDelay)
	}

	var shutdownErr error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), httpShutdownBudget)
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
		cancel()
	}

	if s.watcher != nil {
		s.watcher.Stop()
		s.logger.Info("contract watcher stopped", "lastBlock", s.watcher.LastBlock())
	}

	s.dispatcher.Close()
	s.logger.Info("ingest drained")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	s.pruner.Stop()
	s.counterReset.Stop()
	s.alertTimer.Stop()
	s.rateLimiter.Stop()
	s.breaker.Close()

	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			s.logger.Error("kafka writer close error", "error", err)
		}
	}

	if s.contract != nil {
		if err := s.contract.Close(); err != nil {
			s.logger.Error("ledger client close error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.healthy.Store(false)
	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Breaker returns the process circuit breaker.
func (s *Server) Breaker() *circuitbreaker.Breaker {
	return s.breaker
}

// Dispatcher returns the ingest dispatcher, which accepts decoded events.
func (s *Server) Dispatcher() *ingest.Dispatcher {
	return s.dispatcher
}
