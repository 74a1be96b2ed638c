// Package server wires every component into the HTTP API and runs it.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/escrowmart/internal/alerts"
	"github.com/mbd888/escrowmart/internal/auth"
	"github.com/mbd888/escrowmart/internal/balance"
	"github.com/mbd888/escrowmart/internal/chain"
	"github.com/mbd888/escrowmart/internal/circuitbreaker"
	"github.com/mbd888/escrowmart/internal/config"
	"github.com/mbd888/escrowmart/internal/directory"
	"github.com/mbd888/escrowmart/internal/events"
	"github.com/mbd888/escrowmart/internal/health"
	"github.com/mbd888/escrowmart/internal/inventory"
	"github.com/mbd888/escrowmart/internal/logging"
	"github.com/mbd888/escrowmart/internal/metrics"
	"github.com/mbd888/escrowmart/internal/notify"
	"github.com/mbd888/escrowmart/internal/orders"
	"github.com/mbd888/escrowmart/internal/ratelimit"
	"github.com/mbd888/escrowmart/internal/realtime"
	"github.com/mbd888/escrowmart/internal/security"
	"github.com/mbd888/escrowmart/internal/settlement"
	"github.com/mbd888/escrowmart/internal/tokenledger"
	"github.com/mbd888/escrowmart/internal/traces"
	"github.com/mbd888/escrowmart/internal/units"
	"github.com/mbd888/escrowmart/internal/validation"
)

// Version is reported by /health.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	db          *sql.DB       // nil if using in-memory
	redis       *redis.Client // nil if using the in-process cache
	publisher   events.Publisher
	chainReader *chain.Reader // nil without RPC_URL
	network     settlement.Network

	stores      stores
	alerts      *alerts.Emitter
	balances    *balance.Ledger
	catalog     *inventory.Service
	directory   *directory.Directory
	tokens      *tokenledger.Ledger
	dispatcher  *settlement.Dispatcher
	guard       *settlement.GuardedNetwork
	worker      *settlement.Worker
	orders      *orders.Service
	realtimeHub *realtime.Hub
	authMgr     *auth.Manager
	rateLimiter *ratelimit.Limiter
	health      *health.Registry

	router          *gin.Engine
	httpSrv         *http.Server
	shutdownTracing func(context.Context) error
	shutdownDrain   time.Duration
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run

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

// WithNetwork replaces the HTTP settlement network client (for testing).
func WithNetwork(n settlement.Network) Option {
	return func(s *Server) {
		s.network = n
	}
}

// WithShutdownDrain sets how long Shutdown waits for load balancers to stop
// sending traffic before closing listeners.
func WithShutdownDrain(d time.Duration) Option {
	return func(s *Server) {
		s.shutdownDrain = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:           cfg,
		logger:        logging.New(cfg.LogLevel, cfg.LogFormat),
		health:        health.NewRegistry(),
		shutdownDrain: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdownTracing, err := traces.Init(ctx, traces.Config{
		Endpoint:    cfg.OTLPEndpoint,
		Version:     Version,
		Environment: cfg.Env,
		SampleRatio: cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTracing = shutdownTracing

	st, err := s.openStores(ctx)
	if err != nil {
		return nil, err
	}
	s.stores = st

	cache, err := s.openCache()
	if err != nil {
		return nil, err
	}

	if err := s.openPublisher(); err != nil {
		return nil, err
	}

	if cfg.RPCURL != "" {
		reader, err := chain.Dial(ctx, cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to chain RPC: %w", err)
		}
		s.chainReader = reader
		s.health.RegisterOptional("rpc", health.PingChecker("rpc", health.DefaultTimeout, reader.Ping))
		s.logger.Info("chain reader connected")
	}

	if err := s.buildSettlement(st, cache); err != nil {
		return nil, err
	}
	s.buildOrders(st)

	if cfg.JWTSecret == "" {
		s.logger.Warn("JWT_SECRET not set: every authenticated route will answer 401")
	}
	s.authMgr = auth.NewManager(cfg.JWTSecret, cfg.JWTIssuer, 24*time.Hour)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func (s *Server) openCache() (settlement.Cache, error) {
	if s.cfg.RedisURL == "" {
		return settlement.NewMemoryCache(), nil
	}
	opts, err := redis.ParseURL(s.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	s.redis = redis.NewClient(opts)
	s.health.RegisterOptional("cache", health.Redis(s.redis))
	s.logger.Info("using redis cache", "addr", opts.Addr)
	return settlement.NewRedisCache(s.redis, "escrowmart:settlement:"), nil
}

func (s *Server) openPublisher() error {
	if len(s.cfg.KafkaBrokers) == 0 {
		s.publisher = events.Noop{}
		return nil
	}
	p, err := events.NewSyncProducer(s.cfg.KafkaBrokers, s.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to kafka: %w", err)
	}
	s.publisher = p
	s.logger.Info("kafka producer connected", "brokers", s.cfg.KafkaBrokers)
	return nil
}

// breakerAlert records settlement circuit changes in the alert log.
func (s *Server) breakerAlert(t circuitbreaker.Transition) {
	meta := map[string]string{
		"from":     t.From.String(),
		"to":       t.To.String(),
		"failures": strconv.Itoa(t.Failures),
	}
	switch t.To {
	case circuitbreaker.StateOpen:
		s.alerts.Emit(context.Background(), alerts.SeverityWarning,
			"settlement network circuit opened, new calls are queued", "", meta)
	case circuitbreaker.StateClosed:
		s.alerts.Emit(context.Background(), alerts.SeverityInfo,
			"settlement network circuit closed", "", meta)
	}
}

func (s *Server) buildSettlement(st stores, cache settlement.Cache) error {
	if s.network == nil {
		if s.cfg.SettlementURL == "" {
			return errors.New("SETTLEMENT_URL is not set")
		}
		s.network = settlement.NewHTTPNetwork(settlement.ClientConfig{
			BaseURL: s.cfg.SettlementURL,
			APIKey:  s.cfg.SettlementAPIKey,
		})
	}

	s.alerts = alerts.NewEmitter(st.alerts, s.logger)

	breaker := circuitbreaker.New(s.cfg.BreakerThreshold, s.cfg.BreakerCooldown)
	breaker.OnTransition(s.breakerAlert)
	s.guard = settlement.NewGuardedNetwork(s.network, breaker)
	s.health.RegisterOptional("settlement", func(context.Context) health.Status {
		c := s.guard.BreakerCounts()
		detail := "circuit " + c.State.String()
		if c.State != circuitbreaker.StateClosed {
			detail = fmt.Sprintf("%s since %s, %d calls refused", detail, c.OpenedAt.Format(time.RFC3339), c.Rejected)
		}
		return health.Status{
			Name:    "settlement",
			Healthy: c.State != circuitbreaker.StateOpen,
			Detail:  detail,
		}
	})

	s.tokens = tokenledger.New(st.tokens, s.logger)
	s.directory = directory.New(st.profiles)

	s.dispatcher = settlement.NewDispatcher(st.calls, s.guard, s.tokens, s.alerts, settlement.Config{
		BaseDelay:        s.cfg.RetryBaseDelay,
		MaxRetries:       s.cfg.RetryMaxRetries,
		Timeout:          s.cfg.SettlementTimeout,
		FallbackContract: s.cfg.SettlementContract,
		CacheTTL:         s.cfg.CacheTTL,
	}, s.logger).
		WithContracts(s.directory).
		WithCache(cache)
	if s.chainReader != nil {
		s.dispatcher.WithVerifier(s.chainReader)
	}

	s.worker = settlement.NewWorker(s.dispatcher, st.calls, settlement.WorkerConfig{
		Interval:   s.cfg.RetryInterval,
		BatchSize:  s.cfg.RetryBatchSize,
		StaleAfter: s.cfg.RetryStaleAfter,
	}, s.logger)
	s.health.Register("retry_worker", func(context.Context) health.Status {
		return health.Status{Name: "retry_worker", Healthy: s.worker.Running()}
	})
	return nil
}

func (s *Server) buildOrders(st stores) {
	s.realtimeHub = realtime.NewHub(s.logger)
	s.balances = balance.New(st.balances)
	s.catalog = inventory.NewService(st.catalog, s.logger)

	notifier := notify.New(s.realtimeHub, s.publisher, s.cfg.NotifyTopic, s.logger)
	referrals := events.NewReferralTrigger(s.publisher, s.cfg.ReferralTopic, s.logger)

	s.orders = orders.NewService(st.orders, s.catalog, s.balances, s.directory, s.dispatcher, s.tokens,
		units.NewConverter(s.cfg.SettlementRate, s.cfg.TokenDecimals), s.logger).
		WithNotifier(notifier).
		WithReferrals(referrals).
		WithRewards(orders.Rewards{
			MinBuyerReputation: s.cfg.MinBuyerReputation,
			BuyerReputation:    s.cfg.BuyerReputationReward,
			SellerReputation:   s.cfg.SellerReputationReward,
			GreenBonus:         s.cfg.GreenBonus,
		})
	s.dispatcher.WithFailureHook(s.orders.OnSettlementFailed)
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(traces.Middleware())
	s.router.Use(logging.Middleware(s.logger))

	// Rate limiting keys on the user, so identity is parsed first.
	s.router.Use(auth.Middleware(s.authMgr))
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         s.cfg.RateLimitBurst,
		CleanupInterval:   time.Minute,
		ExemptPrefixes:    []string{"/health", "/metrics"},
	})
	s.router.Use(s.rateLimiter.Middleware())
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/ws", auth.RequireAuth(), s.realtimeHub.HandleWebSocket)

	v1 := s.router.Group("/v1", auth.RequireAuth())
	orders.NewHandler(s.orders).RegisterProtectedRoutes(v1)
	balance.NewHandler(s.balances).RegisterProtectedRoutes(v1)
	directory.NewHandler(s.directory).RegisterProtectedRoutes(v1)
	inventory.NewHandler(s.catalog).RegisterRoutes(v1)

	var reader tokenledger.BalanceReader
	if s.chainReader != nil {
		reader = s.chainReader
	}
	tokenledger.NewHandler(s.tokens, reader, s.cfg.SettlementContract).RegisterProtectedRoutes(v1)

	ops := v1.Group("", auth.RequireRole(auth.RoleOperator))
	settlement.NewHandler(s.dispatcher).RegisterProtectedRoutes(ops)
	alerts.NewHandler(s.alerts).RegisterProtectedRoutes(ops)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	state, statuses := s.health.CheckAll(ctx)

	httpStatus := http.StatusOK
	if state == health.StateUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    string(state),
		Version:   Version,
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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start launches the realtime hub and retry worker and exports DB pool
// stats, without binding a listener. Run calls it; tests may call it
// directly.
func (s *Server) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	go s.realtimeHub.Run(runCtx)
	go s.worker.Start(runCtx)
	if s.db != nil {
		if err := metrics.RegisterDB(s.db); err != nil {
			s.logger.Warn("failed to register db metrics", "error", err)
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
		WriteTimeout:      time.Minute, // settlement calls can take up to SETTLEMENT_TIMEOUT
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.Start(ctx)

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.httpSrv != nil {
		time.Sleep(s.shutdownDrain)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.worker.Stop()
	s.rateLimiter.Stop()

	if err := s.publisher.Close(); err != nil {
		s.logger.Error("event publisher close error", "error", err)
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	if s.chainReader != nil {
		if err := s.chainReader.Close(); err != nil {
			s.logger.Error("chain reader close error", "error", err)
		}
	}

	tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.shutdownTracing(tctx); err != nil {
		s.logger.Error("tracing shutdown error", "error", err)
	}

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

// AuthManager returns the token manager, used by tooling and tests to mint
// tokens.
func (s *Server) AuthManager() *auth.Manager {
	return s.authMgr
}
