// Package server wires the escrow ledger, the arbitration authority and
// their supporting services into one HTTP process.
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

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"github.com/mbd888/escrowd/internal/agreement"
	"github.com/mbd888/escrowd/internal/arbitration"
	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/bridge"
	"github.com/mbd888/escrowd/internal/circuitbreaker"
	"github.com/mbd888/escrowd/internal/config"
	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/fees"
	"github.com/mbd888/escrowd/internal/governance"
	"github.com/mbd888/escrowd/internal/health"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/protocol"
	"github.com/mbd888/escrowd/internal/ratelimit"
	"github.com/mbd888/escrowd/internal/realtime"
	"github.com/mbd888/escrowd/internal/reputation"
	"github.com/mbd888/escrowd/internal/security"
	"github.com/mbd888/escrowd/internal/traces"
	"github.com/mbd888/escrowd/internal/units"
	"github.com/mbd888/escrowd/internal/validation"
	"github.com/mbd888/escrowd/internal/vault"
	"github.com/mbd888/escrowd/internal/webhooks"
)

// defaultBridgeVault receives cross-network outflows when
// BRIDGE_VAULT_ADDR is unset.
var defaultBridgeVault = common.BytesToAddress(crypto.Keccak256([]byte("escrowd/bridge-vault"))[12:])

// Server is the escrowd HTTP process. Depending on configuration it runs
// the ledger, the authority, or both.
type Server struct {
	cfg     *config.Config
	version string
	db      *sql.DB // nil if using in-memory
	router  *gin.Engine
	httpSrv *http.Server
	logger  *slog.Logger

	vault        *vault.Vault
	bridge       bridge.Bridge
	ledger       *escrow.Ledger         // nil when this process only arbitrates
	authority    *arbitration.Authority // nil when arbitration is remote
	sweeper      *escrow.Sweeper
	tracker      *reputation.Tracker
	webhookStore webhooks.Store
	webhooks     *webhooks.Dispatcher
	realtimeHub  *realtime.Hub
	rateLimiter  *ratelimit.Limiter
	health       *health.Registry

	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	stopTracing  func(context.Context) error
	drainDelay   time.Duration

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

// WithBridge replaces the bridging service chosen from BRIDGE_URL.
func WithBridge(b bridge.Bridge) Option {
	return func(s *Server) {
		s.bridge = b
	}
}

// WithVersion sets the version reported by /health and traces.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(health.DefaultTimeout),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	stopTracing, err := traces.Init(ctx, cfg.OTelEndpoint, s.version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.stopTracing = stopTracing

	var (
		vaultStore  vault.Store
		escrowStore escrow.Store
		journal     arbitration.Journal
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		vaultStore = vault.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		journal = arbitration.NewPostgresJournal(db)
		s.webhookStore = webhooks.NewPostgresStore(db)
		s.health.Register("database", health.Ping(db))
		s.logger.Info("connected to PostgreSQL", "dsn", maskDSN(cfg.DatabaseURL))
	} else {
		vaultStore = vault.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		s.webhookStore = webhooks.NewMemoryStore()
		s.logger.Warn("using in-memory storage (data will not persist)")
	}

	s.vault = vault.New(vaultStore)
	s.tracker = reputation.NewTracker()
	s.webhooks = webhooks.NewDispatcher(s.webhookStore, s.logger).WithFallback(cfg.WebhookURL, cfg.WebhookSecret)
	s.realtimeHub = realtime.NewHub(s.logger)

	if cfg.AuthorityURL == "" {
		if err := s.setupAuthority(ctx, journal); err != nil {
			return nil, err
		}
	}
	if cfg.LedgerURL == "" {
		if err := s.setupLedger(escrowStore); err != nil {
			return nil, err
		}
	}
	if err := s.connectRoles(); err != nil {
		return nil, err
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func (s *Server) setupAuthority(ctx context.Context, journal arbitration.Journal) error {
	gov, err := governance.NewVersioned(s.cfg.GovernanceAddr, arbitration.Config{
		Treasury: common.HexToAddress(s.cfg.TreasuryAddr),
	})
	if err != nil {
		return fmt.Errorf("invalid arbitration config: %w", err)
	}

	notifier := reputation.NewNotifier(s.logger, s.tracker, s.webhooks, s.realtimeHub)
	s.authority = arbitration.NewAuthority(common.HexToAddress(s.cfg.AuthorityAddr), s.vault, gov).
		WithNotifier(notifier).
		WithLogger(s.logger)

	if journal != nil {
		s.authority.WithJournal(journal)
		if err := s.authority.Restore(ctx); err != nil {
			return fmt.Errorf("failed to restore arbitration state: %w", err)
		}
	}
	s.logger.Info("arbitration authority enabled", "identity", s.authority.Identity().Hex())
	return nil
}

func (s *Server) setupLedger(store escrow.Store) error {
	cfg := s.cfg
	if s.bridge == nil {
		if cfg.BridgeURL != "" {
			breaker := circuitbreaker.New(5, 30*time.Second)
			breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
				metrics.CircuitTransitionsTotal.WithLabelValues(key, from.String(), to.String()).Inc()
				s.logger.Warn("bridge circuit changed", "network", key, "from", from.String(), "to", to.String())
			})
			s.bridge = bridge.NewHTTPBridge(cfg.BridgeURL, breaker)
			s.logger.Info("bridging service configured", "url", cfg.BridgeURL)
		} else {
			s.bridge = bridge.NewMemoryBridge(bridge.FeeSchedule{
				BaseFee: units.MustParse("0.01"),
				FeeBps:  10,
				AuxFee:  units.MustParse("0.005"),
			})
			s.logger.Warn("using in-memory bridging service")
		}
	}

	bridgeVault := defaultBridgeVault
	if cfg.BridgeVaultAddr != "" {
		bridgeVault = common.HexToAddress(cfg.BridgeVaultAddr)
	}
	router := bridge.NewRouter(s.vault, s.bridge, cfg.NetworkID, bridgeVault, s.logger)

	var policy fees.Policy
	if cfg.FeePolicy == "reputation" {
		policy = fees.NewReputationPolicy(s.tracker, s.logger)
	}

	gov, err := governance.NewVersioned(cfg.GovernanceAddr, escrow.Config{
		Fees: fees.Params{
			BaseFeeBps:      cfg.BaseFeeBps,
			DisputeFeeBps:   cfg.DisputeFeeBps,
			MinFee:          units.MustParse(cfg.MinFee),
			MaxFee:          units.MustParse(cfg.MaxFee),
			DisputeFloorFee: units.MustParse(cfg.DisputeFloorFee),
		},
		MinTimeout:   cfg.MinTimeout,
		MaxTimeout:   cfg.MaxTimeout,
		TimeoutMode:  escrow.TimeoutMode(cfg.TimeoutMode),
		FeeRecipient: common.HexToAddress(cfg.FeeRecipient),
		Authority:    common.HexToAddress(cfg.AuthorityAddr),
	})
	if err != nil {
		return fmt.Errorf("invalid escrow config: %w", err)
	}

	domain := agreement.Domain{
		Name:      cfg.SystemName,
		Version:   cfg.SystemVersion,
		NetworkID: cfg.NetworkID,
		Verifier:  common.HexToAddress(cfg.SystemVerifier),
	}
	s.ledger = escrow.NewLedger(store, s.vault, router, fees.NewEngine(policy, router), agreement.NewValidator(domain, store), gov).
		WithNotifier(reputation.NewNotifier(s.logger, s.tracker, s.webhooks)).
		WithObserver(s.realtimeHub.ObserveTransition).
		WithLogger(s.logger)

	s.sweeper = escrow.NewSweeper(s.ledger, cfg.SweepInterval, s.logger)
	s.health.Register("sweeper", func(context.Context) error {
		if !s.ready.Load() || s.sweeper.Running() {
			return nil
		}
		return errors.New("timeout sweeper is not running")
	})
	s.logger.Info("escrow ledger enabled", "verifier", domain.Verifier.Hex(), "network", domain.NetworkID, "fee_policy", s.ledger.FeePolicy())
	return nil
}

// connectRoles links the ledger and the authority, in-process or over
// the signed HTTP protocol.
func (s *Server) connectRoles() error {
	cfg := s.cfg
	switch {
	case s.ledger != nil && s.authority != nil:
		s.ledger.WithArbiter(s.authority)
		s.authority.RegisterLedger(s.ledger.Identity(), s.ledger)
	case s.ledger != nil:
		s.ledger.WithArbiter(protocol.NewHTTPArbiter(cfg.AuthorityURL, cfg.ProtocolSecret))
		s.logger.Info("using remote arbitration authority", "url", cfg.AuthorityURL)
	case s.authority != nil:
		s.authority.RegisterLedger(common.HexToAddress(cfg.SystemVerifier), protocol.NewHTTPRulingReceiver(cfg.LedgerURL, cfg.ProtocolSecret))
		s.logger.Info("serving remote ledger", "url", cfg.LedgerURL, "verifier", cfg.SystemVerifier)
	default:
		return errors.New("neither the ledger nor the authority is enabled")
	}
	return nil
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

	s.router.Use(logging.Middleware(s.logger))
	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         s.cfg.RateLimitBurst,
	})
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
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
	v1.Use(validation.AddressParamMiddleware())
	v1.Use(auth.Middleware(auth.Options{DevMode: s.cfg.DevAuth}))

	protected := v1.Group("")
	protected.Use(auth.RequireActor())

	// Peer protocol ports authenticate with the shared secret, not actors.
	var (
		arbiter  protocol.Arbiter
		receiver protocol.RulingReceiver
	)
	if s.authority != nil && s.cfg.LedgerURL != "" {
		arbiter = s.authority
	}
	if s.ledger != nil && s.cfg.AuthorityURL != "" {
		receiver = s.ledger
	}
	if arbiter != nil || receiver != nil {
		protocol.NewHandler(s.cfg.ProtocolSecret, arbiter, receiver).RegisterRoutes(v1)
	}

	if s.ledger != nil {
		escrowHandler := escrow.NewHandler(s.ledger)
		escrowHandler.RegisterRoutes(v1)
		escrowHandler.RegisterProtectedRoutes(protected)
	}

	if s.authority != nil {
		arbitrationHandler := arbitration.NewHandler(s.authority)
		arbitrationHandler.RegisterRoutes(v1)
		arbitrationHandler.RegisterProtectedRoutes(protected)
	}

	vaultHandler := vault.NewHandler(s.vault, s.cfg.IsDevelopment())
	vaultHandler.RegisterRoutes(v1)
	vaultHandler.RegisterProtectedRoutes(protected)

	reputation.NewHandler(s.tracker).RegisterRoutes(v1)
	webhooks.NewHandler(s.webhookStore).RegisterProtectedRoutes(protected)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Roles     []string          `json:"roles"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.health.CheckAll(c.Request.Context())

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy: " + st.Detail
		}
	}

	status, httpStatus := "healthy", http.StatusOK
	if !healthy {
		status, httpStatus = "degraded", http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
		Roles:     s.roles(),
		Checks:    checks,
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

func (s *Server) roles() []string {
	var roles []string
	if s.ledger != nil {
		roles = append(roles, "ledger")
	}
	if s.authority != nil {
		roles = append(roles, "authority")
	}
	return roles
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run serves until ctx is cancelled, SIGINT/SIGTERM arrives or the
// listener fails, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
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

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "roles", s.roles())
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startBackground(runCtx)

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// startBackground launches the hub, the webhook workers, the timeout
// sweeper and the database stats collector.
func (s *Server) startBackground(ctx context.Context) {
	go s.realtimeHub.Run(ctx)
	s.webhooks.Start(4)
	if s.sweeper != nil {
		go s.sweeper.Start(ctx)
	}
	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	if s.sweeper != nil {
		s.sweeper.Stop()
		s.logger.Info("timeout sweeper stopped")
	}

	// Drains queued deliveries.
	s.webhooks.Stop()
	s.logger.Info("webhook dispatcher stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if err := s.stopTracing(ctx); err != nil {
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
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
