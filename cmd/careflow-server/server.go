package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/ehr/careflow/internal/config"
	"github.com/ehr/careflow/internal/domain/careflow"
	"github.com/ehr/careflow/internal/platform/auth"
	"github.com/ehr/careflow/internal/platform/db"
	"github.com/ehr/careflow/internal/platform/eventbus"
	"github.com/ehr/careflow/internal/platform/middleware"
	"github.com/ehr/careflow/internal/platform/notification"
	"github.com/ehr/careflow/internal/platform/websocket"
)

const (
	version = "0.1.0"

	// notificationRetention bounds how long delivered messages stay queryable.
	notificationRetention = 24 * time.Hour
)

// backends are the connections the server is assembled from. Pool and Redis
// are nil when not configured.
type backends struct {
	store  careflow.Store
	pool   *pgxpool.Pool
	redis  redis.UniversalClient
	sender notification.Sender
	checks map[string]db.Check
	close  []func()
}

func (b *backends) Close() {
	for i := len(b.close) - 1; i >= 0; i-- {
		b.close[i]()
	}
}

// connect opens every backend the configuration names.
func connect(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*backends, error) {
	b := &backends{checks: make(map[string]db.Check)}

	switch cfg.Store {
	case config.StorePostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		b.pool = pool
		b.store = careflow.NewStorePG(pool)
		b.checks["postgres"] = db.PoolCheck(pool)
		b.close = append(b.close, pool.Close)
		logger.Info().Msg("connected to database")
	default:
		b.store = careflow.NewMemoryStore()
		logger.Warn().Msg("using in-memory store; workflow state is lost on restart")
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		b.redis = client
		b.checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		b.close = append(b.close, func() { client.Close() })
		logger.Info().Str("channel", cfg.EventChannel).Msg("cross-instance events over redis")
	}

	if cfg.AMQPURL != "" {
		sender, err := notification.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.sender = sender
		b.checks["amqp"] = sender.Ping
		b.close = append(b.close, func() { sender.Close() })
		logger.Info().Str("exchange", cfg.AMQPExchange).Msg("notifications published to amqp")
	} else {
		b.sender = notification.LogSender{Logger: logger}
	}
	return b, nil
}

// server is the assembled workflow API.
type server struct {
	cfg        *config.Config
	echo       *echo.Echo
	bus        *eventbus.Bus
	hub        *websocket.Hub
	svc        *careflow.Service
	dispatcher *notification.Dispatcher
	cron       *cron.Cron
	logger     zerolog.Logger
	detach     func()
}

func newServer(cfg *config.Config, b *backends, clk clock.Clock, logger zerolog.Logger) (*server, error) {
	var remote eventbus.Broadcaster
	if b.redis != nil {
		remote = eventbus.NewRedisBroadcaster(b.redis, cfg.EventChannel, logger)
	}
	bus := eventbus.NewBus(remote, logger, eventbus.WithClock(clk))

	dispatcher := notification.NewDispatcher(b.sender, notification.NewTemplateEngine(), logger)
	fanout := careflow.NewFanout(b.store, dispatcher, bus, clk, logger)
	fanout.RetryAfter = cfg.FanoutRetryAfter
	gw := careflow.NewGateway(b.store, fanout, bus, clk, cfg.TransitionTimeout, logger)
	svc := careflow.NewService(b.store, gw, fanout, logger)

	hub := websocket.NewHub(logger)

	s := &server{
		cfg:        cfg,
		echo:       echo.New(),
		bus:        bus,
		hub:        hub,
		svc:        svc,
		dispatcher: dispatcher,
		logger:     logger,
		detach:     hub.Relay(bus),
	}
	if err := s.schedule(clk); err != nil {
		s.detach()
		return nil, err
	}
	s.routes(b)
	return s, nil
}

func (s *server) routes(b *backends) {
	e := s.echo
	cfg := s.cfg
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(s.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(s.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", careflow.ActingRoleHeader, auth.DevRoleHeader},
	}))

	// Auth middleware
	if cfg.ResolvedAuthMode() == config.AuthDevelopment {
		s.logger.Warn().Msg("development auth is enabled; every request is trusted")
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: signingKey(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(b.pool, b.checks))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	apiV1 := e.Group("/api/v1")
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))
	apiV1.Use(middleware.Audit(s.logger, careflow.NewAuditRecorder(b.store)))

	careflow.NewHandler(s.svc, s.logger).RegisterRoutes(apiV1)
	notification.NewHandler(s.dispatcher).RegisterRoutes(apiV1.Group("/notifications", auth.RequireRole(string(careflow.RoleAdmin))))

	websocket.NewWebSocketHandler(s.hub, s.logger).RegisterRoutes(e.Group(""))
}

func signingKey(s string) []byte {
	if s == "" {
		return nil
	}
	return []byte(s)
}

// schedule registers the background sweeps: the fanout ledger retry, failed
// delivery retry and pruning of old deliveries.
func (s *server) schedule(clk clock.Clock) error {
	cl := cronLogger{s.logger}
	s.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	jobs := []struct {
		spec string
		name string
		run  func(ctx context.Context)
	}{
		{s.cfg.NotificationRetrySpec, "fanout-retry", func(ctx context.Context) {
			if _, err := s.svc.RetryPendingFanouts(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("fanout retry sweep failed")
			}
		}},
		{s.cfg.NotificationRetrySpec, "delivery-retry", func(ctx context.Context) {
			if n := s.dispatcher.RetryFailed(ctx); n > 0 {
				s.logger.Info().Int("delivered", n).Msg("failed deliveries retried")
			}
		}},
		{"@hourly", "delivery-prune", func(context.Context) {
			if n := s.dispatcher.Prune(clk.Now().Add(-notificationRetention)); n > 0 {
				s.logger.Debug().Int("pruned", n).Msg("old deliveries pruned")
			}
		}},
	}
	for _, j := range jobs {
		j := j
		if _, err := s.cron.AddFunc(j.spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
			defer cancel()
			j.run(ctx)
		}); err != nil {
			return fmt.Errorf("schedule %s: %w", j.name, err)
		}
	}
	return nil
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *server) Run(ctx context.Context, addr string) error {
	defer s.detach()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info().Str("addr", addr).Msg("starting server")
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error { return s.bus.Run(ctx) })
	g.Go(func() error {
		s.cron.Start()
		<-ctx.Done()
		<-s.cron.Stop().Done()
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		s.logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.echo.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	s.logger.Info().Msg("server stopped")
	return err
}

func runServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	b, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	s, err := newServer(cfg, b, clock.RealClock{}, logger)
	if err != nil {
		return err
	}
	return s.Run(ctx, ":"+cfg.Port)
}

// cronLogger adapts zerolog to cron's logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
