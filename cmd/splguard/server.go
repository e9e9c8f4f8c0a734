package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/splshield/splguard/gatekeeper"
	"github.com/splshield/splguard/gatekeeper/admission"
	"github.com/splshield/splguard/gatekeeper/cachestore"
	"github.com/splshield/splguard/gatekeeper/campaign"
	"github.com/splshield/splguard/gatekeeper/countstore"
	"github.com/splshield/splguard/gatekeeper/ratelimit"
	"github.com/splshield/splguard/gatekeeper/store"
	"github.com/splshield/splguard/gatekeeper/strikes"
	"github.com/splshield/splguard/internal/ticker"
	"github.com/splshield/splguard/util/robusthttp"

	"github.com/carlmjohnson/versioninfo"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	slogecho "github.com/samber/slog-echo"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"golang.org/x/sync/errgroup"
)

// selects the in-process counter and flag stores instead of redis
const memoryCacheURL = "memory://"

type Config struct {
	DatabaseURL      string
	MaxDBConnections int
	RedisURL         string
	RateLimits       map[string]ratelimit.Policy
	StrikePolicy     strikes.Policy
	ExemptUserIDs    []int64
	CampaignName     string
	CampaignURL      string
	CampaignInterval time.Duration
	CampaignTimeout  time.Duration
	PurgeInterval    time.Duration
	Logger           *slog.Logger
}

type Server struct {
	logger  *slog.Logger
	store   *store.Store
	rdb     *redis.Client
	counts  countstore.CountStore
	cache   cachestore.CacheStore
	purge   time.Duration
	echo    *echo.Echo
	Limiter *ratelimit.Limiter
	Tracker *strikes.Tracker
	Gate    *admission.Gate
	Reader  *campaign.Reader
	// nil if no campaign endpoint is configured
	Monitor *campaign.Monitor
}

func NewServer(config Config) (*Server, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var (
		st  *store.Store
		err error
	)
	if config.DatabaseURL == "" {
		logger.Warn("no database configured, state will not survive restarts")
		st, err = store.OpenMemory()
	} else {
		st, err = store.Open(config.DatabaseURL, config.MaxDBConnections, logger)
	}
	if err != nil {
		return nil, fmt.Errorf("opening durable store: %w", err)
	}

	var counts countstore.CountStore
	var cache cachestore.CacheStore
	var rdb *redis.Client
	switch config.RedisURL {
	case "":
		logger.Info("cache disabled, all checks served by the durable store")
		counts = countstore.NoopCountStore{}
		cache = cachestore.NoopCacheStore{}
	case memoryCacheURL:
		counts = countstore.NewMemCountStore()
		cache = cachestore.NewMemCacheStore(50_000, 24*time.Hour)
	default:
		// one client shared by both fast-path stores and the readiness check
		opt, err := redis.ParseURL(config.RedisURL)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("parsing redis URL: %v", err)
		}
		rdb = redis.NewClient(opt)
		// a misconfigured cache is caught at startup; later outages only degrade individual calls
		if err := rdb.Ping(context.TODO()).Err(); err != nil {
			_ = rdb.Close()
			_ = st.Close()
			return nil, fmt.Errorf("redis ping failed: %v", err)
		}
		counts = countstore.NewRedisCountStoreFromClient(rdb)
		cache = cachestore.NewRedisCacheStoreFromClient(rdb, 5*time.Second)
	}

	tracker, err := strikes.NewTracker(st, cache, config.StrikePolicy, logger)
	if err != nil {
		if rdb != nil {
			_ = rdb.Close()
		}
		_ = st.Close()
		return nil, fmt.Errorf("invalid strike policy: %w", err)
	}
	limiter := ratelimit.NewLimiter(counts, st, logger)

	s := &Server{
		logger:  logger,
		store:   st,
		rdb:     rdb,
		counts:  counts,
		cache:   cache,
		purge:   config.PurgeInterval,
		Limiter: limiter,
		Tracker: tracker,
		Gate:    admission.NewGate(tracker, limiter, config.RateLimits, config.ExemptUserIDs, logger),
		Reader:  campaign.NewReader(config.CampaignName, st),
	}
	for class, p := range config.RateLimits {
		logger.Info("rate limit configured", "class", class, "window", p.Window, "max", p.Max)
	}

	if config.CampaignURL != "" {
		fetcher := &campaign.HTTPFetcher{
			URL:    config.CampaignURL,
			Client: robusthttp.NewClient(robusthttp.WithLogger(logger.With("subsystem", "campaign-fetch"))),
		}
		s.Monitor = campaign.NewMonitor(campaign.MonitorConfig{
			Name:         config.CampaignName,
			Interval:     config.CampaignInterval,
			FetchTimeout: config.CampaignTimeout,
		}, fetcher, st, logger)
		s.Monitor.OnChange(func(ctx context.Context, prev, next *store.CampaignRecord) {
			if prev == nil || prev.Status != next.Status {
				logger.Info("campaign status changed", "campaign", next.Campaign, "status", next.Status, "version", next.Version)
			}
		})
	} else {
		logger.Info("no campaign endpoint configured, reconciliation disabled")
	}

	s.echo = s.newEcho()
	return s, nil
}

func (s *Server) newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(slogecho.New(s.logger))
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("splguard"))

	e.GET("/healthz", s.HandleHealthCheck)
	e.GET("/readyz", s.HandleReadyCheck)
	e.GET("/campaign", s.HandleCampaign)
	return e
}

// Run serves the ops API and metrics, and runs the campaign monitor and the purge janitor, until ctx is cancelled or one of them fails.
func (s *Server) Run(ctx context.Context, bind, metricsListen string) error {
	g, ctx := errgroup.WithContext(ctx)

	if s.Monitor != nil {
		g.Go(func() error {
			return s.Monitor.Run(ctx)
		})
	}

	if s.purge > 0 {
		g.Go(func() error {
			return s.RunJanitor(ctx)
		})
	}

	g.Go(func() error {
		return serveUntilDone(ctx, s.logger, &http.Server{
			Addr:              bind,
			Handler:           s.echo,
			ReadHeaderTimeout: 5 * time.Second,
		}, "ops API")
	})

	if metricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		g.Go(func() error {
			return serveUntilDone(ctx, s.logger, &http.Server{
				Addr:              metricsListen,
				Handler:           mux,
				ReadHeaderTimeout: 5 * time.Second,
			}, "metrics")
		})
	}

	return g.Wait()
}

// RunJanitor periodically purges expired rate windows. Failures are logged and retried on the next tick.
func (s *Server) RunJanitor(ctx context.Context) error {
	err := ticker.Periodically(ctx, s.purge, func(ctx context.Context) error {
		n, err := s.Limiter.PurgeExpired(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Error("failed to purge expired rate windows", "err", err)
			}
			return nil
		}
		if n > 0 {
			s.logger.Info("purged expired rate windows", "count", n)
		}
		return nil
	}, nil)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func serveUntilDone(ctx context.Context, logger *slog.Logger, srv *http.Server, name string) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "name", name, "bind", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s server: %w", name, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		logger.Info("shutting down server", "name", name)
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) Close() error {
	if s.rdb != nil {
		_ = s.rdb.Close()
	}
	return s.store.Close()
}

type HealthStatus struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Message string            `json:"msg,omitempty"`
	Checks  map[string]string `json:"checks,omitempty"`
}

func (s *Server) HandleHealthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthStatus{Status: "ok", Version: versioninfo.Short()})
}

// HandleReadyCheck fails only when the durable store is unreachable. An unreachable cache is reported, but the service still works without it.
func (s *Server) HandleReadyCheck(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	status := HealthStatus{Status: "ok", Version: versioninfo.Short(), Checks: map[string]string{}}
	code := http.StatusOK

	if err := s.store.Ping(ctx); err != nil {
		s.logger.Error("readiness: database ping failed", "err", err)
		status.Status = "error"
		status.Message = "can't connect to database"
		status.Checks["database"] = "error"
		code = http.StatusServiceUnavailable
	} else {
		status.Checks["database"] = "ok"
	}

	switch err := s.counts.Ping(ctx); {
	case errors.Is(err, countstore.ErrUnavailable) && s.rdb == nil:
		status.Checks["cache"] = "disabled"
	case err != nil:
		s.logger.Warn("readiness: cache ping failed", "err", err)
		status.Checks["cache"] = "degraded"
	default:
		status.Checks["cache"] = "ok"
	}
	if err := s.cache.Ping(ctx); err != nil && s.rdb != nil {
		status.Checks["cache"] = "degraded"
	}

	if s.Monitor != nil {
		status.Checks["campaign"] = s.Monitor.State().String()
	}
	return c.JSON(code, status)
}

type CampaignResponse struct {
	campaign.Snapshot
	// monitor state, when reconciliation is enabled
	Sync string `json:"sync,omitempty"`
}

func (s *Server) HandleCampaign(c echo.Context) error {
	snap, err := s.Reader.CurrentSnapshot(c.Request().Context())
	if errors.Is(err, campaign.ErrUnknown) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "campaign state unknown"})
	}
	if err != nil {
		s.logger.Error("failed to read campaign snapshot", "err", err)
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": gatekeeper.UserMessage(err)})
	}
	resp := CampaignResponse{Snapshot: snap}
	if s.Monitor != nil {
		resp.Sync = s.Monitor.State().String()
	}
	return c.JSON(http.StatusOK, resp)
}
