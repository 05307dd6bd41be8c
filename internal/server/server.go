// Package server is the reference HTTP surface dockhand scaffolds
// around: liveness, readiness and metrics endpoints behind the same
// middleware conventions the checkers audit for.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/dockhand-sh/dockhand/internal/config"
)

const (
	// readyTimeout bounds each readiness probe on /ready.
	readyTimeout = 2 * time.Second

	// ShutdownGrace is how long Shutdown waits for in-flight requests.
	ShutdownGrace = 15 * time.Second

	// limiterExpiry is how long an idle client keeps its rate bucket.
	limiterExpiry = 3 * time.Minute
)

// Server wires an echo instance with the dockhand endpoints and
// middleware stack.
type Server struct {
	// Version is reported by /health. The CLI sets it from build info.
	Version string

	cfg     config.ServeConfig
	echo    *echo.Echo
	probes  *ProbeRegistry
	started time.Time
}

// New builds a Server from cfg. Probes back the /ready endpoint; nil
// means no probes, which reports ready unconditionally.
func New(cfg config.ServeConfig, probes *ProbeRegistry) *Server {
	if probes == nil {
		probes = NewProbeRegistry()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	setLogLevel(e, cfg.LogLevel)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		// The request logger funnels errors here and then returns them
		// up the chain, so guard against handling the same error twice.
		if !c.Response().Committed {
			e.Logger.Errorf("error on %s %s: %s", c.Request().Method, c.Request().URL.Path, err)
		}
		e.DefaultHTTPErrorHandler(err, c)
	}

	s := &Server{Version: "dev", cfg: cfg, echo: e, probes: probes, started: time.Now()}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.RequestID())
	e.Use(requestLogger)
	e.Use(middleware.Recover())
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Subsystem:  "dockhand",
		Registerer: reg,
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
		ReferrerPolicy:     "no-referrer",
		// Only written on TLS connections.
		HSTSMaxAge: 31536000,
	}))
	e.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Skipper: unthrottled,
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(cfg.RateLimit),
			Burst:     cfg.RateBurst,
			ExpiresIn: limiterExpiry,
		}),
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			c.Response().Header().Set("Retry-After", "1")
			return middleware.ErrRateLimitExceeded
		},
	}))

	e.GET("/health", s.handleHealth)
	e.GET("/ready", s.handleReady)
	e.GET("/metrics", echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{
		Gatherer: reg,
	}))

	return s
}

// Addr is the listen address derived from the configured port.
func (s *Server) Addr() string {
	return fmt.Sprintf(":%d", s.cfg.Port)
}

// Start serves until Shutdown is called or the listener fails. After a
// clean Shutdown it returns http.ErrServerClosed.
func (s *Server) Start() error {
	return s.echo.Start(s.Addr())
}

// Shutdown stops accepting connections and drains in-flight requests
// until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the routing tree for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:  "ok",
		Version: s.Version,
		Uptime:  time.Since(s.started).Round(time.Second).String(),
	})
}

type readyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func (s *Server) handleReady(c echo.Context) error {
	results := s.probes.RunAll(c.Request().Context(), readyTimeout)

	resp := readyResponse{Status: "ready", Checks: make(map[string]string, len(results))}
	for _, r := range results {
		if r.OK {
			resp.Checks[r.Name] = "ok"
			continue
		}
		resp.Checks[r.Name] = r.Error
		resp.Status = "unavailable"
	}

	status := http.StatusOK
	if resp.Status != "ready" {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, resp)
}

// unthrottled exempts the endpoints probed by orchestrators and
// scrapers from the rate limiter.
func unthrottled(c echo.Context) bool {
	p := c.Path()
	return p == "/health" || p == "/metrics"
}

func requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		begin := time.Now()

		err := next(c)
		if err != nil {
			c.Error(err)
		}

		req := c.Request()
		res := c.Response()
		c.Logger().Infof(
			"%s %s -> %d in %v (id=%s)",
			req.Method, req.RequestURI, res.Status,
			time.Since(begin).Round(time.Microsecond),
			res.Header().Get(echo.HeaderXRequestID),
		)
		return err
	}
}

func setLogLevel(e *echo.Echo, level string) {
	switch strings.ToLower(level) {
	case "debug":
		e.Logger.SetLevel(log.DEBUG)
	case "warn":
		e.Logger.SetLevel(log.WARN)
	case "error":
		e.Logger.SetLevel(log.ERROR)
	case "off":
		e.Logger.SetLevel(log.OFF)
	default:
		e.Logger.SetLevel(log.INFO)
	}
}
