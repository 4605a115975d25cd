// Package server owns the gateway process: the single public listener, the
// route dispatch between the local health handler and upstream forwarding,
// and graceful shutdown.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"bastion/internal/config"
	"bastion/internal/health"
	"bastion/internal/metrics"
	"bastion/internal/router"
	"bastion/internal/upstream"
)

// Gateway is the public entry point process. All configuration is fixed at
// construction; request handling shares it read-only.
type Gateway struct {
	cfg        *config.Config
	echo       *echo.Echo
	metricsSrv *echo.Echo
	table      *router.Table
	client     *upstream.Client
	checker    *health.Checker
}

// New builds the gateway. An ambiguous route table is an error here, so the
// process refuses to start rather than run with ambiguous routing.
func New(cfg *config.Config) (*Gateway, error) {
	table, err := router.New(cfg.Rules())
	if err != nil {
		return nil, fmt.Errorf("invalid route table: %w", err)
	}

	client := upstream.NewClient(upstream.Config{
		Timeout:      cfg.Upstream.Timeout,
		MaxConns:     cfg.Upstream.MaxConns,
		MaxIdleConns: cfg.Upstream.MaxIdleConns,
	})

	checker := health.NewChecker()
	checker.Register("router", func() (bool, string) {
		return table != nil, fmt.Sprintf("%d routes", table.Len())
	})
	checker.Register("upstream_client", func() (bool, string) {
		return client != nil, client.Detail()
	})

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(requestID())
	e.Use(requestLogger())

	// Per-gateway registry so the generic HTTP metrics never collide with
	// the process-wide collectors in internal/metrics.
	registry := prometheus.NewRegistry()
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Subsystem:  "bastion",
		Registerer: registry,
	}))

	g := &Gateway{
		cfg:     cfg,
		echo:    e,
		table:   table,
		client:  client,
		checker: checker,
	}

	// The local health path is an exact match and always wins over the
	// forwarding catch-all. Registered for every method so a POST /health
	// gets the same not-found terminal state as any other unrouted path
	// instead of echo's method-not-allowed.
	e.Any(router.HealthPath, g.handleHealth)
	e.Any("/", g.handleGateway)
	e.Any("/*", g.handleGateway)

	if cfg.Metrics.Enabled {
		m := echo.New()
		m.HideBanner = true
		m.GET("/metrics", echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{
			Gatherer: prometheus.Gatherers{registry, prometheus.DefaultGatherer},
		}))
		g.metricsSrv = m
	}

	return g, nil
}

// Handler exposes the public request surface.
func (g *Gateway) Handler() http.Handler {
	return g.echo
}

// handleHealth answers the gateway's own liveness. Synchronous, no network
// I/O: a slow or dead upstream must never delay this response. Only GET is
// a health check; other methods on this path are not routed anywhere.
func (g *Gateway) handleHealth(c echo.Context) error {
	if c.Request().Method != http.MethodGet {
		return c.JSON(http.StatusNotFound, apiError{Error: apiErrorDetail{
			Code:    "route_not_found",
			Message: "no route configured for this path",
		}})
	}
	v := g.checker.Check()
	status := http.StatusOK
	if !v.OK {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, v)
}

// handleGateway dispatches everything that is not the local health path:
// longest-prefix match against the rule table, then a single forwarding
// attempt. A miss is a defined not-found response, not an error.
func (g *Gateway) handleGateway(c echo.Context) error {
	req := c.Request()

	m, ok := g.table.Match(req.URL.Path)
	if !ok {
		metrics.RouteMisses.Inc()
		log.Debug("no route matched", "method", req.Method, "path", req.URL.Path)
		return c.JSON(http.StatusNotFound, apiError{Error: apiErrorDetail{
			Code:    "route_not_found",
			Message: "no route configured for this path",
		}})
	}

	requestID := c.Response().Header().Get(echo.HeaderXRequestID)

	start := time.Now()
	failure := g.client.Forward(c.Response(), req, m, c.RealIP(), requestID)
	metrics.ForwardDuration.WithLabelValues(m.Rule.Prefix).Observe(time.Since(start).Seconds())

	outcome := "relayed"
	if failure != nil {
		outcome = "failed"
		metrics.UpstreamFailures.WithLabelValues(string(failure.Kind)).Inc()
	}
	metrics.ForwardedRequests.WithLabelValues(m.Rule.Prefix, outcome).Inc()

	return nil
}

// Start serves until ctx is cancelled, then drains both listeners within
// the configured grace period.
func (g *Gateway) Start(ctx context.Context) error {
	errc := make(chan error, 2)

	go func() {
		addr := fmt.Sprintf(":%d", g.cfg.Server.Port)
		log.Info("gateway listening", "addr", addr, "routes", g.table.Len())
		if err := g.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	if g.metricsSrv != nil {
		go func() {
			log.Info("metrics listening", "addr", g.cfg.Metrics.Listen)
			if err := g.metricsSrv.Start(g.cfg.Metrics.Listen); err != nil && err != http.ErrServerClosed {
				errc <- err
			}
		}()
	}

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), g.cfg.GraceDuration())
	defer cancel()

	log.Info("shutting down gateway", "grace_period", g.cfg.GraceDuration())
	if err := g.echo.Shutdown(shutdownCtx); err != nil {
		log.Error("error shutting down gateway listener", "error", err)
	}
	if g.metricsSrv != nil {
		if err := g.metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.Error("error shutting down metrics listener", "error", err)
		}
	}
	g.client.Close()

	return nil
}

type apiError struct {
	Error apiErrorDetail `json:"error"`
}

type apiErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
