// Package adminhttp exposes a read-only introspection surface over a
// running Broker: liveness, known peer nodes, and locally registered
// services. It never drives broker.call/emit/broadcast — those remain
// reachable only from in-process Go code, per spec.md §4.5's "out of
// scope" boundary.
package adminhttp

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"

	"github.com/arc-self/molecule/broker"
)

// Server wraps an *echo.Echo bound to a Broker.
type Server struct {
	echo   *echo.Echo
	broker *broker.Broker
	logger *zap.Logger
}

// New builds the admin HTTP surface: GET /healthz and GET /nodes. There is
// no separate services route; each node's advertised services are part of
// its /nodes entry.
func New(b *broker.Broker, logger *zap.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(otelecho.Middleware("molecule-broker"))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("admin HTTP request", zap.String("uri", v.URI), zap.Int("status", v.Status))
			return nil
		},
	}))
	e.Use(middleware.Recover())

	s := &Server{echo: e, broker: b, logger: logger}
	e.GET("/healthz", s.healthz)
	e.GET("/nodes", s.nodes)
	return s
}

// Start serves on addr; blocks until the server stops or errors.
func (s *Server) Start(addr string) error {
	s.logger.Info("admin HTTP server listening", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
		"nodeID": s.broker.NodeID(),
	})
}

func (s *Server) nodes(c echo.Context) error {
	nodes := s.broker.Services()
	out := make([]map[string]any, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, map[string]any{
			"id":        n.ID,
			"available": n.Available,
			"local":     n.Local,
			"services":  n.Services,
			"cpu":       n.CPU,
			"hostname":  n.Hostname,
			"seq":       n.Seq,
		})
	}
	return c.JSON(http.StatusOK, out)
}
