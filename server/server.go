// Package server exposes the gateway over HTTP: the paywalled routes plus
// health, metrics, and route discovery.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/artlu99/x402-gateway/gateway"
)

const shutdownGrace = 10 * time.Second

// Server binds the gateway to a gin engine.
type Server struct {
	engine *gin.Engine
	log    *zap.Logger
}

// cors applies the gateway's permissive CORS policy to every response,
// including preflights and 402s.
func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Payment-Signature, X-Payment, X-X402-Payer")
		c.Next()
	}
}

// New assembles the HTTP surface: one paywalled entry per configured route,
// health and metrics alongside.
func New(g *gateway.Gateway, log *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors())

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/v1/routes", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"routes": g.RouteSummaries()})
	})

	for _, route := range g.Routes.All() {
		handler := g.Paywall(route.Key)
		engine.Any(route.Path, handler)
		engine.Any(route.Path+"/*subpath", handler)
	}

	return &Server{engine: engine, log: log}
}

// Engine exposes the underlying gin engine for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Run serves until the context is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:    addr,
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("gateway listening", zap.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
