// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package webhook serves Telegram webhook deliveries over HTTP with gin.
//
// Routes:
//
//	POST /         Telegram update delivery
//	GET  /health   liveness
//	GET  /metrics  Prometheus scrape endpoint
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/acrobot/services/telemetry"
	"github.com/AleutianAI/acrobot/services/transport/telegram"
)

// SecretHeader carries the secret_token given to setWebhook.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// Dispatcher consumes decoded updates. *telegram.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, u telegram.Update) error
}

// Config configures the listener.
type Config struct {
	// Addr is the listen address, e.g. "0.0.0.0".
	Addr string
	Port int
	// SecretToken, when set, must match SecretHeader on every delivery.
	SecretToken string
	// ServiceName labels the otelgin spans.
	ServiceName string
	// MetricsHandler overrides the /metrics handler.
	MetricsHandler http.Handler
}

// Server is the webhook HTTP server.
type Server struct {
	cfg        Config
	dispatcher Dispatcher
	router     *gin.Engine
	logger     *slog.Logger
}

// New builds the router. A nil logger means slog.Default().
func New(cfg Config, dispatcher Dispatcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "acrobot"
	}
	if cfg.MetricsHandler == nil {
		cfg.MetricsHandler = telemetry.MetricsHandler()
	}

	s := &Server{cfg: cfg, dispatcher: dispatcher, logger: logger}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.POST("/", SecretTokenMiddleware(cfg.SecretToken, logger), s.handleUpdate)
	router.GET("/health", handleHealth)
	router.GET("/metrics", gin.WrapH(cfg.MetricsHandler))
	s.router = router
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run listens until ctx is cancelled, then shuts the HTTP server down
// gracefully. It returns nil after a clean shutdown.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Addr, strconv.Itoa(s.cfg.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("webhook server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("webhook shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("webhook server: %w", err)
	}
	s.logger.Info("webhook server stopped")
	return nil
}

func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleUpdate answers 200 for every decodable update, including ones the
// handler failed on, so Telegram does not redeliver them.
func (s *Server) handleUpdate(c *gin.Context) {
	var update telegram.Update
	if err := c.ShouldBindJSON(&update); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid update payload"})
		return
	}

	if err := s.dispatcher.Dispatch(c.Request.Context(), update); err != nil {
		s.logger.Warn("webhook update not handled", "update_id", update.UpdateID, "error", err)
	}
	c.Status(http.StatusOK)
}
