// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/acrobot/pkg/logging"
	"github.com/AleutianAI/acrobot/services/acrobot"
	"github.com/AleutianAI/acrobot/services/acrobot/generation"
	"github.com/AleutianAI/acrobot/services/acrobot/queue"
	"github.com/AleutianAI/acrobot/services/config"
	"github.com/AleutianAI/acrobot/services/llm"
	"github.com/AleutianAI/acrobot/services/secrets"
	"github.com/AleutianAI/acrobot/services/telemetry"
	"github.com/AleutianAI/acrobot/services/transport/telegram"
)

// app holds everything both transports share.
type app struct {
	cfg        *config.Config
	configPath string
	logger     *logging.Logger
	log        *slog.Logger
	secrets    *secrets.Store
	engine     *acrobot.Engine
	bot        *telegram.Client
	dispatcher *telegram.Dispatcher

	shutdownTelemetry func(context.Context) error
}

// setup loads configuration and builds the engine and Telegram client.
//
// # Description
//
// Order matters: logging first so every later failure is logged in the
// configured format, then telemetry so the metrics instruments exist before
// the engine is built, then secrets, then the provider.
//
// # Outputs
//
//   - *app: Call close when done, even after run returns.
//   - error: Config, secret, or provider problems. Nothing is left running.
func setup(ctx context.Context, path, levelOverride string) (_ *app, err error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	levelName := cfg.Logging.Level
	if levelOverride != "" {
		levelName = levelOverride
	}
	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(logging.Config{
		Level:   level,
		Format:  cfg.Logging.Format,
		LogDir:  cfg.Logging.Dir,
		Service: "acrobot",
	})
	if err != nil {
		logger.Slog().Warn("log file disabled", "error", err)
	}
	slog.SetDefault(logger.Slog())

	a := &app{
		cfg:        cfg,
		configPath: path,
		logger:     logger,
		log:        logger.Slog(),
		secrets:    secrets.NewStore(),
	}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.shutdownTelemetry, err = telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	metrics, err := telemetry.NewMetrics(otel.Meter("acrobot"))
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	client, err := a.buildProvider(ctx)
	if err != nil {
		return nil, err
	}

	a.engine = acrobot.New(engineConfig(cfg), client,
		acrobot.WithLogger(a.log),
		acrobot.WithMetrics(metrics),
		acrobot.WithPipelineOptions(generation.WithBackoff(cfg.Model.Backoff())),
	)

	if err := a.secrets.LoadEnv(cfg.Telegram.TokenEnv); err != nil {
		return nil, fmt.Errorf("telegram token: %w", err)
	}
	token, err := a.secrets.Reveal(cfg.Telegram.TokenEnv)
	if err != nil {
		return nil, fmt.Errorf("telegram token: %w", err)
	}
	a.bot, err = telegram.New(token,
		telegram.WithAPIURL(cfg.Telegram.APIURL),
		telegram.WithSendRate(cfg.Telegram.SendRate, cfg.Telegram.SendBurst),
		telegram.WithLogger(a.log),
	)
	if err != nil {
		return nil, err
	}
	a.dispatcher = telegram.NewDispatcher(a.bot, a.engine, a.log)
	return a, nil
}

// buildProvider resolves model.use_config, seals its API key and builds the
// client.
func (a *app) buildProvider(ctx context.Context) (llm.LLMClient, error) {
	pc, err := a.cfg.Selected()
	if err != nil {
		return nil, err
	}
	if pc.APIKeyEnv != "" {
		if err := a.secrets.LoadEnv(pc.APIKeyEnv); err != nil {
			return nil, fmt.Errorf("provider %s: %w", a.cfg.Model.UseConfig, err)
		}
		if pc.APIKey, err = a.secrets.Reveal(pc.APIKeyEnv); err != nil {
			return nil, fmt.Errorf("provider %s: %w", a.cfg.Model.UseConfig, err)
		}
	}
	client, err := llm.Build(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", a.cfg.Model.UseConfig, err)
	}
	a.log.Info("model provider ready",
		"config", a.cfg.Model.UseConfig,
		"provider", client.Name(),
		"retries", a.cfg.Model.Retries)
	return client, nil
}

func engineConfig(cfg *config.Config) acrobot.Config {
	return acrobot.Config{
		MaxHistory:       cfg.Acrobot.MaxHistory,
		MaxCalls:         cfg.Acrobot.MaxCalls,
		MaxWordLength:    cfg.Acrobot.MaxWordLength,
		ThrottleInterval: cfg.Acrobot.Throttle(),
		Retries:          cfg.Model.Retries,
		Keywords:         cfg.Acrobot.Keywords,
	}
}

// run drives the engine and transport until ctx is cancelled or the
// transport fails, then drains the queue.
//
// The queue loop runs on a context that outlives ctx so that tasks queued
// before the signal still get their replies. It is cancelled only after
// Shutdown returns, whether or not the drain finished in time.
func (a *app) run(ctx context.Context, transport func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)

	loopCtx, cancelLoop := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelLoop()

	g.Go(func() error {
		err := a.engine.Run(loopCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		return transport(gctx)
	})

	g.Go(func() error {
		err := config.Watch(gctx, a.configPath, config.DefaultDebounce, a.reload)
		if err != nil {
			a.log.Warn("config watch disabled", "error", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("shutting down", "queued", a.engine.QueueLen())
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), queue.DefaultShutdownTimeout)
		defer cancel()
		err := a.engine.Shutdown(shutdownCtx)
		if err != nil {
			a.log.Warn("queue did not drain", "error", err)
		}
		cancelLoop()
		return nil
	})

	return g.Wait()
}

// reload applies the parts of a changed config that are safe to swap live.
func (a *app) reload(cfg *config.Config) {
	a.engine.Keywords().Replace(cfg.Acrobot.Keywords...)
	a.log.Info("keywords reloaded", "count", a.engine.Keywords().Len())
}

func (a *app) close() {
	if a.shutdownTelemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.shutdownTelemetry(ctx); err != nil {
			a.log.Warn("telemetry shutdown", "error", err)
		}
		cancel()
	}
	secrets.Purge()
	if err := a.logger.Close(); err != nil {
		slog.Warn("closing log file", "error", err)
	}
}
