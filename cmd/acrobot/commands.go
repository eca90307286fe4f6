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
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/acrobot/services/transport/telegram"
	"github.com/AleutianAI/acrobot/services/transport/webhook"
)

// --- Global Command Variables ---
var (
	configPath string
	logLevel   string

	webhookPort   int
	webhookAddr   string
	webhookURL    string
	webhookSecret string

	rootCmd = &cobra.Command{
		Use:   "acrobot",
		Short: "Acronym chat bot for Telegram",
		Long: `acrobot turns words into acronyms with an LLM, using the recent
chat history as context. Without a subcommand it runs in polling mode.`,
		SilenceUsage: true,
		RunE:         runPoll,
	}

	pollCmd = &cobra.Command{
		Use:     "poll",
		Aliases: []string{"polling"},
		Short:   "Run with Telegram long polling",
		Args:    cobra.NoArgs,
		RunE:    runPoll,
	}

	// webhookCmd serves Telegram deliveries over HTTP.
	//
	// # Examples
	//
	//	acrobot webhook -p 8443 -w https://bot.example.com/
	//	acrobot webhook -p 8443 -a 127.0.0.1 --secret-token "$SECRET"
	webhookCmd = &cobra.Command{
		Use:   "webhook",
		Short: "Run an HTTP server for Telegram webhook deliveries",
		Args:  cobra.NoArgs,
		RunE:  runWebhook,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config.yaml")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (DEBUG, INFO, WARN, ERROR)")

	webhookCmd.Flags().IntVarP(&webhookPort, "port", "p", 0, "listening port")
	webhookCmd.Flags().StringVarP(&webhookAddr, "addr", "a", "0.0.0.0", "listening address")
	webhookCmd.Flags().StringVarP(&webhookURL, "webhook-url", "w", os.Getenv("webhook_url"), "public URL to register with Telegram")
	webhookCmd.Flags().StringVar(&webhookSecret, "secret-token", "", "secret Telegram must echo on every delivery")
	_ = webhookCmd.MarkFlagRequired("port")

	rootCmd.AddCommand(pollCmd, webhookCmd)
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runPoll(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	a, err := setup(ctx, configPath, logLevel)
	if err != nil {
		return err
	}
	defer a.close()

	poller := telegram.NewPoller(a.bot, a.dispatcher, a.cfg.Telegram.PollTimeout, 0, a.log)
	return a.run(ctx, func(ctx context.Context) error {
		if err := a.bot.DeleteWebhook(ctx); err != nil {
			a.log.Warn("could not clear webhook before polling", "error", err)
		}
		return poller.Run(ctx)
	})
}

func runWebhook(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	a, err := setup(ctx, configPath, logLevel)
	if err != nil {
		return err
	}
	defer a.close()

	server := webhook.New(webhook.Config{
		Addr:        webhookAddr,
		Port:        webhookPort,
		SecretToken: webhookSecret,
		ServiceName: a.cfg.Telemetry.ServiceName,
	}, a.dispatcher, a.log)

	return a.run(ctx, func(ctx context.Context) error {
		if webhookURL != "" {
			if err := a.bot.SetWebhook(ctx, webhookURL, webhookSecret); err != nil {
				return err
			}
			a.log.Info("webhook registered", "url", webhookURL)
		}
		return server.Run(ctx)
	})
}
