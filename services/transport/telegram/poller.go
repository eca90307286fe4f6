// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telegram

import (
	"context"
	"log/slog"
	"time"
)

const (
	// DefaultPollTimeout is the getUpdates long-poll timeout in seconds.
	DefaultPollTimeout = 30

	// DefaultErrorPause is how long the poller waits after a failed poll.
	DefaultErrorPause = 5 * time.Second
)

// UpdateSource is the inbound half of the Client.
type UpdateSource interface {
	GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error)
}

// Poller runs the getUpdates loop.
type Poller struct {
	source     UpdateSource
	dispatcher *Dispatcher
	timeout    int
	errorPause time.Duration
	logger     *slog.Logger
}

// NewPoller creates a Poller. timeout <= 0 uses DefaultPollTimeout and
// errorPause <= 0 uses DefaultErrorPause.
func NewPoller(source UpdateSource, dispatcher *Dispatcher, timeout int, errorPause time.Duration, logger *slog.Logger) *Poller {
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}
	if errorPause <= 0 {
		errorPause = DefaultErrorPause
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		source:     source,
		dispatcher: dispatcher,
		timeout:    timeout,
		errorPause: errorPause,
		logger:     logger,
	}
}

// Run polls until ctx is cancelled, then returns nil. Updates are
// dispatched in order and acknowledged by advancing the offset, whether or
// not the handler succeeded.
func (p *Poller) Run(ctx context.Context) error {
	var offset int64
	p.logger.Info("telegram polling started", "timeout_s", p.timeout)
	defer p.logger.Info("telegram polling stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		updates, err := p.source.GetUpdates(ctx, offset, p.timeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Warn("telegram poll failed", "error", err, "retry_in", p.errorPause)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.errorPause):
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			_ = p.dispatcher.Dispatch(ctx, u)
		}
	}
}
