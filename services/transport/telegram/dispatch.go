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
	"strings"

	"github.com/AleutianAI/acrobot/services/acrobot"
)

// Handler receives decoded chat events. *acrobot.Engine satisfies it.
type Handler interface {
	HandleIncoming(ctx context.Context, ev acrobot.Event) error
}

// MessageSender is the outbound half of the Client.
type MessageSender interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// chatSink replies into one chat.
type chatSink struct {
	sender MessageSender
	chatID int64
}

func (s chatSink) Send(ctx context.Context, text string) error {
	return s.sender.SendMessage(ctx, s.chatID, text)
}

// Dispatcher converts updates into events and hands them to a Handler.
type Dispatcher struct {
	sender  MessageSender
	handler Handler
	logger  *slog.Logger
}

// NewDispatcher wires sender for replies and handler for events. A nil
// logger means slog.Default().
func NewDispatcher(sender MessageSender, handler Handler, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{sender: sender, handler: handler, logger: logger}
}

// EventFromUpdate builds the event for u. ok is false for updates without
// usable text.
func EventFromUpdate(u Update, reply acrobot.ReplySink) (ev acrobot.Event, ok bool) {
	msg := u.Message
	if msg == nil || strings.TrimSpace(msg.Text) == "" {
		return acrobot.Event{}, false
	}
	ev.Reply = reply
	if cmd, isCmd := acrobot.ParseCommand(msg.Text); isCmd {
		ev.Command = &cmd
		return ev, true
	}
	ev.Message = &acrobot.Incoming{Sender: msg.SenderName(), Text: msg.Text}
	return ev, true
}

// Dispatch handles one update. Handler errors are logged and returned.
func (d *Dispatcher) Dispatch(ctx context.Context, u Update) error {
	var reply acrobot.ReplySink
	if u.Message != nil {
		reply = chatSink{sender: d.sender, chatID: u.Message.Chat.ID}
	}
	ev, ok := EventFromUpdate(u, reply)
	if !ok {
		d.logger.Debug("ignoring update", "update_id", u.UpdateID)
		return nil
	}
	if err := d.handler.HandleIncoming(ctx, ev); err != nil {
		d.logger.Error("handling update failed",
			"update_id", u.UpdateID,
			"chat_id", u.Message.Chat.ID,
			"error", err)
		return err
	}
	return nil
}
