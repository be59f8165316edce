// messagis - a direct-messaging chat app with an offline-first sync core.
// Copyright (C) 2025 messagis authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/zoubayerBS/messagis/pkg/chat"
)

func (e *Engine) handleNewMessageEvent(ctx context.Context, payload json.RawMessage) {
	var event chat.MessageEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		e.log.Warn().Err(err).Msg("Dropping malformed message event")
		return
	}
	if err := e.ReconcileEvent(ctx, &event); err != nil {
		e.log.Warn().Err(err).Str("message_id", event.Message.ID).Msg("Reconciliation failed")
	}
}

// ReconcileEvent merges one incoming delivery event into the local cache.
// The same event may arrive more than once (bus redelivery, push plus bus,
// poll plus bus) and must converge to a single confirmed row.
func (e *Engine) ReconcileEvent(ctx context.Context, event *chat.MessageEvent) error {
	msg := event.Message

	// Hydration: media events carry no body. Pull it before merging, and
	// on failure skip the event entirely rather than cache a husk. The
	// fallback poll retries it.
	if event.FetchFullContent {
		full, err := e.store.GetMessageByID(ctx, msg.ID)
		if err != nil {
			reconciledEvents.WithLabelValues(outcomePullFailed).Inc()
			return &chat.PullError{MessageID: msg.ID, Err: err}
		}
		msg = *full
	}

	// Fast idempotence check by server id.
	if existing, err := e.cache.GetMessage(ctx, msg.ID); err == nil && existing != nil {
		if err = e.cache.UpsertMessage(ctx, &msg); err != nil {
			return err
		}
		reconciledEvents.WithLabelValues(outcomeRedelivered).Inc()
		return e.cache.ApplyMessageToSummary(ctx, e.userID, &msg, event.SenderUsername, event.SenderEmail, false)
	} else if err != nil && !errors.Is(err, chat.ErrNotFound) {
		return err
	}

	// Own echo: a message we sent comes back on our personal channel. If
	// a matching optimistic row is still pending, resolve it instead of
	// inserting a duplicate. Content matching is bounded by the dedup
	// window so an identical older message never collides.
	if msg.SenderID == e.userID {
		tempID, err := e.cache.FindRecentOptimistic(ctx, msg.SenderID, msg.ReceiverID, msg.Content, e.cfg.DedupWindow)
		if err != nil && !errors.Is(err, chat.ErrNotFound) {
			return err
		}
		if tempID != "" {
			if err = e.cache.ReplaceOptimistic(ctx, tempID, &msg); err != nil {
				return err
			}
			reconciledEvents.WithLabelValues(outcomeEchoMatched).Inc()
			return e.cache.ApplyMessageToSummary(ctx, e.userID, &msg, event.SenderUsername, event.SenderEmail, true)
		}
	}

	if err := e.cache.UpsertMessage(ctx, &msg); err != nil {
		return err
	}
	if err := e.cache.ApplyMessageToSummary(ctx, e.userID, &msg, event.SenderUsername, event.SenderEmail, true); err != nil {
		return err
	}
	reconciledEvents.WithLabelValues(outcomeInserted).Inc()

	e.maybeToast(&msg, event.SenderUsername, event.SenderEmail)
	return nil
}

// maybeToast shows a transient notification for an incoming message, but
// never for your own sends and never for the thread currently on screen.
func (e *Engine) maybeToast(msg *chat.Message, senderUsername, senderEmail string) {
	if msg.SenderID == e.userID {
		return
	}
	e.mu.Lock()
	if e.openPartner == msg.SenderID {
		e.mu.Unlock()
		return
	}
	sender := chat.User{UID: msg.SenderID, Username: senderUsername, Email: senderEmail}
	toast := &Toast{
		Title:    sender.DisplayName(),
		Body:     chat.Preview(msg.Type, msg.Content, 50),
		SenderID: msg.SenderID,
	}
	e.toast = toast
	if e.toastTimer != nil {
		e.toastTimer.Stop()
	}
	handler := e.onToast
	e.toastTimer = time.AfterFunc(e.cfg.ToastDuration, func() {
		e.mu.Lock()
		if e.toast == toast {
			e.toast = nil
		}
		fn := e.onToast
		e.mu.Unlock()
		if fn != nil {
			fn(nil)
		}
	})
	e.mu.Unlock()
	if handler != nil {
		handler(toast)
	}
}

// ActiveToast returns the currently displayed toast, or nil.
func (e *Engine) ActiveToast() *Toast {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.toast
}

// DismissToast clears the toast before its timer fires.
func (e *Engine) DismissToast() {
	e.mu.Lock()
	if e.toastTimer != nil {
		e.toastTimer.Stop()
	}
	e.toast = nil
	fn := e.onToast
	e.mu.Unlock()
	if fn != nil {
		fn(nil)
	}
}
