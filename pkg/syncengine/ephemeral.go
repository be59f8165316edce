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
	"time"

	"github.com/zoubayerBS/messagis/pkg/cache"
	"github.com/zoubayerBS/messagis/pkg/chat"
)

// RevealState is the recipient-side lifecycle of a self-destructing
// message. Hidden until tapped, Revealing for one bounded window, then
// Consumed forever. There is no path back.
type RevealState int

const (
	RevealHidden RevealState = iota
	RevealRevealing
	RevealConsumed
)

func (s RevealState) String() string {
	switch s {
	case RevealHidden:
		return "hidden"
	case RevealRevealing:
		return "revealing"
	case RevealConsumed:
		return "consumed"
	default:
		return "unknown"
	}
}

// Reveal consumes a self-destructing message. The durable read flip
// happens before the content is ever shown, so a crash mid-reveal errs
// on the side of the message staying consumed. Plain messages reject.
func (e *Engine) Reveal(ctx context.Context, messageID string) error {
	row, err := e.cache.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if row.Deleted {
		return chat.ErrMessageDeleted
	}
	if !row.SelfDestructing {
		return &chat.AuthorizationError{Reason: "message is not self-destructing"}
	}
	if row.SenderID == e.userID {
		return &chat.AuthorizationError{Reason: "sender cannot reveal own self-destructing message"}
	}
	if row.Read {
		return chat.ErrExpired
	}

	// Consume durably first. If this fails the message stays sealed and
	// the user can tap again.
	if err = e.store.MarkRead(ctx, messageID); err != nil {
		return &chat.PersistenceError{Op: "mark read", Err: err}
	}
	row.Read = true
	if err = e.cache.UpsertMessage(ctx, &row.Message); err != nil {
		e.log.Error().Err(err).Str("message_id", messageID).Msg("Failed to mirror reveal locally")
	}

	e.mu.Lock()
	e.revealing[messageID] = struct{}{}
	e.mu.Unlock()
	e.log.Debug().Str("message_id", messageID).Msg("Revealing self-destructing message")

	time.AfterFunc(e.cfg.RevealDuration, func() {
		e.mu.Lock()
		delete(e.revealing, messageID)
		e.mu.Unlock()
	})
	return nil
}

// Revealing reports whether the message is inside its display window.
func (e *Engine) Revealing(messageID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.revealing[messageID]
	return ok
}

// StateOf classifies a cached self-destructing message for rendering.
// For plain messages the answer is always Revealing (content is simply
// shown).
func (e *Engine) StateOf(row *cache.Row) RevealState {
	if !row.SelfDestructing {
		return RevealRevealing
	}
	if e.Revealing(row.ID) {
		return RevealRevealing
	}
	if row.Read {
		return RevealConsumed
	}
	return RevealHidden
}
