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
	"time"

	"github.com/zoubayerBS/messagis/pkg/bus"
	"github.com/zoubayerBS/messagis/pkg/chat"
)

func (e *Engine) refreshPresence(ctx context.Context) {
	members, err := e.bus.PresenceMembers(ctx, chat.PresenceChannel)
	if err != nil {
		e.log.Warn().Err(err).Msg("Presence roster fetch failed")
		return
	}
	e.mu.Lock()
	e.presence = make(map[string]struct{}, len(members))
	for _, member := range members {
		e.presence[member] = struct{}{}
	}
	e.mu.Unlock()
}

func (e *Engine) handlePresenceEvent(event bus.PresenceEvent) {
	e.mu.Lock()
	switch event.Action {
	case bus.PresenceEnter:
		e.presence[event.ClientID] = struct{}{}
	case bus.PresenceLeave:
		delete(e.presence, event.ClientID)
	}
	e.mu.Unlock()
}

// PartnerOnline reports the binary presence of a user, derived from the
// global roster. A user with any connected device counts as online.
func (e *Engine) PartnerOnline(userID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.presence[userID]
	return ok
}

// SendTyping publishes the local typing state to the open conversation's
// pair channel. Best effort, never durable.
func (e *Engine) SendTyping(ctx context.Context, typing bool) error {
	e.mu.Lock()
	partner := e.openPartner
	e.mu.Unlock()
	if partner == "" {
		return nil
	}
	event := chat.TypingEvent{SenderID: e.userID, Typing: typing}
	if err := e.bus.Publish(ctx, chat.ChatChannel(e.userID, partner), chat.EventTyping, event); err != nil {
		return &chat.DeliveryError{Channel: chat.ChatChannel(e.userID, partner), Err: err}
	}
	return nil
}

func (e *Engine) handleTypingEvent(ctx context.Context, payload json.RawMessage) {
	var event chat.TypingEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	// The pair channel also carries our own publishes, and a stale event
	// can arrive after switching threads. Only the open partner's state
	// is honored.
	if event.SenderID != e.openPartner {
		return
	}
	e.partnerTyping = event.Typing
	if e.typingTimer != nil {
		e.typingTimer.Stop()
		e.typingTimer = nil
	}
	if event.Typing {
		// The false event may never arrive; clear on a timer instead.
		partner := event.SenderID
		e.typingTimer = time.AfterFunc(e.cfg.TypingTimeout, func() {
			e.mu.Lock()
			if e.openPartner == partner {
				e.partnerTyping = false
			}
			e.mu.Unlock()
		})
	}
}

// PartnerTyping reports whether the open conversation's partner is
// currently typing.
func (e *Engine) PartnerTyping() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.partnerTyping
}
