// messagis - a direct-messaging chat app with an offline-first sync core.
// Copyright (C) 2025 messagis authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package bus is the delivery transport for realtime signals: new_message
// fan-out on personal channels, typing on conversation channels and the
// global presence roster. Delivery is at-least-once and unordered across
// channels; consumers must be idempotent and must not assume liveness.
package bus

import (
	"context"
	"encoding/json"
)

// Handler receives one event payload. It may be called multiple times for
// the same logical event.
type Handler func(ctx context.Context, payload json.RawMessage)

// Presence change actions.
const (
	PresenceEnter = "enter"
	PresenceLeave = "leave"
)

type PresenceEvent struct {
	Action   string `json:"action"`
	ClientID string `json:"clientId"`
}

type PresenceHandler func(ev PresenceEvent)

// Bus is the delivery transport contract. Implementations: the in-process
// Hub and the websocket Client connected to a hub served remotely.
type Bus interface {
	// Publish sends an event on a channel. Failures are DeliveryErrors:
	// callers log them and rely on the fallback poll, never crash.
	Publish(ctx context.Context, channel, event string, payload any) error
	// Subscribe registers a handler and returns its unsubscribe func.
	Subscribe(channel, event string, handler Handler) (func(), error)

	EnterPresence(ctx context.Context, channel, clientID string) error
	LeavePresence(ctx context.Context, channel, clientID string) error
	PresenceMembers(ctx context.Context, channel string) ([]string, error)
	OnPresence(channel string, handler PresenceHandler) (func(), error)

	// OnConnState fires with true on every (re)connect and false on drops.
	// The sync engine hooks fallback reconciliation here. Returns an
	// unregister func.
	OnConnState(fn func(connected bool)) func()

	Close() error
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return data, nil
}
