// messagis - a direct-messaging chat app with an offline-first sync core.
// Copyright (C) 2025 messagis authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package syncengine keeps the per-device local cache convergent with the
// server-of-record despite multiple uncoordinated update paths: optimistic
// local writes, delivery-bus events, push wake-ups and fallback polling.
// All of them funnel into the same idempotent reconciliation, so applying
// the same event twice leaves the cache unchanged.
package syncengine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zoubayerBS/messagis/pkg/bus"
	"github.com/zoubayerBS/messagis/pkg/cache"
	"github.com/zoubayerBS/messagis/pkg/chat"
	"github.com/zoubayerBS/messagis/pkg/store"
)

// Store is the persistent-store contract the engine depends on. Satisfied
// by *store.Store directly and by the REST client against a remote daemon.
type Store interface {
	CreateMessage(ctx context.Context, draft store.Draft) (*chat.Message, error)
	GetMessageByID(ctx context.Context, id string) (*chat.Message, error)
	GetMessages(ctx context.Context, viewerID, partnerID string, limit, offset int) ([]*chat.Message, error)
	MarkRead(ctx context.Context, id string) error
	MarkConversationRead(ctx context.Context, receiverID, senderID string) error
	EditMessage(ctx context.Context, id, newContent, editorID string) error
	DeleteMessage(ctx context.Context, id, requesterID string) error
	ToggleReaction(ctx context.Context, messageID, userID, emoji string) error
	TogglePin(ctx context.Context, userID, partnerID string) error
	ToggleArchive(ctx context.Context, userID, partnerID string) error
	ClearConversation(ctx context.Context, userID, partnerID string) error
	RecentChats(ctx context.Context, userID string) ([]*chat.ChatSummary, error)
	GetUser(ctx context.Context, uid string) (*chat.User, error)
}

// PushRequester asks the server side to consider a push for a freshly
// committed message. The decision (token known, receiver not present)
// lives with the push dispatcher, not here.
type PushRequester interface {
	RequestPush(ctx context.Context, msg *chat.Message)
}

// Toast is a transient in-app notification for a message outside the
// currently open thread.
type Toast struct {
	Title    string
	Body     string
	SenderID string
}

// Config carries the engine's timing knobs. Zero values get defaults.
type Config struct {
	// PollInterval is the fallback reconciliation cadence.
	PollInterval time.Duration
	// DedupWindow bounds how old an optimistic row may be and still match
	// an incoming own-echo. Bounded so an unrelated older identical
	// message can never match.
	DedupWindow time.Duration
	// TypingTimeout clears a stuck typing indicator when the explicit
	// isTyping:false event is lost.
	TypingTimeout time.Duration
	// RevealDuration is the ephemeral-message display window.
	RevealDuration time.Duration
	// ToastDuration is the in-app toast auto-dismiss delay.
	ToastDuration time.Duration
	// MessagePageSize is how many messages one fallback pull fetches.
	MessagePageSize int
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 10 * time.Second
	}
	if c.TypingTimeout <= 0 {
		c.TypingTimeout = 7 * time.Second
	}
	if c.RevealDuration <= 0 {
		c.RevealDuration = 5 * time.Second
	}
	if c.ToastDuration <= 0 {
		c.ToastDuration = 5 * time.Second
	}
	if c.MessagePageSize <= 0 {
		c.MessagePageSize = 50
	}
}

// Engine is one device's sync engine instance.
type Engine struct {
	userID string
	store  Store
	cache  *cache.Cache
	bus    bus.Bus
	push   PushRequester
	cfg    Config
	log    zerolog.Logger

	mu            sync.Mutex
	openPartner   string
	typingUnsub   func()
	partnerTyping bool
	typingTimer   *time.Timer
	presence      map[string]struct{}
	revealing     map[string]struct{}
	toast         *Toast
	toastTimer    *time.Timer
	onToast       func(*Toast)

	unsubs   []func()
	stopChan chan struct{}
	stopOnce sync.Once
	started  bool
}

// New wires an engine for one user. push may be nil when the server side
// dispatches pushes on its own.
func New(userID string, st Store, localCache *cache.Cache, deliveryBus bus.Bus, push PushRequester, cfg Config, log zerolog.Logger) *Engine {
	cfg.applyDefaults()
	return &Engine{
		userID:    userID,
		store:     st,
		cache:     localCache,
		bus:       deliveryBus,
		push:      push,
		cfg:       cfg,
		log:       log.With().Str("component", "sync_engine").Str("user_id", userID).Logger(),
		presence:  map[string]struct{}{},
		revealing: map[string]struct{}{},
		stopChan:  make(chan struct{}),
	}
}

// SetToastHandler registers the UI callback for transient notifications.
// Called with the toast to show, then nil when it auto-dismisses.
func (e *Engine) SetToastHandler(fn func(*Toast)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onToast = fn
}

// Start subscribes the personal channel, joins the global presence roster
// and launches the fallback poll loop. Every bus (re)connect triggers a
// full reconciliation pull, since delivery over the bus is not guaranteed.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	unsub, err := e.bus.Subscribe(chat.UserChannel(e.userID), chat.EventNewMessage, e.handleNewMessageEvent)
	if err != nil {
		return &chat.DeliveryError{Channel: chat.UserChannel(e.userID), Err: err}
	}
	e.addUnsub(unsub)

	unsub, err = e.bus.OnPresence(chat.PresenceChannel, e.handlePresenceEvent)
	if err != nil {
		return &chat.DeliveryError{Channel: chat.PresenceChannel, Err: err}
	}
	e.addUnsub(unsub)

	e.addUnsub(e.bus.OnConnState(func(connected bool) {
		if !connected {
			e.log.Warn().Msg("Bus disconnected, waiting for reconnect")
			return
		}
		// Reconnection re-enters presence inside the bus client; the
		// engine's job here is the reconciliation pull and a roster
		// refresh.
		e.log.Info().Msg("Bus connected, running fallback reconciliation")
		if err := e.bus.EnterPresence(context.Background(), chat.PresenceChannel, e.userID); err != nil {
			e.log.Warn().Err(err).Msg("Failed to enter presence")
		}
		e.refreshPresence(context.Background())
		e.Resync(context.Background())
	}))

	go e.pollLoop()
	return nil
}

// Stop halts the poll loop and releases subscriptions. Idempotent.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopChan)
	})
	_ = e.bus.LeavePresence(context.Background(), chat.PresenceChannel, e.userID)
	e.mu.Lock()
	unsubs := e.unsubs
	e.unsubs = nil
	if e.typingUnsub != nil {
		e.typingUnsub()
		e.typingUnsub = nil
	}
	if e.toastTimer != nil {
		e.toastTimer.Stop()
	}
	if e.typingTimer != nil {
		e.typingTimer.Stop()
	}
	e.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
}

func (e *Engine) addUnsub(unsub func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unsubs = append(e.unsubs, unsub)
}

func (e *Engine) pollLoop() {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.Resync(context.Background())
			pollCycles.Inc()
		case <-e.stopChan:
			return
		}
	}
}

// Resync is the fallback reconciliation path: a full chat-list pull plus,
// when a conversation is open, a message-window pull. Both merge through
// the same upserts as the event path, so it is safe to run at any time.
func (e *Engine) Resync(ctx context.Context) {
	if err := e.SyncChats(ctx); err != nil {
		e.log.Warn().Err(err).Msg("Chat list sync failed")
	}
	e.mu.Lock()
	partner := e.openPartner
	e.mu.Unlock()
	if partner != "" {
		if err := e.SyncMessages(ctx, partner); err != nil {
			e.log.Warn().Err(err).Str("partner_id", partner).Msg("Message sync failed")
		}
	}
}

// SyncMessages pulls the conversation window from the server and merges it
// into the local cache.
func (e *Engine) SyncMessages(ctx context.Context, partnerID string) error {
	msgs, err := e.store.GetMessages(ctx, e.userID, partnerID, e.cfg.MessagePageSize, 0)
	if err != nil {
		return err
	}
	if err = e.cache.BulkUpsertMessages(ctx, msgs); err != nil {
		return err
	}
	e.log.Debug().Int("count", len(msgs)).Str("partner_id", partnerID).Msg("Synced messages")
	return nil
}

// SyncChats pulls the chat list and replaces the local summaries.
func (e *Engine) SyncChats(ctx context.Context) error {
	summaries, err := e.store.RecentChats(ctx, e.userID)
	if err != nil {
		return err
	}
	for _, summary := range summaries {
		if err = e.cache.UpsertSummary(ctx, summary); err != nil {
			return err
		}
	}
	e.log.Debug().Int("count", len(summaries)).Msg("Synced recent chats")
	return nil
}

// OpenConversation marks a thread as actively viewed: toasts for it are
// suppressed, its typing channel is subscribed, and its window is synced.
func (e *Engine) OpenConversation(ctx context.Context, partnerID string) error {
	e.mu.Lock()
	if e.typingUnsub != nil {
		e.typingUnsub()
		e.typingUnsub = nil
	}
	e.openPartner = partnerID
	e.partnerTyping = false
	e.mu.Unlock()

	unsub, err := e.bus.Subscribe(chat.ChatChannel(e.userID, partnerID), chat.EventTyping, e.handleTypingEvent)
	if err != nil {
		e.log.Warn().Err(err).Msg("Typing subscription failed")
	} else {
		e.mu.Lock()
		e.typingUnsub = unsub
		e.mu.Unlock()
	}
	return e.SyncMessages(ctx, partnerID)
}

// CloseConversation leaves the thread: toasts resume for it.
func (e *Engine) CloseConversation() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.typingUnsub != nil {
		e.typingUnsub()
		e.typingUnsub = nil
	}
	e.openPartner = ""
	e.partnerTyping = false
}

// OpenPartner returns the currently open thread's partner id, if any.
func (e *Engine) OpenPartner() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.openPartner
}
