package bus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/zoubayerBS/messagis/pkg/chat"
)

// subscriber delivers events through a buffered channel with drop-on-full,
// so one slow consumer can never block the hub.
type subscriber struct {
	ch   chan json.RawMessage
	done chan struct{}
}

// Hub is the in-process delivery bus. It backs the websocket server and is
// used directly in tests and single-process deployments.
type Hub struct {
	mu           sync.RWMutex
	subs         map[string]map[string]map[int]*subscriber
	presence     map[string]map[string]struct{}
	presenceSubs map[string]map[int]PresenceHandler
	connSubs     map[int]func(bool)
	nextID       int
	closed       bool

	// dropPublishes simulates a bus outage: publishes are accepted and
	// discarded, exactly what a client sees when delivery silently fails.
	dropPublishes bool
}

var _ Bus = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{
		subs:         map[string]map[string]map[int]*subscriber{},
		presence:     map[string]map[string]struct{}{},
		presenceSubs: map[string]map[int]PresenceHandler{},
		connSubs:     map[int]func(bool){},
	}
}

func (h *Hub) Publish(ctx context.Context, channel, event string, payload any) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return &chat.DeliveryError{Channel: channel, Err: err}
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.dropPublishes {
		publishedEvents.WithLabelValues(event).Inc()
		droppedEvents.WithLabelValues(event).Inc()
		return nil
	}
	publishedEvents.WithLabelValues(event).Inc()
	for _, sub := range h.subs[channel][event] {
		select {
		case sub.ch <- raw:
			deliveredEvents.WithLabelValues(event).Inc()
		default:
			droppedEvents.WithLabelValues(event).Inc()
		}
	}
	return nil
}

func (h *Hub) Subscribe(channel, event string, handler Handler) (func(), error) {
	sub := &subscriber{
		ch:   make(chan json.RawMessage, 64),
		done: make(chan struct{}),
	}
	go func() {
		for {
			select {
			case <-sub.done:
				return
			case raw := <-sub.ch:
				handler(context.Background(), raw)
			}
		}
	}()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	if h.subs[channel] == nil {
		h.subs[channel] = map[string]map[int]*subscriber{}
	}
	if h.subs[channel][event] == nil {
		h.subs[channel][event] = map[int]*subscriber{}
	}
	h.subs[channel][event][id] = sub

	return func() {
		h.mu.Lock()
		if subs := h.subs[channel][event]; subs != nil {
			delete(subs, id)
		}
		h.mu.Unlock()
		close(sub.done)
	}, nil
}

func (h *Hub) EnterPresence(ctx context.Context, channel, clientID string) error {
	h.mu.Lock()
	if h.presence[channel] == nil {
		h.presence[channel] = map[string]struct{}{}
	}
	_, already := h.presence[channel][clientID]
	h.presence[channel][clientID] = struct{}{}
	handlers := h.presenceHandlers(channel)
	h.mu.Unlock()

	presenceMembers.WithLabelValues(channel).Set(float64(h.memberCount(channel)))
	if !already {
		for _, handler := range handlers {
			handler(PresenceEvent{Action: PresenceEnter, ClientID: clientID})
		}
	}
	return nil
}

func (h *Hub) LeavePresence(ctx context.Context, channel, clientID string) error {
	h.mu.Lock()
	_, present := h.presence[channel][clientID]
	delete(h.presence[channel], clientID)
	handlers := h.presenceHandlers(channel)
	h.mu.Unlock()

	presenceMembers.WithLabelValues(channel).Set(float64(h.memberCount(channel)))
	if present {
		for _, handler := range handlers {
			handler(PresenceEvent{Action: PresenceLeave, ClientID: clientID})
		}
	}
	return nil
}

func (h *Hub) presenceHandlers(channel string) []PresenceHandler {
	handlers := make([]PresenceHandler, 0, len(h.presenceSubs[channel]))
	for _, handler := range h.presenceSubs[channel] {
		handlers = append(handlers, handler)
	}
	return handlers
}

func (h *Hub) memberCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.presence[channel])
}

func (h *Hub) PresenceMembers(ctx context.Context, channel string) ([]string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	members := make([]string, 0, len(h.presence[channel]))
	for clientID := range h.presence[channel] {
		members = append(members, clientID)
	}
	return members, nil
}

func (h *Hub) OnPresence(channel string, handler PresenceHandler) (func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	if h.presenceSubs[channel] == nil {
		h.presenceSubs[channel] = map[int]PresenceHandler{}
	}
	h.presenceSubs[channel][id] = handler
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.presenceSubs[channel], id)
	}, nil
}

func (h *Hub) OnConnState(fn func(connected bool)) func() {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.connSubs[id] = fn
	h.mu.Unlock()
	// The in-process hub is connected from the start.
	fn(true)
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.connSubs, id)
	}
}

func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, events := range h.subs {
		for _, subs := range events {
			for id, sub := range subs {
				close(sub.done)
				delete(subs, id)
			}
		}
	}
	return nil
}

// SetDropPublishes toggles outage simulation (tests only).
func (h *Hub) SetDropPublishes(drop bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropPublishes = drop
}

// SimulateReconnect fires the disconnected/connected callbacks, the same
// sequence a websocket client sees after a drop.
func (h *Hub) SimulateReconnect() {
	h.mu.RLock()
	fns := make([]func(bool), 0, len(h.connSubs))
	for _, fn := range h.connSubs {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()
	for _, fn := range fns {
		fn(false)
	}
	for _, fn := range fns {
		fn(true)
	}
}
