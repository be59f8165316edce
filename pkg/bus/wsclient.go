package bus

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/zoubayerBS/messagis/pkg/chat"
)

const (
	reconnectMinDelay = time.Second
	reconnectMaxDelay = 30 * time.Second
	membersTimeout    = 10 * time.Second
)

type clientSub struct {
	channel string
	event   string
	handler Handler
}

type clientWatch struct {
	channel string
	handler PresenceHandler
}

// Client is the device-side bus: a websocket connection to the hub server
// that transparently reconnects with backoff, re-establishing every
// subscription and presence entry after each reconnect. Connection state
// is not assumed durable across drops.
type Client struct {
	serverURL string
	token     string
	log       zerolog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	subs      map[int]*clientSub
	watches   map[int]*clientWatch
	presence  map[string]map[string]struct{}
	connSubs  map[int]func(bool)
	pending   map[int64]chan []string
	nextID    int
	nextReqID int64
	closed    bool
	stop      chan struct{}
	stateCh   chan bool
}

var _ Bus = (*Client)(nil)

// Dial starts the client. The first connection attempt happens in the
// background; OnConnState reports when it lands.
func Dial(serverURL, token string, log zerolog.Logger) *Client {
	c := &Client{
		serverURL: serverURL,
		token:     token,
		log:       log.With().Str("component", "bus_client").Logger(),
		subs:      map[int]*clientSub{},
		watches:   map[int]*clientWatch{},
		presence:  map[string]map[string]struct{}{},
		connSubs:  map[int]func(bool){},
		pending:   map[int64]chan []string{},
		stop:      make(chan struct{}),
		stateCh:   make(chan bool, 8),
	}
	go c.connStateLoop()
	go c.run()
	return c
}

// connStateLoop dispatches connection-state callbacks off the run
// goroutine, in order. Handlers may block on bus round trips (the sync
// engine fetches the presence roster on connect), and those replies are
// served by the read loop, which must keep running meanwhile.
func (c *Client) connStateLoop() {
	for {
		select {
		case <-c.stop:
			return
		case connected := <-c.stateCh:
			c.notifyConnState(connected)
		}
	}
}

func (c *Client) queueConnState(connected bool) {
	select {
	case c.stateCh <- connected:
	case <-c.stop:
	}
}

func (c *Client) run() {
	delay := reconnectMinDelay
	for {
		select {
		case <-c.stop:
			return
		default:
		}

		conn, err := c.dial()
		if err != nil {
			c.log.Warn().Err(err).Dur("retry_in", delay).Msg("Bus dial failed")
			select {
			case <-c.stop:
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, reconnectMaxDelay)
			continue
		}
		delay = reconnectMinDelay

		c.mu.Lock()
		c.conn = conn
		c.connected = true
		c.mu.Unlock()
		c.restoreState()
		c.queueConnState(true)
		c.log.Info().Msg("Bus connected")

		c.readLoop(conn)

		c.mu.Lock()
		c.conn = nil
		c.connected = false
		closed := c.closed
		c.mu.Unlock()
		c.queueConnState(false)
		if closed {
			return
		}
		c.log.Warn().Msg("Bus connection lost, reconnecting")
	}
}

func (c *Client) dial() (*websocket.Conn, error) {
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("token", c.token)
	u.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, u.String(), nil)
	return conn, err
}

// restoreState replays subscriptions, presence watches and presence
// entries after a (re)connect.
func (c *Client) restoreState() {
	c.mu.Lock()
	frames := make([]frame, 0, len(c.subs)+len(c.watches)+len(c.presence))
	seen := map[string]struct{}{}
	for _, sub := range c.subs {
		key := sub.channel + "|" + sub.event
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		frames = append(frames, frame{Action: actionSubscribe, Channel: sub.channel, Event: sub.event})
	}
	for _, watch := range c.watches {
		key := "watch|" + watch.channel
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		frames = append(frames, frame{Action: actionPresenceWatch, Channel: watch.channel})
	}
	for channel, clients := range c.presence {
		for clientID := range clients {
			frames = append(frames, frame{Action: actionPresenceEnter, Channel: channel, ClientID: clientID})
		}
	}
	c.mu.Unlock()
	for _, f := range frames {
		if err := c.write(f); err != nil {
			c.log.Warn().Err(err).Msg("Failed to restore bus state")
			return
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var f frame
		if err := wsjson.Read(context.Background(), conn, &f); err != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
			return
		}
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f frame) {
	switch f.Action {
	case actionEvent:
		c.mu.Lock()
		handlers := make([]Handler, 0, 2)
		for _, sub := range c.subs {
			if sub.channel == f.Channel && sub.event == f.Event {
				handlers = append(handlers, sub.handler)
			}
		}
		c.mu.Unlock()
		for _, handler := range handlers {
			handler(context.Background(), f.Payload)
		}
	case actionPresence:
		c.mu.Lock()
		handlers := make([]PresenceHandler, 0, 2)
		for _, watch := range c.watches {
			if watch.channel == f.Channel {
				handlers = append(handlers, watch.handler)
			}
		}
		c.mu.Unlock()
		for _, handler := range handlers {
			handler(PresenceEvent{Action: f.Event, ClientID: f.ClientID})
		}
	case actionMembers:
		c.mu.Lock()
		ch := c.pending[f.ReqID]
		delete(c.pending, f.ReqID)
		c.mu.Unlock()
		if ch != nil {
			ch <- f.Members
		}
	}
}

func (c *Client) write(f frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}
	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return wsjson.Write(writeCtx, conn, f)
}

func (c *Client) Publish(ctx context.Context, channel, event string, payload any) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return &chat.DeliveryError{Channel: channel, Err: err}
	}
	if err = c.write(frame{Action: actionPublish, Channel: channel, Event: event, Payload: raw}); err != nil {
		return &chat.DeliveryError{Channel: channel, Err: err}
	}
	return nil
}

func (c *Client) Subscribe(channel, event string, handler Handler) (func(), error) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	first := true
	for _, sub := range c.subs {
		if sub.channel == channel && sub.event == event {
			first = false
			break
		}
	}
	c.subs[id] = &clientSub{channel: channel, event: event, handler: handler}
	connected := c.connected
	c.mu.Unlock()

	if first && connected {
		if err := c.write(frame{Action: actionSubscribe, Channel: channel, Event: event}); err != nil {
			c.log.Warn().Err(err).Str("channel", channel).Msg("Subscribe send failed, will retry on reconnect")
		}
	}
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		last := true
		for _, sub := range c.subs {
			if sub.channel == channel && sub.event == event {
				last = false
				break
			}
		}
		connected := c.connected
		c.mu.Unlock()
		if last && connected {
			_ = c.write(frame{Action: actionUnsubscribe, Channel: channel, Event: event})
		}
	}, nil
}

func (c *Client) EnterPresence(ctx context.Context, channel, clientID string) error {
	c.mu.Lock()
	if c.presence[channel] == nil {
		c.presence[channel] = map[string]struct{}{}
	}
	c.presence[channel][clientID] = struct{}{}
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		// Queued: restoreState enters it on the next connect.
		return nil
	}
	if err := c.write(frame{Action: actionPresenceEnter, Channel: channel, ClientID: clientID}); err != nil {
		return &chat.DeliveryError{Channel: channel, Err: err}
	}
	return nil
}

func (c *Client) LeavePresence(ctx context.Context, channel, clientID string) error {
	c.mu.Lock()
	delete(c.presence[channel], clientID)
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return nil
	}
	if err := c.write(frame{Action: actionPresenceLeave, Channel: channel, ClientID: clientID}); err != nil {
		return &chat.DeliveryError{Channel: channel, Err: err}
	}
	return nil
}

func (c *Client) PresenceMembers(ctx context.Context, channel string) ([]string, error) {
	c.mu.Lock()
	c.nextReqID++
	reqID := c.nextReqID
	ch := make(chan []string, 1)
	c.pending[reqID] = ch
	c.mu.Unlock()

	if err := c.write(frame{Action: actionPresenceMembers, Channel: channel, ReqID: reqID}); err != nil {
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
		return nil, &chat.DeliveryError{Channel: channel, Err: err}
	}
	select {
	case members := <-ch:
		return members, nil
	case <-time.After(membersTimeout):
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
		return nil, &chat.DeliveryError{Channel: channel, Err: errors.New("presence members timeout")}
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (c *Client) OnPresence(channel string, handler PresenceHandler) (func(), error) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	first := true
	for _, watch := range c.watches {
		if watch.channel == channel {
			first = false
			break
		}
	}
	c.watches[id] = &clientWatch{channel: channel, handler: handler}
	connected := c.connected
	c.mu.Unlock()
	if first && connected {
		if err := c.write(frame{Action: actionPresenceWatch, Channel: channel}); err != nil {
			c.log.Warn().Err(err).Str("channel", channel).Msg("Presence watch send failed, will retry on reconnect")
		}
	}
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.watches, id)
	}, nil
}

func (c *Client) OnConnState(fn func(connected bool)) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.connSubs[id] = fn
	connected := c.connected
	c.mu.Unlock()
	if connected {
		fn(true)
	}
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.connSubs, id)
	}
}

func (c *Client) notifyConnState(connected bool) {
	c.mu.Lock()
	fns := make([]func(bool), 0, len(c.connSubs))
	for _, fn := range c.connSubs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(connected)
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()
	close(c.stop)
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "bye")
	}
	return nil
}
