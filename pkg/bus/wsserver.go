package bus

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// frame is the wire format between the hub server and websocket clients.
type frame struct {
	Action   string          `json:"action"`
	Channel  string          `json:"channel,omitempty"`
	Event    string          `json:"event,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	ClientID string          `json:"clientId,omitempty"`
	Members  []string        `json:"members,omitempty"`
	ReqID    int64           `json:"reqId,omitempty"`
}

// Client -> server actions.
const (
	actionPublish         = "publish"
	actionSubscribe       = "subscribe"
	actionUnsubscribe     = "unsubscribe"
	actionPresenceEnter   = "presence_enter"
	actionPresenceLeave   = "presence_leave"
	actionPresenceMembers = "presence_members"
	actionPresenceWatch   = "presence_watch"
)

// Server -> client actions.
const (
	actionEvent    = "event"
	actionPresence = "presence"
	actionMembers  = "members"
)

// TokenClaims is the bus access token payload, minted by the daemon's
// token endpoint (the equivalent of the original realtime auth route).
type TokenClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// MintToken issues a short-lived bus access token for a user.
func MintToken(secret, userID string, ttl time.Duration) (string, error) {
	claims := TokenClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken validates a bus token and returns the user id it was minted
// for.
func ParseToken(secret, tokenStr string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &TokenClaims{}, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}
	claims := token.Claims.(*TokenClaims)
	return claims.UserID, nil
}

// Server exposes a Hub over websocket connections.
type Server struct {
	Hub       *Hub
	JWTSecret string
	// InsecureSkipVerify bypasses origin checks (dev only).
	InsecureSkipVerify bool
	Log                zerolog.Logger
}

type wsConn struct {
	conn   *websocket.Conn
	send   chan frame
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	unsubs   map[string]func() // per (channel|event) hub subscription
	watches  map[string]func() // per channel presence watch
	presence map[string]map[string]struct{}
}

// Handle upgrades the request and services bus frames until disconnect.
// Browser websockets cannot set Authorization headers, so the token rides
// in the query string.
func (s *Server) Handle(c *gin.Context) {
	tokenStr := c.Query("token")
	if tokenStr == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "missing token"})
		return
	}
	userID, err := ParseToken(s.JWTSecret, tokenStr)
	if err != nil || userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "invalid token"})
		return
	}

	opts := &websocket.AcceptOptions{InsecureSkipVerify: s.InsecureSkipVerify}
	conn, err := websocket.Accept(c.Writer, c.Request, opts)
	if err != nil {
		return // Accept already wrote the error response
	}
	log := s.Log.With().Str("user_id", userID).Logger()
	log.Info().Msg("Bus client connected")

	ctx, cancel := context.WithCancel(context.Background())
	wc := &wsConn{
		conn:     conn,
		send:     make(chan frame, 64),
		ctx:      ctx,
		cancel:   cancel,
		unsubs:   map[string]func(){},
		watches:  map[string]func(){},
		presence: map[string]map[string]struct{}{},
	}
	go wc.writeLoop()
	defer s.teardown(wc, log)

	for {
		var f frame
		if err = wsjson.Read(ctx, conn, &f); err != nil {
			log.Debug().Err(err).Msg("Bus client read ended")
			return
		}
		s.handleFrame(ctx, wc, f, log)
	}
}

func (s *Server) handleFrame(ctx context.Context, wc *wsConn, f frame, log zerolog.Logger) {
	switch f.Action {
	case actionPublish:
		if err := s.Hub.Publish(ctx, f.Channel, f.Event, f.Payload); err != nil {
			log.Warn().Err(err).Str("channel", f.Channel).Msg("Publish relay failed")
		}
	case actionSubscribe:
		key := f.Channel + "|" + f.Event
		wc.mu.Lock()
		defer wc.mu.Unlock()
		if _, exists := wc.unsubs[key]; exists {
			return
		}
		channel, event := f.Channel, f.Event
		unsub, _ := s.Hub.Subscribe(channel, event, func(_ context.Context, payload json.RawMessage) {
			wc.trySend(frame{Action: actionEvent, Channel: channel, Event: event, Payload: payload})
		})
		wc.unsubs[key] = unsub
	case actionUnsubscribe:
		key := f.Channel + "|" + f.Event
		wc.mu.Lock()
		defer wc.mu.Unlock()
		if unsub := wc.unsubs[key]; unsub != nil {
			unsub()
			delete(wc.unsubs, key)
		}
	case actionPresenceEnter:
		wc.mu.Lock()
		if wc.presence[f.Channel] == nil {
			wc.presence[f.Channel] = map[string]struct{}{}
		}
		wc.presence[f.Channel][f.ClientID] = struct{}{}
		wc.mu.Unlock()
		_ = s.Hub.EnterPresence(ctx, f.Channel, f.ClientID)
	case actionPresenceLeave:
		wc.mu.Lock()
		delete(wc.presence[f.Channel], f.ClientID)
		wc.mu.Unlock()
		_ = s.Hub.LeavePresence(ctx, f.Channel, f.ClientID)
	case actionPresenceMembers:
		members, _ := s.Hub.PresenceMembers(ctx, f.Channel)
		wc.trySend(frame{Action: actionMembers, Channel: f.Channel, Members: members, ReqID: f.ReqID})
	case actionPresenceWatch:
		wc.mu.Lock()
		defer wc.mu.Unlock()
		if _, exists := wc.watches[f.Channel]; exists {
			return
		}
		channel := f.Channel
		unwatch, _ := s.Hub.OnPresence(channel, func(ev PresenceEvent) {
			wc.trySend(frame{Action: actionPresence, Channel: channel, Event: ev.Action, ClientID: ev.ClientID})
		})
		wc.watches[channel] = unwatch
	default:
		log.Warn().Str("action", f.Action).Msg("Unknown bus frame action")
	}
}

func (wc *wsConn) trySend(f frame) {
	select {
	case wc.send <- f:
	default:
		// Slow consumer: drop. The fallback poll repairs missed events.
	}
}

func (wc *wsConn) writeLoop() {
	for {
		select {
		case <-wc.ctx.Done():
			return
		case f := <-wc.send:
			writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = wsjson.Write(writeCtx, wc.conn, f)
			cancel()
		}
	}
}

// teardown releases everything the connection held: hub subscriptions,
// presence watches and, crucially, its presence entries, so a dropped
// client goes offline in the roster without an explicit leave.
func (s *Server) teardown(wc *wsConn, log zerolog.Logger) {
	wc.cancel()
	wc.mu.Lock()
	defer wc.mu.Unlock()
	for _, unsub := range wc.unsubs {
		unsub()
	}
	for _, unwatch := range wc.watches {
		unwatch()
	}
	for channel, clients := range wc.presence {
		for clientID := range clients {
			_ = s.Hub.LeavePresence(context.Background(), channel, clientID)
		}
	}
	_ = wc.conn.Close(websocket.StatusNormalClosure, "bye")
	log.Info().Msg("Bus client disconnected")
}
