// Package ws pushes live bargain progress to browsers over websockets.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/pricecut/internal/domain"
	"github.com/alanyoungcy/pricecut/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
	// maxSubscriptions bounds the channels a single client may follow.
	maxSubscriptions = 64
)

// busChannels are the signal bus channels the hub listens on. Clients pick
// the sessions they care about from this feed.
var busChannels = []string{
	domain.SessionChannel("*"),
	domain.SuccessChannel,
}

// client is one websocket connection.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	subs map[string]bool
	mu   sync.RWMutex
}

// subscribeMsg is sent by clients to change their channel set, e.g.
// {"action":"subscribe","channels":["ch:session:abc"]}.
type subscribeMsg struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
}

// envelope wraps a bus payload with the channel it came from.
type envelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// Config holds hub settings.
type Config struct {
	// AllowedOrigins limits browser origins; empty allows all.
	AllowedOrigins []string
}

// Hub fans bus messages out to the clients subscribed to each channel.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan envelope
	register   chan *client
	unregister chan *client
	done       chan struct{}
	bus        domain.SignalBus
	upgrader   websocket.Upgrader
	mu         sync.RWMutex
	logger     *slog.Logger
}

// NewHub creates a Hub reading from bus.
func NewHub(bus domain.SignalBus, logger *slog.Logger, cfg Config) *Hub {
	h := &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan envelope, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		bus:        bus,
		logger:     logger.With(slog.String("component", "ws-hub")),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

// Run subscribes to the bus and serves registrations and broadcasts until
// ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for _, ch := range busChannels {
		msgs, err := h.bus.Subscribe(ctx, ch)
		if err != nil {
			return err
		}
		go h.forward(ctx, ch, msgs)
	}

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			metrics.WSClients.Set(0)
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			metrics.WSClients.Inc()
			h.logger.Debug("client connected", slog.Int("total_clients", h.clientCount()))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				metrics.WSClients.Dec()
			}
			h.mu.Unlock()
			h.logger.Debug("client disconnected", slog.Int("total_clients", h.clientCount()))

		case env := <-h.broadcast:
			data, err := json.Marshal(env)
			if err != nil {
				continue
			}
			h.mu.RLock()
			for c := range h.clients {
				if !c.isSubscribed(env.Channel) {
					continue
				}
				select {
				case c.send <- data:
				default:
					h.logger.Warn("dropping message for slow client", slog.String("channel", env.Channel))
				}
			}
			h.mu.RUnlock()
		}
	}
}

// forward relays bus payloads into the broadcast loop. Session channel
// payloads carry their session id, which is used to recover the concrete
// channel a pattern subscription matched.
func (h *Hub) forward(ctx context.Context, pattern string, msgs <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgs:
			if !ok {
				h.logger.Warn("bus subscription closed", slog.String("channel", pattern))
				return
			}
			if !json.Valid(data) {
				continue
			}
			channel := pattern
			if strings.HasSuffix(pattern, "*") {
				var ev struct {
					SessionID string `json:"session_id"`
				}
				if json.Unmarshal(data, &ev) != nil || ev.SessionID == "" {
					continue
				}
				channel = domain.SessionChannel(ev.SessionID)
			}
			select {
			case h.broadcast <- envelope{Channel: channel, Data: data}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// HandleWS upgrades the request and registers the client. A session query
// parameter subscribes to that session at once.
// GET /ws?session=<id>
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: map[string]bool{domain.SuccessChannel: true},
	}
	if id := r.URL.Query().Get("session"); id != "" {
		c.subs[domain.SessionChannel(id)] = true
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close error", slog.String("error", err.Error()))
			}
			return
		}
		var sub subscribeMsg
		if json.Unmarshal(message, &sub) == nil {
			c.handleSubscription(sub)
		}
	}
}

// handleSubscription applies a subscribe or unsubscribe request. Only
// concrete session channels and the success channel are accepted.
func (c *client) handleSubscription(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ch := range msg.Channels {
		if !allowedChannel(ch) {
			continue
		}
		switch msg.Action {
		case "subscribe":
			if len(c.subs) < maxSubscriptions {
				c.subs[ch] = true
			}
		case "unsubscribe":
			delete(c.subs, ch)
		}
	}
}

func allowedChannel(ch string) bool {
	if ch == domain.SuccessChannel {
		return true
	}
	id, ok := strings.CutPrefix(ch, domain.SessionChannel(""))
	return ok && id != "" && !strings.ContainsAny(id, "*?[")
}

func (c *client) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subs[channel]
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
