// Package ws relays resolution transitions to WebSocket clients.
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
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alanyoungcy/polyresolve/internal/domain"
	"github.com/alanyoungcy/polyresolve/internal/service"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
	// maxReplay leaves room in the send buffer for the status frame.
	maxReplay = sendBufferSize - 1
)

// Frame formats a client can ask for with ?format= or a subscribe message.
const (
	FormatProtobuf = "protobuf"
	FormatJSON     = "json"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// frame is one encoded message in both wire formats. Binary frames carry a
// google.protobuf.Struct.
type frame struct {
	channel string
	json    []byte
	proto   []byte
}

// encodeFrame wraps payload in {"channel", "payload"} and encodes it.
func encodeFrame(channel string, payload map[string]any) (frame, error) {
	env := map[string]any{"channel": channel, "payload": payload}
	j, err := json.Marshal(env)
	if err != nil {
		return frame{}, err
	}
	st, err := structpb.NewStruct(env)
	if err != nil {
		return frame{}, err
	}
	p, err := proto.Marshal(st)
	if err != nil {
		return frame{}, err
	}
	return frame{channel: channel, json: j, proto: p}, nil
}

// transitionFrame decodes a transition payload from the bus into a frame on
// the market's channel.
func transitionFrame(data []byte) (frame, error) {
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return frame{}, err
	}
	marketID, _ := payload["market_id"].(string)
	return encodeFrame(service.MarketChannel(marketID), payload)
}

// replayFrame is transitionFrame for a stream entry; the entry id is added so
// a client can resume with ?since=.
func replayFrame(msg domain.StreamMessage) (frame, error) {
	var payload map[string]any
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return frame{}, err
	}
	payload["stream_id"] = msg.ID
	marketID, _ := payload["market_id"].(string)
	return encodeFrame(service.MarketChannel(marketID), payload)
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan frame
	mu     sync.RWMutex
	subs   map[string]bool
	format string
}

// subscribeMsg changes a client's channel set or frame format.
type subscribeMsg struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
	Format   string   `json:"format"`
}

// Config carries metadata reported to clients on connect.
type Config struct {
	Mode      string
	StartedAt time.Time
}

// Hub fans resolution transitions out to connected clients. With a bus it
// relays the global resolution channel so every replica's transitions reach
// every client; without one it is fed directly as an observer.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan frame
	register   chan *client
	unregister chan *client
	done       chan struct{}
	bus        domain.SignalBus
	mu         sync.RWMutex
	logger     *slog.Logger
	mode       string
	startedAt  time.Time
}

// NewHub creates a Hub. bus may be nil.
func NewHub(bus domain.SignalBus, logger *slog.Logger, cfg Config) *Hub {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "unknown"
	}
	startedAt := cfg.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan frame, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		bus:        bus,
		logger:     logger.With(slog.String("component", "ws_hub")),
		mode:       mode,
		startedAt:  startedAt,
	}
}

// Run drives registration and broadcast until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	if h.bus != nil {
		go h.relay(ctx, service.ResolutionChannel)
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
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.InfoContext(ctx, "client connected", slog.Int("total_clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.InfoContext(ctx, "client disconnected", slog.Int("total_clients", n))

		case f := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if !c.isSubscribed(f.channel) {
					continue
				}
				select {
				case c.send <- f:
				default:
					h.logger.WarnContext(ctx, "dropping message for slow client",
						slog.String("channel", f.channel),
					)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// OnTransition implements domain.Observer for single-process deployments.
func (h *Hub) OnTransition(ctx context.Context, t domain.Transition) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	f, err := transitionFrame(data)
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- f:
		return nil
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// relay forwards bus messages on channel into the broadcast loop.
func (h *Hub) relay(ctx context.Context, channel string) {
	msgs, err := h.bus.Subscribe(ctx, channel)
	if err != nil {
		h.logger.ErrorContext(ctx, "subscribe failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}
	h.logger.InfoContext(ctx, "subscribed to channel", slog.String("channel", channel))

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgs:
			if !ok {
				h.logger.WarnContext(ctx, "channel subscription closed", slog.String("channel", channel))
				return
			}
			f, err := transitionFrame(data)
			if err != nil {
				h.logger.WarnContext(ctx, "undecodable bus message", slog.String("error", err.Error()))
				continue
			}
			select {
			case h.broadcast <- f:
			case <-ctx.Done():
				return
			}
		}
	}
}

// HandleWS upgrades GET /ws. Clients start subscribed to every market. With a
// bus, ?since=<stream id> ("0" for the start) first replays stored
// transitions.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	format := FormatProtobuf
	if r.URL.Query().Get("format") == FormatJSON {
		format = FormatJSON
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan frame, sendBufferSize),
		subs:   map[string]bool{service.ResolutionChannel: true},
		format: format,
	}
	if chans := r.URL.Query()["channel"]; len(chans) > 0 {
		c.subs = make(map[string]bool, len(chans))
		for _, ch := range chans {
			c.subs[ch] = true
		}
	}
	c.sendInitialStatus()
	if since := r.URL.Query().Get("since"); since != "" && h.bus != nil {
		h.replay(r.Context(), c, since)
	}

	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
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

func (c *client) handleSubscription(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg.Action {
	case "subscribe":
		for _, ch := range msg.Channels {
			c.subs[ch] = true
		}
	case "unsubscribe":
		for _, ch := range msg.Channels {
			delete(c.subs, ch)
		}
	}
	switch msg.Format {
	case FormatJSON, FormatProtobuf:
		c.format = msg.Format
	}
}

// replay queues stored transitions after since that match c's channels.
// It runs before c is registered, so nothing else writes to c.send.
func (h *Hub) replay(ctx context.Context, c *client, since string) {
	msgs, err := h.bus.StreamRead(ctx, service.ResolutionStream, since, maxReplay)
	if err != nil {
		h.logger.WarnContext(ctx, "replay read failed",
			slog.String("since", since),
			slog.String("error", err.Error()),
		)
		return
	}
	for _, msg := range msgs {
		f, err := replayFrame(msg)
		if err != nil {
			h.logger.WarnContext(ctx, "dropping undecodable stream entry",
				slog.String("id", msg.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !c.isSubscribed(f.channel) {
			continue
		}
		select {
		case c.send <- f:
		default:
			return
		}
	}
}

// sendInitialStatus tells the client the connection is live before any
// transition arrives.
func (c *client) sendInitialStatus() {
	f, err := encodeFrame("status", map[string]any{
		"type":           "hub_status",
		"mode":           c.hub.mode,
		"uptime_seconds": max(int64(time.Since(c.hub.startedAt).Seconds()), 0),
	})
	if err != nil {
		return
	}
	select {
	case c.send <- f:
	default:
	}
}

// isSubscribed matches the global channel, exact names and "prefix*"
// patterns.
func (c *client) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.subs[service.ResolutionChannel] || c.subs[channel] {
		return true
	}
	for sub := range c.subs {
		if prefix, ok := strings.CutSuffix(sub, "*"); ok && strings.HasPrefix(channel, prefix) {
			return true
		}
	}
	return false
}

func (c *client) currentFormat() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.format
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case f, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			msgType, data := websocket.BinaryMessage, f.proto
			if c.currentFormat() == FormatJSON {
				msgType, data = websocket.TextMessage, f.json
			}
			if err := c.conn.WriteMessage(msgType, data); err != nil {
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

// Compile-time interface check.
var _ domain.Observer = (*Hub)(nil)
