package eventsink

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/laneq/pkg/commandqueue"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const writeTimeout = 5 * time.Second

// Message is the frame sent to WebSocket subscribers.
type Message struct {
	Type      string          `json:"type"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Seq       int64           `json:"seq"`
	Timestamp int64           `json:"timestamp"`
}

type subscriber struct {
	id          string
	conn        *websocket.Conn
	connectedAt time.Time
	writeMu     sync.Mutex
}

func (s *subscriber) write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Broadcaster streams events to WebSocket subscribers. It is both the HTTP
// handler that accepts subscribers and the sink that feeds them.
type Broadcaster struct {
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	seq      atomic.Int64

	mu      sync.RWMutex
	clients map[string]*subscriber
}

// NewBroadcaster creates a broadcaster with no subscribers.
func NewBroadcaster(logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger:  logger.With().Str("component", "eventsink").Str("sink", "websocket").Logger(),
		clients: make(map[string]*subscriber),
	}
}

// Name returns "websocket".
func (b *Broadcaster) Name() string { return "websocket" }

// ServeHTTP upgrades the request and registers the connection as a subscriber.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	id, err := gonanoid.New()
	if err != nil {
		b.logger.Error().Err(err).Msg("Failed to generate subscriber id")
		_ = conn.Close()
		return
	}

	sub := &subscriber{id: id, conn: conn, connectedAt: time.Now()}
	b.mu.Lock()
	b.clients[id] = sub
	b.mu.Unlock()

	b.logger.Info().Str("clientId", id).Str("ip", r.RemoteAddr).Msg("Subscriber connected")

	go b.readLoop(sub)
}

// readLoop discards inbound frames and notices disconnects.
func (b *Broadcaster) readLoop(sub *subscriber) {
	defer b.remove(sub.id)

	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				b.logger.Warn().Err(err).Str("clientId", sub.id).Msg("WebSocket error")
			}
			return
		}
	}
}

func (b *Broadcaster) remove(id string) {
	b.mu.Lock()
	sub, ok := b.clients[id]
	delete(b.clients, id)
	b.mu.Unlock()

	if ok {
		_ = sub.conn.Close()
		b.logger.Info().Str("clientId", id).Dur("connected", time.Since(sub.connectedAt)).Msg("Subscriber disconnected")
	}
}

// Count returns the number of connected subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Emit broadcasts event to every subscriber. Subscribers that fail a write
// are dropped.
func (b *Broadcaster) Emit(event commandqueue.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		b.logger.Error().Err(err).Str("event", string(event.Type)).Msg("Failed to marshal event")
		return
	}

	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	frame, err := json.Marshal(Message{
		Type:      "event",
		Event:     string(event.Type),
		Data:      data,
		Seq:       b.seq.Add(1),
		Timestamp: ts.UnixMilli(),
	})
	if err != nil {
		b.logger.Error().Err(err).Str("event", string(event.Type)).Msg("Failed to marshal frame")
		return
	}

	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.clients))
	for _, sub := range b.clients {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	if len(subs) == 0 {
		return
	}

	failed := 0
	for _, sub := range subs {
		if err := sub.write(frame); err != nil {
			b.logger.Warn().Err(err).Str("clientId", sub.id).Str("event", string(event.Type)).Msg("Failed to broadcast to subscriber")
			b.remove(sub.id)
			failed++
		}
	}

	b.logger.Debug().
		Str("event", string(event.Type)).
		Int("success", len(subs)-failed).
		Int("failed", failed).
		Msg("Event broadcast complete")
}

// Close disconnects every subscriber.
func (b *Broadcaster) Close() {
	b.mu.RLock()
	ids := make([]string, 0, len(b.clients))
	for id := range b.clients {
		ids = append(ids, id)
	}
	b.mu.RUnlock()

	for _, id := range ids {
		b.remove(id)
	}
}
