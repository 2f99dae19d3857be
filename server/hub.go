package main

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/shopdock/poflow/server/observability"
)

const (
	maxRealtimeClients = 200
	sseBufferSize      = 16
)

// ProgressHub fans progress events out to connected clients, keyed by
// merchant. One Redis pattern subscription feeds every SSE stream and
// WebSocket; per-client subscriptions would exhaust the broker's connection
// budget.
type ProgressHub struct {
	client *redis.Client

	mu  sync.RWMutex
	ws  map[*websocket.Conn]string
	sse map[chan []byte]string
}

func NewProgressHub(client *redis.Client) *ProgressHub {
	return &ProgressHub{
		client: client,
		ws:     make(map[*websocket.Conn]string),
		sse:    make(map[chan []byte]string),
	}
}

// Run consumes the merchant:* pattern and dispatches until ctx ends.
func (h *ProgressHub) Run(ctx context.Context) {
	sub := h.client.PSubscribe(ctx, "merchant:*")
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case msg, ok := <-ch:
			if !ok {
				h.shutdown()
				return
			}
			merchantID := merchantFromChannel(msg.Channel)
			if merchantID == "" {
				continue
			}
			h.dispatch(merchantID, []byte(msg.Payload))
		}
	}
}

// merchantFromChannel extracts the id from "merchant:{id}:{suffix}".
func merchantFromChannel(channel string) string {
	parts := strings.SplitN(channel, ":", 3)
	if len(parts) != 3 || parts[0] != "merchant" {
		return ""
	}
	return parts[1]
}

func (h *ProgressHub) dispatch(merchantID string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn, mid := range h.ws {
		if mid != merchantID {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			log.Printf("[HUB] websocket write error: %v", err)
			go h.UnregisterWS(conn)
		}
	}
	for ch, mid := range h.sse {
		if mid != merchantID {
			continue
		}
		select {
		case ch <- payload:
		default:
			// Slow consumer: drop rather than block the dispatcher.
		}
	}
}

// RegisterWS adds a WebSocket client. Returns false when the client cap is
// reached.
func (h *ProgressHub) RegisterWS(conn *websocket.Conn, merchantID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.ws)+len(h.sse) >= maxRealtimeClients {
		return false
	}
	h.ws[conn] = merchantID
	observability.RealtimeClients.WithLabelValues("websocket").Inc()
	return true
}

// UnregisterWS removes and closes a WebSocket client.
func (h *ProgressHub) UnregisterWS(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.ws[conn]; ok {
		delete(h.ws, conn)
		conn.Close()
		observability.RealtimeClients.WithLabelValues("websocket").Dec()
	}
}

// SubscribeSSE registers an SSE consumer. The returned cancel must run when
// the client disconnects. ok is false at the client cap.
func (h *ProgressHub) SubscribeSSE(merchantID string) (ch chan []byte, cancel func(), ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.ws)+len(h.sse) >= maxRealtimeClients {
		return nil, nil, false
	}
	ch = make(chan []byte, sseBufferSize)
	h.sse[ch] = merchantID
	observability.RealtimeClients.WithLabelValues("sse").Inc()

	cancel = func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, found := h.sse[ch]; found {
			delete(h.sse, ch)
			close(ch)
			observability.RealtimeClients.WithLabelValues("sse").Dec()
		}
	}
	return ch, cancel, true
}

// ClientCount reports connected clients across both transports.
func (h *ProgressHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.ws) + len(h.sse)
}

func (h *ProgressHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	log.Printf("[HUB] shutting down with %d clients", len(h.ws)+len(h.sse))
	for conn := range h.ws {
		conn.Close()
	}
	h.ws = make(map[*websocket.Conn]string)
	for ch := range h.sse {
		close(ch)
	}
	h.sse = make(map[chan []byte]string)
}
