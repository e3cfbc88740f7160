package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"hexhive.ai/internal/hive"
	"hexhive.ai/internal/migration"
	"hexhive.ai/internal/protocol"
)

// Hub fans consensus and migration events out to websocket subscribers on
// /v1/events. It implements hive.Observer and migration.Observer so it can
// be wired straight into the manager and coordinator. Slow subscribers are
// dropped rather than allowed to stall the source.
type Hub struct {
	logger   *log.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[chan []byte]struct{}
}

func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 4 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		clients: map[chan []byte]struct{}{},
	}
}

func (h *Hub) ConsensusReached(ev hive.ConsensusEvent) {
	h.broadcast(protocol.Event{Type: protocol.TypeConsensus, Consensus: &ev})
}

func (h *Hub) MigrationProgress(p migration.Progress) {
	h.broadcast(protocol.Event{Type: protocol.TypeMigrationProgress, Migration: &p})
}

func (h *Hub) broadcast(ev protocol.Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		h.logger.Printf("event stream: marshal %s: %v", ev.Type, err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- b:
		default:
			// Buffer full: drop the frame. If the peer stays stuck its
			// writer goroutine hits the write deadline and closes the
			// connection.
		}
	}
}

// Subscribers reports the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) add() chan []byte {
	ch := make(chan []byte, 64)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) remove(ch chan []byte) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
}

// Handler upgrades the connection and streams events until the peer goes
// away.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ch := h.add()
		defer h.remove(ch)

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-done:
				return
			case b := <-ch:
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					return
				}
			}
		}
	}
}
