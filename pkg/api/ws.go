package api

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StatusHub pushes fleet status snapshots to websocket subscribers.
type StatusHub struct {
	upgrader websocket.Upgrader
	fleet    fleetService
	interval time.Duration

	mu   sync.Mutex
	subs map[*websocket.Conn]struct{}
}

func NewStatusHub(fleet fleetService, interval time.Duration) *StatusHub {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &StatusHub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		fleet:    fleet,
		interval: interval,
		subs:     map[*websocket.Conn]struct{}{},
	}
}

// HandleStatusWS upgrades the connection and sends an immediate
// snapshot. The connection is registered only after that write
// completes: from then on the broadcast loop is its sole writer, which
// the websocket package requires.
func (h *StatusHub) HandleStatusWS(w http.ResponseWriter, r *http.Request) {
	c, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed: %v", err)
		return
	}
	status, _ := h.fleet.AggregateStatus(r.Context())
	if err := c.WriteJSON(status); err != nil {
		_ = c.Close()
		return
	}
	h.mu.Lock()
	h.subs[c] = struct{}{}
	h.mu.Unlock()
	log.Printf("status subscriber connected: %s", r.RemoteAddr)
	go h.readLoop(c)
}

// Run broadcasts a fresh snapshot every interval until ctx is done.
func (h *StatusHub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		h.mu.Lock()
		n := len(h.subs)
		h.mu.Unlock()
		if n == 0 {
			continue
		}
		status, _ := h.fleet.AggregateStatus(ctx)
		h.mu.Lock()
		for c := range h.subs {
			if err := c.WriteJSON(status); err != nil {
				go h.closeSub(c)
			}
		}
		h.mu.Unlock()
	}
}

func (h *StatusHub) readLoop(c *websocket.Conn) {
	defer h.closeSub(c)
	for {
		if _, _, err := c.NextReader(); err != nil {
			return
		}
	}
}

func (h *StatusHub) closeSub(c *websocket.Conn) {
	_ = c.Close()
	h.mu.Lock()
	delete(h.subs, c)
	h.mu.Unlock()
	log.Printf("status subscriber disconnected")
}
