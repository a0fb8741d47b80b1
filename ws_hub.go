package httpfn

import (
	"context"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// wsHub streams invocation records to websocket clients watching a function.
type wsHub struct {
	mu      sync.RWMutex
	clients map[string]map[*wsConn]bool
}

type wsConn struct {
	conn *websocket.Conn
	send chan []byte
}

func newWsHub() *wsHub {
	return &wsHub{clients: make(map[string]map[*wsConn]bool)}
}

func (h *wsHub) RegisterRoute(mux *http.ServeMux) {
	mux.HandleFunc("/ws/{name}", h.handleWS)
}

// Broadcast queues msg for every client of fn. Slow clients lose messages.
func (h *wsHub) Broadcast(fn string, msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[fn] {
		select {
		case client.send <- msg:
		default:
		}
	}
}

func (h *wsHub) handleWS(w http.ResponseWriter, r *http.Request) {
	fn := r.PathValue("name")
	if fn == "" {
		http.Error(w, "function name required", http.StatusBadRequest)
		return
	}

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // dev dashboards run on other origins
	})
	if err != nil {
		return
	}

	conn := &wsConn{
		conn: c,
		send: make(chan []byte, 256),
	}
	h.register(fn, conn)

	ctx, cancel := context.WithCancel(r.Context())
	go conn.writePump(ctx)

	defer func() {
		cancel()
		h.unregister(fn, conn)
		c.Close(websocket.StatusNormalClosure, "")
	}()

	// reads only surface close frames
	for {
		if _, _, err := c.Read(ctx); err != nil {
			return
		}
	}
}

func (c *wsConn) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := c.conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (h *wsHub) register(fn string, conn *wsConn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[fn] == nil {
		h.clients[fn] = make(map[*wsConn]bool)
	}
	h.clients[fn][conn] = true
}

func (h *wsHub) unregister(fn string, conn *wsConn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.clients[fn]; ok {
		delete(clients, conn)
		if len(clients) == 0 {
			delete(h.clients, fn)
		}
	}
}

// count returns the number of clients watching fn.
func (h *wsHub) count(fn string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[fn])
}
