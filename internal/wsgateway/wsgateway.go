// Package wsgateway mirrors the bridge's stdio command/event protocol onto
// an optional websocket transport, §6.5's supplemented gateway. The stdio
// loop stays authoritative; this is additive plumbing for a browser-hosted
// UI collaborator with nowhere else to connect.
package wsgateway

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"sessionbridge/internal/bridge"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// DispatchFunc runs one decoded Command against the bridge's Dispatcher.
type DispatchFunc func(ctx context.Context, cmd bridge.Command) bridge.Response

// Gateway fans every outbound Event out to every connected client and
// feeds inbound Commands into the same Dispatcher the stdio loop uses.
type Gateway struct {
	dispatch DispatchFunc
	logger   *bridge.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

// client serializes every write against this one connection behind
// writeMu: gorilla/websocket allows at most one concurrent writer, and
// both the broadcast writer goroutine and the command read loop below
// write to the same conn.
type client struct {
	conn    *websocket.Conn
	out     chan bridge.Event
	writeMu sync.Mutex
}

func (c *client) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

func New(dispatch DispatchFunc, logger *bridge.Logger) *Gateway {
	return &Gateway{
		dispatch: dispatch,
		logger:   logger,
		clients:  make(map[*client]struct{}),
	}
}

// ListenAndServe blocks serving websocket upgrades on addr's single
// "/events" endpoint until the listener fails.
func (g *Gateway) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", g.handleConnection)
	return http.ListenAndServe(addr, mux)
}

// BroadcastEvent mirrors one bridge event to every connected client.
// Slow or disconnected clients never block the sender: each has its own
// bounded outbox, and a full outbox drops the event rather than stall.
func (g *Gateway) BroadcastEvent(ev bridge.Event) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for c := range g.clients {
		select {
		case c.out <- ev:
		default:
			g.logger.Warn("websocket client outbox full, dropping event", map[string]interface{}{"type": ev.Type})
		}
	}
}

func (g *Gateway) handleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	c := &client{conn: conn, out: make(chan bridge.Event, 256)}
	g.mu.Lock()
	g.clients[c] = struct{}{}
	g.mu.Unlock()

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer conn.Close()
		for {
			select {
			case <-done:
				return
			case ev := <-c.out:
				if err := c.writeJSON(ev); err != nil {
					return
				}
			}
		}
	}()

	ctx := r.Context()
	for {
		var cmd bridge.Command
		if err := conn.ReadJSON(&cmd); err != nil {
			break
		}
		resp := g.dispatch(ctx, cmd)
		if err := c.writeJSON(resp); err != nil {
			break
		}
	}

	close(done)
	g.mu.Lock()
	delete(g.clients, c)
	g.mu.Unlock()
	wg.Wait()
}
