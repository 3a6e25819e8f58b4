package eventbus

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WSBroadcaster is a remote event sink: it subscribes to a Bus's wildcard
// topic and fans every event out to every connected websocket client as a
// JSON line, the way a live journal/dashboard viewer would tail it.
type WSBroadcaster struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}

	srv *http.Server
}

// NewWSBroadcaster builds a WSBroadcaster. Call Attach to subscribe it to a
// Bus, and ServeHTTP (or Start) to accept connections.
func NewWSBroadcaster(logger *zap.Logger) *WSBroadcaster {
	return &WSBroadcaster{
		upgrader: websocket.Upgrader{
			// Single-operator local tool: any origin may watch the event
			// stream, there is no cross-site credential to steal.
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger:  logger,
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// Attach subscribes the broadcaster to every event the bus publishes.
func (b *WSBroadcaster) Attach(bus Bus) {
	bus.Subscribe("*", func(_ context.Context, event Event) {
		b.Broadcast(event)
	})
}

// Broadcast sends event as a JSON line to every connected client, dropping
// any client whose write fails or blocks.
func (b *WSBroadcaster) Broadcast(event Event) {
	line := walEntry{Type: event.Type(), Timestamp: event.Timestamp(), Payload: event.Payload()}
	data, err := json.Marshal(line)
	if err != nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.clients {
		conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			conn.Close()
			delete(b.clients, conn)
		}
	}
}

// ServeHTTP upgrades the request to a websocket and registers the
// connection until it errors or closes.
func (b *WSBroadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if b.logger != nil {
			b.logger.Warn("websocket upgrade failed", zap.Error(err))
		}
		return
	}

	b.mu.Lock()
	b.clients[conn] = struct{}{}
	b.mu.Unlock()

	// Drain and discard client frames; this is a broadcast-only sink. The
	// read loop only exists to notice disconnects promptly.
	go func() {
		defer func() {
			b.mu.Lock()
			delete(b.clients, conn)
			b.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Start listens on addr and serves the websocket endpoint at /events.
func (b *WSBroadcaster) Start(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/events", b)
	b.srv = &http.Server{Addr: addr, Handler: mux}

	ln := make(chan error, 1)
	go func() {
		ln <- b.srv.ListenAndServe()
	}()
	select {
	case err := <-ln:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-time.After(100 * time.Millisecond):
		// Server is up and blocking in Serve; treat as started.
	}
	return nil
}

// Stop shuts the websocket server down and closes every client connection.
func (b *WSBroadcaster) Stop(ctx context.Context) error {
	b.mu.Lock()
	for conn := range b.clients {
		conn.Close()
	}
	b.clients = make(map[*websocket.Conn]struct{})
	b.mu.Unlock()

	if b.srv == nil {
		return nil
	}
	return b.srv.Shutdown(ctx)
}
