package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
	wsPingEvery = (wsPongWait * 9) / 10
	wsQueue     = 32
)

// MessageFunc receives a frame a websocket listener sent on route.
type MessageFunc func(ctx context.Context, route string, data []byte)

type listener struct {
	id   string
	send chan []byte
}

// Hub fans transport pushes out to websocket listeners grouped by route. It
// implements host.Transport for the webchat provider.
type Hub struct {
	mu        sync.RWMutex
	routes    map[string]map[*listener]struct{}
	onMessage MessageFunc
	upgrader  websocket.Upgrader
	done      chan struct{}
	closeOnce sync.Once
	logger    *zap.Logger
}

// NewHub creates a hub. Origins lists the allowed browser origins; empty or
// "*" allows any.
func NewHub(logger *zap.Logger, origins []string) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		routes: make(map[string]map[*listener]struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(origins),
	}
	return h
}

func originChecker(origins []string) func(r *http.Request) bool {
	allowed := map[string]bool{}
	for _, o := range origins {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[strings.TrimRight(o, "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return len(allowed) == 0 || origin == "" || allowed[origin]
	}
}

// OnMessage sets the callback for frames listeners send.
func (h *Hub) OnMessage(fn MessageFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onMessage = fn
}

// Push queues payload for every listener of route. It fails when nobody
// listens or every queue is full, so callers can fall back to storage.
func (h *Hub) Push(_ context.Context, route string, payload []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ls := h.routes[route]
	if len(ls) == 0 {
		return fmt.Errorf("no listeners on route %q", route)
	}
	delivered := 0
	for l := range ls {
		select {
		case l.send <- append([]byte(nil), payload...):
			delivered++
		default:
			h.logger.Warn("websocket queue full", zap.String("route", route), zap.String("listener", l.id))
		}
	}
	if delivered == 0 {
		return fmt.Errorf("route %q buffer full", route)
	}
	return nil
}

// Close disconnects every listener. ServeWS rejects new ones afterwards.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// Listeners returns how many listeners route has.
func (h *Hub) Listeners(route string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.routes[route])
}

func (h *Hub) join(route string) *listener {
	l := &listener{id: uuid.NewString(), send: make(chan []byte, wsQueue)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.routes[route] == nil {
		h.routes[route] = make(map[*listener]struct{})
	}
	h.routes[route][l] = struct{}{}
	return l
}

func (h *Hub) leave(route string, l *listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.routes[route], l)
	if len(h.routes[route]) == 0 {
		delete(h.routes, route)
	}
}

// ServeWS upgrades the request and attaches it to route until either side
// closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, route string) {
	if strings.TrimSpace(route) == "" {
		http.Error(w, "route is required", http.StatusBadRequest)
		return
	}
	select {
	case <-h.done:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	l := h.join(route)
	defer h.leave(route, l)
	h.logger.Debug("websocket listener joined", zap.String("route", route), zap.String("listener", l.id))

	if err := conn.SetReadDeadline(time.Now().Add(wsPongWait)); err != nil {
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ticker := time.NewTicker(wsPingEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.done:
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(wsWriteWait))
				conn.Close()
				return
			case msg := <-l.send:
				if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			case <-ticker.C:
				if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
					return
				}
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		h.mu.RLock()
		fn := h.onMessage
		h.mu.RUnlock()
		if fn != nil {
			fn(ctx, route, data)
		}
	}
	cancel()
	<-writerDone
	h.logger.Debug("websocket listener left", zap.String("route", route), zap.String("listener", l.id))
}
