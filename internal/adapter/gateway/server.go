// Package gateway is the operator-facing surface of a running mesh: JSON
// endpoints for health, telemetry and consensus, plus a WebSocket that
// streams bus events and serves the same calls as RPC frames.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"swapmesh/internal/domain"
)

const (
	clientQueueSize = 64
	writeTimeout    = 5 * time.Second
	shutdownTimeout = 5 * time.Second
)

// RPCHandler handles a single RPC method call.
type RPCHandler func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (any, error)

// clientConn tracks a single WebSocket connection.
type clientConn struct {
	info      *ClientInfo
	ws        *websocket.Conn
	events    map[domain.EventType]bool // nil receives everything
	sendCh    chan Frame
	done      chan struct{}
	closeOnce sync.Once
}

func (cc *clientConn) wants(t domain.EventType) bool {
	return cc.events == nil || cc.events[t]
}

func (cc *clientConn) close() {
	cc.closeOnce.Do(func() { close(cc.done) })
}

// Server serves the ops endpoints and the event WebSocket.
type Server struct {
	bus        domain.EventBus
	auth       Authenticator
	logger     *slog.Logger
	addr       string
	clients    sync.Map // uint64 -> *clientConn
	nextID     atomic.Uint64
	handlersMu sync.RWMutex
	handlers   map[string]RPCHandler
	httpRoutes []httpRoute
	middleware []func(http.Handler) http.Handler

	httpSrv   *http.Server
	boundAddr string
	ready     chan struct{}
	stopOnce  sync.Once
	unsubAll  func()
	dropped   atomic.Int64
}

type httpRoute struct {
	pattern string
	handler http.Handler
	public  bool
}

// NewServer creates a gateway server listening on addr once started.
func NewServer(bus domain.EventBus, auth Authenticator, addr string, logger *slog.Logger) *Server {
	return &Server{
		bus:      bus,
		auth:     auth,
		logger:   logger,
		addr:     addr,
		handlers: make(map[string]RPCHandler),
		ready:    make(chan struct{}),
	}
}

// RegisterHandler adds an RPC handler for method.
// Safe to call concurrently with active connections.
func (s *Server) RegisterHandler(method string, handler RPCHandler) {
	s.handlersMu.Lock()
	s.handlers[method] = handler
	s.handlersMu.Unlock()
}

// RegisterHTTPRoute adds an authenticated HTTP route. Must be called before Start.
func (s *Server) RegisterHTTPRoute(pattern string, handler http.Handler) {
	s.httpRoutes = append(s.httpRoutes, httpRoute{pattern: pattern, handler: handler})
}

// RegisterPublicRoute adds an HTTP route that skips authentication, for
// probes and scrapers. Must be called before Start.
func (s *Server) RegisterPublicRoute(pattern string, handler http.Handler) {
	s.httpRoutes = append(s.httpRoutes, httpRoute{pattern: pattern, handler: handler, public: true})
}

// Use wraps every HTTP route in mw, outermost first. The websocket endpoint
// is left unwrapped so the connection can be hijacked. Must be called before
// Start.
func (s *Server) Use(mw ...func(http.Handler) http.Handler) {
	s.middleware = append(s.middleware, mw...)
}

// Handler builds the HTTP mux. Start serves it; tests may mount it directly.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	for _, route := range s.httpRoutes {
		h := route.handler
		if !route.public {
			h = s.requireAuth(h)
		}
		for i := len(s.middleware) - 1; i >= 0; i-- {
			h = s.middleware[i](h)
		}
		mux.Handle(route.pattern, h)
	}
	return mux
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.authenticate(r); err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start serves until ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.boundAddr = listener.Addr().String()
	s.httpSrv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	s.unsubAll = s.bus.SubscribeAll(s.forward)
	close(s.ready)

	s.logger.Info("gateway started", "addr", s.boundAddr)

	go func() {
		<-ctx.Done()
		_ = s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// BoundAddr returns the address the server bound to. Valid after Ready.
func (s *Server) BoundAddr() string { return s.boundAddr }

// Dropped returns the number of frames discarded for slow clients.
func (s *Server) Dropped() int64 { return s.dropped.Load() }

// Stop closes every client and shuts the HTTP server down. Idempotent.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		if s.unsubAll != nil {
			s.unsubAll()
		}
		s.clients.Range(func(key, value any) bool {
			cc := value.(*clientConn)
			cc.close()
			cc.ws.Close(websocket.StatusGoingAway, "server shutting down")
			s.clients.Delete(key)
			return true
		})
		if s.httpSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()
			err = s.httpSrv.Shutdown(shutdownCtx)
		}
	})
	return err
}

// forward fans a bus event out to every subscribed client.
func (s *Server) forward(_ context.Context, event domain.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	frame := Frame{Type: FrameTypeEvent, Method: string(event.Type), Payload: payload}
	s.clients.Range(func(_, value any) bool {
		cc := value.(*clientConn)
		if cc.wants(event.Type) {
			s.enqueue(cc, frame)
		}
		return true
	})
}

func (s *Server) enqueue(cc *clientConn, frame Frame) {
	select {
	case cc.sendCh <- frame:
	default:
		s.dropped.Add(1)
		s.logger.Warn("gateway: dropped frame for slow client", "client", cc.info.Name, "type", string(frame.Type))
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	info, err := s.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost", "localhost:*", "127.0.0.1", "127.0.0.1:*", "[::1]", "[::1]:*"},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	connID := s.nextID.Add(1)
	cc := &clientConn{
		info:   info,
		ws:     ws,
		events: parseEventFilter(r.URL.Query().Get("events")),
		sendCh: make(chan Frame, clientQueueSize),
		done:   make(chan struct{}),
	}
	s.clients.Store(connID, cc)
	s.logger.Info("gateway client connected", "conn_id", connID, "client", info.Name, "remote", info.Remote)

	go s.writeLoop(cc)
	s.readLoop(r.Context(), cc)

	cc.close()
	s.clients.Delete(connID)
	ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("gateway client disconnected", "conn_id", connID)
}

// parseEventFilter reads a comma separated list of event types.
func parseEventFilter(raw string) map[domain.EventType]bool {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	filter := make(map[domain.EventType]bool)
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			filter[domain.EventType(t)] = true
		}
	}
	return filter
}

func (s *Server) readLoop(ctx context.Context, cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		default:
		}

		var frame Frame
		if err := wsjson.Read(ctx, cc.ws, &frame); err != nil {
			return
		}
		if frame.Type != FrameTypeRequest {
			continue
		}
		go s.dispatchRPC(ctx, cc, frame)
	}
}

func (s *Server) writeLoop(cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		case frame := <-cc.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := wsjson.Write(ctx, cc.ws, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) dispatchRPC(ctx context.Context, cc *clientConn, req Frame) {
	s.handlersMu.RLock()
	handler, ok := s.handlers[req.Method]
	s.handlersMu.RUnlock()

	resp := Frame{Type: FrameTypeResponse, ID: req.ID, Method: req.Method}
	if !ok {
		resp.Error = fmt.Sprintf("unknown method %q", req.Method)
		resp.Code = string(domain.CodeUnknown)
		s.enqueue(cc, resp)
		return
	}

	result, err := handler(ctx, cc.info, req.Payload)
	if err == nil {
		resp.Payload, err = json.Marshal(result)
	}
	if err != nil {
		resp.Payload = nil
		resp.Error = err.Error()
		resp.Code = string(domain.ErrorCodeOf(err))
	}
	s.enqueue(cc, resp)
}
