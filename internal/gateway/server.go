package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/structura-bim/structura/internal/store"
)

const (
	// DefaultHost keeps the gateway reachable from this machine only.
	DefaultHost = "127.0.0.1"

	// DefaultPort is the port the UI connects to.
	DefaultPort = 7431

	// maxMessageSize bounds one request frame or body.
	maxMessageSize = 16 << 20

	writeTimeout = 5 * time.Second
)

// RequestIDHeader carries the request id on the HTTP transport.
const RequestIDHeader = "X-Request-ID"

// Server exposes a Gateway to UI processes over WebSocket and HTTP and
// broadcasts change events to every connected WebSocket client.
//
// WebSocket frames from the client are Requests; frames to the client are
// either Responses (carry "id" and "ok") or Events (carry "type").
type Server struct {
	gw       *Gateway
	addr     string
	listener net.Listener
	server   *http.Server

	clients   map[string]*websocket.Conn
	clientsMu sync.RWMutex

	broadcast chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// ServerConfig holds server configuration
type ServerConfig struct {
	// Host to bind (default: 127.0.0.1)
	Host string

	// Port to listen on; 0 picks a free port
	Port int

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultServerConfig returns sensible defaults
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:   DefaultHost,
		Port:   DefaultPort,
		Logger: log.New(os.Stderr, "[server] ", log.LstdFlags),
	}
}

// NewServer creates a server for gw and makes it the gateway's publisher.
func NewServer(gw *Gateway, config *ServerConfig) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[server] ", log.LstdFlags)
	}
	host := config.Host
	if host == "" {
		host = DefaultHost
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		gw:        gw,
		addr:      net.JoinHostPort(host, fmt.Sprint(config.Port)),
		clients:   make(map[string]*websocket.Conn),
		broadcast: make(chan Event, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
	gw.SetPublisher(s)
	return s
}

// Router returns the HTTP routes served by s.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/ws", s.handleWebSocket)
	r.Get("/health", s.handleHealth)
	r.Get("/api", s.handleOperations)
	r.Post("/api/{op}", s.handleCall)
	return r
}

// Start begins serving and returns once the listener is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Gateway listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop closes every client and shuts the server down.
func (s *Server) Stop() error {
	s.logger.Println("Stopping gateway server")

	s.cancel()

	s.clientsMu.Lock()
	for id, conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, id)
	}
	s.clientsMu.Unlock()

	var shutdownErr error
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()

	s.logger.Println("Gateway server stopped")
	return shutdownErr
}

// Publish queues ev for every connected client. It never blocks; events are
// dropped when the queue is full.
func (s *Server) Publish(ev Event) {
	select {
	case <-s.ctx.Done():
		return
	default:
	}
	select {
	case s.broadcast <- ev:
	default:
		s.logger.Printf("Warning: broadcast channel full, dropping %s event", ev.Type)
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case ev := <-s.broadcast:
			if ev.Timestamp.IsZero() {
				ev.Timestamp = time.Now().UTC()
			}
			data, err := marshal(ev)
			if err != nil {
				s.logger.Printf("Failed to marshal event: %v", err)
				continue
			}

			s.clientsMu.RLock()
			targets := make(map[string]*websocket.Conn, len(s.clients))
			for id, conn := range s.clients {
				targets[id] = conn
			}
			s.clientsMu.RUnlock()

			for id, conn := range targets {
				if err := s.write(conn, data); err != nil {
					s.logger.Printf("Failed to send to client %s: %v", id, err)
					s.removeClient(id)
				}
			}
		}
	}
}

func (s *Server) write(conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	id := uuid.NewString()
	s.clientsMu.Lock()
	s.clients[id] = conn
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Client %s connected (total: %d)", id, clientCount)

	s.wg.Add(1)
	go s.readLoop(id, conn)
}

// readLoop handles the requests of one client until it disconnects. Each
// request runs in its own goroutine.
func (s *Server) readLoop(id string, conn *websocket.Conn) {
	defer s.wg.Done()
	defer s.removeClient(id)

	for {
		typ, data, err := conn.Read(s.ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			resp := failure(Response{}, fmt.Errorf("%w: malformed request: %v", store.ErrValidation, err))
			s.reply(id, conn, resp)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.reply(id, conn, s.gw.Handle(s.ctx, req))
		}()
	}
}

func (s *Server) reply(id string, conn *websocket.Conn, resp Response) {
	data, err := marshal(resp)
	if err != nil {
		s.logger.Printf("Failed to marshal response %s: %v", resp.ID, err)
		data, _ = marshal(failure(Response{ID: resp.ID}, err))
	}
	if err := s.write(conn, data); err != nil {
		s.logger.Printf("Failed to reply to client %s: %v", id, err)
	}
}

func (s *Server) removeClient(id string) {
	s.clientsMu.Lock()
	conn, exists := s.clients[id]
	if !exists {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, id)
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Printf("Client %s disconnected (total: %d)", id, clientCount)
}

// handleCall runs one operation. The body is the JSON array of positional
// arguments; an empty body means no arguments.
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	req := Request{
		ID: r.Header.Get(RequestIDHeader),
		Op: chi.URLParam(r, "op"),
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	w.Header().Set(RequestIDHeader, req.ID)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize))
	if err != nil {
		writeError(w, req.ID, fmt.Errorf("%w: failed to read body: %v", store.ErrValidation, err))
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req.Args); err != nil {
			writeError(w, req.ID, fmt.Errorf("%w: body must be a JSON array of arguments: %v", store.ErrValidation, err))
			return
		}
	}

	resp := s.gw.Handle(r.Context(), req)
	writeJSON(w, statusFor(resp), resp)
}

func (s *Server) handleOperations(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"operations": s.gw.Operations()})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

// Addr returns the server's listening address
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// statusFor maps a response to an HTTP status code.
func statusFor(resp Response) int {
	if resp.OK || resp.Error == nil {
		return http.StatusOK
	}
	switch resp.Error.Kind {
	case store.KindValidation:
		return http.StatusBadRequest
	case store.KindNotFound:
		return http.StatusNotFound
	case store.KindConstraint:
		return http.StatusConflict
	case store.KindStorageUnavailable, store.KindPersistFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// marshal encodes v without HTML escaping, so "<", ">" and "&" inside
// element properties reach clients as written. Raw JSON values are still
// compacted.
func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(data)
}

func writeError(w http.ResponseWriter, id string, err error) {
	resp := failure(Response{ID: id}, err)
	writeJSON(w, statusFor(resp), resp)
}
