package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"agentbridge/internal/protocol"
	"agentbridge/internal/store"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	sendBuffer    = 1024
)

// Close codes sent to rejected websocket clients.
const (
	CloseSessionActive = 4000
	CloseUnauthorized  = 4001
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow localhost origins for dev.
	},
}

// Session receives client connections and actions.
type Session interface {
	HandleClientConnected()
	HandleClientMessage(ctx context.Context, msg protocol.ClientMessage)
}

// MessageLister exposes the stored conversation.
type MessageLister interface {
	All() []store.Message
}

// Options configures the HTTP surface.
type Options struct {
	// Password gates the UI, API and websocket when non-empty.
	Password     string
	StaticDir    string
	ModelOptions []string
	Logger       *slog.Logger
}

// Server owns the HTTP routes and the single active websocket client.
// Outbound events from the session are delivered to that client only.
type Server struct {
	session  Session
	messages MessageLister
	opts     Options
	logger   *slog.Logger

	mu     sync.Mutex
	active *client
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new realtime server. Attach must be called before the
// handler serves websocket traffic.
func New(messages MessageLister, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		messages: messages,
		opts:     opts,
		logger:   logger.With("component", "realtime"),
	}
}

// Attach sets the session that receives client traffic.
func (s *Server) Attach(session Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = session
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	// The websocket gate answers with close codes rather than HTTP errors.
	r.Get("/ws", s.handleWebSocket)
	r.With(s.logRequests).Post("/api/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.logRequests)
		r.Use(s.requireAuth)
		r.Get("/api/messages", s.handleMessages)
		r.Get("/api/model-options", s.handleModelOptions)
		r.Handle("/*", s.staticHandler())
	})
	return r
}

func (s *Server) staticHandler() http.Handler {
	if s.opts.StaticDir == "" {
		return http.NotFoundHandler()
	}
	return http.FileServer(http.Dir(s.opts.StaticDir))
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	})
}

// handleWebSocket upgrades an HTTP connection to WebSocket. Only one
// client may be attached at a time.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade error", "error", err)
		return
	}

	if !s.authorized(r) {
		s.logger.Warn("rejecting unauthorized websocket client", "remote", r.RemoteAddr)
		closeWith(conn, CloseUnauthorized, "Unauthorized")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		server: s,
		ctx:    ctx,
		cancel: cancel,
	}

	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		cancel()
		s.logger.Warn("rejecting second websocket client", "remote", r.RemoteAddr)
		closeWith(conn, CloseSessionActive, "Another session is already active")
		return
	}
	s.active = c
	session := s.session
	s.mu.Unlock()

	s.logger.Info("client connected", "remote", r.RemoteAddr)

	go c.writePump()
	if session != nil {
		session.HandleClientConnected()
	}
	go c.readPump()
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(writeDeadline))
	conn.Close()
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Warn("websocket read error", "error", err)
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// removeClient detaches a disconnected client.
func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == c {
		s.active = nil
	}
	c.cancel()
	close(c.send)
	s.logger.Info("client disconnected")
}

// handleMessage validates a client message and hands it to the session.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.logger.Warn("invalid client message", "error", err)
		s.sendTo(c, protocol.NewErrorEvent(protocol.ErrInvalidMessage, err.Error()))
		return
	}

	s.mu.Lock()
	session := s.session
	s.mu.Unlock()
	if session == nil {
		s.sendTo(c, protocol.NewErrorEvent(protocol.ErrInvalidMessage, "session not ready"))
		return
	}
	session.HandleClientMessage(c.ctx, *msg)
}

// Emit delivers ev to the active client, if any. Events are dropped when
// nobody is connected or the client's buffer is full.
func (s *Server) Emit(ev protocol.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("marshal event", "type", ev.Type, "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return
	}
	select {
	case s.active.send <- data:
	default:
		s.logger.Warn("client buffer full, dropping event", "type", ev.Type)
	}
}

func (s *Server) sendTo(c *client, ev protocol.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != c {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}
