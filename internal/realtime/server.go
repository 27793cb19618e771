// Package realtime serves the WebSocket protocol and the diagnostic REST
// endpoints.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"diagramflow/internal/backend"
	"diagramflow/internal/catalog"
	"diagramflow/internal/lifecycle"
	"diagramflow/internal/protocol"
	"diagramflow/internal/session"
	"diagramflow/internal/storage"
)

var (
	errClientClosed = errors.New("client closed")
	errBufferFull   = errors.New("send buffer full")
)

// Options tunes the transport.
type Options struct {
	PingInterval    time.Duration
	ReadDeadline    time.Duration
	WriteDeadline   time.Duration
	SendBuffer      int
	MaxMessageBytes int64
	StaticDir       string
}

// DefaultOptions returns the transport defaults.
func DefaultOptions() Options {
	return Options{
		PingInterval:    30 * time.Second,
		ReadDeadline:    60 * time.Second,
		WriteDeadline:   10 * time.Second,
		SendBuffer:      256,
		MaxMessageBytes: 1 << 20,
	}
}

// Rejecter reports requests that never became a task.
type Rejecter interface {
	Reject(sessionID, requestID, code, message string)
}

// ArtifactLoader reads stored artifacts for GET /artifacts/{id}.
type ArtifactLoader interface {
	Load(ctx context.Context, id string) (storage.Record, error)
}

// Deps are the collaborators of the server.
type Deps struct {
	Sessions  *session.Manager
	Lifecycle *lifecycle.Manager
	Rejecter  Rejecter
	Catalog   *catalog.Catalog
	Backends  *backend.Registry
	// Optional.
	Artifacts ArtifactLoader
	Metrics   http.Handler
}

// Server manages WebSocket connections and routes client messages to the
// lifecycle manager.
type Server struct {
	deps     Deps
	opts     Options
	upgrader websocket.Upgrader
	logger   *zap.Logger
	started  time.Time

	templatesMu sync.RWMutex
	templates   []string
}

type client struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	alive     atomic.Bool
	sessionID string
	server    *Server
}

// New creates a realtime server.
func New(deps Deps, opts Options, logger *zap.Logger) *Server {
	def := DefaultOptions()
	if opts.PingInterval <= 0 {
		opts.PingInterval = def.PingInterval
	}
	if opts.ReadDeadline <= 0 {
		opts.ReadDeadline = def.ReadDeadline
	}
	if opts.WriteDeadline <= 0 {
		opts.WriteDeadline = def.WriteDeadline
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = def.SendBuffer
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = def.MaxMessageBytes
	}
	return &Server{
		deps: deps,
		opts: opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow localhost origins for dev.
			},
		},
		logger:  logger.Named("realtime"),
		started: time.Now(),
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint.
	mux.HandleFunc("/ws", s.handleWebSocket)

	// REST API endpoints.
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("GET /catalog", s.handleCatalog)
	if s.deps.Artifacts != nil {
		mux.HandleFunc("GET /artifacts/{id}", s.handleGetArtifact)
	}
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics)
	}

	// Static file serving.
	if s.opts.StaticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.opts.StaticDir)))
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleWebSocket upgrades an HTTP connection to WebSocket and registers its
// session. The session id comes from the session_id query parameter and is
// generated when absent.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade error", zap.Error(err))
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	c := &client{
		conn:      conn,
		send:      make(chan []byte, s.opts.SendBuffer),
		done:      make(chan struct{}),
		sessionID: sessionID,
		server:    s,
	}
	c.alive.Store(true)

	meta := session.Meta{UserID: r.URL.Query().Get("user_id"), RemoteAddr: r.RemoteAddr}
	if err := s.deps.Sessions.Register(sessionID, c, meta); err != nil {
		s.logger.Warn("session rejected", zap.String("session_id", sessionID), zap.Error(err))
		if msg, err := protocol.NewErrorMessage(sessionID, "", protocol.ErrValidation, err.Error()); err == nil {
			conn.SetWriteDeadline(time.Now().Add(s.opts.WriteDeadline))
			conn.WriteJSON(msg)
		}
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session already connected"))
		conn.Close()
		return
	}

	go c.writePump()

	ack, err := protocol.NewMessage(protocol.TypeConnectionAck, sessionID, s.capabilities(sessionID))
	if err == nil {
		s.deps.Sessions.Send(sessionID, ack)
	}

	go c.readPump()
}

func (s *Server) capabilities(sessionID string) protocol.ConnectionAckPayload {
	s.templatesMu.RLock()
	defer s.templatesMu.RUnlock()
	return protocol.ConnectionAckPayload{
		SessionID:       sessionID,
		ProtocolVersion: protocol.Version,
		Capabilities:    s.deps.Backends.Methods(),
		DiagramTypes:    s.deps.Catalog.Kinds(),
		Templates:       s.templates,
	}
}

// OnTemplatesReloaded is the watcher callback. It broadcasts the new
// capability set to every session.
func (s *Server) OnTemplatesReloaded(templates []string) {
	sorted := slices.Clone(templates)
	slices.Sort(sorted)
	s.templatesMu.Lock()
	s.templates = sorted
	s.templatesMu.Unlock()

	msg, err := protocol.NewMessage(protocol.TypeCapabilitiesUpdate, "", s.capabilities(""))
	if err != nil {
		s.logger.Error("failed to build capabilities update", zap.Error(err))
		return
	}
	n := s.deps.Sessions.Broadcast(msg)
	s.logger.Info("capabilities broadcast", zap.Int("sessions", n), zap.Strings("templates", templates))
}

// Send implements session.Conn. It never blocks: a full buffer is an error.
func (c *client) Send(msg *protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errClientClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errBufferFull
	}
}

// Alive implements session.Conn.
func (c *client) Alive() bool { return c.alive.Load() }

func (c *client) close() {
	c.closeOnce.Do(func() {
		c.alive.Store(false)
		close(c.done)
	})
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.close()
		c.server.deps.Sessions.UnregisterConn(c.sessionID, c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.server.opts.MaxMessageBytes)
	c.conn.SetReadDeadline(time.Now().Add(c.server.opts.ReadDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.server.opts.ReadDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Warn("websocket read error", zap.String("session_id", c.sessionID), zap.Error(err))
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(c.server.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.server.opts.WriteDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.server.opts.WriteDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(c.server.opts.WriteDeadline))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, verr := protocol.ValidateClientMessage(raw)
	if verr != nil {
		s.logger.Debug("rejected client message",
			zap.String("session_id", c.sessionID),
			zap.String("code", verr.Code),
			zap.String("reason", verr.Message))
		s.deps.Rejecter.Reject(c.sessionID, verr.RequestID, verr.Code, verr.Message)
		return
	}

	switch msg.Type {
	case protocol.TypeDiagramRequest:
		s.handleDiagramRequest(c, msg)
	case protocol.TypeCancelRequest:
		s.deps.Lifecycle.Cancel(c.sessionID)
	case protocol.TypePing:
		pong, err := protocol.NewMessage(protocol.TypePong, c.sessionID, nil)
		if err == nil {
			s.deps.Sessions.Send(c.sessionID, pong.Correlate(msg.MessageID))
		}
	}
}

func (s *Server) handleDiagramRequest(c *client, msg *protocol.Message) {
	p, err := protocol.DecodeDiagramRequest(msg)
	if err != nil {
		// Already validated; a failure here is a server bug.
		s.deps.Rejecter.Reject(c.sessionID, msg.MessageID, protocol.ErrInternal, err.Error())
		return
	}

	req := backend.Request{
		ID:        msg.MessageID,
		SessionID: c.sessionID,
		Kind:      p.DiagramType,
		Content:   p.Content,
		Theme: backend.Theme{
			Name:            p.Theme,
			PrimaryColor:    p.PrimaryColor,
			SecondaryColor:  p.SecondaryColor,
			BackgroundColor: p.BackgroundColor,
			TextColor:       p.TextColor,
			FontFamily:      p.FontFamily,
		},
		Verbose: p.Verbose,
	}
	if _, err := s.deps.Lifecycle.Submit(req); err != nil {
		s.deps.Rejecter.Reject(c.sessionID, req.ID, protocol.ErrInternal, err.Error())
		return
	}
	s.deps.Sessions.RecordRequest(c.sessionID)
}
