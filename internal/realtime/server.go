package realtime

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"mobide/internal/protocol"
	"mobide/internal/session"
	"mobide/internal/workspace"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	sendBuffer    = 256

	// maxMessageSize bounds a single client frame (pasted input included).
	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server exposes sessions over WebSocket and the workspace file API over REST.
type Server struct {
	registry  *session.Registry
	files     *workspace.Files
	staticDir string
}

// client is one WebSocket connection attached to one session. It is the
// session.Sink for that connection.
type client struct {
	id        string
	sessionID string
	conn      *websocket.Conn
	send      chan []byte
	server    *Server

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a new realtime server.
func New(registry *session.Registry, files *workspace.Files, staticDir string) *Server {
	return &Server{
		registry:  registry,
		files:     files,
		staticDir: staticDir,
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint.
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	// Sessions.
	mux.HandleFunc("POST /api/session", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleStopSession)

	// Workspace files.
	mux.HandleFunc("GET /api/files", s.handleListFiles)
	mux.HandleFunc("GET /api/files/read", s.handleReadFile)
	mux.HandleFunc("GET /api/files/tree", s.handleFileTree)
	mux.HandleFunc("POST /api/files/write", s.handleWriteFile)
	mux.HandleFunc("POST /api/files/create", s.handleCreateEntry)
	mux.HandleFunc("POST /api/files/delete", s.handleDeleteEntry)
	mux.HandleFunc("POST /api/files/rename", s.handleRenameEntry)

	mux.HandleFunc("GET /healthz", s.handleHealth)

	// Static file serving.
	if s.staticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.staticDir)))
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleWebSocket upgrades the connection and attaches it to the session
// named by the sessionId query parameter. The handler goroutine becomes the
// read loop and returns when the connection goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade")
		return
	}

	c := &client{
		id:        uuid.NewString(),
		sessionID: r.URL.Query().Get("sessionId"),
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		server:    s,
		done:      make(chan struct{}),
	}
	go c.writePump()

	if c.sessionID == "" {
		c.fail("Missing sessionId")
		return
	}

	if err := s.registry.Attach(r.Context(), c.sessionID, c); err != nil {
		log.Warn().Err(err).Str("session", c.sessionID).Str("conn", c.id).Msg("attach failed")
		c.fail(attachErrorMessage(err))
		return
	}

	c.readPump(r.Context())
}

func attachErrorMessage(err error) string {
	switch {
	case errors.Is(err, workspace.ErrInvalidSession):
		return "Invalid sessionId"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "Connection failed"
	default:
		return err.Error()
	}
}

// ID implements session.Sink.
func (c *client) ID() string { return c.id }

// Deliver implements session.Sink. A client whose buffer is full is
// disconnected instead of stalling the session.
func (c *client) Deliver(ev session.Event) {
	var (
		data []byte
		err  error
	)
	switch ev.Type {
	case session.EventOutput:
		data, err = protocol.Encode(protocol.TypeOutput, protocol.OutputPayload{Data: ev.Data})
	case session.EventAuthState:
		data, err = protocol.Encode(protocol.TypeAuthState, protocol.AuthStatePayload{URL: ev.Auth.URL, Code: ev.Auth.Code})
	case session.EventAuthDetected:
		data, err = protocol.Encode(protocol.TypeAuthDetected, protocol.AuthDetectedPayload{Type: string(ev.Signal.Type), Value: ev.Signal.Value})
	case session.EventFilesChanged:
		data, err = protocol.Encode(protocol.TypeFilesChanged, protocol.FilesChangedPayload{SessionID: c.sessionID})
	default:
		return
	}
	if err != nil {
		log.Error().Err(err).Str("type", string(ev.Type)).Msg("encode event")
		return
	}

	select {
	case c.send <- data:
	default:
		log.Warn().Str("session", c.sessionID).Str("conn", c.id).Msg("client too slow, disconnecting")
		c.close()
	}
}

// Ended implements session.Sink.
func (c *client) Ended(reason string) {
	c.fail(reason)
}

// fail queues an error-message and closes the connection after it is sent.
func (c *client) fail(message string) {
	if data, err := protocol.NewErrorMessage(message); err == nil {
		select {
		case c.send <- data:
		default:
		}
	}
	c.close()
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *client) sendError(message string) {
	data, err := protocol.NewErrorMessage(message)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump(ctx context.Context) {
	defer func() {
		c.server.registry.Detach(c.sessionID, c.id)
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("conn", c.id).Msg("websocket read")
			}
			return
		}

		c.handleMessage(ctx, message)
	}
}

// writePump writes messages to the WebSocket connection. After close it
// flushes what is already queued, sends a close frame and hangs up.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}

		case <-c.done:
			c.flush()
			return
		}
	}
}

func (c *client) flush() {
	c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	for {
		select {
		case message := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// handleMessage processes a client message. Invalid messages are answered
// with an error-message; the connection stays open.
func (c *client) handleMessage(ctx context.Context, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		c.sendError(err.Error())
		return
	}

	switch msg.Type {
	case protocol.TypeInput:
		p, err := protocol.DecodeInput(msg)
		if err != nil || p.Data == "" {
			return
		}
		if err := c.server.registry.Input(c.sessionID, []byte(p.Data)); err != nil && !errors.Is(err, session.ErrSessionEnded) {
			log.Debug().Err(err).Str("session", c.sessionID).Msg("input dropped")
		}

	case protocol.TypeResize:
		p, err := protocol.DecodeResize(msg)
		if err != nil {
			return
		}
		c.server.registry.Resize(ctx, c.sessionID, p.Cols, p.Rows)
	}
}
