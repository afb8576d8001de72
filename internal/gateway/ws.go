package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/klaus/internal/agent"
	"github.com/haasonsaas/klaus/internal/events"
	"github.com/haasonsaas/klaus/internal/observability"
	"github.com/haasonsaas/klaus/internal/ratelimit"
)

const (
	wsWriteWait     = 10 * time.Second
	wsPongWait      = 45 * time.Second
	wsPingInterval  = 15 * time.Second
	wsMaxFrameBytes = 1 << 20
	wsSendBuffer    = 256
	wsSweepInterval = time.Minute
)

// wsFrame is a client-to-server message. Fields are a union over the
// message types; Type selects which ones apply.
type wsFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message,omitempty"`
	Model     string `json:"model,omitempty"`
	PatchID   string `json:"patchId,omitempty"`
	Approved  *bool  `json:"approved,omitempty"`
}

// wsReply is a server-to-client message.
type wsReply struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// wsHub tracks live connections and session ownership. The first socket to
// join a session owns it; later sockets may join only sessions that already
// exist in the store.
type wsHub struct {
	server   *Server
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*wsConn]struct{}
	owners map[string]*wsConn
}

func newWSHub(s *Server) *wsHub {
	return &wsHub{
		server: s,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || s.cfg.CORSOrigin == "*" || origin == s.cfg.CORSOrigin
			},
		},
		conns:  make(map[*wsConn]struct{}),
		owners: make(map[string]*wsConn),
	}
}

func (h *wsHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		h.server.logger.Warn(r.Context(), "unauthorized websocket handshake", "remote", h.server.clientIP(r))
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}

	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	cfg := h.server.cfg
	conn := &wsConn{
		hub:    h,
		socket: socket,
		send:   make(chan wsReply, wsSendBuffer),
		done:   make(chan struct{}),
		subs:   make(map[string]*events.Subscription),
	}
	if cfg.WSRateLimit > 0 {
		conn.bucket = ratelimit.NewBucket(ratelimit.Config{
			RequestsPerMinute: float64(cfg.WSRateLimit),
			BurstSize:         cfg.WSRateLimit,
			Enabled:           true,
		})
	}

	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()

	go conn.writeLoop()
	go conn.readLoop(r.Context())
}

// authorized accepts the API secret from the Authorization header or the
// x-api-key header. An empty configured secret disables the check.
func (h *wsHub) authorized(r *http.Request) bool {
	secret := h.server.cfg.APISecret
	if secret == "" {
		return true
	}
	if token, ok := bearerToken(r); ok && secretsEqual(token, secret) {
		return true
	}
	if key := r.Header.Get("x-api-key"); key != "" && secretsEqual(key, secret) {
		return true
	}
	return false
}

// claimSession records ownership. Returns false when another live socket
// owns the session and it does not exist in the store.
func (h *wsHub) claimSession(ctx context.Context, conn *wsConn, sessionID string) bool {
	h.mu.Lock()
	owner, owned := h.owners[sessionID]
	if !owned || owner.isClosed() {
		h.owners[sessionID] = conn
		h.mu.Unlock()
		return true
	}
	h.mu.Unlock()
	if owner == conn {
		return true
	}

	_, err := h.server.store.GetSession(ctx, sessionID)
	return err == nil
}

func (h *wsHub) drop(conn *wsConn) {
	h.mu.Lock()
	delete(h.conns, conn)
	for sessionID, owner := range h.owners {
		if owner == conn {
			delete(h.owners, sessionID)
		}
	}
	h.mu.Unlock()
}

// sweepOrphans removes ownership entries whose socket is gone.
func (h *wsHub) sweepOrphans(stop <-chan struct{}) {
	ticker := time.NewTicker(wsSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			h.mu.Lock()
			for sessionID, owner := range h.owners {
				if owner.isClosed() {
					delete(h.owners, sessionID)
				}
			}
			h.mu.Unlock()
		}
	}
}

// shutdown broadcasts server_shutdown and closes every connection.
func (h *wsHub) shutdown(message string) {
	h.mu.Lock()
	conns := make([]*wsConn, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		conn.trySend(wsReply{Type: "server_shutdown", Data: map[string]any{"message": message}})
		conn.close()
	}
}

// wsConn is one client socket. A single writer goroutine owns all writes.
type wsConn struct {
	hub    *wsHub
	socket *websocket.Conn
	send   chan wsReply
	bucket *ratelimit.Bucket

	closeOnce sync.Once
	done      chan struct{}

	mu   sync.Mutex
	subs map[string]*events.Subscription
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		for _, sub := range c.subs {
			sub.Close()
		}
		c.subs = nil
		c.mu.Unlock()
		c.socket.Close()
		c.hub.drop(c)
	})
}

func (c *wsConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// trySend queues a reply without blocking. A full buffer drops the frame;
// a slow consumer must not stall the agent loop.
func (c *wsConn) trySend(reply wsReply) {
	select {
	case c.send <- reply:
	case <-c.done:
	default:
	}
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case reply := <-c.send:
			c.socket.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.socket.WriteJSON(reply); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.socket.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) readLoop(ctx context.Context) {
	defer c.close()

	c.socket.SetReadLimit(wsMaxFrameBytes)
	c.socket.SetReadDeadline(time.Now().Add(wsPongWait))
	c.socket.SetPongHandler(func(string) error {
		return c.socket.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var frame wsFrame
		if err := c.socket.ReadJSON(&frame); err != nil {
			return
		}
		if c.bucket != nil && !c.bucket.Allow() {
			if c.hub.server.metrics != nil {
				c.hub.server.metrics.RecordRateLimitRejection("websocket")
			}
			c.sendError("rate limit exceeded", "rate_limited")
			continue
		}
		c.handle(ctx, frame)
	}
}

func (c *wsConn) handle(ctx context.Context, frame wsFrame) {
	switch frame.Type {
	case "join_session":
		c.handleJoin(ctx, frame.SessionID)
	case "prompt":
		c.handlePrompt(ctx, frame)
	case "cancel":
		cancelled := c.hub.server.loop.Cancel(frame.SessionID)
		c.trySend(wsReply{Type: "cancel_result", Data: map[string]any{
			"cancelled": cancelled,
			"sessionId": frame.SessionID,
		}})
	case "patch_approval_response":
		if frame.PatchID == "" || frame.Approved == nil {
			c.sendError("patchId and approved are required", "validation")
			return
		}
		if !c.hub.server.approvals.Resolve(frame.PatchID, *frame.Approved) {
			c.sendError("no pending approval for patch "+frame.PatchID, "not_found")
		}
	default:
		c.sendError("unknown message type: "+frame.Type, "validation")
	}
}

func (c *wsConn) handleJoin(ctx context.Context, sessionID string) {
	if sessionID == "" {
		c.sendError("sessionId is required", "validation")
		return
	}
	if !c.hub.claimSession(ctx, c, sessionID) {
		c.sendError("session not found", "not_found")
		return
	}
	c.subscribe(sessionID)
	c.trySend(wsReply{Type: "joined", Data: map[string]any{"sessionId": sessionID}})
}

// subscribe attaches the connection to the session's event stream. A pump
// goroutine forwards every bus event as agent_event.
func (c *wsConn) subscribe(sessionID string) {
	c.mu.Lock()
	if c.subs == nil {
		c.mu.Unlock()
		return
	}
	if _, exists := c.subs[sessionID]; exists {
		c.mu.Unlock()
		return
	}
	sub := c.hub.server.bus.Subscribe(sessionID)
	c.subs[sessionID] = sub
	c.mu.Unlock()

	go func() {
		for event := range sub.C() {
			c.trySend(wsReply{Type: "agent_event", Data: event})
		}
	}()
}

func (c *wsConn) handlePrompt(ctx context.Context, frame wsFrame) {
	server := c.hub.server
	if frame.Message == "" {
		c.sendError("message is required", "validation")
		return
	}
	if !server.cfg.ModelAllowed(frame.Model) {
		c.sendError("model not allowed", "validation")
		return
	}

	sessionID := frame.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if !c.hub.claimSession(ctx, c, sessionID) {
		c.sendError("session not found", "not_found")
		return
	}
	c.subscribe(sessionID)

	// Runs detached from the socket's request context so a dropped
	// connection does not abort the agent mid-run.
	runCtx := observability.AddRequestID(context.Background(), observability.GetRequestID(ctx))
	go func() {
		result, err := server.loop.Run(runCtx, agent.RunRequest{
			SessionID: sessionID,
			Prompt:    frame.Message,
			Model:     frame.Model,
		})
		if err != nil {
			c.sendError(agent.SanitizeErrorText(err.Error()), string(agent.KindOf(err)))
			return
		}
		c.trySend(wsReply{Type: "prompt_complete", Data: result})
	}()
}

func (c *wsConn) sendError(message, code string) {
	c.trySend(wsReply{Type: "error_event", Data: map[string]any{
		"error": message,
		"code":  code,
	}})
}
