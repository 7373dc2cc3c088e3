package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/internal/session"
	"github.com/haasonsaas/loom/pkg/models"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsPongWait        = 45 * time.Second
	wsPingInterval    = 15 * time.Second
	wsWriteWait       = 10 * time.Second
	wsSendBuffer      = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// wsConn is one websocket client bound to a session.
type wsConn struct {
	server    *Server
	conn      *websocket.Conn
	sessionID string
	send      chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	logger    *observability.Logger
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.PathValue("session_id"))
	if sessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}
	if !session.ValidID(sessionID) {
		http.Error(w, "invalid session_id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	ctx = observability.AddSessionID(ctx, sessionID)
	c := &wsConn{
		server:    s,
		conn:      conn,
		sessionID: sessionID,
		send:      make(chan []byte, wsSendBuffer),
		ctx:       ctx,
		cancel:    cancel,
		logger:    s.logger,
	}
	c.run()
}

func (c *wsConn) run() {
	sub := c.server.hub.Attach(c.sessionID, c.forwardEvent)
	defer func() {
		sub.Close()
		c.close()
		// A vanished client abandons its in-flight turn.
		c.server.sessions.Cancel(c.sessionID)
	}()

	go c.writeLoop()
	c.readLoop()
}

// close tears the connection down. The send channel is left open; the
// hub pump may still be mid-forward and writers bail out on ctx.
func (c *wsConn) close() {
	c.cancel()
	_ = c.conn.Close()
}

func (c *wsConn) readLoop() {
	c.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.dispatch(data)
	}
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch handles one inbound frame. Notifications never produce a
// response, including for unknown methods.
func (c *wsConn) dispatch(raw []byte) {
	req, errResp := decodeRequest(raw)
	if errResp != nil {
		c.reply(errResp)
		return
	}
	if c.server.metrics != nil {
		c.server.metrics.RPCRequests.WithLabelValues(req.Method).Inc()
	}

	switch req.Method {
	case "system.ping":
		c.respond(req, "pong")
	case "chat.send":
		c.handleChatSend(req)
	case "session.clear":
		c.server.sessions.Clear(c.sessionID)
		c.respond(req, "cleared")
	case "agent.stop":
		c.server.sessions.Cancel(c.sessionID)
		c.respond(req, "stopped")
	default:
		if !req.IsNotification() {
			c.reply(newErrorResponse(req.ID, ErrCodeMethodNotFound, "method not found: "+req.Method))
		}
	}
}

type chatSendParams struct {
	Message  string `json:"message"`
	Provider string `json:"provider,omitempty"`
}

func (c *wsConn) handleChatSend(req *JSONRPCRequest) {
	var params chatSendParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			c.replyError(req, ErrCodeInvalidParams, "invalid params: "+err.Error())
			return
		}
	}
	if strings.TrimSpace(params.Message) == "" {
		c.replyError(req, ErrCodeInvalidParams, "message is required")
		return
	}
	if params.Provider != "" {
		if err := c.server.switchProvider(c.sessionID, params.Provider); err != nil {
			c.replyError(req, ErrCodeInvalidParams, err.Error())
			return
		}
	}

	handle := c.server.sessions.HandleMessage(c.sessionID, params.Message)
	if req.IsNotification() {
		return
	}
	go func() {
		result, err := handle.Wait(c.ctx)
		if err != nil {
			c.replyError(req, ErrCodeInternalError, err.Error())
			return
		}
		c.respond(req, result)
	}()
}

// forwardEvent relays a hub event as an agent.* notification.
func (c *wsConn) forwardEvent(event models.Event) error {
	method := string(event.Kind)
	if !strings.HasPrefix(method, "agent.") {
		method = "agent." + method
	}
	data, err := json.Marshal(newNotification(method, event.Payload))
	if err != nil {
		return err
	}
	return c.enqueue(data)
}

func (c *wsConn) respond(req *JSONRPCRequest, result any) {
	if req.IsNotification() {
		return
	}
	c.reply(newResponse(req.ID, result))
}

func (c *wsConn) replyError(req *JSONRPCRequest, code int, message string) {
	if req.IsNotification() {
		return
	}
	c.reply(newErrorResponse(req.ID, code, message))
}

func (c *wsConn) reply(resp *JSONRPCResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		c.logger.Error(c.ctx, "failed to marshal response", "error", err)
		return
	}
	if err := c.enqueue(data); err != nil {
		c.logger.Warn(c.ctx, "dropping outbound frame", "error", err)
	}
}

func (c *wsConn) enqueue(data []byte) error {
	select {
	case <-c.ctx.Done():
		return c.ctx.Err()
	case c.send <- data:
		return nil
	}
}
