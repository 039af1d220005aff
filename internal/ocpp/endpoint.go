package ocpp

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"csms/internal/config"
	"csms/internal/identity"
	"csms/internal/metrics"
	"csms/internal/models"
	"csms/internal/security"
	"csms/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const subprotocol = "ocpp1.6"

// Endpoint is the WebSocket entry point charge points connect to. One
// Endpoint serves every station; each accepted socket gets its own Conn.
type Endpoint struct {
	cfg     config.Config
	store   *store.Store
	backend Backend
	relay   Relay
	logger  *zap.Logger

	upgrader websocket.Upgrader
}

func NewEndpoint(cfg config.Config, st *store.Store, backend Backend, relay Relay, logger *zap.Logger) *Endpoint {
	return &Endpoint{
		cfg:     cfg,
		store:   st,
		backend: backend,
		relay:   relay,
		logger:  logger.Named("ocpp"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			Subprotocols:    []string{subprotocol},
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Conn is one live charge point session.
type Conn struct {
	endpoint *Endpoint
	ws       *websocket.Conn
	serial   string
	remoteIP string
	charger  *models.Charger
	logger   *zap.Logger

	mu        sync.Mutex
	connector any // nil until learned
	writeMu   sync.Mutex
	closeOnce sync.Once
}

// ServeHTTP upgrades /ws/ocpp/{identity} requests. Any previous session for
// the same charger, under whatever key it registered, is closed before the
// new one takes over.
func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "identity")
	if serial == "" {
		serial = strings.Trim(strings.TrimPrefix(r.URL.Path, "/ws/ocpp"), "/")
	}
	if serial == "" {
		http.Error(w, "missing charger identity", http.StatusBadRequest)
		return
	}

	charger, err := e.backend.Chargers.GetOrCreate(r.Context(), serial)
	if err != nil {
		e.logger.Error("charger lookup", zap.String("serial", serial), zap.Error(err))
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}

	if e.cfg.RequireSecret && charger.SecretHash != "" {
		_, pass, ok := r.BasicAuth()
		if !ok || !security.ConstantTimeEqualHex(charger.SecretHash, security.HashSecretSHA256(pass)) {
			e.logger.Warn("rejected connection, bad secret", zap.String("serial", serial))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	ws, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.logger.Warn("upgrade failed", zap.String("serial", serial), zap.Error(err))
		return
	}
	if ws.Subprotocol() != subprotocol {
		e.logger.Warn("subprotocol not negotiated",
			zap.String("serial", serial), zap.String("got", ws.Subprotocol()))
	}

	ip := remoteIP(r)
	c := &Conn{
		endpoint: e,
		ws:       ws,
		serial:   serial,
		remoteIP: ip,
		charger:  charger,
		logger:   e.logger.With(zap.String("serial", serial)),
	}

	if !e.store.RegisterIP(ip, c) {
		c.logger.Warn("connection cap reached for ip", zap.String("ip", ip))
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections"), time.Now().Add(time.Second))
		ws.Close()
		return
	}

	// A reconnecting charger supersedes every prior session for its serial,
	// including one already re-keyed under a learned connector.
	for _, old := range e.store.PopSerialConnections(serial) {
		old.Close("superseded by new connection")
	}

	// No connector negotiated yet: the pending key is the primary slot.
	e.store.SetConnection(serial, identity.PendingSlug, c)
	c.logger.Info("charge point connected", zap.String("ip", ip))

	c.readLoop()
}

func (c *Conn) IdentityKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connector == nil {
		return identity.PendingKey(c.serial)
	}
	return identity.Key(c.serial, c.connector)
}

func (c *Conn) logKey() string {
	return identity.Key(c.serial, nil)
}

// Close terminates the socket. Safe to call repeatedly and from any
// goroutine; the read loop's exit path performs registry cleanup.
func (c *Conn) Close(reason string) {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = c.ws.Close()
	})
}

func (c *Conn) send(raw []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		return err
	}
	c.endpoint.store.Logs.AppendSession(c.serial, "send", raw)
	return nil
}

// learnConnector re-keys the registry entry once a concrete connector id is
// seen, replacing the pending/aggregate fallback slot.
func (c *Conn) learnConnector(id int) {
	if id <= 0 {
		return
	}
	c.mu.Lock()
	if c.connector != nil {
		c.mu.Unlock()
		return
	}
	c.connector = id
	c.mu.Unlock()

	c.endpoint.store.DropConnection(c.serial, identity.PendingSlug, c)
	c.endpoint.store.SetConnection(c.serial, id, c)
}

func (c *Conn) readLoop() {
	defer c.teardown()

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			c.logger.Info("connection closed", zap.Error(err))
			return
		}
		c.handleFrame(raw)
	}
}

func (c *Conn) teardown() {
	st := c.endpoint.store

	c.mu.Lock()
	connector := c.connector
	c.mu.Unlock()

	if connector != nil {
		st.DropConnection(c.serial, connector, c)
	}
	st.DropConnection(c.serial, identity.PendingSlug, c)
	st.ReleaseIP(c.remoteIP, c)
	st.Logs.EndSession(c.serial)
	st.ClearPendingCalls(c.serial)
	c.Close("going away")
	c.logger.Info("charge point disconnected")
}

// handleFrame processes one inbound frame. Any failure inside a single
// message is contained here; the connection stays up for the next one.
func (c *Conn) handleFrame(raw []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	frame, err := ParseFrame(raw)
	if err != nil {
		// Malformed frames are dropped without a reply; stations retry.
		c.logger.Debug("dropping malformed frame", zap.Error(err))
		return
	}

	c.endpoint.store.Logs.AppendSession(c.serial, "recv", raw)
	if c.endpoint.relay != nil {
		c.endpoint.relay.Forward(c.serial, raw)
	}

	switch frame.Type {
	case MessageTypeCall:
		c.handleCall(ctx, frame, raw)
	case MessageTypeCallResult:
		c.handleCallResult(ctx, frame)
	case MessageTypeCallError:
		c.handleCallError(ctx, frame)
	}
}

func (c *Conn) handleCall(ctx context.Context, frame *Frame, raw []byte) {
	metrics.MessagesTotal.WithLabelValues(frame.Action).Inc()

	if c.endpoint.backend.Events != nil {
		if err := c.endpoint.backend.Events.InsertRaw(ctx, c.serial, frame.Action, time.Now().UTC(), raw); err != nil {
			c.logger.Warn("event capture failed", zap.Error(err))
		}
	}

	if f, ok := c.endpoint.store.ConsumeFollowup(c.serial, frame.Action); ok {
		c.endpoint.store.Logs.AppendLog(f.LogKey,
			"triggered "+frame.Action+" delivered for "+f.Target)
	}

	handler, ok := callHandlers[frame.Action]
	if !ok {
		c.logger.Warn("unknown action", zap.String("action", frame.Action))
		return
	}

	reply, err := c.runCallHandler(ctx, frame.Action, handler, frame.Payload)
	if err != nil {
		c.logger.Error("call handler failed",
			zap.String("action", frame.Action), zap.Error(err))
		return
	}

	out, err := EncodeCallResult(frame.UniqueID, reply)
	if err != nil {
		c.logger.Error("encoding call result", zap.Error(err))
		return
	}
	if err := c.send(out); err != nil {
		c.logger.Warn("sending call result", zap.Error(err))
	}
}

// runCallHandler contains a handler panic to the one message that caused it.
func (c *Conn) runCallHandler(ctx context.Context, action string, handler func(*Conn, context.Context, map[string]any) (map[string]any, error), payload map[string]any) (reply map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("call handler panic",
				zap.String("action", action), zap.Any("panic", r))
			reply, err = nil, fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(c, ctx, payload)
}

func (c *Conn) handleCallResult(ctx context.Context, frame *Frame) {
	pc, ok := c.endpoint.store.GetPendingCall(frame.UniqueID)
	if !ok {
		c.logger.Warn("unsolicited call result", zap.String("messageId", frame.UniqueID))
		return
	}

	// Resolution must happen even if the handler fails or panics.
	defer c.endpoint.store.RecordPendingCallResult(frame.UniqueID, store.CallResult{
		Success: true,
		Payload: frame.Payload,
	})

	c.runResultHandler(ctx, pc, frame.Payload)
}

func (c *Conn) runResultHandler(ctx context.Context, pc store.PendingCallInfo, payload map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("result handler panic",
				zap.String("action", pc.Action), zap.Any("panic", r))
		}
	}()

	handler, ok := resultHandlers[pc.Action]
	if !ok {
		c.logger.Warn("no result handler", zap.String("action", pc.Action))
		return
	}
	if err := handler(ctx, c, pc, payload); err != nil {
		c.logger.Error("result handler failed",
			zap.String("action", pc.Action), zap.Error(err))
	}
}

func (c *Conn) handleCallError(ctx context.Context, frame *Frame) {
	pc, ok := c.endpoint.store.GetPendingCall(frame.UniqueID)
	if !ok {
		c.logger.Warn("unsolicited call error", zap.String("messageId", frame.UniqueID))
		return
	}

	defer c.endpoint.store.RecordPendingCallResult(frame.UniqueID, store.CallResult{
		Success:          false,
		ErrorCode:        frame.ErrorCode,
		ErrorDescription: frame.ErrorDescription,
		ErrorDetails:     frame.ErrorDetails,
	})

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("error handler panic",
				zap.String("action", pc.Action), zap.Any("panic", r))
		}
	}()

	handler, ok := errorHandlers[pc.Action]
	if !ok {
		c.endpoint.store.Logs.AppendLog(pc.LogKey,
			pc.Action+" rejected: "+frame.ErrorCode+" "+frame.ErrorDescription)
		return
	}
	if err := handler(ctx, c, pc, frame); err != nil {
		c.logger.Error("error handler failed",
			zap.String("action", pc.Action), zap.Error(err))
	}
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
