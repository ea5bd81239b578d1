package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/multierr"

	"github.com/rckrdmrd/glit-backend-sub000/pkg/auth"
	"github.com/rckrdmrd/glit-backend-sub000/pkg/config"
	pkgerrors "github.com/rckrdmrd/glit-backend-sub000/pkg/errors"
	"github.com/rckrdmrd/glit-backend-sub000/pkg/logger"
)

const tokenQueryParam = "token"

// ErrGatewayClosed is returned by pushes and upgrades after Close.
var ErrGatewayClosed = pkgerrors.New(pkgerrors.CodeTransportUnavailable, "realtime gateway closed")

type presenceTracker interface {
	Register(userID uuid.UUID, connID string)
	Unregister(userID uuid.UUID, connID string)
	ConnectionsFor(userID uuid.UUID) []string
	OnlineCount() int
	TotalConnectionCount() int
}

// ReadMarker durably marks a notification read for a socket client.
type ReadMarker interface {
	MarkRead(ctx context.Context, userID, notificationID uuid.UUID) error
}

// ReadMarkerFunc adapts a function to ReadMarker.
type ReadMarkerFunc func(ctx context.Context, userID, notificationID uuid.UUID) error

func (f ReadMarkerFunc) MarkRead(ctx context.Context, userID, notificationID uuid.UUID) error {
	return f(ctx, userID, notificationID)
}

// GatewayParams configure the gateway. ReadMarker is optional: without it
// MARK_AS_READ is acknowledged but not persisted.
type GatewayParams struct {
	Logger        *logger.Logger
	Presence      presenceTracker
	Authenticator auth.Authenticator
	Config        config.RealtimeConfig
	ReadMarker    ReadMarker
}

// Stats summarizes live presence.
type Stats struct {
	OnlineUsers int `json:"onlineUsers"`
	Connections int `json:"connections"`
}

// Gateway owns every live websocket connection and is the only writer of presence.
type Gateway struct {
	logg     *logger.Logger
	presence presenceTracker
	authn    auth.Authenticator
	marker   ReadMarker
	cfg      config.RealtimeConfig
	upgrader websocket.Upgrader
	now      func() time.Time

	mu     sync.RWMutex
	conns  map[string]*connection
	closed bool
	wg     sync.WaitGroup
}

// NewGateway validates dependencies and fills realtime defaults.
func NewGateway(params GatewayParams) (*Gateway, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Presence == nil {
		return nil, fmt.Errorf("presence registry required")
	}
	if params.Authenticator == nil {
		return nil, fmt.Errorf("authenticator required")
	}
	cfg := withDefaults(params.Config)
	g := &Gateway{
		logg:     params.Logger,
		presence: params.Presence,
		authn:    params.Authenticator,
		marker:   params.ReadMarker,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		conns:    make(map[string]*connection),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return g, nil
}

func withDefaults(cfg config.RealtimeConfig) config.RealtimeConfig {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongWait {
		cfg.PingInterval = cfg.PongWait * 9 / 10
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 4096
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	return cfg
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		set[strings.TrimRight(strings.TrimSpace(origin), "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.TrimRight(origin, "/")]
		return ok
	}
}

// Authenticate verifies the handshake credential: the Authorization header,
// or the token query parameter for browsers that cannot set headers.
func (g *Gateway) Authenticate(r *http.Request) (auth.Identity, error) {
	credential := strings.TrimSpace(r.Header.Get("Authorization"))
	if credential == "" {
		credential = strings.TrimSpace(r.URL.Query().Get(tokenQueryParam))
	}
	if credential == "" {
		return auth.Identity{}, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials")
	}
	return g.authn.Authenticate(r.Context(), credential)
}

// Serve upgrades an authenticated request and runs the connection until it closes.
// It returns after the pumps are started.
func (g *Gateway) Serve(w http.ResponseWriter, r *http.Request, identity auth.Identity) error {
	if g.isClosed() {
		return ErrGatewayClosed
	}
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("websocket upgrade: %w", err)
	}

	c := newConnection(ws, identity.UserID, g.cfg.SendBuffer, g.now())
	ctx := context.WithoutCancel(r.Context())
	ctx = g.logg.WithUserID(ctx, identity.UserID.String())
	ctx = g.logg.WithConnectionID(ctx, c.id)

	if err := g.attach(ctx, c); err != nil {
		_ = ws.Close()
		return err
	}
	return nil
}

func (g *Gateway) attach(ctx context.Context, c *connection) error {
	if err := c.transition(StateAuthenticated); err != nil {
		return err
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		_ = c.transition(StateDisconnected)
		return ErrGatewayClosed
	}
	g.conns[c.id] = c
	g.wg.Add(2)
	g.mu.Unlock()

	// AUTHENTICATED sits first in the send buffer. The connection becomes
	// visible to pushes once it accepts them, and the client sees the
	// handshake only after that.
	g.reply(ctx, c, Event{Name: EventAuthenticated, Data: AuthenticatedPayload{UserID: c.userID, ConnID: c.id}})
	if err := c.transition(StateActive); err != nil {
		g.logg.Warn(g.logg.WithField(ctx, "error", err.Error()), "connection closed during handshake")
	} else {
		g.presence.Register(c.userID, c.id)
		g.logg.Info(ctx, "realtime connection active")
	}

	go g.writePump(ctx, c)
	go g.readPump(ctx, c)
	return nil
}

func (g *Gateway) readPump(ctx context.Context, c *connection) {
	defer g.wg.Done()
	defer func() {
		g.disconnect(ctx, c)
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(g.cfg.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logg.Warn(g.logg.WithField(ctx, "error", err.Error()), "realtime connection dropped")
			}
			return
		}
		g.dispatch(ctx, c, raw)
	}
}

func (g *Gateway) writePump(ctx context.Context, c *connection) {
	ticker := time.NewTicker(g.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		g.wg.Done()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(g.cfg.WriteTimeout))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				g.logg.Debug(g.logg.WithField(ctx, "error", err.Error()), "realtime write failed")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(g.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch is the single entry point for inbound client messages.
func (g *Gateway) dispatch(ctx context.Context, c *connection, raw []byte) {
	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		g.reply(ctx, c, errorEvent("malformed message"))
		return
	}

	switch env.Event {
	case EventPing:
		g.reply(ctx, c, Event{Name: EventPong, Data: PongPayload{Timestamp: g.now()}})
	case EventMarkAsRead:
		g.handleMarkAsRead(ctx, c, env.Data)
	default:
		g.reply(ctx, c, errorEvent(fmt.Sprintf("unsupported event %q", env.Event)))
	}
}

func (g *Gateway) handleMarkAsRead(ctx context.Context, c *connection, data json.RawMessage) {
	var payload markAsReadPayload
	if len(data) == 0 || json.Unmarshal(data, &payload) != nil {
		g.reply(ctx, c, errorEvent("invalid MARK_AS_READ payload"))
		return
	}
	id, err := uuid.Parse(strings.TrimSpace(payload.NotificationID))
	if err != nil {
		g.reply(ctx, c, errorEvent("notificationId must be a valid uuid"))
		return
	}

	logCtx := g.logg.WithField(ctx, "notification_id", id.String())
	if g.marker == nil {
		g.logg.Debug(logCtx, "mark as read acknowledged")
		return
	}
	if err := g.marker.MarkRead(ctx, c.userID, id); err != nil {
		g.reply(ctx, c, errorEvent(pkgerrors.ClientMessage(err)))
	}
}

func (g *Gateway) reply(ctx context.Context, c *connection, ev Event) {
	payload, err := ev.encode()
	if err != nil {
		g.logg.Error(ctx, "encode realtime event", err)
		return
	}
	if err := c.reply(payload); err != nil {
		g.logg.Warn(g.logg.WithFields(ctx, map[string]any{
			"event": string(ev.Name),
			"error": err.Error(),
		}), "realtime reply dropped")
	}
}

func (g *Gateway) disconnect(ctx context.Context, c *connection) {
	if err := c.transition(StateDisconnected); err != nil {
		return
	}
	g.mu.Lock()
	delete(g.conns, c.id)
	g.mu.Unlock()
	g.presence.Unregister(c.userID, c.id)
	g.logg.Info(g.logg.WithField(ctx, "connected_for_ms", g.now().Sub(c.createdAt).Milliseconds()), "realtime connection closed")
}

// PushToUser enqueues the event on every active connection of the user and
// returns how many accepted it. Per-connection failures are aggregated.
func (g *Gateway) PushToUser(ctx context.Context, userID uuid.UUID, ev Event) (int, error) {
	payload, err := ev.encode()
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode realtime event")
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		return 0, ErrGatewayClosed
	}

	delivered := 0
	var errs error
	for _, id := range g.presence.ConnectionsFor(userID) {
		c, ok := g.conns[id]
		if !ok {
			continue
		}
		if err := c.push(payload); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("connection %s: %w", id, err))
			continue
		}
		delivered++
	}
	return delivered, errs
}

// PushToAll enqueues the event on every active connection.
func (g *Gateway) PushToAll(ctx context.Context, ev Event) (int, error) {
	payload, err := ev.encode()
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode realtime event")
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		return 0, ErrGatewayClosed
	}

	delivered := 0
	var errs error
	for id, c := range g.conns {
		if c.State() != StateActive {
			continue
		}
		if err := c.push(payload); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("connection %s: %w", id, err))
			continue
		}
		delivered++
	}
	return delivered, errs
}

// Stats reports online users and live connections.
func (g *Gateway) Stats() Stats {
	return Stats{
		OnlineUsers: g.presence.OnlineCount(),
		Connections: g.presence.TotalConnectionCount(),
	}
}

// Close refuses new connections and pushes, closes every live connection and
// waits for their goroutines until ctx ends.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	conns := make([]*connection, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	var errs error
	deadline := time.Now().Add(g.cfg.WriteTimeout)
	for _, c := range conns {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		if err := c.ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			errs = multierr.Append(errs, fmt.Errorf("close connection %s: %w", c.id, err))
		}
		_ = c.ws.Close()
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = multierr.Append(errs, fmt.Errorf("wait for connections: %w", ctx.Err()))
	}
	return errs
}

func (g *Gateway) isClosed() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.closed
}
