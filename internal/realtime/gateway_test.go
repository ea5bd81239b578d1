package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rckrdmrd/glit-backend-sub000/internal/presence"
	"github.com/rckrdmrd/glit-backend-sub000/pkg/auth"
	"github.com/rckrdmrd/glit-backend-sub000/pkg/config"
	"github.com/rckrdmrd/glit-backend-sub000/pkg/enums"
	pkgerrors "github.com/rckrdmrd/glit-backend-sub000/pkg/errors"
	"github.com/rckrdmrd/glit-backend-sub000/pkg/logger"
)

type fakeAuthenticator struct {
	tokens map[string]uuid.UUID
}

func (f fakeAuthenticator) Authenticate(ctx context.Context, credential string) (auth.Identity, error) {
	userID, ok := f.tokens[auth.BearerToken(credential)]
	if !ok {
		return auth.Identity{}, pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid token")
	}
	return auth.Identity{UserID: userID, Role: enums.UserRoleStudent}, nil
}

type gatewayHarness struct {
	gateway  *Gateway
	registry *presence.Registry
	server   *httptest.Server
}

func newGatewayHarness(t *testing.T, tokens map[string]uuid.UUID, marker ReadMarker) *gatewayHarness {
	t.Helper()
	registry := presence.NewRegistry(nil)
	return startGatewayHarness(t, tokens, marker, registry, registry)
}

func startGatewayHarness(t *testing.T, tokens map[string]uuid.UUID, marker ReadMarker, registry *presence.Registry, tracker presenceTracker) *gatewayHarness {
	t.Helper()
	gw, err := NewGateway(GatewayParams{
		Logger:        logger.New(logger.Options{ServiceName: "test"}),
		Presence:      tracker,
		Authenticator: fakeAuthenticator{tokens: tokens},
		Config:        config.RealtimeConfig{SendBuffer: 16},
		ReadMarker:    marker,
	})
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := gw.Authenticate(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if err := gw.Serve(w, r, identity); err != nil && errors.Is(err, ErrGatewayClosed) {
			http.Error(w, "closed", http.StatusServiceUnavailable)
		}
	}))
	t.Cleanup(func() {
		_ = gw.Close(context.Background())
		server.Close()
	})
	return &gatewayHarness{gateway: gw, registry: registry, server: server}
}

func (h *gatewayHarness) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial failed (status %d): %v", status, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type wireEvent struct {
	Event EventName       `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func readEvent(t *testing.T, conn *websocket.Conn) wireEvent {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev wireEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

func expectAuthenticated(t *testing.T, conn *websocket.Conn, userID uuid.UUID) string {
	t.Helper()
	ev := readEvent(t, conn)
	if ev.Event != EventAuthenticated {
		t.Fatalf("expected AUTHENTICATED, got %s", ev.Event)
	}
	var payload AuthenticatedPayload
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		t.Fatalf("decode authenticated: %v", err)
	}
	if payload.UserID != userID {
		t.Fatalf("expected user %s, got %s", userID, payload.UserID)
	}
	if payload.ConnID == "" {
		t.Fatal("expected connection id")
	}
	return payload.ConnID
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestGatewayRejectsInvalidCredentialWithoutState(t *testing.T) {
	h := newGatewayHarness(t, map[string]uuid.UUID{}, nil)

	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/?token=bogus"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
	if h.registry.OnlineCount() != 0 || h.gateway.Stats().Connections != 0 {
		t.Fatal("rejected handshake must not create presence")
	}
}

func TestGatewayAcceptsHeaderCredential(t *testing.T) {
	user := uuid.New()
	h := newGatewayHarness(t, map[string]uuid.UUID{"tok": user}, nil)

	header := http.Header{}
	header.Set("Authorization", "Bearer tok")
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	expectAuthenticated(t, conn, user)
}

func TestGatewayRegistersAndUnregistersPresence(t *testing.T) {
	user := uuid.New()
	h := newGatewayHarness(t, map[string]uuid.UUID{"tok": user}, nil)

	conn := h.dial(t, "tok")
	connID := expectAuthenticated(t, conn, user)

	if !h.registry.IsOnline(user) {
		t.Fatal("expected user online after handshake")
	}
	if got := h.registry.ConnectionsFor(user); len(got) != 1 || got[0] != connID {
		t.Fatalf("expected registry to hold %s, got %v", connID, got)
	}

	_ = conn.Close()
	waitFor(t, "presence removal", func() bool { return !h.registry.IsOnline(user) })
}

func TestGatewayPingAndUnknownEvents(t *testing.T) {
	user := uuid.New()
	h := newGatewayHarness(t, map[string]uuid.UUID{"tok": user}, nil)
	conn := h.dial(t, "tok")
	expectAuthenticated(t, conn, user)

	if err := conn.WriteJSON(map[string]any{"event": "SUBSCRIBE_EVERYTHING"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if ev := readEvent(t, conn); ev.Event != EventError {
		t.Fatalf("expected ERROR for unknown event, got %s", ev.Event)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if ev := readEvent(t, conn); ev.Event != EventError {
		t.Fatalf("expected ERROR for malformed message, got %s", ev.Event)
	}

	if err := conn.WriteJSON(map[string]any{"event": EventPing}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if ev := readEvent(t, conn); ev.Event != EventPong {
		t.Fatalf("expected PONG after errors, got %s", ev.Event)
	}
	if !h.registry.IsOnline(user) {
		t.Fatal("errors must not close the connection")
	}
}

func TestGatewayPushToUserReachesEveryDevice(t *testing.T) {
	user := uuid.New()
	other := uuid.New()
	h := newGatewayHarness(t, map[string]uuid.UUID{"u": user, "o": other}, nil)

	c1 := h.dial(t, "u")
	expectAuthenticated(t, c1, user)
	c2 := h.dial(t, "u")
	expectAuthenticated(t, c2, user)
	c3 := h.dial(t, "o")
	expectAuthenticated(t, c3, other)

	delivered, err := h.gateway.PushToUser(context.Background(), user, UnreadCountEvent(3, time.Now()))
	if err != nil {
		t.Fatalf("PushToUser: %v", err)
	}
	if delivered != 2 {
		t.Fatalf("expected 2 deliveries, got %d", delivered)
	}
	for _, conn := range []*websocket.Conn{c1, c2} {
		ev := readEvent(t, conn)
		if ev.Event != EventUnreadCountUpdated {
			t.Fatalf("expected UNREAD_COUNT_UPDATED, got %s", ev.Event)
		}
		var payload UnreadCountPayload
		_ = json.Unmarshal(ev.Data, &payload)
		if payload.Count != 3 {
			t.Fatalf("expected count 3, got %d", payload.Count)
		}
	}

	_ = c1.Close()
	waitFor(t, "c1 removal", func() bool { return len(h.registry.ConnectionsFor(user)) == 1 })
	if !h.registry.IsOnline(user) {
		t.Fatal("user should stay online through c2")
	}

	delivered, err = h.gateway.PushToUser(context.Background(), user, NotificationReadEvent(uuid.New(), time.Now()))
	if err != nil || delivered != 1 {
		t.Fatalf("expected 1 delivery after c1 closed, got %d err=%v", delivered, err)
	}
	if ev := readEvent(t, c2); ev.Event != EventNotificationRead {
		t.Fatalf("expected NOTIFICATION_READ on c2, got %s", ev.Event)
	}
}

func TestGatewayPushToOfflineUser(t *testing.T) {
	h := newGatewayHarness(t, map[string]uuid.UUID{}, nil)
	delivered, err := h.gateway.PushToUser(context.Background(), uuid.New(), UnreadCountEvent(1, time.Now()))
	if err != nil || delivered != 0 {
		t.Fatalf("expected zero deliveries without error, got %d err=%v", delivered, err)
	}
}

func TestGatewayPushToAll(t *testing.T) {
	u1, u2 := uuid.New(), uuid.New()
	h := newGatewayHarness(t, map[string]uuid.UUID{"a": u1, "b": u2}, nil)
	a := h.dial(t, "a")
	expectAuthenticated(t, a, u1)
	b := h.dial(t, "b")
	expectAuthenticated(t, b, u2)

	delivered, err := h.gateway.PushToAll(context.Background(), NewNotificationEvent(map[string]string{"title": "hi"}, time.Now()))
	if err != nil || delivered != 2 {
		t.Fatalf("expected 2 deliveries, got %d err=%v", delivered, err)
	}
	for _, conn := range []*websocket.Conn{a, b} {
		if ev := readEvent(t, conn); ev.Event != EventNewNotification {
			t.Fatalf("expected NEW_NOTIFICATION, got %s", ev.Event)
		}
	}
}

type recordingMarker struct {
	mu    sync.Mutex
	calls []uuid.UUID
	err   error
}

func (r *recordingMarker) MarkRead(ctx context.Context, userID, notificationID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, notificationID)
	return r.err
}

func (r *recordingMarker) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestGatewayMarkAsReadAcknowledgeOnly(t *testing.T) {
	user := uuid.New()
	h := newGatewayHarness(t, map[string]uuid.UUID{"tok": user}, nil)
	conn := h.dial(t, "tok")
	expectAuthenticated(t, conn, user)

	if err := conn.WriteJSON(map[string]any{"event": EventMarkAsRead, "data": map[string]string{"notificationId": uuid.NewString()}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.WriteJSON(map[string]any{"event": EventPing}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if ev := readEvent(t, conn); ev.Event != EventPong {
		t.Fatalf("acknowledgment must not emit events, got %s", ev.Event)
	}
}

func TestGatewayMarkAsReadDurablePath(t *testing.T) {
	user := uuid.New()
	marker := &recordingMarker{}
	h := newGatewayHarness(t, map[string]uuid.UUID{"tok": user}, marker)
	conn := h.dial(t, "tok")
	expectAuthenticated(t, conn, user)

	id := uuid.New()
	if err := conn.WriteJSON(map[string]any{"event": EventMarkAsRead, "data": map[string]string{"notificationId": id.String()}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, "marker call", func() bool { return marker.count() == 1 })
	if marker.calls[0] != id {
		t.Fatalf("expected marker called with %s, got %s", id, marker.calls[0])
	}

	marker.mu.Lock()
	marker.err = pkgerrors.New(pkgerrors.CodeForbidden, "notification belongs to another user")
	marker.mu.Unlock()
	if err := conn.WriteJSON(map[string]any{"event": EventMarkAsRead, "data": map[string]string{"notificationId": id.String()}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	ev := readEvent(t, conn)
	if ev.Event != EventError {
		t.Fatalf("expected ERROR, got %s", ev.Event)
	}
	var payload ErrorPayload
	_ = json.Unmarshal(ev.Data, &payload)
	if payload.Message != "notification belongs to another user" {
		t.Fatalf("unexpected error message %q", payload.Message)
	}

	if err := conn.WriteJSON(map[string]any{"event": EventMarkAsRead, "data": map[string]string{"notificationId": "nope"}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if ev := readEvent(t, conn); ev.Event != EventError {
		t.Fatalf("expected ERROR for invalid id, got %s", ev.Event)
	}
}

func TestGatewayCloseStopsPushesAndDrainsPresence(t *testing.T) {
	user := uuid.New()
	h := newGatewayHarness(t, map[string]uuid.UUID{"tok": user}, nil)
	conn := h.dial(t, "tok")
	expectAuthenticated(t, conn, user)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.gateway.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected connection closed by server")
	}
	waitFor(t, "presence drained", func() bool { return h.registry.OnlineCount() == 0 })

	if _, err := h.gateway.PushToUser(context.Background(), user, UnreadCountEvent(0, time.Now())); !errors.Is(err, ErrGatewayClosed) {
		t.Fatalf("expected ErrGatewayClosed, got %v", err)
	}
	if !pkgerrors.IsCode(ErrGatewayClosed, pkgerrors.CodeTransportUnavailable) {
		t.Fatal("gateway closed must map to transport unavailable")
	}

	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/?token=tok"
	if _, resp, err := websocket.DefaultDialer.Dial(url, nil); err == nil || resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected upgrade refused after close, err=%v resp=%+v", err, resp)
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example.com/"})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if !check(req) {
		t.Fatal("requests without origin should pass")
	}
	req.Header.Set("Origin", "https://app.example.com")
	if !check(req) {
		t.Fatal("expected allowed origin to pass")
	}
	req.Header.Set("Origin", "https://evil.example.com")
	if check(req) {
		t.Fatal("expected unknown origin to be rejected")
	}
}

// pushOnRegister pushes to a user the moment presence reports them online.
type pushOnRegister struct {
	*presence.Registry
	gateway *Gateway

	mu        sync.Mutex
	delivered int
	err       error
	done      chan struct{}
}

func (p *pushOnRegister) Register(userID uuid.UUID, connID string) {
	p.Registry.Register(userID, connID)
	delivered, err := p.gateway.PushToUser(context.Background(), userID, UnreadCountEvent(4, time.Now()))
	p.mu.Lock()
	p.delivered, p.err = delivered, err
	p.mu.Unlock()
	close(p.done)
}

func TestGatewayRegistersPresenceOnlyOnceActive(t *testing.T) {
	user := uuid.New()
	registry := presence.NewRegistry(nil)
	tracker := &pushOnRegister{Registry: registry, done: make(chan struct{})}
	h := startGatewayHarness(t, map[string]uuid.UUID{"tok": user}, nil, registry, tracker)
	tracker.gateway = h.gateway

	conn := h.dial(t, "tok")
	expectAuthenticated(t, conn, user)

	select {
	case <-tracker.done:
	case <-time.After(2 * time.Second):
		t.Fatal("presence never registered")
	}
	tracker.mu.Lock()
	delivered, err := tracker.delivered, tracker.err
	tracker.mu.Unlock()
	if err != nil || delivered != 1 {
		t.Fatalf("expected push at registration to be delivered, got delivered=%d err=%v", delivered, err)
	}

	ev := readEvent(t, conn)
	if ev.Event != EventUnreadCountUpdated {
		t.Fatalf("expected UNREAD_COUNT_UPDATED, got %s", ev.Event)
	}
}

func TestGatewayPushToAllSkipsHandshakingConnections(t *testing.T) {
	h := newGatewayHarness(t, map[string]uuid.UUID{}, nil)
	pending := newConnection(nil, uuid.New(), 1, time.Now())
	if err := pending.transition(StateAuthenticated); err != nil {
		t.Fatalf("transition: %v", err)
	}
	h.gateway.mu.Lock()
	h.gateway.conns[pending.id] = pending
	h.gateway.mu.Unlock()
	defer func() {
		h.gateway.mu.Lock()
		delete(h.gateway.conns, pending.id)
		h.gateway.mu.Unlock()
	}()

	delivered, err := h.gateway.PushToAll(context.Background(), UnreadCountEvent(1, time.Now()))
	if err != nil || delivered != 0 {
		t.Fatalf("expected handshaking connection to be skipped, got delivered=%d err=%v", delivered, err)
	}
}
