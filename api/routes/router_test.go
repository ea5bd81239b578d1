package routes

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/rckrdmrd/glit-backend-sub000/internal/cron"
	"github.com/rckrdmrd/glit-backend-sub000/internal/notifications"
	"github.com/rckrdmrd/glit-backend-sub000/internal/presence"
	"github.com/rckrdmrd/glit-backend-sub000/internal/realtime"
	"github.com/rckrdmrd/glit-backend-sub000/pkg/auth"
	"github.com/rckrdmrd/glit-backend-sub000/pkg/config"
	"github.com/rckrdmrd/glit-backend-sub000/pkg/enums"
	pkgerrors "github.com/rckrdmrd/glit-backend-sub000/pkg/errors"
	"github.com/rckrdmrd/glit-backend-sub000/pkg/logger"
	"github.com/rckrdmrd/glit-backend-sub000/pkg/metrics"
)

const (
	studentToken = "student-token"
	adminToken   = "admin-token"
)

type stubAuthenticator struct {
	identities map[string]auth.Identity
}

func (s stubAuthenticator) Authenticate(ctx context.Context, credential string) (auth.Identity, error) {
	if id, ok := s.identities[auth.BearerToken(credential)]; ok {
		return id, nil
	}
	return auth.Identity{}, pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid token")
}

type stubNotifications struct {
	sends int
}

func (s *stubNotifications) SendToUser(ctx context.Context, input notifications.SendInput) (*notifications.NotificationDTO, error) {
	s.sends++
	return &notifications.NotificationDTO{ID: uuid.New(), UserID: input.UserID, Type: input.Type}, nil
}

func (s *stubNotifications) SendToUsers(ctx context.Context, userIDs []uuid.UUID, input notifications.SendInput) (int64, error) {
	s.sends++
	return int64(len(userIDs)), nil
}

func (s *stubNotifications) BroadcastToAll(ctx context.Context, input notifications.SendInput) (int64, error) {
	s.sends++
	return 0, nil
}

func (s *stubNotifications) List(ctx context.Context, params notifications.ListParams) (*notifications.ListResult, error) {
	return &notifications.ListResult{Items: []notifications.NotificationDTO{}, Page: 1, Limit: 20}, nil
}

func (s *stubNotifications) UnreadCount(ctx context.Context, userID uuid.UUID) (int64, error) {
	return 0, nil
}

func (s *stubNotifications) MarkRead(ctx context.Context, userID, notificationID uuid.UUID) (*notifications.NotificationDTO, error) {
	return &notifications.NotificationDTO{ID: notificationID, UserID: userID, Read: true}, nil
}

func (s *stubNotifications) MarkAllRead(ctx context.Context, userID uuid.UUID) (int64, error) {
	return 0, nil
}

func (s *stubNotifications) Delete(ctx context.Context, userID, notificationID uuid.UUID) error {
	return nil
}

func (s *stubNotifications) ClearAll(ctx context.Context, userID uuid.UUID) (int64, error) {
	return 0, nil
}

func (s *stubNotifications) AttachPusher(notifications.Pusher) {}

type stubSweeper struct{}

func (stubSweeper) Name() string                  { return "notification-retention" }
func (stubSweeper) Run(ctx context.Context) error { return nil }
func (stubSweeper) Sweep(ctx context.Context, days int) (cron.SweepResult, error) {
	return cron.SweepResult{RetentionDays: days}, nil
}

type memoryStore struct {
	data map[string]string
}

func (m *memoryStore) Get(_ context.Context, key string) (string, error) {
	if v, ok := m.data[key]; ok {
		return v, nil
	}
	return "", redis.Nil
}

func (m *memoryStore) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key] = fmt.Sprint(value)
	return true, nil
}

func (m *memoryStore) IdempotencyKey(scope, id string) string {
	return scope + ":" + id
}

type routerFixture struct {
	handler http.Handler
	svc     *stubNotifications
}

func newRouterFixture(t *testing.T) routerFixture {
	t.Helper()
	logg := logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
	authn := stubAuthenticator{identities: map[string]auth.Identity{
		studentToken: {UserID: uuid.New(), Role: enums.UserRoleStudent},
		adminToken:   {UserID: uuid.New(), Role: enums.UserRoleAdmin},
	}}

	reg := prometheus.NewRegistry()
	gw, err := realtime.NewGateway(realtime.GatewayParams{
		Logger:        logg,
		Presence:      presence.NewRegistry(metrics.NewPresenceMetrics(reg)),
		Authenticator: authn,
	})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	t.Cleanup(func() { _ = gw.Close(context.Background()) })

	svc := &stubNotifications{}
	handler := NewRouter(Dependencies{
		Config:        &config.Config{App: config.AppConfig{Env: "dev"}, Notifications: config.NotificationsConfig{RetentionDays: 30}},
		Logger:        logg,
		Authenticator: authn,
		Notifications: svc,
		Gateway:       gw,
		Retention:     stubSweeper{},
		Idempotency:   &memoryStore{data: map[string]string{}},
		Gatherer:      reg,
	})
	return routerFixture{handler: handler, svc: svc}
}

func (f routerFixture) do(method, path, token, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp := httptest.NewRecorder()
	f.handler.ServeHTTP(resp, req)
	return resp
}

func TestRouterPublicEndpoints(t *testing.T) {
	f := newRouterFixture(t)

	if resp := f.do(http.MethodGet, "/health/live", "", "", nil); resp.Code != http.StatusOK {
		t.Fatalf("live: expected 200 got %d", resp.Code)
	}
	if resp := f.do(http.MethodGet, "/health/ready", "", "", nil); resp.Code != http.StatusOK {
		t.Fatalf("ready: expected 200 got %d", resp.Code)
	}
	resp := f.do(http.MethodGet, "/metrics", "", "", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("metrics: expected 200 got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), "presence") {
		t.Fatalf("expected presence gauges exported, got %s", resp.Body.String())
	}
}

func TestRouterRequiresAuth(t *testing.T) {
	f := newRouterFixture(t)

	if resp := f.do(http.MethodGet, "/api/v1/notifications", "", "", nil); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", resp.Code)
	}
	if resp := f.do(http.MethodGet, "/ws/notifications", "", "", nil); resp.Code != http.StatusUnauthorized {
		t.Fatalf("ws: expected 401 got %d", resp.Code)
	}
	if resp := f.do(http.MethodGet, "/api/v1/notifications", studentToken, "", nil); resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.Code)
	}
	if resp := f.do(http.MethodGet, "/api/v1/notifications/unread-count", studentToken, "", nil); resp.Code != http.StatusOK {
		t.Fatalf("unread-count: expected 200 got %d", resp.Code)
	}
	if resp := f.do(http.MethodPost, "/api/v1/notifications/"+uuid.NewString()+"/read", studentToken, "", nil); resp.Code != http.StatusOK {
		t.Fatalf("read: expected 200 got %d", resp.Code)
	}
}

func TestRouterAdminRoutesRequireAdminRole(t *testing.T) {
	f := newRouterFixture(t)

	if resp := f.do(http.MethodGet, "/api/admin/v1/realtime/stats", studentToken, "", nil); resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d", resp.Code)
	}
	if resp := f.do(http.MethodGet, "/api/admin/v1/realtime/stats", adminToken, "", nil); resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.Code)
	}
	if resp := f.do(http.MethodPost, "/api/admin/v1/notifications/retention/run?days=10", adminToken, "", nil); resp.Code != http.StatusOK {
		t.Fatalf("retention: expected 200 got %d", resp.Code)
	}
}

func TestRouterAdminSendIsIdempotent(t *testing.T) {
	f := newRouterFixture(t)
	body := `{"userId":"` + uuid.NewString() + `","type":"rank_up","title":"Rank up","message":"You are now Explorer"}`

	if resp := f.do(http.MethodPost, "/api/admin/v1/notifications/send", adminToken, body, nil); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without Idempotency-Key, got %d", resp.Code)
	}

	headers := map[string]string{"Idempotency-Key": "send-1", "Content-Type": "application/json"}
	first := f.do(http.MethodPost, "/api/admin/v1/notifications/send", adminToken, body, headers)
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", first.Code, first.Body.String())
	}
	replay := f.do(http.MethodPost, "/api/admin/v1/notifications/send", adminToken, body, headers)
	if replay.Code != http.StatusCreated || replay.Body.String() != first.Body.String() {
		t.Fatalf("expected replayed response, got %d %s", replay.Code, replay.Body.String())
	}
	if f.svc.sends != 1 {
		t.Fatalf("expected a single send, got %d", f.svc.sends)
	}
}
