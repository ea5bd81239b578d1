package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rckrdmrd/glit-backend-sub000/pkg/enums"
	pkgerrors "github.com/rckrdmrd/glit-backend-sub000/pkg/errors"
)

type stubSessions struct {
	live map[string]bool
	err  error
}

func (s stubSessions) HasSession(ctx context.Context, accessID string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	return s.live[accessID], nil
}

func mintTestToken(t *testing.T, userID uuid.UUID, role enums.UserRole, jti string) string {
	t.Helper()
	token, err := MintAccessToken(testJWTConfig(), time.Now(), time.Hour, AccessTokenPayload{UserID: userID, Role: role, JTI: jti})
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token
}

func TestAuthenticateAcceptsBearerPrefix(t *testing.T) {
	cfg := testJWTConfig()
	cfg.RequireSession = true
	userID := uuid.New()
	authn := NewTokenAuthenticator(cfg, stubSessions{live: map[string]bool{"jti-1": true}})

	identity, err := authn.Authenticate(context.Background(), "Bearer "+mintTestToken(t, userID, enums.UserRoleAdmin, "jti-1"))
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if identity.UserID != userID {
		t.Fatalf("expected user %s, got %s", userID, identity.UserID)
	}
	if !identity.IsAdmin() {
		t.Fatal("expected admin identity")
	}
	if identity.AccessID != "jti-1" {
		t.Fatalf("expected access id jti-1, got %s", identity.AccessID)
	}
}

func TestAuthenticateRejectsRevokedSession(t *testing.T) {
	cfg := testJWTConfig()
	cfg.RequireSession = true
	authn := NewTokenAuthenticator(cfg, stubSessions{live: map[string]bool{}})

	_, err := authn.Authenticate(context.Background(), mintTestToken(t, uuid.New(), enums.UserRoleStudent, "gone"))
	if !pkgerrors.IsCode(err, pkgerrors.CodeUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestAuthenticateSessionStoreFailure(t *testing.T) {
	cfg := testJWTConfig()
	cfg.RequireSession = true
	authn := NewTokenAuthenticator(cfg, stubSessions{err: errors.New("redis down")})

	_, err := authn.Authenticate(context.Background(), mintTestToken(t, uuid.New(), enums.UserRoleStudent, "jti"))
	if !pkgerrors.IsCode(err, pkgerrors.CodeDependency) {
		t.Fatalf("expected dependency error, got %v", err)
	}
}

func TestAuthenticateSkipsSessionsWhenDisabled(t *testing.T) {
	cfg := testJWTConfig()
	cfg.RequireSession = false
	authn := NewTokenAuthenticator(cfg, stubSessions{err: errors.New("should not be called")})

	if _, err := authn.Authenticate(context.Background(), mintTestToken(t, uuid.New(), enums.UserRoleStudent, "jti")); err != nil {
		t.Fatalf("expected session lookup to be skipped, got %v", err)
	}
}

func TestAuthenticateRejectsMissingAndGarbage(t *testing.T) {
	authn := NewTokenAuthenticator(testJWTConfig(), nil)
	for _, credential := range []string{"", "Bearer ", "not-a-jwt"} {
		if _, err := authn.Authenticate(context.Background(), credential); !pkgerrors.IsCode(err, pkgerrors.CodeUnauthorized) {
			t.Fatalf("credential %q: expected unauthorized, got %v", credential, err)
		}
	}
}

func TestBearerToken(t *testing.T) {
	cases := map[string]string{
		"Bearer abc":  "abc",
		"bearer  abc": "abc",
		"abc":         "abc",
		"  ":          "",
	}
	for in, want := range cases {
		if got := BearerToken(in); got != want {
			t.Fatalf("BearerToken(%q) = %q, want %q", in, got, want)
		}
	}
}
