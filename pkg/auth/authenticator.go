package auth

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/rckrdmrd/glit-backend-sub000/pkg/auth/session"
	"github.com/rckrdmrd/glit-backend-sub000/pkg/config"
	"github.com/rckrdmrd/glit-backend-sub000/pkg/enums"
	pkgerrors "github.com/rckrdmrd/glit-backend-sub000/pkg/errors"
)

// Identity is the verified principal behind a bearer credential.
type Identity struct {
	UserID   uuid.UUID
	Role     enums.UserRole
	AccessID string
}

// IsAdmin reports whether the identity carries the platform admin role.
func (i Identity) IsAdmin() bool {
	return i.Role == enums.UserRoleAdmin
}

// Authenticator verifies a raw bearer credential.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (Identity, error)
}

// TokenAuthenticator verifies access tokens and, optionally, that the backing session is still live.
type TokenAuthenticator struct {
	cfg      config.JWTConfig
	sessions session.AccessSessionChecker
}

// NewTokenAuthenticator builds an authenticator; sessions may be nil when session checks are disabled.
func NewTokenAuthenticator(cfg config.JWTConfig, sessions session.AccessSessionChecker) *TokenAuthenticator {
	if !cfg.RequireSession {
		sessions = nil
	}
	return &TokenAuthenticator{cfg: cfg, sessions: sessions}
}

// Authenticate parses the credential, which may carry a "Bearer " prefix.
func (a *TokenAuthenticator) Authenticate(ctx context.Context, credential string) (Identity, error) {
	token := BearerToken(credential)
	if token == "" {
		return Identity{}, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials")
	}

	claims, err := ParseAccessToken(a.cfg, token)
	if err != nil {
		return Identity{}, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid token")
	}
	if claims.UserID == uuid.Nil {
		return Identity{}, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing user id")
	}
	if claims.ID == "" {
		return Identity{}, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing session id")
	}

	if a.sessions != nil {
		ok, err := a.sessions.HasSession(ctx, claims.ID)
		if err != nil {
			return Identity{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "validate session")
		}
		if !ok {
			return Identity{}, pkgerrors.New(pkgerrors.CodeUnauthorized, "session unavailable")
		}
	}

	return Identity{
		UserID:   claims.UserID,
		Role:     claims.Role,
		AccessID: claims.ID,
	}, nil
}

// BearerToken strips an optional "Bearer " scheme prefix.
func BearerToken(raw string) string {
	token := strings.TrimSpace(raw)
	if len(token) >= 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	return token
}
