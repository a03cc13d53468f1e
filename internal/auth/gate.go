package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var ErrUnauthorized = errors.New("unauthorized")

// InternalSecretHeader carries the shared secret for trusted internal
// callers (the scheduler, sibling services).
const InternalSecretHeader = "X-Internal-Secret"

type PrincipalKind string

const (
	KindService PrincipalKind = "service"
	KindUser    PrincipalKind = "user"
)

// Principal is the resolved caller identity. Service and user principals
// pass the same gate; only how they prove themselves differs.
type Principal struct {
	Kind   PrincipalKind
	UserID string
}

// SessionVerifier is the collaborator that validates an admin session
// token and resolves it to a user id.
type SessionVerifier interface {
	VerifyAdmin(ctx context.Context, token string) (string, error)
}

type Gate struct {
	secret   string
	sessions SessionVerifier
}

func NewGate(secret string, sessions SessionVerifier) *Gate {
	return &Gate{secret: secret, sessions: sessions}
}

// Authenticate resolves a request to a principal or rejects it before any
// state change. Secret comparison is constant time.
func (g *Gate) Authenticate(r *http.Request) (*Principal, error) {
	if provided := r.Header.Get(InternalSecretHeader); provided != "" {
		if g.secret == "" {
			return nil, ErrUnauthorized
		}
		if subtle.ConstantTimeCompare([]byte(provided), []byte(g.secret)) == 1 {
			return &Principal{Kind: KindService}, nil
		}
		return nil, ErrUnauthorized
	}

	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return nil, ErrUnauthorized
	}
	if g.sessions == nil {
		return nil, ErrUnauthorized
	}

	userID, err := g.sessions.VerifyAdmin(r.Context(), token)
	if err != nil {
		return nil, ErrUnauthorized
	}
	return &Principal{Kind: KindUser, UserID: userID}, nil
}
