package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeVerifier struct {
	userID string
	err    error
}

func (v *fakeVerifier) VerifyAdmin(ctx context.Context, token string) (string, error) {
	if v.err != nil {
		return "", v.err
	}
	return v.userID, nil
}

func TestAuthenticateServicePrincipal(t *testing.T) {
	gate := NewGate("topsecret", nil)

	r := httptest.NewRequest("POST", "/articles/x/execute", nil)
	r.Header.Set(InternalSecretHeader, "topsecret")

	p, err := gate.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, KindService, p.Kind)
	assert.Empty(t, p.UserID)
}

func TestAuthenticateWrongSecret(t *testing.T) {
	gate := NewGate("topsecret", nil)

	r := httptest.NewRequest("POST", "/", nil)
	r.Header.Set(InternalSecretHeader, "guess")

	_, err := gate.Authenticate(r)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthenticateSecretDisabledWhenUnconfigured(t *testing.T) {
	gate := NewGate("", nil)

	r := httptest.NewRequest("POST", "/", nil)
	r.Header.Set(InternalSecretHeader, "")
	_, err := gate.Authenticate(r)
	assert.ErrorIs(t, err, ErrUnauthorized)

	// even a matching empty-vs-empty pair must not mint a service principal
	r.Header.Set(InternalSecretHeader, "anything")
	_, err = gate.Authenticate(r)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthenticateUserPrincipal(t *testing.T) {
	gate := NewGate("topsecret", &fakeVerifier{userID: "user-7"})

	r := httptest.NewRequest("POST", "/", nil)
	r.Header.Set("Authorization", "Bearer session-token")

	p, err := gate.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, KindUser, p.Kind)
	assert.Equal(t, "user-7", p.UserID)
}

func TestAuthenticateRejectedSession(t *testing.T) {
	gate := NewGate("topsecret", &fakeVerifier{err: errors.New("nope")})

	r := httptest.NewRequest("POST", "/", nil)
	r.Header.Set("Authorization", "Bearer bad-token")

	_, err := gate.Authenticate(r)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthenticateNoCredentials(t *testing.T) {
	gate := NewGate("topsecret", &fakeVerifier{userID: "u"})

	_, err := gate.Authenticate(httptest.NewRequest("GET", "/", nil))
	assert.ErrorIs(t, err, ErrUnauthorized)
}
