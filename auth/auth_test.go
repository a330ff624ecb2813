package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/apperr"
)

type fakeUsers map[string]string

func (f fakeUsers) AuthenticateUser(_ context.Context, login, password string) (bool, error) {
	if login == "broken" {
		return false, apperr.ErrStoreUnavailable.Wrap(errors.New("disk full"))
	}
	pw, ok := f[login]
	return ok && pw == password, nil
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(fakeUsers{"alice": "secret"}, "test-signing-key", time.Hour)
	require.NoError(t, err)
	return svc
}

func TestNewServiceRequiresSecret(t *testing.T) {
	_, err := NewService(fakeUsers{}, "", time.Hour)
	assert.Error(t, err)
}

func TestLoginAndValidate(t *testing.T) {
	svc := newTestService(t)

	token, err := svc.Login(context.Background(), "alice", "secret")
	require.NoError(t, err)
	assert.NotEmpty(t, token.AccessToken)
	assert.Greater(t, token.ExpiresAt, time.Now().Unix())

	login, err := svc.Validate(token.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "alice", login)
}

func TestLoginFailures(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Login(ctx, "alice", "wrong")
	assert.True(t, apperr.Is(err, apperr.ErrInvalidCredentials))

	_, err = svc.Login(ctx, "ghost", "secret")
	assert.True(t, apperr.Is(err, apperr.ErrInvalidCredentials))

	_, err = svc.Login(ctx, "", "")
	assert.True(t, apperr.Is(err, apperr.ErrInvalidCredentials))

	_, err = svc.Login(ctx, "broken", "x")
	assert.True(t, apperr.Is(err, apperr.ErrStoreUnavailable))
}

func TestValidateRejects(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Validate("")
	assert.True(t, apperr.Is(err, apperr.ErrNotAuthenticated))

	_, err = svc.Validate("not.a.token")
	assert.True(t, apperr.Is(err, apperr.ErrTokenInvalid))

	other, err := NewService(fakeUsers{}, "another-key", time.Hour)
	require.NoError(t, err)
	foreign, err := other.Issue("alice")
	require.NoError(t, err)
	_, err = svc.Validate(foreign.AccessToken)
	assert.True(t, apperr.Is(err, apperr.ErrTokenInvalid))

	// none algorithm
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{
		Login:            "alice",
		RegisteredClaims: jwt.RegisteredClaims{Issuer: issuer},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = svc.Validate(unsigned)
	assert.True(t, apperr.Is(err, apperr.ErrTokenInvalid))
}

func TestExpiredToken(t *testing.T) {
	svc := newTestService(t)
	issued := time.Now().Add(-2 * time.Hour)
	svc.now = func() time.Time { return issued }

	token, err := svc.Issue("alice")
	require.NoError(t, err)

	svc.now = time.Now
	_, err = svc.Validate(token.AccessToken)
	assert.True(t, apperr.Is(err, apperr.ErrTokenInvalid))
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}
