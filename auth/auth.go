// Package auth verifies credentials and issues the bearer tokens used by the
// WebSocket and HTTP transports.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"chatrelay/apperr"
)

const issuer = "chatrelay"

// CredentialChecker verifies a login and password against the user store.
type CredentialChecker interface {
	AuthenticateUser(ctx context.Context, login, password string) (bool, error)
}

// Claims names the user a token was issued to.
type Claims struct {
	Login string `json:"login"`
	jwt.RegisteredClaims
}

// Token is a signed bearer token and its expiry.
type Token struct {
	AccessToken string `json:"access_token"`
	ExpiresAt   int64  `json:"expires_at"`
}

type Service struct {
	users     CredentialChecker
	secretKey []byte
	expire    time.Duration
	now       func() time.Time
}

func NewService(users CredentialChecker, secretKey string, expire time.Duration) (*Service, error) {
	if secretKey == "" {
		return nil, errors.New("auth: token secret is empty")
	}
	if expire <= 0 {
		expire = 24 * time.Hour
	}
	return &Service{
		users:     users,
		secretKey: []byte(secretKey),
		expire:    expire,
		now:       time.Now,
	}, nil
}

// CheckPassword returns ErrInvalidCredentials unless the password matches.
func (s *Service) CheckPassword(ctx context.Context, login, password string) error {
	if login == "" || password == "" {
		return apperr.ErrInvalidCredentials
	}
	ok, err := s.users.AuthenticateUser(ctx, login, password)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.ErrInvalidCredentials
	}
	return nil
}

// Login checks the password and issues a token for login.
func (s *Service) Login(ctx context.Context, login, password string) (*Token, error) {
	if err := s.CheckPassword(ctx, login, password); err != nil {
		return nil, err
	}
	return s.Issue(login)
}

func (s *Service) Issue(login string) (*Token, error) {
	now := s.now()
	expiresAt := now.Add(s.expire)
	claims := &Claims{
		Login: login,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   login,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secretKey)
	if err != nil {
		return nil, apperr.ErrServerError.Wrap(err)
	}
	return &Token{AccessToken: signed, ExpiresAt: expiresAt.Unix()}, nil
}

// Validate returns the login a token was issued to.
func (s *Service) Validate(tokenString string) (string, error) {
	if tokenString == "" {
		return "", apperr.ErrNotAuthenticated
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperr.ErrTokenInvalid
		}
		return s.secretKey, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", apperr.ErrTokenInvalid.Wrap(err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Login == "" {
		return "", apperr.ErrTokenInvalid
	}
	return claims.Login, nil
}
