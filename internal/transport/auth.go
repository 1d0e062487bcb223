package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/ashureev/hacienda-console/internal/domain"
)

// ErrIncompleteLogin is returned when a 2xx login response lacks a token or
// a user record.
var ErrIncompleteLogin = errors.New("login response missing token or user")

// Authenticator posts credentials to the realm's login endpoint. It sends no
// bearer token and never consults the unauthorized policy.
type Authenticator struct {
	*conn
}

// NewAuthenticator creates an Authenticator for d.
func NewAuthenticator(d domain.Domain, config Config) (*Authenticator, error) {
	c, err := newConn(d, config)
	if err != nil {
		return nil, err
	}
	return &Authenticator{conn: c}, nil
}

// Authenticate exchanges credentials for a token and user record.
// Failure responses are returned as *APIError so callers can surface the
// backend's detail message.
func (a *Authenticator) Authenticate(ctx context.Context, creds domain.Credentials) (*domain.LoginResult, error) {
	body, err := encodeBody(map[string]string{
		a.domain.IdentifierField: creds.Identifier,
		"password":               creds.Password,
	})
	if err != nil {
		return nil, err
	}

	resp, err := a.send(ctx, http.MethodPost, a.domain.LoginEndpoint, body)
	if err != nil {
		return nil, err
	}
	if resp.Status < 200 || resp.Status >= 300 {
		a.logger.Info("Login rejected", "status", resp.Status)
		return nil, &APIError{Method: http.MethodPost, Path: a.domain.LoginEndpoint, Status: resp.Status, ContentType: resp.ContentType, Body: resp.Body}
	}

	token, _ := domain.LookupString(resp.Body, a.domain.ResponseTokenPath...)
	user, hasUser := domain.Lookup(resp.Body, a.domain.ResponseUserPath...)
	if token == "" || !hasUser {
		return nil, fmt.Errorf("%s login: %w", a.domain.Realm, ErrIncompleteLogin)
	}

	result := &domain.LoginResult{Token: token, User: user}
	if len(a.domain.ResponseExpiresPath) > 0 {
		if exp, ok := domain.LookupInt(resp.Body, a.domain.ResponseExpiresPath...); ok {
			result.ExpiresIn = exp
		}
	}
	return result, nil
}
