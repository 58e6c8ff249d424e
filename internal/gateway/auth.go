package gateway

import (
	"errors"
	"net/http"
	"strings"
)

// Authenticator resolves the stable user identity for a request before
// any session attach. A failure closes the connection with 401.
type Authenticator interface {
	Authenticate(r *http.Request) (userID string, err error)
}

// ErrInvalidToken is returned by TokenAuthenticator for unknown tokens.
var ErrInvalidToken = errors.New("invalid auth token")

// AnonymousAuthenticator accepts every request. The user identity comes
// from the X-User-ID header, defaulting to "anonymous"; the device
// identifier still partitions sessions.
type AnonymousAuthenticator struct{}

func (AnonymousAuthenticator) Authenticate(r *http.Request) (string, error) {
	if id := r.Header.Get("X-User-ID"); id != "" {
		return id, nil
	}
	return "anonymous", nil
}

// TokenAuthenticator maps bearer tokens to user identities.
type TokenAuthenticator struct {
	tokens map[string]string
}

// NewTokenAuthenticator builds an authenticator from a token -> user
// mapping.
func NewTokenAuthenticator(tokens map[string]string) *TokenAuthenticator {
	return &TokenAuthenticator{tokens: tokens}
}

// Authenticate accepts the token from either an Authorization bearer
// header or the X-API-Key header.
func (a *TokenAuthenticator) Authenticate(r *http.Request) (string, error) {
	token := r.Header.Get("X-API-Key")
	if token == "" {
		header := r.Header.Get("Authorization")
		token = strings.TrimPrefix(header, "Bearer ")
		if token == header {
			token = ""
		}
	}
	if token == "" {
		return "", errors.New("missing credentials")
	}
	user, ok := a.tokens[token]
	if !ok {
		return "", ErrInvalidToken
	}
	return user, nil
}
