package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"swapmesh/internal/domain"
)

// ClientInfo describes an authenticated gateway client.
type ClientInfo struct {
	Name   string
	Remote string
}

// Authenticator validates gateway callers.
type Authenticator interface {
	Authenticate(token string) (*ClientInfo, error)
}

// TokenAuth checks a single shared operator token. An empty token admits
// every caller, which is only sensible on a loopback address.
type TokenAuth struct {
	token []byte
}

func NewTokenAuth(token string) *TokenAuth {
	return &TokenAuth{token: []byte(token)}
}

func (a *TokenAuth) Authenticate(token string) (*ClientInfo, error) {
	if len(a.token) == 0 {
		return &ClientInfo{Name: "anonymous"}, nil
	}
	if subtle.ConstantTimeCompare([]byte(token), a.token) == 1 {
		return &ClientInfo{Name: "operator"}, nil
	}
	return nil, domain.ErrAuthInvalid
}

// requestToken reads a bearer token, falling back to the token query
// parameter browsers need for WebSocket upgrades.
func requestToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	return r.URL.Query().Get("token")
}

func (s *Server) authenticate(r *http.Request) (*ClientInfo, error) {
	info, err := s.auth.Authenticate(requestToken(r))
	if err != nil {
		return nil, err
	}
	out := *info
	out.Remote = r.RemoteAddr
	return &out, nil
}
