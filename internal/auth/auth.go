// Package auth authenticates API clients and workers against the
// credential registry injected at startup.
package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gobwas/glob"
	"github.com/golang-jwt/jwt/v5"

	"github.com/forgefab/conductor/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrForbidden          = errors.New("insufficient permissions")
)

// Kind distinguishes client callers from worker callers.
type Kind string

const (
	KindClient Kind = "client"
	KindWorker Kind = "worker"
)

// Identity is the result of a successful authentication step. It is
// passed by value through the request context and never mutated.
type Identity struct {
	Kind     Kind
	ID       string
	Admin    bool
	patterns []glob.Glob
}

// Can reports whether the identity holds a permission matching the
// scoped action, e.g. "execute:rss-intelligence" or "resources:read".
func (id Identity) Can(action string) bool {
	if id.Admin {
		return true
	}
	for _, p := range id.patterns {
		if p.Match(action) {
			return true
		}
	}
	return false
}

type client struct {
	id       string
	admin    bool
	patterns []glob.Glob
}

// Service resolves API keys, session tokens and worker tokens to identities.
type Service struct {
	clients   map[string]client // api key -> client
	workers   map[string]string // token -> worker name
	jwtSecret []byte
	jwtIssuer string
}

// NewService builds a Service from the injected auth and worker config.
func NewService(authCfg *config.AuthConfig, workers map[string]config.WorkerConfig) (*Service, error) {
	s := &Service{
		clients:   make(map[string]client),
		workers:   make(map[string]string),
		jwtSecret: []byte(authCfg.JWT.Secret),
		jwtIssuer: authCfg.JWT.Issuer,
	}

	for _, c := range authCfg.Clients {
		if c.APIKey == "" || c.ClientID == "" {
			return nil, fmt.Errorf("client %q: api_key and client_id are required", c.ClientID)
		}

		var patterns []glob.Glob
		for _, perm := range c.Permissions {
			g, err := glob.Compile(perm)
			if err != nil {
				return nil, fmt.Errorf("client %q: compiling permission %q: %w", c.ClientID, perm, err)
			}
			patterns = append(patterns, g)
		}

		s.clients[c.APIKey] = client{
			id:       c.ClientID,
			admin:    c.Admin,
			patterns: patterns,
		}
	}

	for name, w := range workers {
		if w.Token != "" {
			s.workers[w.Token] = name
		}
	}

	return s, nil
}

// AuthenticateClient resolves an Authorization header value to a client
// identity. Supports "Bearer <jwt>" session tokens and raw API keys.
func (s *Service) AuthenticateClient(authorization string) (Identity, error) {
	if authorization == "" {
		return Identity{}, ErrMissingCredentials
	}

	token := strings.TrimPrefix(authorization, "Bearer ")

	if c, ok := s.clients[token]; ok {
		return Identity{
			Kind:     KindClient,
			ID:       c.id,
			Admin:    c.admin,
			patterns: c.patterns,
		}, nil
	}

	if len(s.jwtSecret) > 0 && strings.Count(token, ".") == 2 {
		return s.authenticateJWT(token)
	}

	return Identity{}, ErrInvalidCredentials
}

// AuthenticateWorker resolves a worker token to a worker identity.
func (s *Service) AuthenticateWorker(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrMissingCredentials
	}

	name, ok := s.workers[token]
	if !ok {
		return Identity{}, ErrInvalidCredentials
	}

	return Identity{Kind: KindWorker, ID: name}, nil
}

type sessionClaims struct {
	jwt.RegisteredClaims
	ClientID    string   `json:"client_id"`
	Permissions []string `json:"permissions"`
	Admin       bool     `json:"admin"`
}

func (s *Service) authenticateJWT(token string) (Identity, error) {
	claims := &sessionClaims{}

	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithIssuer(s.jwtIssuer))
	if err != nil || !parsed.Valid {
		return Identity{}, ErrInvalidCredentials
	}

	var patterns []glob.Glob
	for _, perm := range claims.Permissions {
		g, err := glob.Compile(perm)
		if err != nil {
			continue
		}
		patterns = append(patterns, g)
	}

	return Identity{
		Kind:     KindClient,
		ID:       claims.ClientID,
		Admin:    claims.Admin,
		patterns: patterns,
	}, nil
}
