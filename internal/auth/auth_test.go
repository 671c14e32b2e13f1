package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgefab/conductor/internal/config"
)

func testService(t *testing.T) *Service {
	t.Helper()

	s, err := NewService(&config.AuthConfig{
		JWT: config.JWTConfig{Secret: "test-secret", Issuer: "conductor"},
		Clients: []config.ClientConfig{
			{
				ClientID:    "reporter",
				APIKey:      "key-reporter",
				Permissions: []string{"execute:rss-*", "resources:read"},
			},
			{
				ClientID: "ops",
				APIKey:   "key-ops",
				Admin:    true,
			},
		},
	}, map[string]config.WorkerConfig{
		"fetcher": {Endpoint: "http://fetcher:8081", Token: "worker-fetcher-token"},
		"quiet":   {Endpoint: "http://quiet:8082"},
	})
	require.NoError(t, err)
	return s
}

func TestAuthenticateClient_APIKey(t *testing.T) {
	s := testService(t)

	id, err := s.AuthenticateClient("key-reporter")
	require.NoError(t, err)
	assert.Equal(t, KindClient, id.Kind)
	assert.Equal(t, "reporter", id.ID)
	assert.False(t, id.Admin)

	// The Bearer prefix is optional for API keys.
	id, err = s.AuthenticateClient("Bearer key-reporter")
	require.NoError(t, err)
	assert.Equal(t, "reporter", id.ID)

	_, err = s.AuthenticateClient("")
	require.ErrorIs(t, err, ErrMissingCredentials)

	_, err = s.AuthenticateClient("key-unknown")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestIdentity_Can(t *testing.T) {
	s := testService(t)

	reporter, err := s.AuthenticateClient("key-reporter")
	require.NoError(t, err)

	assert.True(t, reporter.Can("execute:rss-intelligence"))
	assert.True(t, reporter.Can("resources:read"))
	assert.False(t, reporter.Can("execute:billing-export"))
	assert.False(t, reporter.Can("queue:read"))

	ops, err := s.AuthenticateClient("key-ops")
	require.NoError(t, err)
	assert.True(t, ops.Admin)
	assert.True(t, ops.Can("anything:at-all"))
}

func TestAuthenticateClient_JWT(t *testing.T) {
	s := testService(t)

	sign := func(claims sessionClaims, secret string) string {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
		require.NoError(t, err)
		return token
	}

	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "conductor",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		ClientID:    "session-user",
		Permissions: []string{"execute:*"},
	}

	id, err := s.AuthenticateClient("Bearer " + sign(claims, "test-secret"))
	require.NoError(t, err)
	assert.Equal(t, "session-user", id.ID)
	assert.True(t, id.Can("execute:rss-intelligence"))
	assert.False(t, id.Can("resources:read"))

	// Wrong secret.
	_, err = s.AuthenticateClient("Bearer " + sign(claims, "other-secret"))
	require.ErrorIs(t, err, ErrInvalidCredentials)

	// Wrong issuer.
	claims.Issuer = "someone-else"
	_, err = s.AuthenticateClient("Bearer " + sign(claims, "test-secret"))
	require.ErrorIs(t, err, ErrInvalidCredentials)

	// Expired.
	claims.Issuer = "conductor"
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	_, err = s.AuthenticateClient("Bearer " + sign(claims, "test-secret"))
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthenticateWorker(t *testing.T) {
	s := testService(t)

	id, err := s.AuthenticateWorker("worker-fetcher-token")
	require.NoError(t, err)
	assert.Equal(t, KindWorker, id.Kind)
	assert.Equal(t, "fetcher", id.ID)

	_, err = s.AuthenticateWorker("")
	require.ErrorIs(t, err, ErrMissingCredentials)

	_, err = s.AuthenticateWorker("nope")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestNewService_Validation(t *testing.T) {
	_, err := NewService(&config.AuthConfig{
		Clients: []config.ClientConfig{{ClientID: "x"}},
	}, nil)
	require.Error(t, err)

	_, err = NewService(&config.AuthConfig{
		Clients: []config.ClientConfig{{
			ClientID:    "x",
			APIKey:      "k",
			Permissions: []string{"execute:[bad"},
		}},
	}, nil)
	require.Error(t, err)
}
