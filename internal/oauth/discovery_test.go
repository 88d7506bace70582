package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoverRFC8414(t *testing.T) {
	issuer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/oauth-authorization-server" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"issuer":                 "https://issuer.example",
			"authorization_endpoint": "https://issuer.example/authorize",
			"token_endpoint":         "https://issuer.example/token",
			"registration_endpoint":  "https://issuer.example/register",
		})
	}))
	defer issuer.Close()

	metadata, err := Discover(context.Background(), issuer.Client(), issuer.URL)
	require.NoError(t, err)
	assert.Equal(t, "https://issuer.example/authorize", metadata.AuthorizationEndpoint)
	assert.Equal(t, "https://issuer.example/register", metadata.RegistrationEndpoint)
}

func TestDiscoverFallsBackToOIDC(t *testing.T) {
	issuer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/openid-configuration" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"issuer":                 "https://issuer.example",
			"authorization_endpoint": "https://issuer.example/oidc/authorize",
			"token_endpoint":         "https://issuer.example/oidc/token",
		})
	}))
	defer issuer.Close()

	metadata, err := Discover(context.Background(), issuer.Client(), issuer.URL)
	require.NoError(t, err)
	assert.Equal(t, "https://issuer.example/oidc/authorize", metadata.AuthorizationEndpoint)
}

func TestDiscoverFailure(t *testing.T) {
	issuer := httptest.NewServer(http.NotFoundHandler())
	defer issuer.Close()

	_, err := Discover(context.Background(), issuer.Client(), issuer.URL)
	require.Error(t, err)
}
