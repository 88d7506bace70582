package oauth

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcphub-go/internal/config"
)

func TestCallbackEscapesErrorParameter(t *testing.T) {
	store := newOAuthStore(t, &config.OAuthConfig{})
	coordinator := NewCoordinator(store, "http://localhost/oauth/callback", zap.NewNop())

	web := httptest.NewServer(coordinator.CallbackHandler())
	defer web.Close()

	resp, err := http.Get(web.URL + "?error=%3Cscript%3Ealert(1)%3C/script%3E")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "<script>", "query values must not reach the page unescaped")
	assert.Contains(t, string(body), "&lt;script&gt;")
}

func TestCallbackMissingParameters(t *testing.T) {
	store := newOAuthStore(t, &config.OAuthConfig{})
	coordinator := NewCoordinator(store, "http://localhost/oauth/callback", zap.NewNop())

	web := httptest.NewServer(coordinator.CallbackHandler())
	defer web.Close()

	resp, err := http.Get(web.URL + "?code=C")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
