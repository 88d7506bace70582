// Package oauth manages OAuth 2.0 interactions on behalf of upstream MCP
// servers: static tokens, refresh grants, dynamic client registration
// (RFC 7591), and the PKCE authorization-code flow (RFC 7636). All credential
// mutations go through the settings store so persistence stays authoritative.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"mcphub-go/internal/config"
)

// PendingAuthorizationTTL bounds how long an authorization-code flow may
// wait for its callback before being garbage-collected.
const PendingAuthorizationTTL = 30 * time.Minute

// expirySkew is the clock-skew tolerance applied to JWT exp claims.
const expirySkew = 60 * time.Second

// ErrAuthorizationPending signals that an authorization-code flow was
// started and the upstream must wait for the callback.
var ErrAuthorizationPending = errors.New("authorization pending user consent")

// Coordinator drives every OAuth flow. One instance serves all upstreams;
// per-server mutexes serialize flows so concurrent reconnects cannot race a
// token exchange.
type Coordinator struct {
	store       *config.Store
	logger      *zap.Logger
	httpClient  *http.Client
	redirectURI string

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	// onAuthorized is invoked after a callback persists fresh tokens; the
	// registry hooks it to resume the upstream. Kept as a callback so the
	// registry -> oauth -> settings cycle stays one-directional.
	onAuthorized func(serverName string)
}

// NewCoordinator creates a coordinator persisting through the given store.
// redirectURI is the hub's externally reachable /oauth/callback URL.
func NewCoordinator(store *config.Store, redirectURI string, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		store:       store,
		logger:      logger.Named("oauth"),
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		redirectURI: redirectURI,
		locks:       map[string]*sync.Mutex{},
	}
}

// OnAuthorized registers the resume callback.
func (c *Coordinator) OnAuthorized(fn func(serverName string)) {
	c.onAuthorized = fn
}

func (c *Coordinator) serverLock(serverName string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[serverName]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[serverName] = lock
	}
	return lock
}

// AccessToken returns a usable bearer token for the server, refreshing or
// starting an authorization flow as needed. An empty token with a nil error
// means a pending authorization is awaiting its callback.
func (c *Coordinator) AccessToken(ctx context.Context, serverName string, oauthCfg *config.OAuthConfig) (string, error) {
	if oauthCfg == nil {
		return "", nil
	}
	lock := c.serverLock(serverName)
	lock.Lock()
	defer lock.Unlock()

	c.collectExpiredPending(serverName, oauthCfg)

	if oauthCfg.AccessToken != "" && !tokenExpired(oauthCfg.AccessToken) {
		return oauthCfg.AccessToken, nil
	}
	return c.acquire(ctx, serverName, oauthCfg)
}

// HandleUnauthorized is invoked when an upstream rejected the current token
// with a 401. The stored access token is discarded and a refresh (or a new
// authorization flow) is attempted.
func (c *Coordinator) HandleUnauthorized(ctx context.Context, serverName string, oauthCfg *config.OAuthConfig) (string, error) {
	if oauthCfg == nil {
		return "", fmt.Errorf("server %q has no oauth configuration", serverName)
	}
	lock := c.serverLock(serverName)
	lock.Lock()
	defer lock.Unlock()

	c.collectExpiredPending(serverName, oauthCfg)

	if oauthCfg.AccessToken != "" {
		oauthCfg.AccessToken = ""
		c.persist(serverName, func(stored *config.OAuthConfig) {
			stored.AccessToken = ""
		})
	}
	return c.acquire(ctx, serverName, oauthCfg)
}

// acquire walks the acquisition ladder: refresh grant, dynamic registration,
// then a fresh PKCE authorization request. Callers hold the server lock.
func (c *Coordinator) acquire(ctx context.Context, serverName string, oauthCfg *config.OAuthConfig) (string, error) {
	if oauthCfg.RefreshToken != "" {
		token, err := c.refresh(ctx, serverName, oauthCfg)
		if err == nil {
			return token, nil
		}
		c.logger.Warn("Refresh grant failed",
			zap.String("server", serverName), zap.Error(err))
	}

	if oauthCfg.ClientID == "" {
		registration := oauthCfg.DynamicRegistration
		if registration == nil || !registration.Enabled {
			return "", fmt.Errorf("server %q: no client credentials and dynamic registration disabled", serverName)
		}
		if err := c.register(ctx, serverName, oauthCfg); err != nil {
			return "", err
		}
	}

	if err := c.beginAuthorization(serverName, oauthCfg); err != nil {
		return "", err
	}
	// The upstream stays in oauth_required until HandleCallback runs.
	return "", nil
}

// refresh exchanges the stored refresh token. On failure the access token is
// cleared; the refresh token survives unless the server answered
// invalid_grant.
func (c *Coordinator) refresh(ctx context.Context, serverName string, oauthCfg *config.OAuthConfig) (string, error) {
	endpoint, err := c.tokenEndpoint(ctx, oauthCfg)
	if err != nil {
		return "", err
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", oauthCfg.RefreshToken)
	if oauthCfg.ClientID != "" {
		form.Set("client_id", oauthCfg.ClientID)
	}
	if oauthCfg.ClientSecret != "" {
		form.Set("client_secret", oauthCfg.ClientSecret)
	}
	if oauthCfg.Resource != "" {
		form.Set("resource", oauthCfg.Resource)
	}

	grant, grantErr, err := c.postTokenForm(ctx, endpoint, form)
	if err != nil {
		if oauthCfg.AccessToken != "" {
			oauthCfg.AccessToken = ""
			c.persist(serverName, func(stored *config.OAuthConfig) {
				stored.AccessToken = ""
			})
		}
		return "", err
	}
	if grantErr != "" {
		invalidGrant := grantErr == "invalid_grant"
		c.persist(serverName, func(stored *config.OAuthConfig) {
			stored.AccessToken = ""
			if invalidGrant {
				stored.RefreshToken = ""
			}
		})
		oauthCfg.AccessToken = ""
		if invalidGrant {
			oauthCfg.RefreshToken = ""
		}
		return "", fmt.Errorf("refresh rejected: %s", grantErr)
	}

	oauthCfg.AccessToken = grant.AccessToken
	if grant.RefreshToken != "" {
		oauthCfg.RefreshToken = grant.RefreshToken
	}
	c.persist(serverName, func(stored *config.OAuthConfig) {
		stored.AccessToken = grant.AccessToken
		if grant.RefreshToken != "" {
			stored.RefreshToken = grant.RefreshToken
		}
	})
	c.logger.Info("Access token refreshed", zap.String("server", serverName))
	return grant.AccessToken, nil
}

// register performs RFC 7591 dynamic client registration.
func (c *Coordinator) register(ctx context.Context, serverName string, oauthCfg *config.OAuthConfig) error {
	registration := oauthCfg.DynamicRegistration

	endpoint := registration.RegistrationEndpoint
	if endpoint == "" {
		issuer := registration.Issuer
		if issuer == "" {
			return fmt.Errorf("server %q: dynamic registration needs an issuer or registration endpoint", serverName)
		}
		metadata, err := Discover(ctx, c.httpClient, issuer)
		if err != nil {
			return err
		}
		endpoint = metadata.RegistrationEndpoint
		if endpoint == "" {
			return fmt.Errorf("issuer %s does not advertise a registration endpoint", issuer)
		}
		if oauthCfg.AuthorizationEndpoint == "" {
			oauthCfg.AuthorizationEndpoint = metadata.AuthorizationEndpoint
		}
		if oauthCfg.TokenEndpoint == "" {
			oauthCfg.TokenEndpoint = metadata.TokenEndpoint
		}
	}

	body := map[string]any{
		"client_name":                "mcphub",
		"redirect_uris":              []string{c.redirectURI},
		"grant_types":                []string{"authorization_code", "refresh_token"},
		"response_types":             []string{"code"},
		"token_endpoint_auth_method": "none",
	}
	if len(oauthCfg.Scopes) > 0 {
		body["scope"] = strings.Join(oauthCfg.Scopes, " ")
	}
	for k, v := range registration.Metadata {
		body[k] = v
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(encoded)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if registration.InitialAccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+registration.InitialAccessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("registration request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("registration failed with HTTP %d: %s", resp.StatusCode, payload)
	}

	var registered struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&registered); err != nil {
		return fmt.Errorf("parse registration response: %w", err)
	}
	if registered.ClientID == "" {
		return fmt.Errorf("registration response missing client_id")
	}

	oauthCfg.ClientID = registered.ClientID
	oauthCfg.ClientSecret = registered.ClientSecret
	authzEndpoint := oauthCfg.AuthorizationEndpoint
	tokenEndpoint := oauthCfg.TokenEndpoint
	c.persist(serverName, func(stored *config.OAuthConfig) {
		stored.ClientID = registered.ClientID
		stored.ClientSecret = registered.ClientSecret
		if stored.AuthorizationEndpoint == "" {
			stored.AuthorizationEndpoint = authzEndpoint
		}
		if stored.TokenEndpoint == "" {
			stored.TokenEndpoint = tokenEndpoint
		}
	})
	c.logger.Info("Dynamic client registration completed",
		zap.String("server", serverName))
	return nil
}

// beginAuthorization builds and persists a pending authorization record. A
// new request supersedes any prior pending record for the server.
func (c *Coordinator) beginAuthorization(serverName string, oauthCfg *config.OAuthConfig) error {
	if oauthCfg.AuthorizationEndpoint == "" {
		return fmt.Errorf("server %q: no authorization endpoint configured or discovered", serverName)
	}
	state, err := EncodeState(serverName)
	if err != nil {
		return err
	}
	verifier, err := GenerateCodeVerifier()
	if err != nil {
		return err
	}

	authz, err := url.Parse(oauthCfg.AuthorizationEndpoint)
	if err != nil {
		return fmt.Errorf("invalid authorization endpoint: %w", err)
	}
	params := url.Values{}
	params.Set("response_type", "code")
	params.Set("client_id", oauthCfg.ClientID)
	params.Set("redirect_uri", c.redirectURI)
	params.Set("state", state)
	params.Set("code_challenge", CodeChallenge(verifier))
	params.Set("code_challenge_method", "S256")
	if len(oauthCfg.Scopes) > 0 {
		params.Set("scope", strings.Join(oauthCfg.Scopes, " "))
	}
	if oauthCfg.Resource != "" {
		params.Set("resource", oauthCfg.Resource)
	}
	authz.RawQuery = params.Encode()

	pending := &config.PendingAuthorization{
		AuthorizationURL: authz.String(),
		State:            state,
		CodeVerifier:     verifier,
		CreatedAt:        time.Now().UTC(),
	}
	oauthCfg.PendingAuthorization = pending
	c.persist(serverName, func(stored *config.OAuthConfig) {
		stored.PendingAuthorization = pending
	})

	c.logger.Info("Authorization flow started, waiting for callback",
		zap.String("server", serverName))
	return nil
}

// AuthorizationURL returns the pending authorization URL for a server, empty
// when no flow is pending.
func (c *Coordinator) AuthorizationURL(serverName string) string {
	settings := c.store.Current()
	cfg, ok := settings.MCPServers[serverName]
	if !ok || cfg.OAuth == nil || cfg.OAuth.PendingAuthorization == nil {
		return ""
	}
	return cfg.OAuth.PendingAuthorization.AuthorizationURL
}

// HandleCallback exchanges the authorization code for tokens. The target
// server is located by the stored pending state; the state's own encoding is
// the fallback so callbacks survive a restart that lost the pending record.
func (c *Coordinator) HandleCallback(ctx context.Context, state, code string) (string, error) {
	serverName, oauthCfg := c.findByState(state)
	if serverName == "" {
		decoded, err := DecodeState(state)
		if err != nil {
			return "", fmt.Errorf("callback state matches no pending authorization")
		}
		serverName = decoded
		settings := c.store.Current()
		if cfg, ok := settings.MCPServers[serverName]; ok {
			oauthCfg = cfg.OAuth
		}
	}
	if oauthCfg == nil {
		return "", fmt.Errorf("server %q has no oauth configuration", serverName)
	}

	lock := c.serverLock(serverName)
	lock.Lock()
	defer lock.Unlock()

	verifier := ""
	if oauthCfg.PendingAuthorization != nil {
		verifier = oauthCfg.PendingAuthorization.CodeVerifier
	}

	endpoint, err := c.tokenEndpoint(ctx, oauthCfg)
	if err != nil {
		return "", err
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", c.redirectURI)
	if oauthCfg.ClientID != "" {
		form.Set("client_id", oauthCfg.ClientID)
	}
	if oauthCfg.ClientSecret != "" {
		form.Set("client_secret", oauthCfg.ClientSecret)
	}
	if verifier != "" {
		form.Set("code_verifier", verifier)
	}

	grant, grantErr, err := c.postTokenForm(ctx, endpoint, form)
	if err != nil {
		return "", err
	}
	if grantErr != "" {
		return "", fmt.Errorf("token exchange rejected: %s", grantErr)
	}

	c.persist(serverName, func(stored *config.OAuthConfig) {
		stored.AccessToken = grant.AccessToken
		if grant.RefreshToken != "" {
			stored.RefreshToken = grant.RefreshToken
		}
		stored.PendingAuthorization = nil
	})

	c.logger.Info("Authorization callback completed", zap.String("server", serverName))
	if c.onAuthorized != nil {
		c.onAuthorized(serverName)
	}
	return serverName, nil
}

// findByState scans the current settings for a pending authorization whose
// stored state matches; stored state wins over the decoded form.
func (c *Coordinator) findByState(state string) (string, *config.OAuthConfig) {
	settings := c.store.Current()
	for name, cfg := range settings.MCPServers {
		if cfg.OAuth != nil && cfg.OAuth.PendingAuthorization != nil &&
			cfg.OAuth.PendingAuthorization.State == state {
			return name, cfg.OAuth
		}
	}
	return "", nil
}

// collectExpiredPending discards pending authorizations older than the TTL.
func (c *Coordinator) collectExpiredPending(serverName string, oauthCfg *config.OAuthConfig) {
	pending := oauthCfg.PendingAuthorization
	if pending == nil || time.Since(pending.CreatedAt) < PendingAuthorizationTTL {
		return
	}
	c.logger.Info("Discarding expired pending authorization",
		zap.String("server", serverName))
	oauthCfg.PendingAuthorization = nil
	c.persist(serverName, func(stored *config.OAuthConfig) {
		stored.PendingAuthorization = nil
	})
}

// tokenEndpoint resolves the token endpoint, discovering metadata when the
// configuration names only an issuer.
func (c *Coordinator) tokenEndpoint(ctx context.Context, oauthCfg *config.OAuthConfig) (string, error) {
	if oauthCfg.TokenEndpoint != "" {
		return oauthCfg.TokenEndpoint, nil
	}
	if oauthCfg.DynamicRegistration != nil && oauthCfg.DynamicRegistration.Issuer != "" {
		metadata, err := Discover(ctx, c.httpClient, oauthCfg.DynamicRegistration.Issuer)
		if err != nil {
			return "", err
		}
		if oauthCfg.AuthorizationEndpoint == "" {
			oauthCfg.AuthorizationEndpoint = metadata.AuthorizationEndpoint
		}
		oauthCfg.TokenEndpoint = metadata.TokenEndpoint
		return metadata.TokenEndpoint, nil
	}
	return "", fmt.Errorf("no token endpoint configured")
}

type tokenGrant struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// postTokenForm posts a token request and separates OAuth protocol errors
// (returned as grantErr) from transport failures.
func (c *Coordinator) postTokenForm(ctx context.Context, endpoint string, form url.Values) (*tokenGrant, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var oauthErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(payload, &oauthErr) == nil && oauthErr.Error != "" {
			return nil, oauthErr.Error, nil
		}
		return nil, "", fmt.Errorf("token endpoint returned HTTP %d", resp.StatusCode)
	}

	grant := &tokenGrant{}
	if err := json.Unmarshal(payload, grant); err != nil {
		return nil, "", fmt.Errorf("parse token response: %w", err)
	}
	if grant.AccessToken == "" {
		return nil, "", fmt.Errorf("token response missing access_token")
	}
	return grant, "", nil
}

// persist applies a mutation to the server's stored OAuth block.
func (c *Coordinator) persist(serverName string, mutate func(*config.OAuthConfig)) {
	err := c.store.Mutate(func(s *config.Settings) error {
		cfg, ok := s.MCPServers[serverName]
		if !ok {
			return fmt.Errorf("server %q vanished from settings", serverName)
		}
		if cfg.OAuth == nil {
			cfg.OAuth = &config.OAuthConfig{}
		}
		mutate(cfg.OAuth)
		return nil
	})
	if err != nil {
		c.logger.Error("Failed to persist OAuth credentials",
			zap.String("server", serverName), zap.Error(err))
	}
}

// tokenExpired reports whether a JWT-shaped token is past its exp claim,
// with 60s of skew. Opaque tokens are assumed valid.
func tokenExpired(token string) bool {
	if strings.Count(token, ".") != 2 {
		return false
	}
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return time.Now().After(exp.Time.Add(expirySkew))
}
