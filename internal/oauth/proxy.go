package oauth

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"

	"mcphub-go/internal/config"
)

// Proxy publishes authorization-server endpoints on the hub that delegate to
// a configured issuer: RFC 8414 metadata plus /authorize and /token. It lets
// downstream clients complete OAuth against the hub's own origin.
type Proxy struct {
	cfg        *config.ProviderConfig
	baseURL    string
	logger     *zap.Logger
	httpClient *http.Client

	mu       sync.Mutex
	metadata *Metadata
}

// NewProxy builds a proxy for the issuer named in the provider config.
// baseURL is the hub's externally visible origin plus base path.
func NewProxy(cfg *config.ProviderConfig, baseURL string, logger *zap.Logger) *Proxy {
	return &Proxy{
		cfg:        cfg,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		logger:     logger.Named("oauth-proxy"),
		httpClient: &http.Client{},
	}
}

// issuerMetadata resolves and caches the delegated issuer's metadata.
func (p *Proxy) issuerMetadata(ctx context.Context) (*Metadata, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.metadata != nil {
		return p.metadata, nil
	}
	if p.cfg.AuthorizationEndpoint != "" && p.cfg.TokenEndpoint != "" {
		p.metadata = &Metadata{
			Issuer:                p.cfg.Issuer,
			AuthorizationEndpoint: p.cfg.AuthorizationEndpoint,
			TokenEndpoint:         p.cfg.TokenEndpoint,
		}
		return p.metadata, nil
	}
	metadata, err := Discover(ctx, p.httpClient, p.cfg.Issuer)
	if err != nil {
		return nil, err
	}
	p.metadata = metadata
	return metadata, nil
}

// MetadataHandler serves /.well-known/oauth-authorization-server describing
// the hub as the authorization server.
func (p *Proxy) MetadataHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc := map[string]any{
			"issuer":                                p.baseURL,
			"authorization_endpoint":                p.baseURL + "/authorize",
			"token_endpoint":                        p.baseURL + "/token",
			"response_types_supported":              []string{"code"},
			"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
			"code_challenge_methods_supported":      []string{"S256"},
			"token_endpoint_auth_methods_supported": []string{"none", "client_secret_post"},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(doc)
	}
}

// AuthorizeHandler redirects to the issuer's authorization endpoint with the
// original query intact.
func (p *Proxy) AuthorizeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		metadata, err := p.issuerMetadata(r.Context())
		if err != nil {
			p.logger.Warn("Issuer metadata unavailable", zap.Error(err))
			http.Error(w, "authorization server unavailable", http.StatusBadGateway)
			return
		}
		target, err := url.Parse(metadata.AuthorizationEndpoint)
		if err != nil {
			http.Error(w, "invalid issuer configuration", http.StatusBadGateway)
			return
		}
		target.RawQuery = r.URL.RawQuery
		http.Redirect(w, r, target.String(), http.StatusFound)
	}
}

// TokenHandler forwards token requests to the issuer and streams the answer
// back unchanged.
func (p *Proxy) TokenHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		metadata, err := p.issuerMetadata(r.Context())
		if err != nil {
			p.logger.Warn("Issuer metadata unavailable", zap.Error(err))
			http.Error(w, "authorization server unavailable", http.StatusBadGateway)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		req, err := http.NewRequestWithContext(r.Context(), http.MethodPost,
			metadata.TokenEndpoint, strings.NewReader(string(body)))
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		contentType := r.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "application/x-www-form-urlencoded"
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Accept", "application/json")

		resp, err := p.httpClient.Do(req)
		if err != nil {
			p.logger.Warn("Token proxy request failed", zap.Error(err))
			http.Error(w, "authorization server unavailable", http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()

		w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
	}
}
