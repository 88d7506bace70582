package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Metadata is the RFC 8414 authorization-server metadata subset the
// coordinator consumes.
type Metadata struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	RegistrationEndpoint  string `json:"registration_endpoint,omitempty"`
}

// wellKnownPaths are probed in order; OIDC discovery is a fallback for
// issuers that predate RFC 8414.
var wellKnownPaths = []string{
	"/.well-known/oauth-authorization-server",
	"/.well-known/openid-configuration",
}

// Discover fetches authorization-server metadata for an issuer.
func Discover(ctx context.Context, httpClient *http.Client, issuer string) (*Metadata, error) {
	issuer = strings.TrimSuffix(issuer, "/")
	var lastErr error
	for _, path := range wellKnownPaths {
		metadata, err := fetchMetadata(ctx, httpClient, issuer+path)
		if err != nil {
			lastErr = err
			continue
		}
		if metadata.AuthorizationEndpoint == "" || metadata.TokenEndpoint == "" {
			lastErr = fmt.Errorf("metadata at %s%s missing endpoints", issuer, path)
			continue
		}
		return metadata, nil
	}
	return nil, fmt.Errorf("OAuth metadata unavailable for %s: %w", issuer, lastErr)
}

func fetchMetadata(ctx context.Context, httpClient *http.Client, metadataURL string) (*Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", metadataURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: HTTP %d", metadataURL, resp.StatusCode)
	}

	metadata := &Metadata{}
	if err := json.NewDecoder(resp.Body).Decode(metadata); err != nil {
		return nil, fmt.Errorf("parse metadata from %s: %w", metadataURL, err)
	}
	return metadata, nil
}
