package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// statePayload travels inside the OAuth state parameter so callbacks can
// recover the target server even across process restarts.
type statePayload struct {
	Server string `json:"server"`
	Nonce  string `json:"nonce"`
}

// EncodeState builds a URL-safe state parameter for one server.
func EncodeState(serverName string) (string, error) {
	nonce, err := randomToken(16)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(statePayload{Server: serverName, Nonce: nonce})
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeState recovers the server name from a state parameter.
func DecodeState(state string) (string, error) {
	data, err := base64.RawURLEncoding.DecodeString(state)
	if err != nil {
		return "", fmt.Errorf("malformed state: %w", err)
	}
	var payload statePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", fmt.Errorf("malformed state: %w", err)
	}
	if payload.Server == "" {
		return "", fmt.Errorf("state carries no server")
	}
	return payload.Server, nil
}

// randomToken returns n random bytes base64url-encoded without padding.
func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// GenerateCodeVerifier returns a PKCE code verifier.
func GenerateCodeVerifier() (string, error) {
	return randomToken(32)
}

// CodeChallenge derives the S256 challenge from a verifier.
func CodeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
