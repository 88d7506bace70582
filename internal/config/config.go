package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Server types accepted in the settings document.
const (
	TypeStdio          = "stdio"
	TypeSSE            = "sse"
	TypeStreamableHTTP = "streamable-http"
	TypeOpenAPI        = "openapi"
)

// DefaultNameSeparator joins server and tool names into the qualified
// names visible to downstream clients.
const DefaultNameSeparator = "::"

// Settings is the single configuration document for the hub.
type Settings struct {
	MCPServers   map[string]*ServerConfig `json:"mcpServers"`
	Users        []*User                  `json:"users,omitempty"`
	Groups       map[string]*Group        `json:"groups,omitempty"`
	SystemConfig *SystemConfig            `json:"systemConfig,omitempty"`
	UserConfigs  map[string]*SystemConfig `json:"userConfigs,omitempty"`
}

// User is a dashboard account. The hub core only consumes the username for
// user-scoped mounts; password handling lives in the admin surface.
type User struct {
	Username     string `json:"username"`
	PasswordHash string `json:"passwordHash,omitempty"`
	IsAdmin      bool   `json:"isAdmin,omitempty"`
}

// Group scopes a set of servers (optionally restricted to named tools) under
// a routable id.
type Group struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Members     []GroupMember `json:"servers"`
}

// GroupMember is either a bare server name or an object with a tool filter.
// Tools is nil for "all".
type GroupMember struct {
	Name  string
	Tools []string
}

// memberObject is the long form of a group member on the wire.
type memberObject struct {
	Name  string          `json:"name"`
	Tools json.RawMessage `json:"tools,omitempty"`
}

func (m *GroupMember) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		m.Tools = nil
		return json.Unmarshal(data, &m.Name)
	}
	var obj memberObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	m.Name = obj.Name
	m.Tools = nil
	if len(obj.Tools) == 0 {
		return nil
	}
	var all string
	if err := json.Unmarshal(obj.Tools, &all); err == nil {
		if all != "all" {
			return fmt.Errorf("group member %q: tools must be \"all\" or a list, got %q", obj.Name, all)
		}
		return nil
	}
	var list []string
	if err := json.Unmarshal(obj.Tools, &list); err != nil {
		return fmt.Errorf("group member %q: invalid tools filter: %w", obj.Name, err)
	}
	m.Tools = list
	return nil
}

func (m GroupMember) MarshalJSON() ([]byte, error) {
	if m.Tools == nil {
		return json.Marshal(m.Name)
	}
	return json.Marshal(struct {
		Name  string   `json:"name"`
		Tools []string `json:"tools"`
	}{m.Name, m.Tools})
}

// AllowsTool reports whether the member's filter admits the given tool name.
func (m GroupMember) AllowsTool(tool string) bool {
	if m.Tools == nil {
		return true
	}
	for _, t := range m.Tools {
		if t == tool {
			return true
		}
	}
	return false
}

// ServerConfig describes one upstream MCP server. It is a tagged variant over
// Type; fields outside the common block apply only to their variant.
type ServerConfig struct {
	Type    string                     `json:"type,omitempty"`
	Enabled *bool                      `json:"enabled,omitempty"`
	Options *RequestOptions            `json:"options,omitempty"`
	Tools   map[string]*ToolOverride   `json:"tools,omitempty"`
	Prompts map[string]*PromptOverride `json:"prompts,omitempty"`
	OAuth   *OAuthConfig               `json:"oauth,omitempty"`

	// stdio
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// sse / streamable-http
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// openapi
	OpenAPI *OpenAPIConfig `json:"openapi,omitempty"`
}

// IsEnabled treats a missing enabled flag as true.
func (s *ServerConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// EffectiveType resolves the variant, inferring it from populated fields when
// the document omits the tag (older documents carried no type for stdio and
// URL servers).
func (s *ServerConfig) EffectiveType() string {
	if s.Type != "" {
		return s.Type
	}
	switch {
	case s.OpenAPI != nil:
		return TypeOpenAPI
	case s.Command != "":
		return TypeStdio
	case s.URL != "":
		return TypeStreamableHTTP
	default:
		return TypeStdio
	}
}

// RequestOptions bound a single dispatched call.
type RequestOptions struct {
	TimeoutMs              int64 `json:"timeoutMs,omitempty"`
	ResetTimeoutOnProgress bool  `json:"resetTimeoutOnProgress,omitempty"`
	MaxTotalTimeoutMs      int64 `json:"maxTotalTimeoutMs,omitempty"`
}

// Timeout returns the per-call deadline, defaulting to one minute.
func (o *RequestOptions) Timeout() time.Duration {
	if o == nil || o.TimeoutMs <= 0 {
		return 60 * time.Second
	}
	return time.Duration(o.TimeoutMs) * time.Millisecond
}

// MaxTotalTimeout returns the hard ceiling, zero meaning none.
func (o *RequestOptions) MaxTotalTimeout() time.Duration {
	if o == nil || o.MaxTotalTimeoutMs <= 0 {
		return 0
	}
	return time.Duration(o.MaxTotalTimeoutMs) * time.Millisecond
}

// ToolOverride toggles a single upstream tool and optionally replaces its
// description.
type ToolOverride struct {
	Enabled     bool   `json:"enabled"`
	Description string `json:"description,omitempty"`
}

// PromptOverride mirrors ToolOverride for prompts.
type PromptOverride struct {
	Enabled     bool   `json:"enabled"`
	Description string `json:"description,omitempty"`
}

// OpenAPIConfig configures a synthesized OpenAPI upstream.
type OpenAPIConfig struct {
	URL                string           `json:"url,omitempty"`
	Schema             json.RawMessage  `json:"schema,omitempty"`
	Version            string           `json:"version,omitempty"`
	Security           *OpenAPISecurity `json:"security,omitempty"`
	PassthroughHeaders []string         `json:"passthroughHeaders,omitempty"`
}

// OpenAPISecurity applies a static credential to every synthesized call.
type OpenAPISecurity struct {
	Type   string `json:"type"` // apiKey, http, none
	In     string `json:"in,omitempty"`
	Name   string `json:"name,omitempty"`
	Value  string `json:"value,omitempty"`
	Scheme string `json:"scheme,omitempty"` // basic, bearer
	Token  string `json:"token,omitempty"`
}

// OAuthConfig holds everything the coordinator needs for one upstream,
// including the persisted intermediate state of an authorization-code flow.
type OAuthConfig struct {
	ClientID              string   `json:"clientId,omitempty"`
	ClientSecret          string   `json:"clientSecret,omitempty"`
	Scopes                []string `json:"scopes,omitempty"`
	AccessToken           string   `json:"accessToken,omitempty"`
	RefreshToken          string   `json:"refreshToken,omitempty"`
	AuthorizationEndpoint string   `json:"authorizationEndpoint,omitempty"`
	TokenEndpoint         string   `json:"tokenEndpoint,omitempty"`
	Resource              string   `json:"resource,omitempty"`

	DynamicRegistration  *DynamicRegistration  `json:"dynamicRegistration,omitempty"`
	PendingAuthorization *PendingAuthorization `json:"pendingAuthorization,omitempty"`
}

// DynamicRegistration enables RFC 7591 client registration against the
// issuer's registration endpoint.
type DynamicRegistration struct {
	Enabled              bool           `json:"enabled"`
	Issuer               string         `json:"issuer,omitempty"`
	RegistrationEndpoint string         `json:"registrationEndpoint,omitempty"`
	Metadata             map[string]any `json:"metadata,omitempty"`
	InitialAccessToken   string         `json:"initialAccessToken,omitempty"`
}

// PendingAuthorization is the persisted state between starting an
// authorization-code flow and receiving the callback.
type PendingAuthorization struct {
	AuthorizationURL string    `json:"authorizationUrl"`
	State            string    `json:"state"`
	CodeVerifier     string    `json:"codeVerifier"`
	CreatedAt        time.Time `json:"createdAt"`
}

// SystemConfig carries hub-wide behaviour. Non-admin users may shadow it via
// Settings.UserConfigs.
type SystemConfig struct {
	Routing       *RoutingConfig      `json:"routing,omitempty"`
	SmartRouting  *SmartRoutingConfig `json:"smartRouting,omitempty"`
	OAuth         *ProviderConfig     `json:"oauth,omitempty"`
	NameSeparator string              `json:"nameSeparator,omitempty"`
}

// Separator returns the configured qualified-name separator.
func (s *SystemConfig) Separator() string {
	if s == nil || s.NameSeparator == "" {
		return DefaultNameSeparator
	}
	return s.NameSeparator
}

// RoutingConfig gates the downstream endpoint surface.
type RoutingConfig struct {
	EnableGlobalRoute    *bool  `json:"enableGlobalRoute,omitempty"`
	EnableGroupNameRoute *bool  `json:"enableGroupNameRoute,omitempty"`
	EnableBearerAuth     bool   `json:"enableBearerAuth,omitempty"`
	BearerAuthKey        string `json:"bearerAuthKey,omitempty"`
	SkipAuth             bool   `json:"skipAuth,omitempty"`
}

// GlobalRouteEnabled defaults to true when unset.
func (r *RoutingConfig) GlobalRouteEnabled() bool {
	return r == nil || r.EnableGlobalRoute == nil || *r.EnableGlobalRoute
}

// GroupNameRouteEnabled defaults to true when unset.
func (r *RoutingConfig) GroupNameRouteEnabled() bool {
	return r == nil || r.EnableGroupNameRoute == nil || *r.EnableGroupNameRoute
}

// SmartRoutingConfig configures the vector-indexed meta-tool layer.
type SmartRoutingConfig struct {
	Enabled        bool   `json:"enabled"`
	APIBaseURL     string `json:"apiBaseUrl,omitempty"`
	APIKey         string `json:"apiKey,omitempty"`
	EmbeddingModel string `json:"embeddingModel,omitempty"`
	Backend        string `json:"backend,omitempty"` // memory (default) or bleve
	DataDir        string `json:"dataDir,omitempty"`
}

// ProviderConfig enables the OAuth authorization-proxy endpoints.
type ProviderConfig struct {
	Enabled               bool   `json:"enabled"`
	Issuer                string `json:"issuer,omitempty"`
	AuthorizationEndpoint string `json:"authorizationEndpoint,omitempty"`
	TokenEndpoint         string `json:"tokenEndpoint,omitempty"`
}

// DefaultSettings returns the empty document synthesized when no settings
// file exists.
func DefaultSettings() *Settings {
	return &Settings{
		MCPServers:   map[string]*ServerConfig{},
		SystemConfig: &SystemConfig{Routing: &RoutingConfig{}},
	}
}

// Routing returns the effective routing config, never nil.
func (s *Settings) Routing() *RoutingConfig {
	if s.SystemConfig != nil && s.SystemConfig.Routing != nil {
		return s.SystemConfig.Routing
	}
	return &RoutingConfig{}
}

// SmartRouting returns the effective smart-routing config, never nil.
func (s *Settings) SmartRouting() *SmartRoutingConfig {
	if s.SystemConfig != nil && s.SystemConfig.SmartRouting != nil {
		return s.SystemConfig.SmartRouting
	}
	return &SmartRoutingConfig{}
}

// Separator returns the configured qualified-name separator.
func (s *Settings) Separator() string {
	return s.SystemConfig.Separator()
}

// Group looks up a group by id, falling back to name when the group-name
// route is enabled.
func (s *Settings) Group(id string) *Group {
	if g, ok := s.Groups[id]; ok {
		return g
	}
	if !s.Routing().GroupNameRouteEnabled() {
		return nil
	}
	for _, g := range s.Groups {
		if g.Name == id {
			return g
		}
	}
	return nil
}

// Validate checks the document before it is persisted or applied.
func (s *Settings) Validate() error {
	for name, srv := range s.MCPServers {
		if name == "" {
			return fmt.Errorf("server with empty name")
		}
		if srv == nil {
			return fmt.Errorf("server %q: missing configuration", name)
		}
		switch srv.EffectiveType() {
		case TypeStdio:
			if srv.Command == "" {
				return fmt.Errorf("server %q: stdio server requires a command", name)
			}
		case TypeSSE, TypeStreamableHTTP:
			if srv.URL == "" {
				return fmt.Errorf("server %q: %s server requires a url", name, srv.EffectiveType())
			}
		case TypeOpenAPI:
			if srv.OpenAPI == nil || (srv.OpenAPI.URL == "" && len(srv.OpenAPI.Schema) == 0) {
				return fmt.Errorf("server %q: openapi server requires a url or an embedded schema", name)
			}
		default:
			return fmt.Errorf("server %q: unknown type %q", name, srv.Type)
		}
	}
	for id, g := range s.Groups {
		if g == nil {
			return fmt.Errorf("group %q: missing configuration", id)
		}
		for _, m := range g.Members {
			if m.Name == "" {
				return fmt.Errorf("group %q: member with empty server name", id)
			}
		}
	}
	routing := s.Routing()
	if routing.EnableBearerAuth && routing.BearerAuthKey == "" {
		return fmt.Errorf("routing: enableBearerAuth requires bearerAuthKey")
	}
	return nil
}

// Clone returns a deep copy through a JSON round trip; callers mutate copies,
// never the published snapshot.
func (s *Settings) Clone() *Settings {
	data, err := json.Marshal(s)
	if err != nil {
		return DefaultSettings()
	}
	out := &Settings{}
	if err := json.Unmarshal(data, out); err != nil {
		return DefaultSettings()
	}
	if out.MCPServers == nil {
		out.MCPServers = map[string]*ServerConfig{}
	}
	return out
}
