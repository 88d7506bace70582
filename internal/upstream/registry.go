package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"mcphub-go/internal/config"
	"mcphub-go/internal/logs"
	"mcphub-go/internal/upstream/types"
)

// retrySweepInterval is how often the registry checks for clients whose
// backoff window has elapsed.
const retrySweepInterval = time.Second

// Registry owns the pool of upstream clients: one single-instance client per
// enabled server, reconciled against every settings snapshot.
type Registry struct {
	logger *zap.Logger
	store  *config.Store
	tokens TokenSource
	logCfg *logs.Config

	mu             sync.RWMutex
	clients        map[string]*Client
	separator      string
	defaultTimeout time.Duration

	notifications *NotificationManager

	catalogMu       sync.Mutex
	onCatalogChange []func()

	cancel context.CancelFunc
}

// NewRegistry creates an empty registry bound to the settings store.
func NewRegistry(store *config.Store, tokens TokenSource, logCfg *logs.Config, logger *zap.Logger) *Registry {
	return &Registry{
		logger:        logger.Named("registry"),
		store:         store,
		tokens:        tokens,
		logCfg:        logCfg,
		clients:       map[string]*Client{},
		separator:     config.DefaultNameSeparator,
		notifications: NewNotificationManager(),
	}
}

// Notifications exposes the upstream notification fan-out.
func (r *Registry) Notifications() *NotificationManager {
	return r.notifications
}

// OnCatalogChange registers a callback fired whenever the aggregate tool
// catalog may have changed (reconcile, reconnect, list-changed).
func (r *Registry) OnCatalogChange(fn func()) {
	r.catalogMu.Lock()
	defer r.catalogMu.Unlock()
	r.onCatalogChange = append(r.onCatalogChange, fn)
}

func (r *Registry) catalogChanged() {
	r.catalogMu.Lock()
	callbacks := make([]func(), len(r.onCatalogChange))
	copy(callbacks, r.onCatalogChange)
	r.catalogMu.Unlock()
	for _, fn := range callbacks {
		go fn()
	}
}

// Separator returns the current qualified-name separator.
func (r *Registry) Separator() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.separator
}

// Start applies the current settings, subscribes to reloads, and runs the
// retry sweep until ctx is cancelled.
func (r *Registry) Start(ctx context.Context) error {
	settings := r.store.Current()
	r.Apply(ctx, settings)

	r.store.Subscribe(func(s *config.Settings) {
		r.Apply(context.Background(), s)
	})

	sweepCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	go r.retrySweep(sweepCtx)
	return nil
}

// Stop tears down every client.
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Lock()
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.clients = map[string]*Client{}
	r.mu.Unlock()

	for _, c := range clients {
		c.Remove()
	}
}

// materialKey captures the parts of a server config whose change requires a
// reconnect. Tool toggles, descriptions, and OAuth credentials (tokens,
// pending authorizations) are applied live — credential persistence must not
// churn the client; re-auth goes through ResumeAfterAuth.
func materialKey(cfg *config.ServerConfig) string {
	key := struct {
		Type    string                `json:"type"`
		Enabled bool                  `json:"enabled"`
		Command string                `json:"command"`
		Args    []string              `json:"args"`
		Env     map[string]string     `json:"env"`
		URL     string                `json:"url"`
		Headers map[string]string     `json:"headers"`
		OAuth   []string              `json:"oauth"`
		OpenAPI *config.OpenAPIConfig `json:"openapi"`
	}{
		Type:    cfg.EffectiveType(),
		Enabled: cfg.IsEnabled(),
		Command: cfg.Command,
		Args:    cfg.Args,
		Env:     cfg.Env,
		URL:     cfg.URL,
		Headers: cfg.Headers,
		OpenAPI: cfg.OpenAPI,
	}
	if cfg.OAuth != nil {
		key.OAuth = append([]string{
			cfg.OAuth.ClientID,
			cfg.OAuth.AuthorizationEndpoint,
			cfg.OAuth.TokenEndpoint,
			cfg.OAuth.Resource,
		}, cfg.OAuth.Scopes...)
	}
	data, _ := json.Marshal(key)
	return string(data)
}

// Apply reconciles the client pool against a settings snapshot: removed
// servers are torn down, changed servers replaced, added servers created and
// connected. Unchanged servers keep their live client; a reconnect replaces
// the prior instance atomically.
func (r *Registry) Apply(ctx context.Context, settings *config.Settings) {
	r.mu.Lock()
	r.separator = settings.Separator()

	var toRemove []*Client
	var toConnect []*Client

	for name, client := range r.clients {
		newCfg, exists := settings.MCPServers[name]
		if !exists {
			r.logger.Info("Removing upstream server", zap.String("server", name))
			toRemove = append(toRemove, client)
			delete(r.clients, name)
			continue
		}
		if materialKey(client.Config()) != materialKey(newCfg) {
			r.logger.Info("Upstream configuration changed, replacing client",
				zap.String("server", name))
			toRemove = append(toRemove, client)
			delete(r.clients, name)
			continue
		}
		// Non-material change: swap the config reference in place.
		client.UpdateConfig(newCfg)
	}

	for name, cfg := range settings.MCPServers {
		if _, exists := r.clients[name]; exists {
			continue
		}
		client := r.newClient(name, cfg)
		r.clients[name] = client
		if cfg.IsEnabled() {
			toConnect = append(toConnect, client)
		}
	}
	r.mu.Unlock()

	// Old instances are torn down before their replacements connect so a
	// stdio server's subprocess or a session-bound transport is never live
	// twice.
	for _, client := range toRemove {
		client.Remove()
	}
	for _, client := range toConnect {
		go func(c *Client) {
			if err := c.Connect(ctx); err != nil {
				r.logger.Warn("Initial connect failed",
					zap.String("server", c.Name()), zap.Error(err))
			}
			r.catalogChanged()
		}(client)
	}

	r.catalogChanged()
}

func (r *Registry) newClient(name string, cfg *config.ServerConfig) *Client {
	var sink io.WriteCloser
	if cfg.EffectiveType() == config.TypeStdio {
		s, err := logs.NewServerStderrSink(r.logCfg, name)
		if err != nil {
			r.logger.Warn("Failed to create stderr sink",
				zap.String("server", name), zap.Error(err))
		} else {
			sink = s
		}
	}
	notify := func(serverName string, n mcp.JSONRPCNotification) {
		r.handleNotification(serverName, n)
	}
	client := NewClient(name, cfg, r.logger, r.tokens, notify, sink)
	client.defaultTimeout = r.defaultTimeout
	return client
}

// SetDefaultTimeout sets the per-call deadline applied to servers without
// explicit request options (REQUEST_TIMEOUT). Takes effect for clients
// created afterwards.
func (r *Registry) SetDefaultTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultTimeout = d
}

func (r *Registry) handleNotification(serverName string, n mcp.JSONRPCNotification) {
	switch n.Method {
	case "notifications/tools/list_changed", "notifications/prompts/list_changed", "notifications/resources/list_changed":
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if client, ok := r.Get(serverName); ok {
				if err := client.RefreshCatalog(ctx); err != nil {
					r.logger.Debug("Catalog refresh failed",
						zap.String("server", serverName), zap.Error(err))
				}
			}
			r.catalogChanged()
		}()
	}
	r.notifications.Dispatch(serverName, n)
}

// retrySweep reconnects disconnected clients whose backoff has elapsed.
func (r *Registry) retrySweep(ctx context.Context) {
	ticker := time.NewTicker(retrySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		r.mu.RLock()
		var due []*Client
		for _, client := range r.clients {
			if client.Config().IsEnabled() && !client.manual.Load() && client.StateManager().ShouldRetry() {
				due = append(due, client)
			}
		}
		r.mu.RUnlock()

		for _, client := range due {
			go func(c *Client) {
				if err := c.Reconnect(ctx); err != nil {
					r.logger.Debug("Retry failed",
						zap.String("server", c.Name()),
						zap.Duration("next_backoff", c.StateManager().RetryDelay()),
						zap.Error(err))
					return
				}
				r.catalogChanged()
			}(client)
		}
	}
}

// Get returns the client for a server name.
func (r *Registry) Get(name string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[name]
	return client, ok
}

// Connect connects one server by name.
func (r *Registry) Connect(ctx context.Context, name string) error {
	client, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("unknown server %q", name)
	}
	err := client.Connect(ctx)
	r.catalogChanged()
	return err
}

// Disconnect disconnects one server by name without removing it.
func (r *Registry) Disconnect(name string) error {
	client, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("unknown server %q", name)
	}
	client.Disconnect()
	r.catalogChanged()
	return nil
}

// ReconnectAll rebuilds every enabled client's transport.
func (r *Registry) ReconnectAll(ctx context.Context) {
	r.mu.RLock()
	clients := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		if client.Config().IsEnabled() {
			clients = append(clients, client)
		}
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, client := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			if err := c.Reconnect(ctx); err != nil {
				r.logger.Warn("Reconnect failed",
					zap.String("server", c.Name()), zap.Error(err))
			}
		}(client)
	}
	wg.Wait()
	r.catalogChanged()
}

// ResumeAfterAuth reconnects a server after the OAuth coordinator obtained a
// fresh token.
func (r *Registry) ResumeAfterAuth(name string) {
	client, ok := r.Get(name)
	if !ok {
		return
	}
	if client.State() != types.StateOAuthRequired && client.State() != types.StateDisconnected {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := client.Reconnect(ctx); err != nil {
			r.logger.Warn("Resume after authorization failed",
				zap.String("server", name), zap.Error(err))
			return
		}
		r.logger.Info("Upstream resumed after authorization", zap.String("server", name))
		r.catalogChanged()
	}()
}

// Snapshot describes one client for listings and health output.
type Snapshot struct {
	Name      string                `json:"name"`
	State     types.ConnectionState `json:"-"`
	Status    string                `json:"status"`
	LastError string                `json:"lastError,omitempty"`
	Tools     int                   `json:"tools"`
	Enabled   bool                  `json:"enabled"`
}

// List returns snapshots for every server admitted by the filter.
func (r *Registry) List(filter Filter) []Snapshot {
	if filter == nil {
		filter = FilterAll
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.clients))
	for name, client := range r.clients {
		if !filter(name) {
			continue
		}
		info := client.Info()
		snap := Snapshot{
			Name:    name,
			State:   info.State,
			Status:  info.State.String(),
			Tools:   len(client.Tools()),
			Enabled: client.Config().IsEnabled(),
		}
		if info.LastError != nil {
			snap.LastError = info.LastError.Error()
		}
		out = append(out, snap)
	}
	return out
}

// CatalogTools assembles the qualified tool catalog across connected servers
// admitted by the filter, honouring per-tool enable flags and description
// overrides. Ordering is stable by (serverName, toolName).
func (r *Registry) CatalogTools(filter Filter) []QualifiedTool {
	if filter == nil {
		filter = FilterAll
	}
	r.mu.RLock()
	sep := r.separator
	clients := make([]*Client, 0, len(r.clients))
	for name, client := range r.clients {
		if filter(name) && client.Config().IsEnabled() {
			clients = append(clients, client)
		}
	}
	r.mu.RUnlock()

	var out []QualifiedTool
	for _, client := range clients {
		if client.State() != types.StateConnected {
			continue
		}
		cfg := client.Config()
		for _, tool := range client.Tools() {
			description := tool.Description
			if override, ok := cfg.Tools[tool.Name]; ok {
				if !override.Enabled {
					continue
				}
				if override.Description != "" {
					description = override.Description
				}
			}
			raw, _ := json.Marshal(tool.InputSchema)
			out = append(out, QualifiedTool{
				ServerName:  client.Name(),
				ToolName:    tool.Name,
				Qualified:   Qualify(client.Name(), tool.Name, sep),
				Description: description,
				InputSchema: tool.InputSchema,
				RawSchema:   raw,
			})
		}
	}
	sortTools(out)
	return dedupeTools(out)
}

// CatalogPrompts assembles the qualified prompt catalog.
func (r *Registry) CatalogPrompts(filter Filter) []QualifiedPrompt {
	if filter == nil {
		filter = FilterAll
	}
	r.mu.RLock()
	sep := r.separator
	clients := make([]*Client, 0, len(r.clients))
	for name, client := range r.clients {
		if filter(name) && client.Config().IsEnabled() {
			clients = append(clients, client)
		}
	}
	r.mu.RUnlock()

	var out []QualifiedPrompt
	for _, client := range clients {
		if client.State() != types.StateConnected {
			continue
		}
		cfg := client.Config()
		for _, prompt := range client.Prompts() {
			description := prompt.Description
			if override, ok := cfg.Prompts[prompt.Name]; ok {
				if !override.Enabled {
					continue
				}
				if override.Description != "" {
					description = override.Description
				}
			}
			out = append(out, QualifiedPrompt{
				ServerName:  client.Name(),
				PromptName:  prompt.Name,
				Qualified:   Qualify(client.Name(), prompt.Name, sep),
				Description: description,
				Arguments:   prompt.Arguments,
			})
		}
	}
	return out
}

// CatalogResources assembles the resource catalog; URIs stay unqualified.
func (r *Registry) CatalogResources(filter Filter) []QualifiedResource {
	if filter == nil {
		filter = FilterAll
	}
	r.mu.RLock()
	clients := make([]*Client, 0, len(r.clients))
	for name, client := range r.clients {
		if filter(name) && client.Config().IsEnabled() {
			clients = append(clients, client)
		}
	}
	r.mu.RUnlock()

	var out []QualifiedResource
	for _, client := range clients {
		if client.State() != types.StateConnected {
			continue
		}
		for _, res := range client.Resources() {
			out = append(out, QualifiedResource{
				ServerName:  client.Name(),
				URI:         res.URI,
				Name:        res.Name,
				Description: res.Description,
				MIMEType:    res.MIMEType,
			})
		}
	}
	return out
}

// CallTool invokes a tool on one named server.
func (r *Registry) CallTool(ctx context.Context, serverName, toolName string, args map[string]any, passthrough map[string]string) (*mcp.CallToolResult, error) {
	client, ok := r.Get(serverName)
	if !ok {
		return nil, fmt.Errorf("unknown server %q", serverName)
	}
	if !client.Config().IsEnabled() {
		return nil, fmt.Errorf("server %q is disabled", serverName)
	}
	return client.CallTool(ctx, toolName, args, passthrough)
}

// GetPrompt fetches a prompt from one named server.
func (r *Registry) GetPrompt(ctx context.Context, serverName, promptName string, args map[string]string) (*mcp.GetPromptResult, error) {
	client, ok := r.Get(serverName)
	if !ok {
		return nil, fmt.Errorf("unknown server %q", serverName)
	}
	if !client.Config().IsEnabled() {
		return nil, fmt.Errorf("server %q is disabled", serverName)
	}
	return client.GetPrompt(ctx, promptName, args)
}

// ReadResource reads a resource from one named server.
func (r *Registry) ReadResource(ctx context.Context, serverName, uri string) (*mcp.ReadResourceResult, error) {
	client, ok := r.Get(serverName)
	if !ok {
		return nil, fmt.Errorf("unknown server %q", serverName)
	}
	if !client.Config().IsEnabled() {
		return nil, fmt.Errorf("server %q is disabled", serverName)
	}
	return client.ReadResource(ctx, uri)
}

// ToggleTool persists a per-tool enable flag through the settings store; the
// live client picks it up via the reload broadcast.
func (r *Registry) ToggleTool(serverName, toolName string, enabled bool) error {
	return r.store.Mutate(func(s *config.Settings) error {
		cfg, ok := s.MCPServers[serverName]
		if !ok {
			return fmt.Errorf("unknown server %q", serverName)
		}
		if cfg.Tools == nil {
			cfg.Tools = map[string]*config.ToolOverride{}
		}
		if override, ok := cfg.Tools[toolName]; ok {
			override.Enabled = enabled
		} else {
			cfg.Tools[toolName] = &config.ToolOverride{Enabled: enabled}
		}
		return nil
	})
}

// TogglePrompt persists a per-prompt enable flag.
func (r *Registry) TogglePrompt(serverName, promptName string, enabled bool) error {
	return r.store.Mutate(func(s *config.Settings) error {
		cfg, ok := s.MCPServers[serverName]
		if !ok {
			return fmt.Errorf("unknown server %q", serverName)
		}
		if cfg.Prompts == nil {
			cfg.Prompts = map[string]*config.PromptOverride{}
		}
		if override, ok := cfg.Prompts[promptName]; ok {
			override.Enabled = enabled
		} else {
			cfg.Prompts[promptName] = &config.PromptOverride{Enabled: enabled}
		}
		return nil
	})
}
