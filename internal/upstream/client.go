package upstream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/client"
	uptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"mcphub-go/internal/config"
	"mcphub-go/internal/upstream/openapi"
	"mcphub-go/internal/upstream/types"
)

const (
	clientName    = "mcphub"
	clientVersion = "1.0.0"
)

// Sentinel errors surfaced to the dispatcher.
var (
	// ErrNotConnected indicates the upstream is not in the connected state.
	ErrNotConnected = errors.New("upstream not connected")
	// ErrAuthRequired indicates the upstream rejected the call pending OAuth
	// authorization; the call is retriable once a token arrives.
	ErrAuthRequired = errors.New("upstream authorization required")
	// ErrCallTimeout indicates the per-call deadline elapsed.
	ErrCallTimeout = errors.New("upstream call timed out")
)

// TokenSource supplies bearer tokens for upstreams that advertise OAuth. An
// empty token with a nil error means authorization is pending a callback.
type TokenSource interface {
	AccessToken(ctx context.Context, serverName string, oauth *config.OAuthConfig) (string, error)
	HandleUnauthorized(ctx context.Context, serverName string, oauth *config.OAuthConfig) (string, error)
}

// NotificationFunc receives upstream notifications tagged with the
// originating server.
type NotificationFunc func(serverName string, n mcp.JSONRPCNotification)

// Client owns the connection to a single upstream MCP server: transport,
// handshake, cached catalog, and the serialized request inbox.
type Client struct {
	name   string
	logger *zap.Logger
	state  *types.StateManager
	tokens TokenSource
	notify NotificationFunc

	// defaultTimeout overrides the built-in 60s per-call deadline for
	// servers without explicit options (REQUEST_TIMEOUT).
	defaultTimeout time.Duration

	mu         sync.RWMutex
	cfg        *config.ServerConfig
	mcpClient  *client.Client
	oa         *openapi.Client
	serverInfo *mcp.InitializeResult
	tools      []mcp.Tool
	prompts    []mcp.Prompt
	resources  []mcp.Resource

	stderrSink io.WriteCloser
	stderrWG   sync.WaitGroup

	// callMu serializes requests to match MCP's request/response correlation
	// model; calls to distinct upstreams stay fully parallel.
	callMu   sync.Mutex
	progress chan struct{}

	// manual marks an operator-initiated disconnect that the retry sweep
	// must not undo.
	manual atomic.Bool
}

// NewClient creates an unconnected client for one configured server.
func NewClient(name string, cfg *config.ServerConfig, logger *zap.Logger, tokens TokenSource, notify NotificationFunc, stderrSink io.WriteCloser) *Client {
	return &Client{
		name:       name,
		cfg:        cfg,
		logger:     logger.With(zap.String("upstream", name)),
		state:      types.NewStateManager(),
		tokens:     tokens,
		notify:     notify,
		stderrSink: stderrSink,
		progress:   make(chan struct{}, 1),
	}
}

// Name returns the configured server name.
func (c *Client) Name() string { return c.name }

// Config returns the server configuration backing this client.
func (c *Client) Config() *config.ServerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// UpdateConfig swaps the configuration reference for non-material changes
// (tool toggles, descriptions) that do not require a reconnect.
func (c *Client) UpdateConfig(cfg *config.ServerConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
}

// State returns the current lifecycle state.
func (c *Client) State() types.ConnectionState { return c.state.State() }

// Info returns a connection snapshot.
func (c *Client) Info() types.ConnectionInfo { return c.state.Info() }

// StateManager exposes the state machine for registry callbacks.
func (c *Client) StateManager() *types.StateManager { return c.state }

// ServerInfo returns the initialize result, nil before the handshake.
func (c *Client) ServerInfo() *mcp.InitializeResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// Connect establishes the transport, performs the MCP handshake and fetches
// the catalog. A 401 during connect parks the client in oauth_required and
// asks the token source to start or resume an OAuth flow.
func (c *Client) Connect(ctx context.Context) error {
	if c.state.State() == types.StateConnected {
		return nil
	}
	c.manual.Store(false)
	c.state.TransitionTo(types.StateConnecting)
	cfg := c.Config()

	c.logger.Info("Connecting to upstream MCP server",
		zap.String("type", cfg.EffectiveType()))

	err := c.connect(ctx, cfg)
	if err == nil {
		c.state.TransitionTo(types.StateConnected)
		c.logger.Info("Upstream connected",
			zap.Int("tools", len(c.tools)),
			zap.Int("prompts", len(c.prompts)),
			zap.Int("resources", len(c.resources)))
		return nil
	}

	if isAuthError(err) && cfg.OAuth != nil {
		c.state.TransitionTo(types.StateOAuthRequired)
		c.logger.Warn("Upstream requires OAuth authorization", zap.Error(err))
		if c.tokens != nil {
			if token, tokenErr := c.tokens.HandleUnauthorized(ctx, c.name, cfg.OAuth); tokenErr == nil && token != "" {
				// A cached refresh token produced a fresh access token;
				// retry immediately with the new bearer.
				c.state.TransitionTo(types.StateConnecting)
				if retryErr := c.connect(ctx, cfg); retryErr == nil {
					c.state.TransitionTo(types.StateConnected)
					return nil
				}
				c.state.TransitionTo(types.StateOAuthRequired)
			}
		}
		return fmt.Errorf("%w: %s", ErrAuthRequired, c.name)
	}

	c.state.SetError(err)
	return err
}

func (c *Client) connect(ctx context.Context, cfg *config.ServerConfig) error {
	switch cfg.EffectiveType() {
	case config.TypeOpenAPI:
		return c.connectOpenAPI(ctx, cfg)
	case config.TypeStdio:
		if err := c.connectStdio(ctx, cfg); err != nil {
			return err
		}
	case config.TypeSSE:
		if err := c.connectSSE(ctx, cfg); err != nil {
			return err
		}
	case config.TypeStreamableHTTP:
		if err := c.connectStreamableHTTP(ctx, cfg); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported server type %q", cfg.Type)
	}

	if err := c.initialize(ctx); err != nil {
		c.closeTransport()
		return err
	}
	if err := c.fetchCatalog(ctx); err != nil {
		c.closeTransport()
		return err
	}
	return nil
}

func (c *Client) connectStdio(ctx context.Context, cfg *config.ServerConfig) error {
	if cfg.Command == "" {
		return fmt.Errorf("stdio server %s has no command", c.name)
	}
	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	stdio := uptransport.NewStdio(cfg.Command, env, cfg.Args...)
	mcpClient := client.NewClient(stdio)

	// The subprocess must outlive the connect call's deadline.
	if err := mcpClient.Start(context.Background()); err != nil {
		return fmt.Errorf("start stdio client: %w", err)
	}

	if stderr := stdio.Stderr(); stderr != nil && c.stderrSink != nil {
		c.drainStderr(stderr)
	}

	c.setClient(mcpClient)
	return nil
}

// drainStderr copies the subprocess stderr to the rotating log sink line by
// line, tolerating a final line without a trailing newline.
func (c *Client) drainStderr(stderr io.Reader) {
	c.stderrWG.Add(1)
	go func() {
		defer c.stderrWG.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			_, _ = c.stderrSink.Write(append(line, '\n'))
		}
	}()
}

func (c *Client) connectSSE(ctx context.Context, cfg *config.ServerConfig) error {
	headers, err := c.buildHeaders(ctx, cfg)
	if err != nil {
		return err
	}
	sseClient, err := client.NewSSEMCPClient(cfg.URL, client.WithHeaders(headers))
	if err != nil {
		return fmt.Errorf("create SSE client: %w", err)
	}
	if err := sseClient.Start(ctx); err != nil {
		return fmt.Errorf("start SSE client: %w", err)
	}
	c.setClient(sseClient)
	return nil
}

func (c *Client) connectStreamableHTTP(ctx context.Context, cfg *config.ServerConfig) error {
	headers, err := c.buildHeaders(ctx, cfg)
	if err != nil {
		return err
	}
	httpTransport, err := uptransport.NewStreamableHTTP(cfg.URL,
		uptransport.WithHTTPHeaders(headers))
	if err != nil {
		return fmt.Errorf("create streamable HTTP transport: %w", err)
	}
	mcpClient := client.NewClient(httpTransport)
	if err := mcpClient.Start(ctx); err != nil {
		return fmt.Errorf("start streamable HTTP client: %w", err)
	}
	c.setClient(mcpClient)
	return nil
}

func (c *Client) connectOpenAPI(ctx context.Context, cfg *config.ServerConfig) error {
	oa, err := openapi.NewClient(c.name, cfg.OpenAPI, c.logger)
	if err != nil {
		return err
	}
	if err := oa.Load(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.oa = oa
	c.tools = oa.Tools()
	c.prompts = nil
	c.resources = nil
	c.serverInfo = &mcp.InitializeResult{}
	c.serverInfo.ServerInfo = mcp.Implementation{Name: c.name, Version: cfg.OpenAPI.Version}
	c.mu.Unlock()
	return nil
}

// buildHeaders merges configured headers with a bearer token when the server
// carries an OAuth block and the coordinator holds a usable token.
func (c *Client) buildHeaders(ctx context.Context, cfg *config.ServerConfig) (map[string]string, error) {
	headers := make(map[string]string, len(cfg.Headers)+1)
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	if cfg.OAuth != nil && c.tokens != nil {
		token, err := c.tokens.AccessToken(ctx, c.name, cfg.OAuth)
		if err != nil {
			return nil, err
		}
		if token != "" {
			headers["Authorization"] = "Bearer " + token
		}
	}
	return headers, nil
}

func (c *Client) setClient(mcpClient *client.Client) {
	mcpClient.OnNotification(func(n mcp.JSONRPCNotification) {
		if n.Method == "notifications/progress" {
			select {
			case c.progress <- struct{}{}:
			default:
			}
		}
		if c.notify != nil {
			c.notify(c.name, n)
		}
	})
	c.mu.Lock()
	c.mcpClient = mcpClient
	c.mu.Unlock()
}

func (c *Client) initialize(ctx context.Context) error {
	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: clientVersion}
	initRequest.Params.Capabilities = mcp.ClientCapabilities{}

	serverInfo, err := c.mcpClient.Initialize(ctx, initRequest)
	if err != nil {
		return fmt.Errorf("MCP initialize failed: %w", err)
	}

	c.mu.Lock()
	c.serverInfo = serverInfo
	c.mu.Unlock()
	c.state.SetServerInfo(serverInfo.ServerInfo.Name, serverInfo.ServerInfo.Version)
	return nil
}

// fetchCatalog lists tools and, when the upstream advertises them, prompts
// and resources.
func (c *Client) fetchCatalog(ctx context.Context) error {
	c.mu.RLock()
	mcpClient := c.mcpClient
	serverInfo := c.serverInfo
	c.mu.RUnlock()

	var tools []mcp.Tool
	if serverInfo.Capabilities.Tools != nil {
		result, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			return fmt.Errorf("tools/list failed: %w", err)
		}
		tools = result.Tools
	}

	var prompts []mcp.Prompt
	if serverInfo.Capabilities.Prompts != nil {
		if result, err := mcpClient.ListPrompts(ctx, mcp.ListPromptsRequest{}); err == nil {
			prompts = result.Prompts
		} else {
			c.logger.Debug("prompts/list unsupported", zap.Error(err))
		}
	}

	var resources []mcp.Resource
	if serverInfo.Capabilities.Resources != nil {
		if result, err := mcpClient.ListResources(ctx, mcp.ListResourcesRequest{}); err == nil {
			resources = result.Resources
		} else {
			c.logger.Debug("resources/list unsupported", zap.Error(err))
		}
	}

	c.mu.Lock()
	c.tools = tools
	c.prompts = prompts
	c.resources = resources
	c.mu.Unlock()
	return nil
}

// RefreshCatalog re-reads the upstream catalog, used when the upstream emits
// a list-changed notification.
func (c *Client) RefreshCatalog(ctx context.Context) error {
	if c.state.State() != types.StateConnected {
		return ErrNotConnected
	}
	return c.fetchCatalog(ctx)
}

// Tools returns the cached raw tool catalog.
func (c *Client) Tools() []mcp.Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools
}

// Prompts returns the cached raw prompt catalog.
func (c *Client) Prompts() []mcp.Prompt {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.prompts
}

// Resources returns the cached raw resource catalog.
func (c *Client) Resources() []mcp.Resource {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resources
}

// CallTool forwards a tool invocation, bounded by the server's request
// options. Progress notifications extend the deadline when
// resetTimeoutOnProgress is set; maxTotalTimeoutMs is a hard ceiling.
// passthrough carries downstream headers for openapi upstreams.
func (c *Client) CallTool(ctx context.Context, toolName string, args map[string]any, passthrough map[string]string) (*mcp.CallToolResult, error) {
	cfg := c.Config()

	if oa := c.openapiClient(); oa != nil {
		return oa.CallTool(ctx, toolName, args, passthrough)
	}

	if c.state.State() != types.StateConnected {
		return nil, c.unavailableErr()
	}

	request := mcp.CallToolRequest{}
	request.Params.Name = toolName
	request.Params.Arguments = args

	result, err := c.roundTrip(ctx, cfg.Options, func(callCtx context.Context) (any, error) {
		c.mu.RLock()
		mcpClient := c.mcpClient
		c.mu.RUnlock()
		if mcpClient == nil {
			return nil, ErrNotConnected
		}
		return mcpClient.CallTool(callCtx, request)
	})
	if err != nil {
		return nil, c.classifyCallError(ctx, err, "tools/call")
	}
	return result.(*mcp.CallToolResult), nil
}

// GetPrompt forwards prompts/get.
func (c *Client) GetPrompt(ctx context.Context, promptName string, args map[string]string) (*mcp.GetPromptResult, error) {
	if c.state.State() != types.StateConnected {
		return nil, c.unavailableErr()
	}
	request := mcp.GetPromptRequest{}
	request.Params.Name = promptName
	request.Params.Arguments = args

	result, err := c.roundTrip(ctx, c.Config().Options, func(callCtx context.Context) (any, error) {
		c.mu.RLock()
		mcpClient := c.mcpClient
		c.mu.RUnlock()
		if mcpClient == nil {
			return nil, ErrNotConnected
		}
		return mcpClient.GetPrompt(callCtx, request)
	})
	if err != nil {
		return nil, c.classifyCallError(ctx, err, "prompts/get")
	}
	return result.(*mcp.GetPromptResult), nil
}

// ReadResource forwards resources/read.
func (c *Client) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	if c.state.State() != types.StateConnected {
		return nil, c.unavailableErr()
	}
	request := mcp.ReadResourceRequest{}
	request.Params.URI = uri

	result, err := c.roundTrip(ctx, c.Config().Options, func(callCtx context.Context) (any, error) {
		c.mu.RLock()
		mcpClient := c.mcpClient
		c.mu.RUnlock()
		if mcpClient == nil {
			return nil, ErrNotConnected
		}
		return mcpClient.ReadResource(callCtx, request)
	})
	if err != nil {
		return nil, c.classifyCallError(ctx, err, "resources/read")
	}
	return result.(*mcp.ReadResourceResult), nil
}

// roundTrip serializes the call through the client inbox and enforces the
// timeout policy.
func (c *Client) roundTrip(ctx context.Context, opts *config.RequestOptions, call func(context.Context) (any, error)) (any, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	// Drain any progress signal left over from a previous call.
	select {
	case <-c.progress:
	default:
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if maxTotal := opts.MaxTotalTimeout(); maxTotal > 0 {
		var cancelTotal context.CancelFunc
		callCtx, cancelTotal = context.WithTimeout(callCtx, maxTotal)
		defer cancelTotal()
	}

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := call(callCtx)
		done <- outcome{result, err}
	}()

	timeout := opts.Timeout()
	if (opts == nil || opts.TimeoutMs <= 0) && c.defaultTimeout > 0 {
		timeout = c.defaultTimeout
	}
	resetOnProgress := opts != nil && opts.ResetTimeoutOnProgress
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case out := <-done:
			return out.result, out.err
		case <-c.progress:
			if resetOnProgress {
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(timeout)
			}
		case <-timer.C:
			cancel()
			<-done
			return nil, fmt.Errorf("%w after %s", ErrCallTimeout, timeout)
		case <-ctx.Done():
			cancel()
			<-done
			return nil, ctx.Err()
		}
	}
}

// classifyCallError maps transport failures onto the hub error taxonomy and
// kicks off re-authentication on a mid-session 401.
func (c *Client) classifyCallError(ctx context.Context, err error, method string) error {
	switch {
	case errors.Is(err, ErrCallTimeout), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case isAuthError(err):
		cfg := c.Config()
		if cfg.OAuth != nil {
			c.logger.Warn("Upstream returned 401 mid-session, re-authenticating",
				zap.String("method", method))
			c.state.TransitionTo(types.StateOAuthRequired)
			go c.reauthenticate(cfg)
			return fmt.Errorf("%w: %s", ErrAuthRequired, c.name)
		}
		return err
	default:
		c.logger.Warn("Upstream call failed", zap.String("method", method), zap.Error(err))
		return err
	}
}

// reauthenticate refreshes the token and rebuilds the transport without
// tearing down downstream sessions. Runs outside the request path.
func (c *Client) reauthenticate(cfg *config.ServerConfig) {
	if c.tokens == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	token, err := c.tokens.HandleUnauthorized(ctx, c.name, cfg.OAuth)
	if err != nil {
		c.logger.Warn("Token refresh failed", zap.Error(err))
		return
	}
	if token == "" {
		// Authorization-code flow pending; the registry resumes the client
		// when the callback lands.
		return
	}
	if err := c.Reconnect(ctx); err != nil {
		c.logger.Warn("Reconnect after token refresh failed", zap.Error(err))
	}
}

// Reconnect tears down the transport and connects again, picking up fresh
// headers and tokens.
func (c *Client) Reconnect(ctx context.Context) error {
	if c.state.State() == types.StateRemoved {
		return fmt.Errorf("client %s has been removed", c.name)
	}
	c.manual.Store(false)
	c.closeTransport()
	c.state.TransitionTo(types.StateConnecting)
	cfg := c.Config()
	if err := c.connect(ctx, cfg); err != nil {
		if isAuthError(err) && cfg.OAuth != nil {
			c.state.TransitionTo(types.StateOAuthRequired)
		} else {
			c.state.SetError(err)
		}
		return err
	}
	c.state.TransitionTo(types.StateConnected)
	return nil
}

// Disconnect closes the transport and marks the client disconnected without
// scheduling retries.
func (c *Client) Disconnect() {
	c.manual.Store(true)
	c.closeTransport()
	if c.state.State() != types.StateRemoved {
		c.state.TransitionTo(types.StateDisconnected)
	}
}

// Remove closes the transport and retires the instance.
func (c *Client) Remove() {
	c.closeTransport()
	c.state.TransitionTo(types.StateRemoved)
	if c.stderrSink != nil {
		_ = c.stderrSink.Close()
	}
}

func (c *Client) closeTransport() {
	c.mu.Lock()
	mcpClient := c.mcpClient
	c.mcpClient = nil
	c.serverInfo = nil
	c.tools = nil
	c.prompts = nil
	c.resources = nil
	c.oa = nil
	c.mu.Unlock()

	if mcpClient != nil {
		mcpClient.Close()
	}
}

func (c *Client) openapiClient() *openapi.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.oa
}

func (c *Client) unavailableErr() error {
	if c.state.State() == types.StateOAuthRequired {
		return fmt.Errorf("%w: %s", ErrAuthRequired, c.name)
	}
	if lastErr := c.state.LastError(); lastErr != nil {
		return fmt.Errorf("%w: %s: %s", ErrNotConnected, c.name, lastErr)
	}
	return fmt.Errorf("%w: %s", ErrNotConnected, c.name)
}

// isAuthError reports whether a transport error looks like an HTTP 401/403
// challenge. mcp-go surfaces these as string errors, so matching is textual.
func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{"401", "Unauthorized", "403", "invalid_token", "authorization required", "WWW-Authenticate"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
