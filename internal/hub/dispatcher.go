package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"mcphub-go/internal/config"
	"mcphub-go/internal/index"
	"mcphub-go/internal/observability"
	"mcphub-go/internal/upstream"
	"mcphub-go/internal/upstream/types"
)

// Smart-routing meta tools.
const (
	searchToolsName = "search_tools"
	callToolName    = "call_tool"

	searchLimitDefault = 10
	searchLimitMax     = 50
)

// hubInfo is the identity echoed on initialize.
var hubInfo = mcp.Implementation{Name: "mcphub", Version: "1.0.0"}

// Dispatcher translates downstream JSON-RPC requests into fan-out upstream
// calls: scoping, qualified-name resolution, smart-routing substitution, and
// the per-request header context.
type Dispatcher struct {
	logger   *zap.Logger
	store    *config.Store
	registry *upstream.Registry
	sessions *SessionManager
	metrics  *observability.Metrics
	tracing  *observability.TracingManager

	// search is nil when smart routing is disabled or its backend failed;
	// smart scopes then fall back to full listings.
	searchMu sync.RWMutex
	search   *index.Manager

	// authURL supplies the pending authorization URL hint for -32002 errors.
	authURL func(serverName string) string

	// inflight tracks which session currently holds each upstream's
	// serialized inbox, so progress notifications route only to the session
	// whose request is in flight.
	inflightMu sync.Mutex
	inflight   map[string]string // serverName -> sessionID
}

// NewDispatcher wires the dispatcher. search and metrics may be nil; authURL
// may be nil when no OAuth coordinator runs.
func NewDispatcher(store *config.Store, registry *upstream.Registry, sessions *SessionManager, search *index.Manager, authURL func(string) string, metrics *observability.Metrics, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		logger:   logger.Named("dispatcher"),
		store:    store,
		registry: registry,
		sessions: sessions,
		search:   search,
		authURL:  authURL,
		metrics:  metrics,
		inflight: map[string]string{},
	}
}

// SetTracing wires the OpenTelemetry tracing manager; nil leaves dispatch
// untraced.
func (d *Dispatcher) SetTracing(tracing *observability.TracingManager) {
	d.tracing = tracing
}

// SetSearch swaps the smart-routing index at runtime (settings reload).
func (d *Dispatcher) SetSearch(search *index.Manager) {
	d.searchMu.Lock()
	defer d.searchMu.Unlock()
	d.search = search
}

func (d *Dispatcher) searchIndex() *index.Manager {
	d.searchMu.RLock()
	defer d.searchMu.RUnlock()
	return d.search
}

// Handle processes one request for a session. A nil return means no response
// frame is sent (notifications, cancelled calls).
func (d *Dispatcher) Handle(session *Session, req *rpcRequest, headers map[string]string) *rpcResponse {
	if req.JSONRPC != "" && req.JSONRPC != "2.0" {
		return rpcFail(req.ID, codeInvalidRequest, "unsupported jsonrpc version")
	}

	reqCtx := &RequestContext{
		SessionID: session.ID,
		User:      session.User,
		Scope:     session.Scope,
		Headers:   headers,
	}

	if d.metrics != nil {
		d.metrics.RequestsTotal.WithLabelValues(req.Method).Inc()
	}

	_, span := d.tracing.StartSpan(session.Context(), "rpc."+req.Method,
		attribute.String("rpc.method", req.Method),
		attribute.String("mcp.session_id", session.ID),
		attribute.String("mcp.scope", session.Scope.Kind.String()))
	response := d.dispatch(session, req, reqCtx)
	if response != nil && response.Error != nil {
		span.SetStatus(codes.Error, response.Error.Message)
		span.SetAttributes(attribute.Int("rpc.error_code", response.Error.Code))
	}
	span.End()
	return response
}

func (d *Dispatcher) dispatch(session *Session, req *rpcRequest, reqCtx *RequestContext) *rpcResponse {
	switch req.Method {
	case "initialize":
		return d.handleInitialize(req)
	case "ping":
		return rpcOK(req.ID, map[string]any{})
	case "$/cancelRequest":
		d.handleCancel(session, req)
		return nil
	case "tools/list":
		return d.handleToolsList(session, req)
	case "tools/call":
		return d.handleToolsCall(session, req, reqCtx)
	case "prompts/list":
		return d.handlePromptsList(session, req)
	case "prompts/get":
		return d.handlePromptsGet(session, req)
	case "resources/list":
		return d.handleResourcesList(session, req)
	case "resources/read":
		return d.handleResourcesRead(session, req)
	default:
		if strings.HasPrefix(req.Method, "notifications/") {
			return nil
		}
		if req.isNotification() {
			return nil
		}
		return rpcFail(req.ID, codeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

func (d *Dispatcher) handleInitialize(req *rpcRequest) *rpcResponse {
	return rpcOK(req.ID, map[string]any{
		"protocolVersion": mcp.LATEST_PROTOCOL_VERSION,
		"serverInfo": map[string]any{
			"name":    hubInfo.Name,
			"version": hubInfo.Version,
		},
		"capabilities": map[string]any{
			"tools":     map[string]any{"listChanged": true},
			"prompts":   map[string]any{},
			"resources": map[string]any{},
		},
	})
}

func (d *Dispatcher) handleCancel(session *Session, req *rpcRequest) {
	var params struct {
		ID any `json:"id"`
	}
	if len(req.Params) > 0 {
		_ = json.Unmarshal(req.Params, &params)
	}
	if params.ID == nil {
		return
	}
	if session.CancelRequest(params.ID) {
		d.logger.Debug("Cancelled in-flight request",
			zap.String("session_id", session.ID),
			zap.Any("request_id", params.ID))
	}
}

// scopeView resolves what a scope may see under the current settings.
type scopeView struct {
	filter      upstream.Filter
	toolAllowed func(serverName, toolName string) bool
	serverNames []string // nil means unrestricted
}

func (d *Dispatcher) viewFor(scope Scope) scopeView {
	settings := d.store.Current()
	always := func(string, string) bool { return true }

	switch scope.Kind {
	case ScopeGlobal, ScopeSmartGlobal:
		return scopeView{filter: upstream.FilterAll, toolAllowed: always}
	case ScopeServer:
		return scopeView{
			filter:      upstream.FilterNames(scope.ID),
			toolAllowed: always,
			serverNames: []string{scope.ID},
		}
	case ScopeGroup, ScopeSmartGroup:
		members := groupMembers(scope.ID, settings)
		names := make([]string, 0, len(members))
		byName := make(map[string]config.GroupMember, len(members))
		for _, m := range members {
			names = append(names, m.Name)
			byName[m.Name] = m
		}
		return scopeView{
			filter: upstream.FilterNames(names...),
			toolAllowed: func(serverName, toolName string) bool {
				member, ok := byName[serverName]
				return ok && member.AllowsTool(toolName)
			},
			serverNames: names,
		}
	default:
		return scopeView{filter: func(string) bool { return false }, toolAllowed: func(string, string) bool { return false }}
	}
}

// scopedTools lists the qualified tools visible to a scope.
func (d *Dispatcher) scopedTools(scope Scope) []upstream.QualifiedTool {
	view := d.viewFor(scope)
	tools := d.registry.CatalogTools(view.filter)
	out := tools[:0]
	for _, tool := range tools {
		if view.toolAllowed(tool.ServerName, tool.ToolName) {
			out = append(out, tool)
		}
	}
	return out
}

func (d *Dispatcher) handleToolsList(session *Session, req *rpcRequest) *rpcResponse {
	scope := session.Scope

	if scope.IsSmart() && d.searchIndex() != nil {
		return rpcOK(req.ID, map[string]any{"tools": d.smartTools(scope)})
	}

	tools := d.scopedTools(scope)
	wire := make([]map[string]any, 0, len(tools))
	for _, tool := range tools {
		wire = append(wire, map[string]any{
			"name":        tool.Qualified,
			"description": tool.Description,
			"inputSchema": tool.InputSchema,
		})
	}
	return rpcOK(req.ID, map[string]any{"tools": wire})
}

// smartTools returns the two meta tools with scope-interpolated descriptions.
func (d *Dispatcher) smartTools(scope Scope) []map[string]any {
	scopeText := "all available servers"
	if scope.Kind == ScopeSmartGroup {
		label := groupLabel(scope.ID, d.store.Current())
		scopeText = fmt.Sprintf("servers in the %q group", label)
	}

	searchTool := map[string]any{
		"name": searchToolsName,
		"description": fmt.Sprintf(
			"Search for relevant tools across %s using a natural-language query. "+
				"Returns the best-matching tools with their schemas; invoke one with %s.",
			scopeText, callToolName),
		"inputSchema": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "What you want to accomplish",
				},
				"limit": map[string]any{
					"type":        "number",
					"description": fmt.Sprintf("Maximum number of results (default %d, max %d)", searchLimitDefault, searchLimitMax),
				},
			},
			"required": []string{"query"},
		},
	}
	callTool := map[string]any{
		"name": callToolName,
		"description": fmt.Sprintf(
			"Invoke a tool discovered with %s on %s. Pass the tool name exactly as returned by the search.",
			searchToolsName, scopeText),
		"inputSchema": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"toolName": map[string]any{
					"type":        "string",
					"description": "Name of the tool to invoke",
				},
				"arguments": map[string]any{
					"type":        "object",
					"description": "Arguments for the tool",
				},
			},
			"required": []string{"toolName"},
		},
	}
	return []map[string]any{searchTool, callTool}
}

type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func (d *Dispatcher) handleToolsCall(session *Session, req *rpcRequest, reqCtx *RequestContext) *rpcResponse {
	var params callParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return rpcFail(req.ID, codeInvalidParams, "malformed tools/call params")
		}
	}
	if params.Name == "" {
		return rpcFail(req.ID, codeInvalidParams, "missing tool name")
	}

	args := map[string]any{}
	if len(params.Arguments) > 0 {
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			return rpcFail(req.ID, codeInvalidParams, "tool arguments must be an object")
		}
	}

	scope := session.Scope
	if scope.IsSmart() && d.searchIndex() != nil {
		switch params.Name {
		case searchToolsName:
			return d.handleSearchTools(session, req, args)
		case callToolName:
			toolName, _ := args["toolName"].(string)
			if toolName == "" {
				return rpcFail(req.ID, codeInvalidParams, "missing toolName")
			}
			innerArgs, _ := args["arguments"].(map[string]any)
			return d.dispatchTool(session, req, toolName, innerArgs, reqCtx)
		default:
			return rpcFail(req.ID, codeMethodNotFound,
				fmt.Sprintf("tool %q not available in smart scope", params.Name))
		}
	}

	return d.dispatchTool(session, req, params.Name, args, reqCtx)
}

func (d *Dispatcher) handleSearchTools(session *Session, req *rpcRequest, args map[string]any) *rpcResponse {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return rpcOK(req.ID, map[string]any{
			"content": []map[string]any{{
				"type": "text",
				"text": "Query parameter is required",
			}},
			"isError": true,
		})
	}

	limit := searchLimitDefault
	if raw, ok := args["limit"].(float64); ok && raw > 0 {
		limit = int(raw)
	}
	if limit > searchLimitMax {
		limit = searchLimitMax
	}

	var allow []string
	if session.Scope.Kind == ScopeSmartGroup {
		view := d.viewFor(session.Scope)
		allow = view.serverNames
		if allow == nil {
			allow = []string{}
		}
	}

	var matches []index.Match
	if search := d.searchIndex(); search != nil {
		matches = search.Search(session.Context(), query, limit, allow)
	}

	results := make([]map[string]any, 0, len(matches))
	for _, match := range matches {
		entry := map[string]any{
			"serverName":  match.Document.ServerName,
			"toolName":    match.Document.ID, // qualified, ready for call_tool
			"description": match.Document.Description,
		}
		if match.Document.SchemaJSON != "" {
			var schema any
			if err := json.Unmarshal([]byte(match.Document.SchemaJSON), &schema); err == nil {
				entry["inputSchema"] = schema
			}
		}
		results = append(results, entry)
	}

	text, _ := json.MarshalIndent(map[string]any{"tools": results}, "", "  ")
	return rpcOK(req.ID, map[string]any{
		"content": []map[string]any{{
			"type": "text",
			"text": string(text),
		}},
		"structuredContent": map[string]any{"tools": results},
	})
}

// resolveTool maps a (possibly unqualified) tool name to its server and
// inner name within the scope.
func (d *Dispatcher) resolveTool(scope Scope, name string) (serverName, toolName string, resp func(id any) *rpcResponse) {
	sep := d.registry.Separator()
	view := d.viewFor(scope)

	if server, tool, ok := upstream.SplitQualified(name, sep); ok {
		if !view.filter(server) {
			return "", "", func(id any) *rpcResponse {
				return rpcFail(id, codeMethodNotFound, fmt.Sprintf("server %q not in scope", server))
			}
		}
		if !view.toolAllowed(server, tool) {
			return "", "", func(id any) *rpcResponse {
				return rpcFail(id, codeMethodNotFound, fmt.Sprintf("tool %q not available", name))
			}
		}
		return server, tool, nil
	}

	// Unqualified: accept a unique match across the scope.
	var candidates []upstream.QualifiedTool
	for _, tool := range d.scopedTools(scope) {
		if tool.ToolName == name {
			candidates = append(candidates, tool)
		}
	}
	switch len(candidates) {
	case 0:
		return "", "", func(id any) *rpcResponse {
			return rpcFail(id, codeMethodNotFound, fmt.Sprintf("tool %q not found", name))
		}
	case 1:
		return candidates[0].ServerName, candidates[0].ToolName, nil
	default:
		names := make([]string, len(candidates))
		for i, c := range candidates {
			names[i] = c.Qualified
		}
		sort.Strings(names)
		return "", "", func(id any) *rpcResponse {
			return rpcFail(id, codeInvalidParams,
				fmt.Sprintf("tool name %q is ambiguous, candidates: %s", name, strings.Join(names, ", ")))
		}
	}
}

func (d *Dispatcher) dispatchTool(session *Session, req *rpcRequest, name string, args map[string]any, reqCtx *RequestContext) *rpcResponse {
	serverName, toolName, failure := d.resolveTool(session.Scope, name)
	if failure != nil {
		return failure(req.ID)
	}

	client, ok := d.registry.Get(serverName)
	if !ok || !client.Config().IsEnabled() {
		return rpcFail(req.ID, codeMethodNotFound, fmt.Sprintf("server %q not found", serverName))
	}

	// The tool must be in the live catalog; a qualified name pointing at a
	// disabled or unknown tool is indistinguishable from a missing method.
	if !d.toolInCatalog(serverName, toolName) {
		if client.State() != types.StateConnected {
			return d.upstreamError(req.ID, serverName, client.Info().LastError)
		}
		return rpcFail(req.ID, codeMethodNotFound,
			fmt.Sprintf("tool %q not found on server %q", toolName, serverName))
	}

	ctx, cancel := context.WithCancel(session.Context())
	defer cancel()
	session.registerInflight(req.ID, cancel)
	defer session.clearInflight(req.ID)

	d.markInflight(serverName, session.ID)
	defer d.clearInflight(serverName)

	if d.metrics != nil {
		d.metrics.UpstreamCalls.WithLabelValues(serverName, "tools/call").Inc()
	}

	result, err := d.registry.CallTool(ctx, serverName, toolName, args, reqCtx.Headers)
	if err != nil {
		return d.callError(req.ID, serverName, err)
	}
	return rpcOK(req.ID, result)
}

func (d *Dispatcher) toolInCatalog(serverName, toolName string) bool {
	for _, tool := range d.registry.CatalogTools(upstream.FilterNames(serverName)) {
		if tool.ToolName == toolName {
			return true
		}
	}
	return false
}

func (d *Dispatcher) handlePromptsList(session *Session, req *rpcRequest) *rpcResponse {
	scope := session.Scope
	if scope.IsSmart() {
		return rpcOK(req.ID, map[string]any{"prompts": []any{}})
	}
	view := d.viewFor(scope)
	prompts := d.registry.CatalogPrompts(view.filter)
	wire := make([]map[string]any, 0, len(prompts))
	for _, prompt := range prompts {
		entry := map[string]any{
			"name":        prompt.Qualified,
			"description": prompt.Description,
		}
		if len(prompt.Arguments) > 0 {
			entry["arguments"] = prompt.Arguments
		}
		wire = append(wire, entry)
	}
	return rpcOK(req.ID, map[string]any{"prompts": wire})
}

func (d *Dispatcher) handlePromptsGet(session *Session, req *rpcRequest) *rpcResponse {
	var params struct {
		Name      string            `json:"name"`
		Arguments map[string]string `json:"arguments,omitempty"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return rpcFail(req.ID, codeInvalidParams, "malformed prompts/get params")
		}
	}
	if params.Name == "" {
		return rpcFail(req.ID, codeInvalidParams, "missing prompt name")
	}

	sep := d.registry.Separator()
	view := d.viewFor(session.Scope)

	serverName, promptName, ok := upstream.SplitQualified(params.Name, sep)
	if !ok {
		// Unqualified prompts resolve like unqualified tools.
		var candidates []upstream.QualifiedPrompt
		for _, prompt := range d.registry.CatalogPrompts(view.filter) {
			if prompt.PromptName == params.Name {
				candidates = append(candidates, prompt)
			}
		}
		switch len(candidates) {
		case 0:
			return rpcFail(req.ID, codeMethodNotFound, fmt.Sprintf("prompt %q not found", params.Name))
		case 1:
			serverName, promptName = candidates[0].ServerName, candidates[0].PromptName
		default:
			return rpcFail(req.ID, codeInvalidParams, fmt.Sprintf("prompt name %q is ambiguous", params.Name))
		}
	} else if !view.filter(serverName) {
		return rpcFail(req.ID, codeMethodNotFound, fmt.Sprintf("server %q not in scope", serverName))
	}

	ctx, cancel := context.WithCancel(session.Context())
	defer cancel()
	session.registerInflight(req.ID, cancel)
	defer session.clearInflight(req.ID)

	if d.metrics != nil {
		d.metrics.UpstreamCalls.WithLabelValues(serverName, "prompts/get").Inc()
	}

	result, err := d.registry.GetPrompt(ctx, serverName, promptName, params.Arguments)
	if err != nil {
		return d.callError(req.ID, serverName, err)
	}
	return rpcOK(req.ID, result)
}

func (d *Dispatcher) handleResourcesList(session *Session, req *rpcRequest) *rpcResponse {
	scope := session.Scope
	if scope.IsSmart() {
		return rpcOK(req.ID, map[string]any{"resources": []any{}})
	}
	view := d.viewFor(scope)
	resources := d.registry.CatalogResources(view.filter)
	wire := make([]map[string]any, 0, len(resources))
	for _, res := range resources {
		entry := map[string]any{
			"uri":  res.URI,
			"name": res.Name,
		}
		if res.Description != "" {
			entry["description"] = res.Description
		}
		if res.MIMEType != "" {
			entry["mimeType"] = res.MIMEType
		}
		wire = append(wire, entry)
	}
	return rpcOK(req.ID, map[string]any{"resources": wire})
}

func (d *Dispatcher) handleResourcesRead(session *Session, req *rpcRequest) *rpcResponse {
	var params struct {
		URI string `json:"uri"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return rpcFail(req.ID, codeInvalidParams, "malformed resources/read params")
		}
	}
	if params.URI == "" {
		return rpcFail(req.ID, codeInvalidParams, "missing resource uri")
	}

	view := d.viewFor(session.Scope)
	serverName := ""
	for _, res := range d.registry.CatalogResources(view.filter) {
		if res.URI == params.URI {
			serverName = res.ServerName
			break
		}
	}
	if serverName == "" {
		return rpcFail(req.ID, codeMethodNotFound, fmt.Sprintf("resource %q not found", params.URI))
	}

	ctx, cancel := context.WithCancel(session.Context())
	defer cancel()
	session.registerInflight(req.ID, cancel)
	defer session.clearInflight(req.ID)

	if d.metrics != nil {
		d.metrics.UpstreamCalls.WithLabelValues(serverName, "resources/read").Inc()
	}

	result, err := d.registry.ReadResource(ctx, serverName, params.URI)
	if err != nil {
		return d.callError(req.ID, serverName, err)
	}
	return rpcOK(req.ID, result)
}

// callError maps an upstream failure onto the hub error taxonomy. A nil
// return means the call was cancelled and no response is sent.
func (d *Dispatcher) callError(id any, serverName string, err error) *rpcResponse {
	if d.metrics != nil {
		d.metrics.UpstreamErrors.WithLabelValues(serverName).Inc()
	}
	switch {
	case errors.Is(err, context.Canceled):
		return nil
	case errors.Is(err, upstream.ErrCallTimeout), errors.Is(err, context.DeadlineExceeded):
		return rpcFailData(id, codeTimeout, err.Error(), map[string]any{"kind": "timeout"})
	case errors.Is(err, upstream.ErrAuthRequired):
		data := map[string]any{"server": serverName}
		if d.authURL != nil {
			if authorizationURL := d.authURL(serverName); authorizationURL != "" {
				data["authorizationUrl"] = authorizationURL
			}
		}
		return rpcFailData(id, codeAuthRequired,
			fmt.Sprintf("server %q requires authorization", serverName), data)
	case errors.Is(err, upstream.ErrNotConnected):
		return rpcFail(id, codeUpstreamUnavailable, err.Error())
	default:
		d.logger.Warn("Upstream call failed",
			zap.String("server", serverName), zap.Error(err))
		return rpcFail(id, codeInternal, err.Error())
	}
}

func (d *Dispatcher) upstreamError(id any, serverName string, lastErr error) *rpcResponse {
	message := fmt.Sprintf("server %q is not connected", serverName)
	if lastErr != nil {
		message = fmt.Sprintf("%s: %s", message, lastErr)
	}
	return rpcFail(id, codeUpstreamUnavailable, message)
}

func (d *Dispatcher) markInflight(serverName, sessionID string) {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	d.inflight[serverName] = sessionID
}

func (d *Dispatcher) clearInflight(serverName string) {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	delete(d.inflight, serverName)
}

func (d *Dispatcher) inflightSession(serverName string) string {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	return d.inflight[serverName]
}

// HandleUpstreamNotification fans an upstream notification out to every
// session whose scope includes the originating server. Progress
// notifications go only to the session whose request is in flight.
func (d *Dispatcher) HandleUpstreamNotification(serverName string, n mcp.JSONRPCNotification) {
	frame := rpcNotification{
		JSONRPC: "2.0",
		Method:  n.Method,
		Params:  n.Params,
	}

	if n.Method == "notifications/progress" {
		sessionID := d.inflightSession(serverName)
		if sessionID == "" {
			return
		}
		if session, ok := d.sessions.Get(sessionID); ok {
			_ = session.Send(frame)
		}
		return
	}

	settings := d.store.Current()
	d.sessions.Each(func(session *Session) {
		if scopeIncludes(session.Scope, settings, serverName) {
			_ = session.Send(frame)
		}
	})
}

// scopeIncludes reports whether a scope covers a server.
func scopeIncludes(scope Scope, settings *config.Settings, serverName string) bool {
	switch scope.Kind {
	case ScopeGlobal, ScopeSmartGlobal:
		return true
	case ScopeServer:
		return scope.ID == serverName
	case ScopeGroup, ScopeSmartGroup:
		for _, member := range groupMembers(scope.ID, settings) {
			if member.Name == serverName {
				return true
			}
		}
		return false
	default:
		return false
	}
}
