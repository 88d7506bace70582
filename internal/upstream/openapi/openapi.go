// Package openapi synthesizes an MCP tool surface from an OpenAPI document.
// Each operation becomes one tool named by its operationId; tool calls
// execute the corresponding HTTP request.
package openapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"mcphub-go/internal/config"
)

// Client wraps one openapi-type upstream.
type Client struct {
	serverName string
	cfg        *config.OpenAPIConfig
	logger     *zap.Logger
	httpClient *http.Client

	mu      sync.RWMutex
	baseURL string
	ops     map[string]*operation
	tools   []mcp.Tool
}

type operation struct {
	id       string
	method   string
	path     string
	params   []parameter
	hasBody  bool
	bodyKeys map[string]struct{}
}

type parameter struct {
	name     string
	in       string // query, path, header
	required bool
	schema   map[string]any
}

// NewClient builds an unloaded client.
func NewClient(serverName string, cfg *config.OpenAPIConfig, logger *zap.Logger) (*Client, error) {
	if cfg == nil || (cfg.URL == "" && len(cfg.Schema) == 0) {
		return nil, fmt.Errorf("openapi server %s requires a url or embedded schema", serverName)
	}
	return &Client{
		serverName: serverName,
		cfg:        cfg,
		logger:     logger.Named("openapi"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// document is the subset of an OpenAPI 3 document the synthesizer reads.
type document struct {
	Servers []struct {
		URL string `json:"url"`
	} `json:"servers"`
	Paths map[string]map[string]*operationDoc `json:"paths"`
}

type operationDoc struct {
	OperationID string `json:"operationId"`
	Summary     string `json:"summary"`
	Description string `json:"description"`
	Parameters  []struct {
		Name     string         `json:"name"`
		In       string         `json:"in"`
		Required bool           `json:"required"`
		Schema   map[string]any `json:"schema"`
	} `json:"parameters"`
	RequestBody *struct {
		Content map[string]struct {
			Schema map[string]any `json:"schema"`
		} `json:"content"`
	} `json:"requestBody"`
}

// Load fetches (or decodes) the document and synthesizes the tool catalog.
func (c *Client) Load(ctx context.Context) error {
	raw := []byte(c.cfg.Schema)
	if len(raw) == 0 {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL, nil)
		if err != nil {
			return fmt.Errorf("openapi document request: %w", err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("fetch openapi document: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("fetch openapi document: HTTP %d", resp.StatusCode)
		}
		raw, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read openapi document: %w", err)
		}
	}

	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse openapi document: %w", err)
	}

	baseURL := ""
	if len(doc.Servers) > 0 {
		baseURL = strings.TrimSuffix(doc.Servers[0].URL, "/")
	}
	if c.cfg.URL != "" && !strings.Contains(baseURL, "://") {
		// Relative server entries resolve against the document location; a
		// missing entry falls back to the document's origin.
		if u, err := url.Parse(c.cfg.URL); err == nil {
			if baseURL == "" {
				baseURL = "/"
			}
			if ref, err := url.Parse(baseURL); err == nil {
				baseURL = strings.TrimSuffix(u.ResolveReference(ref).String(), "/")
			}
		}
	}

	ops := map[string]*operation{}
	var tools []mcp.Tool
	for path, methods := range doc.Paths {
		for method, opDoc := range methods {
			method = strings.ToUpper(method)
			switch method {
			case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
			default:
				continue
			}
			if opDoc == nil || opDoc.OperationID == "" {
				continue
			}
			op := &operation{
				id:     opDoc.OperationID,
				method: method,
				path:   path,
			}
			properties := map[string]any{}
			var required []string
			for _, p := range opDoc.Parameters {
				schema := p.Schema
				if schema == nil {
					schema = map[string]any{"type": "string"}
				}
				properties[p.Name] = schema
				if p.Required {
					required = append(required, p.Name)
				}
				op.params = append(op.params, parameter{
					name:     p.Name,
					in:       p.In,
					required: p.Required,
					schema:   schema,
				})
			}
			if opDoc.RequestBody != nil {
				if content, ok := opDoc.RequestBody.Content["application/json"]; ok && content.Schema != nil {
					op.hasBody = true
					op.bodyKeys = map[string]struct{}{}
					if props, ok := content.Schema["properties"].(map[string]any); ok {
						for name, schema := range props {
							properties[name] = schema
							op.bodyKeys[name] = struct{}{}
						}
						if reqList, ok := content.Schema["required"].([]any); ok {
							for _, r := range reqList {
								if name, ok := r.(string); ok {
									required = append(required, name)
								}
							}
						}
					}
				}
			}

			description := opDoc.Description
			if description == "" {
				description = opDoc.Summary
			}
			tool := mcp.Tool{
				Name:        op.id,
				Description: description,
				InputSchema: mcp.ToolInputSchema{
					Type:       "object",
					Properties: properties,
					Required:   required,
				},
			}
			ops[op.id] = op
			tools = append(tools, tool)
		}
	}

	c.mu.Lock()
	c.baseURL = baseURL
	c.ops = ops
	c.tools = tools
	c.mu.Unlock()

	c.logger.Info("Synthesized OpenAPI tool catalog",
		zap.String("server", c.serverName),
		zap.Int("operations", len(tools)))
	return nil
}

// Tools returns the synthesized catalog.
func (c *Client) Tools() []mcp.Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools
}

// CallTool executes the HTTP request for one operation. passthrough carries
// the downstream request headers; only names listed in passthroughHeaders are
// forwarded, compared case-insensitively.
func (c *Client) CallTool(ctx context.Context, toolName string, args map[string]any, passthrough map[string]string) (*mcp.CallToolResult, error) {
	c.mu.RLock()
	op, ok := c.ops[toolName]
	baseURL := c.baseURL
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown operation %q", toolName)
	}

	path := op.path
	query := url.Values{}
	headers := http.Header{}
	used := map[string]struct{}{}

	for _, p := range op.params {
		value, present := args[p.name]
		if !present {
			if p.required && p.in == "path" {
				return nil, fmt.Errorf("missing required path parameter %q", p.name)
			}
			continue
		}
		used[p.name] = struct{}{}
		text := stringify(value)
		switch p.in {
		case "path":
			path = strings.ReplaceAll(path, "{"+p.name+"}", url.PathEscape(text))
		case "query":
			query.Set(p.name, text)
		case "header":
			headers.Set(p.name, text)
		}
	}

	var body io.Reader
	if op.hasBody {
		payload := map[string]any{}
		for name := range op.bodyKeys {
			if value, present := args[name]; present {
				payload[name] = value
				used[name] = struct{}{}
			}
		}
		// Arguments outside the declared schema still travel in the body;
		// validation is the upstream's concern.
		for name, value := range args {
			if _, taken := used[name]; !taken {
				payload[name] = value
			}
		}
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(encoded)
		headers.Set("Content-Type", "application/json")
	}

	target := baseURL + path
	if encoded := query.Encode(); encoded != "" {
		target += "?" + encoded
	}

	req, err := http.NewRequestWithContext(ctx, op.method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for name, values := range headers {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	c.applySecurity(req)
	c.applyPassthrough(req, passthrough)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute %s: %w", op.id, err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", op.id, err)
	}

	text := string(responseBody)
	if resp.StatusCode >= 400 {
		return mcp.NewToolResultError(fmt.Sprintf("HTTP %d: %s", resp.StatusCode, text)), nil
	}
	return mcp.NewToolResultText(text), nil
}

func (c *Client) applySecurity(req *http.Request) {
	sec := c.cfg.Security
	if sec == nil {
		return
	}
	switch sec.Type {
	case "apiKey":
		switch sec.In {
		case "header", "":
			req.Header.Set(sec.Name, sec.Value)
		case "query":
			q := req.URL.Query()
			q.Set(sec.Name, sec.Value)
			req.URL.RawQuery = q.Encode()
		}
	case "http":
		switch sec.Scheme {
		case "basic":
			credentials := base64.StdEncoding.EncodeToString([]byte(sec.Name + ":" + sec.Value))
			req.Header.Set("Authorization", "Basic "+credentials)
		case "bearer":
			req.Header.Set("Authorization", "Bearer "+sec.Token)
		}
	}
}

func (c *Client) applyPassthrough(req *http.Request, passthrough map[string]string) {
	if len(c.cfg.PassthroughHeaders) == 0 || len(passthrough) == 0 {
		return
	}
	allowed := make(map[string]string, len(c.cfg.PassthroughHeaders))
	for _, name := range c.cfg.PassthroughHeaders {
		allowed[strings.ToLower(name)] = name
	}
	for name, value := range passthrough {
		if canonical, ok := allowed[strings.ToLower(name)]; ok {
			req.Header.Set(canonical, value)
		}
	}
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	default:
		encoded, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return strings.Trim(string(encoded), `"`)
	}
}
