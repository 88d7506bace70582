package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcphub-go/internal/config"
	"mcphub-go/internal/logs"
	"mcphub-go/internal/upstream/types"
)

const registrySpec = `{
  "openapi": "3.0.0",
  "servers": [{"url": "%s"}],
  "paths": {
    "/a": {"get": {"operationId": "alpha", "summary": "First operation"}},
    "/b": {"get": {"operationId": "beta", "summary": "Second operation"}}
  }
}`

func testBackend(t *testing.T) *httptest.Server {
	t.Helper()
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(backend.Close)
	return backend
}

func openapiCfg(backendURL string) *config.ServerConfig {
	return &config.ServerConfig{
		Type: config.TypeOpenAPI,
		OpenAPI: &config.OpenAPIConfig{
			Schema: []byte(fmt.Sprintf(registrySpec, backendURL)),
		},
	}
}

func newTestRegistry(t *testing.T, doc *config.Settings) (*Registry, *config.Store) {
	t.Helper()
	store := config.NewStore(filepath.Join(t.TempDir(), config.SettingsFileName), zap.NewNop())
	require.NoError(t, store.Save(doc))
	_, err := store.Load()
	require.NoError(t, err)

	registry := NewRegistry(store, nil, logs.DefaultConfig(), zap.NewNop())
	t.Cleanup(registry.Stop)
	registry.Apply(context.Background(), store.Current())
	return registry, store
}

func waitState(t *testing.T, registry *Registry, name string, want types.ConnectionState) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if client, ok := registry.Get(name); ok && client.State() == want {
			return
		}
		if time.Now().After(deadline) {
			state := "missing"
			if client, ok := registry.Get(name); ok {
				state = client.State().String()
			}
			t.Fatalf("server %s never reached %s (state: %s)", name, want, state)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestApplyConnectsEnabledServers(t *testing.T) {
	backend := testBackend(t)
	doc := config.DefaultSettings()
	doc.MCPServers["one"] = openapiCfg(backend.URL)
	registry, _ := newTestRegistry(t, doc)
	waitState(t, registry, "one", types.StateConnected)

	tools := registry.CatalogTools(nil)
	require.Len(t, tools, 2)
	assert.Equal(t, "one::alpha", tools[0].Qualified)
	assert.Equal(t, "one::beta", tools[1].Qualified)
}

func TestApplySkipsDisabledServers(t *testing.T) {
	backend := testBackend(t)
	disabled := false
	doc := config.DefaultSettings()
	cfg := openapiCfg(backend.URL)
	cfg.Enabled = &disabled
	doc.MCPServers["off"] = cfg

	registry, _ := newTestRegistry(t, doc)
	client, ok := registry.Get("off")
	require.True(t, ok, "disabled servers keep a client instance")
	assert.Equal(t, types.StateInit, client.State())
	assert.Empty(t, registry.CatalogTools(nil))
}

func TestApplyRemovesDroppedServers(t *testing.T) {
	backend := testBackend(t)
	doc := config.DefaultSettings()
	doc.MCPServers["gone"] = openapiCfg(backend.URL)
	registry, store := newTestRegistry(t, doc)
	waitState(t, registry, "gone", types.StateConnected)

	require.NoError(t, store.Mutate(func(s *config.Settings) error {
		delete(s.MCPServers, "gone")
		return nil
	}))
	settings, err := store.Load()
	require.NoError(t, err)
	registry.Apply(context.Background(), settings)

	_, ok := registry.Get("gone")
	assert.False(t, ok)
	assert.Empty(t, registry.CatalogTools(nil))
}

func TestApplyKeepsUnchangedClients(t *testing.T) {
	backend := testBackend(t)
	doc := config.DefaultSettings()
	doc.MCPServers["same"] = openapiCfg(backend.URL)
	registry, store := newTestRegistry(t, doc)
	waitState(t, registry, "same", types.StateConnected)

	before, _ := registry.Get("same")
	registry.Apply(context.Background(), store.Current())
	after, _ := registry.Get("same")
	assert.Same(t, before, after, "unchanged config keeps the live client")
}

func TestApplyReplacesOnMaterialChange(t *testing.T) {
	backend := testBackend(t)
	doc := config.DefaultSettings()
	doc.MCPServers["swap"] = openapiCfg(backend.URL)
	registry, store := newTestRegistry(t, doc)
	waitState(t, registry, "swap", types.StateConnected)

	before, _ := registry.Get("swap")

	require.NoError(t, store.Mutate(func(s *config.Settings) error {
		s.MCPServers["swap"].Headers = map[string]string{"X-New": "1"}
		return nil
	}))
	settings, err := store.Load()
	require.NoError(t, err)
	registry.Apply(context.Background(), settings)
	waitState(t, registry, "swap", types.StateConnected)

	after, _ := registry.Get("swap")
	assert.NotSame(t, before, after, "material change replaces the instance")
	assert.Equal(t, types.StateRemoved, before.State(), "old instance is retired")
}

func TestToolOverridesFilterCatalog(t *testing.T) {
	backend := testBackend(t)
	doc := config.DefaultSettings()
	cfg := openapiCfg(backend.URL)
	cfg.Tools = map[string]*config.ToolOverride{
		"alpha": {Enabled: false},
		"beta":  {Enabled: true, Description: "Renamed beta"},
	}
	doc.MCPServers["one"] = cfg
	registry, _ := newTestRegistry(t, doc)
	waitState(t, registry, "one", types.StateConnected)

	tools := registry.CatalogTools(nil)
	require.Len(t, tools, 1)
	assert.Equal(t, "one::beta", tools[0].Qualified)
	assert.Equal(t, "Renamed beta", tools[0].Description)
}

func TestToggleToolPersists(t *testing.T) {
	backend := testBackend(t)
	doc := config.DefaultSettings()
	doc.MCPServers["one"] = openapiCfg(backend.URL)
	registry, store := newTestRegistry(t, doc)
	waitState(t, registry, "one", types.StateConnected)

	require.NoError(t, registry.ToggleTool("one", "alpha", false))

	stored, err := store.LoadOriginal()
	require.NoError(t, err)
	override := stored.MCPServers["one"].Tools["alpha"]
	require.NotNil(t, override)
	assert.False(t, override.Enabled)

	require.Error(t, registry.ToggleTool("ghost", "x", true))
}

func TestCatalogFilterByName(t *testing.T) {
	backend := testBackend(t)
	doc := config.DefaultSettings()
	doc.MCPServers["one"] = openapiCfg(backend.URL)
	doc.MCPServers["two"] = openapiCfg(backend.URL)
	registry, _ := newTestRegistry(t, doc)
	waitState(t, registry, "one", types.StateConnected)
	waitState(t, registry, "two", types.StateConnected)

	tools := registry.CatalogTools(FilterNames("two"))
	require.Len(t, tools, 2)
	for _, tool := range tools {
		assert.Equal(t, "two", tool.ServerName)
	}
}

func TestCallToolThroughRegistry(t *testing.T) {
	backend := testBackend(t)
	doc := config.DefaultSettings()
	doc.MCPServers["one"] = openapiCfg(backend.URL)
	registry, _ := newTestRegistry(t, doc)
	waitState(t, registry, "one", types.StateConnected)

	result, err := registry.CallTool(context.Background(), "one", "alpha", nil, nil)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	_, err = registry.CallTool(context.Background(), "ghost", "alpha", nil, nil)
	require.Error(t, err)
}

func TestDisconnectClearsCatalog(t *testing.T) {
	backend := testBackend(t)
	doc := config.DefaultSettings()
	doc.MCPServers["one"] = openapiCfg(backend.URL)
	registry, _ := newTestRegistry(t, doc)
	waitState(t, registry, "one", types.StateConnected)

	require.NoError(t, registry.Disconnect("one"))
	assert.Empty(t, registry.CatalogTools(nil))

	require.NoError(t, registry.Connect(context.Background(), "one"))
	waitState(t, registry, "one", types.StateConnected)
	assert.Len(t, registry.CatalogTools(nil), 2)
}

func TestSeparatorFromSettings(t *testing.T) {
	backend := testBackend(t)
	doc := config.DefaultSettings()
	doc.MCPServers["one"] = openapiCfg(backend.URL)
	doc.SystemConfig.NameSeparator = "/"
	registry, _ := newTestRegistry(t, doc)
	waitState(t, registry, "one", types.StateConnected)

	assert.Equal(t, "/", registry.Separator())
	tools := registry.CatalogTools(nil)
	require.NotEmpty(t, tools)
	assert.Equal(t, "one/alpha", tools[0].Qualified)
}
