package openapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcphub-go/internal/config"
)

const petstoreDoc = `{
  "openapi": "3.0.0",
  "servers": [{"url": "%s"}],
  "paths": {
    "/pets/{petId}": {
      "get": {
        "operationId": "getPet",
        "summary": "Fetch one pet",
        "parameters": [
          {"name": "petId", "in": "path", "required": true, "schema": {"type": "string"}},
          {"name": "verbose", "in": "query", "schema": {"type": "boolean"}}
        ]
      }
    },
    "/pets": {
      "post": {
        "operationId": "createPet",
        "description": "Create a pet",
        "requestBody": {
          "content": {
            "application/json": {
              "schema": {
                "type": "object",
                "properties": {"name": {"type": "string"}},
                "required": ["name"]
              }
            }
          }
        }
      }
    }
  }
}`

func loadTestClient(t *testing.T, backend http.HandlerFunc, cfg *config.OpenAPIConfig) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(backend)
	t.Cleanup(server.Close)

	doc := []byte(fmt.Sprintf(petstoreDoc, server.URL))
	if cfg == nil {
		cfg = &config.OpenAPIConfig{}
	}
	cfg.Schema = doc

	client, err := NewClient("petstore", cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, client.Load(context.Background()))
	return client, server
}

func TestLoadSynthesizesTools(t *testing.T) {
	client, _ := loadTestClient(t, func(w http.ResponseWriter, r *http.Request) {}, nil)

	tools := client.Tools()
	require.Len(t, tools, 2)
	byName := map[string]bool{}
	for _, tool := range tools {
		byName[tool.Name] = true
	}
	assert.True(t, byName["getPet"])
	assert.True(t, byName["createPet"])
}

func TestCallToolPathAndQuery(t *testing.T) {
	var gotPath, gotQuery string
	client, _ := loadTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{"id":"7"}`))
	}, nil)

	result, err := client.CallTool(context.Background(), "getPet",
		map[string]any{"petId": "7", "verbose": true}, nil)
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "/pets/7", gotPath)
	assert.Equal(t, "verbose=true", gotQuery)
}

func TestCallToolBodyAndSecurity(t *testing.T) {
	var gotBody map[string]any
	var gotAPIKey string
	client, _ := loadTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAPIKey = r.Header.Get("X-Api-Key")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{}`))
	}, &config.OpenAPIConfig{
		Security: &config.OpenAPISecurity{Type: "apiKey", In: "header", Name: "X-Api-Key", Value: "secret"},
	})

	_, err := client.CallTool(context.Background(), "createPet",
		map[string]any{"name": "rex"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "secret", gotAPIKey)
	assert.Equal(t, "rex", gotBody["name"])
}

func TestCallToolPassthroughHeaders(t *testing.T) {
	var gotTenant, gotOther string
	client, _ := loadTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotTenant = r.Header.Get("X-Tenant-Id")
		gotOther = r.Header.Get("X-Not-Listed")
		w.Write([]byte(`{}`))
	}, &config.OpenAPIConfig{
		PassthroughHeaders: []string{"X-Tenant-Id"},
	})

	_, err := client.CallTool(context.Background(), "getPet",
		map[string]any{"petId": "1"},
		map[string]string{"x-tenant-id": "t-42", "X-Not-Listed": "nope"})
	require.NoError(t, err)
	assert.Equal(t, "t-42", gotTenant, "listed headers forward case-insensitively")
	assert.Empty(t, gotOther, "unlisted headers are dropped")
}

func TestCallToolErrorStatus(t *testing.T) {
	client, _ := loadTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}, nil)

	result, err := client.CallTool(context.Background(), "getPet",
		map[string]any{"petId": "1"}, nil)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestCallToolUnknownOperation(t *testing.T) {
	client, _ := loadTestClient(t, func(w http.ResponseWriter, r *http.Request) {}, nil)
	_, err := client.CallTool(context.Background(), "missing", nil, nil)
	require.Error(t, err)
}
