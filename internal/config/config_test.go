package config

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupMemberForms(t *testing.T) {
	var g Group
	doc := `{"id":"g1","name":"test-group","servers":["server1",{"name":"server2","tools":"all"},{"name":"server3","tools":["a","b"]}]}`
	require.NoError(t, json.Unmarshal([]byte(doc), &g))

	require.Len(t, g.Members, 3)
	assert.Equal(t, "server1", g.Members[0].Name)
	assert.Nil(t, g.Members[0].Tools)
	assert.Nil(t, g.Members[1].Tools)
	assert.Equal(t, []string{"a", "b"}, g.Members[2].Tools)

	assert.True(t, g.Members[1].AllowsTool("anything"))
	assert.True(t, g.Members[2].AllowsTool("a"))
	assert.False(t, g.Members[2].AllowsTool("c"))

	// Bare names marshal back as strings.
	out, err := json.Marshal(g.Members[0])
	require.NoError(t, err)
	assert.Equal(t, `"server1"`, string(out))
}

func TestGroupMemberRejectsUnknownFilter(t *testing.T) {
	var m GroupMember
	err := json.Unmarshal([]byte(`{"name":"s","tools":"some"}`), &m)
	require.Error(t, err)
}

func TestEffectiveType(t *testing.T) {
	assert.Equal(t, TypeStdio, (&ServerConfig{Command: "npx"}).EffectiveType())
	assert.Equal(t, TypeStreamableHTTP, (&ServerConfig{URL: "https://x"}).EffectiveType())
	assert.Equal(t, TypeOpenAPI, (&ServerConfig{OpenAPI: &OpenAPIConfig{URL: "https://x"}}).EffectiveType())
	assert.Equal(t, TypeSSE, (&ServerConfig{Type: TypeSSE, URL: "https://x"}).EffectiveType())
}

func TestValidate(t *testing.T) {
	s := DefaultSettings()
	s.MCPServers["ok"] = &ServerConfig{Type: TypeStdio, Command: "cat"}
	require.NoError(t, s.Validate())

	s.MCPServers["bad"] = &ServerConfig{Type: TypeSSE}
	require.Error(t, s.Validate())
	delete(s.MCPServers, "bad")

	s.SystemConfig.Routing = &RoutingConfig{EnableBearerAuth: true}
	require.Error(t, s.Validate())
}

func TestSeparatorDefault(t *testing.T) {
	assert.Equal(t, "::", DefaultSettings().Separator())
	s := &Settings{SystemConfig: &SystemConfig{NameSeparator: "/"}}
	assert.Equal(t, "/", s.Separator())
}

func TestGroupLookupByIDThenName(t *testing.T) {
	s := DefaultSettings()
	s.Groups = map[string]*Group{
		"g-1": {ID: "g-1", Name: "maps"},
	}
	assert.Equal(t, "g-1", s.Group("g-1").ID)
	assert.Equal(t, "g-1", s.Group("maps").ID)
	assert.Nil(t, s.Group("missing"))
}

func TestRequestOptionDefaults(t *testing.T) {
	var o *RequestOptions
	assert.Equal(t, int64(60000), o.Timeout().Milliseconds())
	assert.Zero(t, o.MaxTotalTimeout())

	o = &RequestOptions{TimeoutMs: 500, MaxTotalTimeoutMs: 1500}
	assert.Equal(t, int64(500), o.Timeout().Milliseconds())
	assert.Equal(t, int64(1500), o.MaxTotalTimeout().Milliseconds())
}
