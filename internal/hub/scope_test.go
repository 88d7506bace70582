package hub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcphub-go/internal/config"
)

func scopeSettings() *config.Settings {
	s := config.DefaultSettings()
	s.MCPServers["server1"] = &config.ServerConfig{Type: config.TypeStdio, Command: "cat"}
	s.MCPServers["maps"] = &config.ServerConfig{Type: config.TypeStdio, Command: "cat"}
	s.Groups = map[string]*config.Group{
		"g1": {ID: "g1", Name: "test-group", Members: []config.GroupMember{
			{Name: "server1"}, {Name: "maps"},
		}},
		// A group whose id collides with a server name.
		"maps": {ID: "maps", Name: "maps-group", Members: []config.GroupMember{{Name: "server1"}}},
	}
	return s
}

func TestResolveScopeGlobal(t *testing.T) {
	scope, err := ResolveScope(nil, scopeSettings())
	require.NoError(t, err)
	assert.Equal(t, ScopeGlobal, scope.Kind)
}

func TestResolveScopeGlobalDisabled(t *testing.T) {
	s := scopeSettings()
	disabled := false
	s.SystemConfig.Routing.EnableGlobalRoute = &disabled

	_, err := ResolveScope(nil, s)
	require.Error(t, err)
	assert.Equal(t, 403, err.(*scopeError).status)

	_, err = ResolveScope([]string{"$smart"}, s)
	require.Error(t, err)
}

func TestResolveScopeGroupByIDAndName(t *testing.T) {
	s := scopeSettings()

	scope, err := ResolveScope([]string{"g1"}, s)
	require.NoError(t, err)
	assert.Equal(t, ScopeGroup, scope.Kind)
	assert.Equal(t, "g1", scope.ID)

	scope, err = ResolveScope([]string{"test-group"}, s)
	require.NoError(t, err)
	assert.Equal(t, ScopeGroup, scope.Kind)
	assert.Equal(t, "g1", scope.ID)
}

func TestResolveScopeGroupWinsOverServer(t *testing.T) {
	scope, err := ResolveScope([]string{"maps"}, scopeSettings())
	require.NoError(t, err)
	assert.Equal(t, ScopeGroup, scope.Kind, "identifier collisions resolve to the group")
	assert.Equal(t, "maps", scope.ID)
}

func TestResolveScopeServer(t *testing.T) {
	scope, err := ResolveScope([]string{"server1"}, scopeSettings())
	require.NoError(t, err)
	assert.Equal(t, ScopeServer, scope.Kind)
	assert.Equal(t, "server1", scope.ID)
}

func TestResolveScopeSmart(t *testing.T) {
	scope, err := ResolveScope([]string{"$smart"}, scopeSettings())
	require.NoError(t, err)
	assert.Equal(t, ScopeSmartGlobal, scope.Kind)

	scope, err = ResolveScope([]string{"$smart", "test-group"}, scopeSettings())
	require.NoError(t, err)
	assert.Equal(t, ScopeSmartGroup, scope.Kind)
	assert.Equal(t, "g1", scope.ID)
}

func TestResolveScopeUnknown(t *testing.T) {
	_, err := ResolveScope([]string{"nope"}, scopeSettings())
	require.Error(t, err)
	assert.Equal(t, 404, err.(*scopeError).status)

	_, err = ResolveScope([]string{"a", "b"}, scopeSettings())
	require.Error(t, err)

	// $smart over a bare server is not a valid smart scope.
	_, err = ResolveScope([]string{"$smart", "server1"}, scopeSettings())
	require.Error(t, err)
}

func TestGroupNameRouteDisabled(t *testing.T) {
	s := scopeSettings()
	disabled := false
	s.SystemConfig.Routing.EnableGroupNameRoute = &disabled

	_, err := ResolveScope([]string{"test-group"}, s)
	require.Error(t, err, "name lookup is off, only ids resolve")

	scope, err := ResolveScope([]string{"g1"}, s)
	require.NoError(t, err)
	assert.Equal(t, ScopeGroup, scope.Kind)
}

func TestScopeIncludes(t *testing.T) {
	s := scopeSettings()
	assert.True(t, scopeIncludes(Scope{Kind: ScopeGlobal}, s, "anything"))
	assert.True(t, scopeIncludes(Scope{Kind: ScopeServer, ID: "maps"}, s, "maps"))
	assert.False(t, scopeIncludes(Scope{Kind: ScopeServer, ID: "maps"}, s, "server1"))
	assert.True(t, scopeIncludes(Scope{Kind: ScopeGroup, ID: "g1"}, s, "server1"))
	assert.False(t, scopeIncludes(Scope{Kind: ScopeGroup, ID: "g1"}, s, "other"))
	assert.True(t, scopeIncludes(Scope{Kind: ScopeSmartGroup, ID: "g1"}, s, "maps"))
}
