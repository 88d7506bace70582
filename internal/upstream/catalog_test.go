package upstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestQualifySplitRoundTrip(t *testing.T) {
	qualified := Qualify("amap", "geocode", "::")
	assert.Equal(t, "amap::geocode", qualified)

	serverName, toolName, ok := SplitQualified(qualified, "::")
	require.True(t, ok)
	assert.Equal(t, "amap", serverName)
	assert.Equal(t, "geocode", toolName)
}

func TestSplitQualifiedFirstOccurrence(t *testing.T) {
	// The split point is the first separator; the tool name may carry more.
	serverName, toolName, ok := SplitQualified("srv::ns::tool", "::")
	require.True(t, ok)
	assert.Equal(t, "srv", serverName)
	assert.Equal(t, "ns::tool", toolName)
}

func TestSplitQualifiedMissingSeparator(t *testing.T) {
	_, _, ok := SplitQualified("bare-tool", "::")
	assert.False(t, ok)
}

func TestQualifyRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		// Server names never contain the separator; tool names may.
		serverName := rapid.StringMatching(`[a-z][a-z0-9_-]{0,15}`).Draw(t, "server")
		toolName := rapid.StringMatching(`[a-z:][a-z0-9:_-]{0,20}`).Draw(t, "tool")

		gotServer, gotTool, ok := SplitQualified(Qualify(serverName, toolName, "::"), "::")
		require.True(t, ok)
		assert.Equal(t, serverName, gotServer)
		assert.Equal(t, toolName, gotTool)
	})
}

func TestSortAndDedupeTools(t *testing.T) {
	tools := []QualifiedTool{
		{ServerName: "b", ToolName: "y", Qualified: "b::y"},
		{ServerName: "a", ToolName: "z", Qualified: "a::z"},
		{ServerName: "a", ToolName: "z", Qualified: "a::z"},
		{ServerName: "a", ToolName: "b", Qualified: "a::b"},
	}
	sortTools(tools)
	tools = dedupeTools(tools)

	names := make([]string, len(tools))
	for i, tool := range tools {
		names[i] = tool.Qualified
	}
	assert.Equal(t, []string{"a::b", "a::z", "b::y"}, names)
}

func TestFilters(t *testing.T) {
	assert.True(t, FilterAll("anything"))
	filter := FilterNames("a", "b")
	assert.True(t, filter("a"))
	assert.False(t, filter("c"))
}
