package upstream

import (
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// QualifiedTool is a tool as exposed downstream: the name carries the
// owning server joined by the configured separator.
type QualifiedTool struct {
	ServerName  string
	ToolName    string
	Qualified   string
	Description string
	InputSchema mcp.ToolInputSchema
	RawSchema   []byte
}

// QualifiedPrompt mirrors QualifiedTool for prompts.
type QualifiedPrompt struct {
	ServerName  string
	PromptName  string
	Qualified   string
	Description string
	Arguments   []mcp.PromptArgument
}

// QualifiedResource mirrors QualifiedTool for resources. Resource URIs stay
// unqualified on the wire; the server name is carried alongside.
type QualifiedResource struct {
	ServerName  string
	URI         string
	Name        string
	Description string
	MIMEType    string
}

// Qualify joins a server and tool name with the separator.
func Qualify(serverName, toolName, sep string) string {
	return serverName + sep + toolName
}

// SplitQualified splits a qualified name at the first separator occurrence.
// ok is false when the separator does not appear.
func SplitQualified(qualified, sep string) (serverName, toolName string, ok bool) {
	idx := strings.Index(qualified, sep)
	if idx < 0 {
		return "", "", false
	}
	return qualified[:idx], qualified[idx+len(sep):], true
}

// sortTools orders a catalog by (serverName, toolName) for stable listings.
func sortTools(tools []QualifiedTool) {
	sort.Slice(tools, func(i, j int) bool {
		if tools[i].ServerName != tools[j].ServerName {
			return tools[i].ServerName < tools[j].ServerName
		}
		return tools[i].ToolName < tools[j].ToolName
	})
}

// dedupeTools drops later duplicates of the same qualified name.
func dedupeTools(tools []QualifiedTool) []QualifiedTool {
	seen := make(map[string]struct{}, len(tools))
	out := tools[:0]
	for _, t := range tools {
		if _, dup := seen[t.Qualified]; dup {
			continue
		}
		seen[t.Qualified] = struct{}{}
		out = append(out, t)
	}
	return out
}

// Filter selects servers for catalog listings. A nil filter admits all.
type Filter func(serverName string) bool

// FilterAll admits every server.
func FilterAll(string) bool { return true }

// FilterNames admits only the named servers.
func FilterNames(names ...string) Filter {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return func(name string) bool {
		_, ok := set[name]
		return ok
	}
}
