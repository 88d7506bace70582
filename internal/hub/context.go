package hub

import (
	"net/http"
	"strings"
)

// RequestContext travels with one in-flight JSON-RPC call. It carries the
// downstream request's header snapshot so openapi upstreams can forward the
// headers named in their passthrough list. No ambient globals: the context
// is threaded explicitly through the dispatch path.
type RequestContext struct {
	SessionID string
	User      string
	Scope     Scope
	Headers   map[string]string
}

// snapshotHeaders flattens an http.Header for the request context.
// Array-valued headers join with ", " per RFC 7230.
func snapshotHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if len(values) == 0 {
			continue
		}
		out[name] = strings.Join(values, ", ")
	}
	return out
}
