package hub

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSnapshotHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("X-Tenant-Id", "t-1")
	h.Add("Accept", "application/json")
	h.Add("Accept", "text/event-stream")

	snapshot := snapshotHeaders(h)
	assert.Equal(t, "t-1", snapshot["X-Tenant-Id"])
	// Multi-valued headers join per RFC 7230.
	assert.Equal(t, "application/json, text/event-stream", snapshot["Accept"])
}

func TestConstantTimeEqual(t *testing.T) {
	assert.True(t, constantTimeEqual("k", "k"))
	assert.False(t, constantTimeEqual("k", "K"))
	assert.False(t, constantTimeEqual("", "k"))
	assert.True(t, constantTimeEqual("", ""))
}
