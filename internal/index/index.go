// Package index maintains a searchable index over every enabled tool across
// all connected upstreams, answering the smart-routing search_tools queries.
// The similarity backend and the embedding provider are both pluggable.
package index

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// scoreThreshold drops weak matches; single-result searches always return
// the best match regardless.
const scoreThreshold = 0.25

// embedFailureLogInterval rate-limits embedder failure logging.
const embedFailureLogInterval = time.Minute

// Document is one indexed tool.
type Document struct {
	ID          string `json:"id"` // qualified tool name
	ServerName  string `json:"serverName"`
	ToolName    string `json:"toolName"`
	Description string `json:"description"`
	SchemaJSON  string `json:"schemaJson"`
}

// EmbeddingText is the text embedded for a document: description, name, and
// the schema JSON.
func (d Document) EmbeddingText() string {
	return fmt.Sprintf("%s %s %s", d.Description, d.ToolName, d.SchemaJSON)
}

// Match is a scored search hit.
type Match struct {
	Document Document
	Score    float64
}

// Backend is the similarity-search store. Implementations score against the
// vector (memory) or the raw query text (bleve); allow restricts hits to the
// named servers, nil meaning no restriction.
type Backend interface {
	Upsert(doc Document, vector []float32) error
	Delete(id string) error
	IDs() ([]string, error)
	Search(query string, vector []float32, k int, allow map[string]struct{}) ([]Match, error)
	NeedsVectors() bool
	Close() error
}

// Embedder turns texts into vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Source supplies the current document set on rebuild.
type Source func() []Document

// Manager ties the backend, embedder and embedding cache together.
type Manager struct {
	logger   *zap.Logger
	backend  Backend
	embedder Embedder
	cache    *EmbeddingCache
	source   Source

	mu sync.Mutex // serializes rebuilds

	errMu          sync.Mutex
	lastEmbedError time.Time
}

// NewManager builds an index manager. cache may be nil.
func NewManager(backend Backend, embedder Embedder, cache *EmbeddingCache, source Source, logger *zap.Logger) *Manager {
	return &Manager{
		logger:   logger.Named("index"),
		backend:  backend,
		embedder: embedder,
		cache:    cache,
		source:   source,
	}
}

// Rebuild reconciles the backend against the current document set: stale ids
// are deleted, fresh documents embedded (through the cache) and upserted.
func (m *Manager) Rebuild(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	docs := m.source()
	fresh := make(map[string]Document, len(docs))
	for _, doc := range docs {
		fresh[doc.ID] = doc
	}

	existing, err := m.backend.IDs()
	if err != nil {
		return fmt.Errorf("list indexed ids: %w", err)
	}
	for _, id := range existing {
		if _, keep := fresh[id]; !keep {
			if err := m.backend.Delete(id); err != nil {
				m.logger.Warn("Failed to delete stale document",
					zap.String("id", id), zap.Error(err))
			}
		}
	}

	var vectors map[string][]float32
	if m.backend.NeedsVectors() {
		vectors = m.embedAll(ctx, docs)
	}

	indexed := 0
	for _, doc := range docs {
		vector := vectors[doc.ID]
		if m.backend.NeedsVectors() && vector == nil {
			continue
		}
		if err := m.backend.Upsert(doc, vector); err != nil {
			m.logger.Warn("Failed to index document",
				zap.String("id", doc.ID), zap.Error(err))
			continue
		}
		indexed++
	}

	m.logger.Debug("Index rebuilt",
		zap.Int("documents", len(docs)),
		zap.Int("indexed", indexed))
	return nil
}

// embedAll embeds every document text, consulting the cache first. A failing
// embedder yields partial (cached-only) coverage.
func (m *Manager) embedAll(ctx context.Context, docs []Document) map[string][]float32 {
	vectors := make(map[string][]float32, len(docs))
	var missing []Document
	for _, doc := range docs {
		if m.cache != nil {
			if vector, ok := m.cache.Get(doc.EmbeddingText()); ok {
				vectors[doc.ID] = vector
				continue
			}
		}
		missing = append(missing, doc)
	}
	if len(missing) == 0 {
		return vectors
	}

	texts := make([]string, len(missing))
	for i, doc := range missing {
		texts[i] = doc.EmbeddingText()
	}
	embedded, err := m.embedder.Embed(ctx, texts)
	if err != nil {
		m.logEmbedFailure(err)
		return vectors
	}
	for i, doc := range missing {
		if i >= len(embedded) {
			break
		}
		vectors[doc.ID] = embedded[i]
		if m.cache != nil {
			if err := m.cache.Put(doc.EmbeddingText(), embedded[i]); err != nil {
				m.logger.Debug("Embedding cache write failed", zap.Error(err))
			}
		}
	}
	return vectors
}

// Search embeds the query and returns the top-k matches above the score
// threshold, optionally restricted to an allowlist of server names. An
// unavailable embedder yields an empty result, never an error to the caller.
func (m *Manager) Search(ctx context.Context, query string, k int, allow []string) []Match {
	if k <= 0 {
		k = 10
	}

	var allowSet map[string]struct{}
	if allow != nil {
		allowSet = make(map[string]struct{}, len(allow))
		for _, name := range allow {
			allowSet[name] = struct{}{}
		}
	}

	var vector []float32
	if m.backend.NeedsVectors() {
		embedded, err := m.embedder.Embed(ctx, []string{query})
		if err != nil || len(embedded) == 0 {
			m.logEmbedFailure(err)
			return nil
		}
		vector = embedded[0]
	}

	matches, err := m.backend.Search(query, vector, k, allowSet)
	if err != nil {
		m.logger.Warn("Index search failed", zap.Error(err))
		return nil
	}

	if k <= 1 {
		if len(matches) > 1 {
			matches = matches[:1]
		}
		return matches
	}
	filtered := matches[:0]
	for _, match := range matches {
		if match.Score >= scoreThreshold {
			filtered = append(filtered, match)
		}
	}
	return filtered
}

func (m *Manager) logEmbedFailure(err error) {
	if err == nil {
		return
	}
	m.errMu.Lock()
	now := time.Now()
	if now.Sub(m.lastEmbedError) < embedFailureLogInterval {
		m.errMu.Unlock()
		return
	}
	m.lastEmbedError = now
	m.errMu.Unlock()
	m.logger.Warn("Embedding provider unavailable, smart search degraded", zap.Error(err))
}

// Close releases backend and cache resources.
func (m *Manager) Close() error {
	if m.cache != nil {
		_ = m.cache.Close()
	}
	return m.backend.Close()
}
