package index

import (
	"fmt"
	"path/filepath"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
)

// BleveBackend scores documents with BM25 keyword matching instead of
// embeddings; it serves deployments without an embedding provider. Raw BM25
// scores are unbounded, so they are squashed into (0,1) before the manager
// applies its threshold.
type BleveBackend struct {
	index bleve.Index
}

// bleveDocument is the stored shape of one tool.
type bleveDocument struct {
	ID          string `json:"id"`
	ServerName  string `json:"server_name"`
	ToolName    string `json:"tool_name"`
	Description string `json:"description"`
	SchemaJSON  string `json:"schema_json"`
}

// NewBleveBackend opens or creates the index under dataDir.
func NewBleveBackend(dataDir string) (*BleveBackend, error) {
	indexPath := filepath.Join(dataDir, "tools.bleve")
	index, err := bleve.Open(indexPath)
	if err != nil {
		index, err = bleve.New(indexPath, buildMapping())
		if err != nil {
			return nil, fmt.Errorf("create bleve index: %w", err)
		}
	}
	return &BleveBackend{index: index}, nil
}

// NewBleveMemoryBackend creates an in-memory index, used in tests.
func NewBleveMemoryBackend() (*BleveBackend, error) {
	index, err := bleve.NewMemOnly(buildMapping())
	if err != nil {
		return nil, fmt.Errorf("create bleve index: %w", err)
	}
	return &BleveBackend{index: index}, nil
}

func buildMapping() mapping.IndexMapping {
	indexMapping := bleve.NewIndexMapping()
	docMapping := bleve.NewDocumentMapping()

	idField := bleve.NewTextFieldMapping()
	idField.Analyzer = keyword.Name
	idField.Store = true
	docMapping.AddFieldMappingsAt("id", idField)

	serverField := bleve.NewTextFieldMapping()
	serverField.Analyzer = keyword.Name
	serverField.Store = true
	docMapping.AddFieldMappingsAt("server_name", serverField)

	toolField := bleve.NewTextFieldMapping()
	toolField.Analyzer = standard.Name
	toolField.Store = true
	docMapping.AddFieldMappingsAt("tool_name", toolField)

	descriptionField := bleve.NewTextFieldMapping()
	descriptionField.Analyzer = standard.Name
	descriptionField.Store = true
	docMapping.AddFieldMappingsAt("description", descriptionField)

	schemaField := bleve.NewTextFieldMapping()
	schemaField.Analyzer = standard.Name
	schemaField.Store = true
	docMapping.AddFieldMappingsAt("schema_json", schemaField)

	indexMapping.DefaultMapping = docMapping
	return indexMapping
}

func (b *BleveBackend) NeedsVectors() bool { return false }

func (b *BleveBackend) Upsert(doc Document, _ []float32) error {
	return b.index.Index(doc.ID, bleveDocument{
		ID:          doc.ID,
		ServerName:  doc.ServerName,
		ToolName:    doc.ToolName,
		Description: doc.Description,
		SchemaJSON:  doc.SchemaJSON,
	})
}

func (b *BleveBackend) Delete(id string) error {
	return b.index.Delete(id)
}

func (b *BleveBackend) IDs() ([]string, error) {
	searchReq := bleve.NewSearchRequest(bleve.NewMatchAllQuery())
	searchReq.Size = 10000
	result, err := b.index.Search(searchReq)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(result.Hits))
	for _, hit := range result.Hits {
		ids = append(ids, hit.ID)
	}
	return ids, nil
}

func (b *BleveBackend) Search(queryText string, _ []float32, k int, allow map[string]struct{}) ([]Match, error) {
	matchQuery := bleve.NewMatchQuery(queryText)

	var searchQuery query.Query = matchQuery
	if allow != nil {
		serverQueries := make([]query.Query, 0, len(allow))
		for name := range allow {
			termQuery := bleve.NewTermQuery(name)
			termQuery.SetField("server_name")
			serverQueries = append(serverQueries, termQuery)
		}
		conjunction := bleve.NewConjunctionQuery(matchQuery, bleve.NewDisjunctionQuery(serverQueries...))
		searchQuery = conjunction
	}

	searchReq := bleve.NewSearchRequest(searchQuery)
	searchReq.Size = k
	searchReq.Fields = []string{"id", "server_name", "tool_name", "description", "schema_json"}

	result, err := b.index.Search(searchReq)
	if err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(result.Hits))
	for _, hit := range result.Hits {
		doc := Document{
			ID:          stringField(hit.Fields, "id"),
			ServerName:  stringField(hit.Fields, "server_name"),
			ToolName:    stringField(hit.Fields, "tool_name"),
			Description: stringField(hit.Fields, "description"),
			SchemaJSON:  stringField(hit.Fields, "schema_json"),
		}
		if doc.ID == "" {
			doc.ID = hit.ID
		}
		matches = append(matches, Match{
			Document: doc,
			Score:    hit.Score / (hit.Score + 1),
		})
	}
	return matches, nil
}

func (b *BleveBackend) Close() error {
	return b.index.Close()
}

func stringField(fields map[string]interface{}, name string) string {
	if value, ok := fields[name]; ok {
		if text, ok := value.(string); ok {
			return text
		}
	}
	return ""
}
