package index

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

var embeddingsBucket = []byte("embeddings")

// EmbeddingCache persists vectors keyed by a hash of the embedded text, so
// catalog rebuilds after a restart skip the embedding provider for unchanged
// tools.
type EmbeddingCache struct {
	db    *bbolt.DB
	model string
}

// NewEmbeddingCache opens (or creates) the cache database under dataDir.
// Vectors are namespaced by model so a model switch invalidates them.
func NewEmbeddingCache(dataDir, model string) (*EmbeddingCache, error) {
	dbPath := filepath.Join(dataDir, "embeddings.db")
	db, err := bbolt.Open(dbPath, 0o644, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open embedding cache: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(embeddingsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init embedding cache: %w", err)
	}
	return &EmbeddingCache{db: db, model: model}, nil
}

func (c *EmbeddingCache) key(text string) []byte {
	sum := sha256.Sum256([]byte(c.model + "\x00" + text))
	return sum[:]
}

// Get returns the cached vector for a text, if present.
func (c *EmbeddingCache) Get(text string) ([]float32, bool) {
	var vector []float32
	err := c.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(embeddingsBucket).Get(c.key(text))
		if raw == nil {
			return nil
		}
		vector = decodeVector(raw)
		return nil
	})
	if err != nil || vector == nil {
		return nil, false
	}
	return vector, true
}

// Put stores a vector for a text.
func (c *EmbeddingCache) Put(text string, vector []float32) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(embeddingsBucket).Put(c.key(text), encodeVector(vector))
	})
}

// Close closes the underlying database.
func (c *EmbeddingCache) Close() error {
	return c.db.Close()
}

func encodeVector(vector []float32) []byte {
	out := make([]byte, 4*len(vector))
	for i, v := range vector {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func decodeVector(raw []byte) []float32 {
	if len(raw)%4 != 0 {
		return nil
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out
}
