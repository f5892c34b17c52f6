package retrieval

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

var bucketEmbeddings = []byte("embeddings")

// BoltCache persists embeddings in a bbolt file so index rebuilds only embed
// chunks whose text changed.
type BoltCache struct {
	db *bbolt.DB
}

// OpenBoltCache opens or creates the cache file at path.
func OpenBoltCache(path string) (*BoltCache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening embedding cache: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEmbeddings)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create embeddings bucket: %w", err)
	}
	return &BoltCache{db: db}, nil
}

func cacheKey(model, text string) []byte {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return h.Sum(nil)
}

func (c *BoltCache) Get(model, text string) ([]float32, bool) {
	var vec []float32
	err := c.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketEmbeddings).Get(cacheKey(model, text))
		if v == nil {
			return nil
		}
		// v is only valid inside the transaction; decode copies it.
		var err error
		vec, err = decodeFloat32s(v)
		return err
	})
	if err != nil || vec == nil {
		return nil, false
	}
	return vec, true
}

func (c *BoltCache) Put(model, text string, vec []float32) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEmbeddings).Put(cacheKey(model, text), encodeFloat32s(vec))
	})
}

// Len returns the number of cached embeddings.
func (c *BoltCache) Len() int {
	var n int
	c.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketEmbeddings).Stats().KeyN
		return nil
	})
	return n
}

func (c *BoltCache) Close() error {
	return c.db.Close()
}
