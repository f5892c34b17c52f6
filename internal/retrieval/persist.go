package retrieval

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/kalambet/docqa/internal/ingest"
)

// Artifact file names inside the index directory.
const (
	VectorsFile  = "vectors.bin"
	ChunksFile   = "chunks.json"
	ManifestFile = "MANIFEST.json"
)

// Manifest is the completion marker of a persisted generation. It is removed
// before new artifacts are written and written only after both are in place.
type Manifest struct {
	Generation    string    `json:"generation"`
	Model         string    `json:"model"`
	Count         int       `json:"count"`
	Dimension     int       `json:"dimension"`
	Normalized    bool      `json:"normalized"`
	VectorsSHA256 string    `json:"vectors_sha256"`
	ChunksSHA256  string    `json:"chunks_sha256"`
	BuiltAt       time.Time `json:"built_at"`
}

func (ix *Index) persist(gen *generation) error {
	if err := os.MkdirAll(ix.dir, 0o755); err != nil {
		return fmt.Errorf("creating index directory: %w", err)
	}
	if err := os.Remove(filepath.Join(ix.dir, ManifestFile)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing manifest: %w", err)
	}

	vecData := encodeVectors(gen.vectors, gen.manifest.Dimension)
	chunkData, err := json.Marshal(gen.chunks)
	if err != nil {
		return fmt.Errorf("encoding chunks: %w", err)
	}

	if err := writeFileAtomic(filepath.Join(ix.dir, VectorsFile), vecData); err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(ix.dir, ChunksFile), chunkData); err != nil {
		return err
	}

	gen.manifest.VectorsSHA256 = checksum(vecData)
	gen.manifest.ChunksSHA256 = checksum(chunkData)
	manifest, err := json.MarshalIndent(gen.manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	return writeFileAtomic(filepath.Join(ix.dir, ManifestFile), manifest)
}

func (ix *Index) readGeneration() (*generation, error) {
	raw, err := os.ReadFile(filepath.Join(ix.dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("%w: reading manifest: %v", ErrIntegrity, err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: decoding manifest: %v", ErrIntegrity, err)
	}

	vecData, err := readVerified(filepath.Join(ix.dir, VectorsFile), m.VectorsSHA256)
	if err != nil {
		return nil, err
	}
	chunkData, err := readVerified(filepath.Join(ix.dir, ChunksFile), m.ChunksSHA256)
	if err != nil {
		return nil, err
	}

	vecs, dim, err := decodeVectors(vecData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	var chunks []ingest.Chunk
	if err := json.Unmarshal(chunkData, &chunks); err != nil {
		return nil, fmt.Errorf("%w: decoding chunks: %v", ErrIntegrity, err)
	}

	if len(vecs) != len(chunks) || len(vecs) != m.Count {
		return nil, fmt.Errorf("%w: %d vectors, %d chunks, manifest count %d", ErrIntegrity, len(vecs), len(chunks), m.Count)
	}
	if len(vecs) > 0 && dim != m.Dimension {
		return nil, fmt.Errorf("%w: vectors dimension %d, manifest dimension %d", ErrIntegrity, dim, m.Dimension)
	}
	return &generation{manifest: m, vectors: vecs, chunks: chunks}, nil
}

func readVerified(path, sum string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	if got := checksum(data); got != sum {
		return nil, fmt.Errorf("%w: checksum mismatch for %s", ErrIntegrity, filepath.Base(path))
	}
	return data, nil
}

func checksum(b []byte) string {
	s := sha256.Sum256(b)
	return hex.EncodeToString(s[:])
}

// writeFileAtomic writes data to a temp file in the target directory, syncs
// it and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", filepath.Base(path), err)
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing %s: %w", filepath.Base(path), err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming %s: %w", filepath.Base(path), err)
	}
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}
