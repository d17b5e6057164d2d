package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"
)

// HNSWIndex implements VectorIndex on top of coder/hnsw, a pure Go
// HNSW graph. Cosine distance over normalized vectors.
type HNSWIndex struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config VectorConfig

	// ID mapping (string <-> uint64)
	idMap   map[string]uint64
	keyMap  map[uint64]string
	nextKey uint64

	metadata map[string]ChunkMetadata
	fileIDs  map[string]map[string]struct{}

	closed bool
}

// hnswSnapshot stores ID mappings and chunk metadata for persistence.
// fileIDs is rebuilt from metadata on load.
type hnswSnapshot struct {
	IDMap    map[string]uint64
	NextKey  uint64
	Config   VectorConfig
	Metadata map[string]ChunkMetadata
}

// NewHNSWIndex creates an empty vector index.
func NewHNSWIndex(cfg VectorConfig) (*HNSWIndex, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("vector dimensions must be positive, got %d", cfg.Dimensions)
	}
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 64
	}

	idx := &HNSWIndex{config: cfg}
	idx.resetLocked()
	return idx, nil
}

func (idx *HNSWIndex) resetLocked() {
	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = idx.config.M
	graph.EfSearch = idx.config.EfSearch
	graph.Ml = 0.25

	idx.graph = graph
	idx.idMap = make(map[string]uint64)
	idx.keyMap = make(map[uint64]string)
	idx.nextKey = 0
	idx.metadata = make(map[string]ChunkMetadata)
	idx.fileIDs = make(map[string]map[string]struct{})
}

// Initialize resets the index to empty, keeping its configuration.
// Full indexing runs call this before upserting the fresh chunk set.
func (idx *HNSWIndex) Initialize() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return fmt.Errorf("vector index is closed")
	}
	idx.resetLocked()
	return nil
}

// Upsert inserts records, replacing any that share an id. Replacement
// is lazy: the old graph node is orphaned rather than deleted, which
// sidesteps a coder/hnsw issue with removing the last node.
func (idx *HNSWIndex) Upsert(ctx context.Context, records []VectorRecord) error {
	if len(records) == 0 {
		return nil
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return fmt.Errorf("vector index is closed")
	}

	for i := range records {
		if len(records[i].Vector) != idx.config.Dimensions {
			return ErrDimensionMismatch{
				Expected: idx.config.Dimensions,
				Got:      len(records[i].Vector),
			}
		}
	}

	for i := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec := &records[i]

		if existingKey, exists := idx.idMap[rec.ID]; exists {
			delete(idx.keyMap, existingKey)
			delete(idx.idMap, rec.ID)
			idx.dropFileIDLocked(rec.ID)
		}

		key := idx.nextKey
		idx.nextKey++

		vec := make([]float32, len(rec.Vector))
		copy(vec, rec.Vector)
		normalizeVectorInPlace(vec)

		idx.graph.Add(hnsw.MakeNode(key, vec))

		idx.idMap[rec.ID] = key
		idx.keyMap[key] = rec.ID
		idx.metadata[rec.ID] = rec.Metadata

		ids := idx.fileIDs[rec.Metadata.FilePath]
		if ids == nil {
			ids = make(map[string]struct{})
			idx.fileIDs[rec.Metadata.FilePath] = ids
		}
		ids[rec.ID] = struct{}{}
	}
	return nil
}

// DeleteByFilePath drops every vector whose metadata names the path.
// Deletion is lazy; orphaned nodes stay in the graph but never appear
// in results.
func (idx *HNSWIndex) DeleteByFilePath(filePath string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return fmt.Errorf("vector index is closed")
	}

	for id := range idx.fileIDs[filePath] {
		if key, exists := idx.idMap[id]; exists {
			delete(idx.keyMap, key)
			delete(idx.idMap, id)
		}
		delete(idx.metadata, id)
	}
	delete(idx.fileIDs, filePath)
	return nil
}

func (idx *HNSWIndex) dropFileIDLocked(id string) {
	meta, ok := idx.metadata[id]
	if !ok {
		return
	}
	if ids := idx.fileIDs[meta.FilePath]; ids != nil {
		delete(ids, id)
		if len(ids) == 0 {
			delete(idx.fileIDs, meta.FilePath)
		}
	}
	delete(idx.metadata, id)
}

// Query returns up to topK nearest records by cosine similarity.
func (idx *HNSWIndex) Query(ctx context.Context, vector []float32, topK int) ([]VectorResult, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.closed {
		return nil, fmt.Errorf("vector index is closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if len(vector) != idx.config.Dimensions {
		return nil, ErrDimensionMismatch{
			Expected: idx.config.Dimensions,
			Got:      len(vector),
		}
	}

	graphLen := idx.graph.Len()
	if graphLen == 0 || len(idx.idMap) == 0 {
		return []VectorResult{}, nil
	}

	query := make([]float32, len(vector))
	copy(query, vector)
	normalizeVectorInPlace(query)

	// Over-fetch by the orphan count so lazy-deleted nodes cannot
	// starve the result set.
	fetch := topK + (graphLen - len(idx.idMap))
	if fetch > graphLen {
		fetch = graphLen
	}

	nodes := idx.graph.Search(query, fetch)

	results := make([]VectorResult, 0, topK)
	for _, node := range nodes {
		id, exists := idx.keyMap[node.Key]
		if !exists {
			continue
		}

		distance := idx.graph.Distance(query, node.Value)
		results = append(results, VectorResult{
			ChunkID:  id,
			Score:    1.0 - distance/2.0,
			Metadata: idx.metadata[id],
		})
		if len(results) == topK {
			break
		}
	}
	return results, nil
}

// AllIDs returns all live chunk ids. Used for parity checks against
// the BM25 index.
func (idx *HNSWIndex) AllIDs() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.closed {
		return nil
	}

	ids := make([]string, 0, len(idx.idMap))
	for id := range idx.idMap {
		ids = append(ids, id)
	}
	return ids
}

// Contains checks if an id is live.
func (idx *HNSWIndex) Contains(id string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.closed {
		return false
	}
	_, exists := idx.idMap[id]
	return exists
}

// Metadata returns the stored metadata for a chunk id.
func (idx *HNSWIndex) Metadata(id string) (ChunkMetadata, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.closed {
		return ChunkMetadata{}, false
	}
	meta, ok := idx.metadata[id]
	return meta, ok
}

// Count returns the number of live vectors.
func (idx *HNSWIndex) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.closed {
		return 0
	}
	return len(idx.idMap)
}

// HNSWStats reports live and orphaned node counts.
type HNSWStats struct {
	ValidIDs   int
	GraphNodes int
	Orphans    int
}

// Stats returns index statistics. Orphans are nodes left behind by
// lazy deletion; a full reindex clears them.
func (idx *HNSWIndex) Stats() HNSWStats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.closed {
		return HNSWStats{}
	}

	graphNodes := idx.graph.Len()
	return HNSWStats{
		ValidIDs:   len(idx.idMap),
		GraphNodes: graphNodes,
		Orphans:    graphNodes - len(idx.idMap),
	}
}

// Save persists the graph and its metadata atomically.
func (idx *HNSWIndex) Save(path string) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.closed {
		return fmt.Errorf("vector index is closed")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create index directory: %w", err)
	}

	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create index file: %w", err)
	}
	if err := idx.graph.Export(file); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to export graph: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close index file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename index file: %w", err)
	}

	if err := idx.saveSnapshot(path + ".meta"); err != nil {
		return fmt.Errorf("failed to save vector metadata: %w", err)
	}
	return nil
}

func (idx *HNSWIndex) saveSnapshot(path string) error {
	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp metadata file: %w", err)
	}

	snapshot := hnswSnapshot{
		IDMap:    idx.idMap,
		NextKey:  idx.nextKey,
		Config:   idx.config,
		Metadata: idx.metadata,
	}
	if err := gob.NewEncoder(file).Encode(snapshot); err != nil {
		if closeErr := file.Close(); closeErr != nil {
			slog.Warn("failed to close temp file during cleanup", slog.String("error", closeErr.Error()))
		}
		os.Remove(tmpPath)
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close metadata file: %w", err)
	}
	return os.Rename(tmpPath, path)
}

// Load loads the graph and metadata from disk.
func (idx *HNSWIndex) Load(path string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return fmt.Errorf("vector index is closed")
	}

	if err := idx.loadSnapshot(path + ".meta"); err != nil {
		return fmt.Errorf("failed to load vector metadata: %w", err)
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open index file: %w", err)
	}
	defer file.Close()

	// coder/hnsw Import requires an io.ByteReader.
	reader := bufio.NewReader(file)
	if err := idx.graph.Import(reader); err != nil {
		return fmt.Errorf("failed to import graph: %w", err)
	}
	return nil
}

func (idx *HNSWIndex) loadSnapshot(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open metadata file: %w", err)
	}
	defer func() {
		if err := file.Close(); err != nil {
			slog.Warn("failed to close metadata file", slog.String("error", err.Error()))
		}
	}()

	var snapshot hnswSnapshot
	if err := gob.NewDecoder(file).Decode(&snapshot); err != nil {
		return fmt.Errorf("decode vector metadata: %w", err)
	}

	idx.config = snapshot.Config
	idx.resetLocked()
	idx.idMap = snapshot.IDMap
	idx.nextKey = snapshot.NextKey
	if snapshot.Metadata != nil {
		idx.metadata = snapshot.Metadata
	}

	for id, key := range idx.idMap {
		idx.keyMap[key] = id
	}
	for id, meta := range idx.metadata {
		ids := idx.fileIDs[meta.FilePath]
		if ids == nil {
			ids = make(map[string]struct{})
			idx.fileIDs[meta.FilePath] = ids
		}
		ids[id] = struct{}{}
	}
	return nil
}

// Close releases resources.
func (idx *HNSWIndex) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return nil
	}
	idx.closed = true
	idx.graph = nil
	idx.metadata = nil
	idx.fileIDs = nil
	return nil
}

// ReadVectorDimensions reads the dimensionality of a persisted index.
// Returns 0 if no metadata file exists yet.
func ReadVectorDimensions(vectorPath string) (int, error) {
	file, err := os.Open(vectorPath + ".meta")
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to open vector metadata: %w", err)
	}
	defer func() {
		if err := file.Close(); err != nil {
			slog.Warn("failed to close vector metadata file", slog.String("error", err.Error()))
		}
	}()

	var snapshot hnswSnapshot
	if err := gob.NewDecoder(file).Decode(&snapshot); err != nil {
		return 0, fmt.Errorf("failed to decode vector metadata: %w", err)
	}
	return snapshot.Config.Dimensions, nil
}

var _ VectorIndex = (*HNSWIndex)(nil)

// normalizeVectorInPlace normalizes a vector to unit length in place.
func normalizeVectorInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	invMagnitude := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= invMagnitude
	}
}
