// Package store holds the per-repository index state: a lexical BM25
// inverted index, a dense vector index backed by HNSW, the Redis-backed
// index metadata, and the SQLite installation registry. Indexes are
// keyed by (repoID, branch) and persisted under the data directory.
package store

import (
	"context"
	"fmt"
	"time"
)

// ChunkKind describes how a chunk was carved out of a source file.
type ChunkKind string

const (
	ChunkKindFunction ChunkKind = "function"
	ChunkKindClass    ChunkKind = "class"
	ChunkKindLines    ChunkKind = "lines"
)

// Chunk is the unit of indexing and retrieval. IDs are deterministic so
// that re-chunking an unchanged file yields the same identifiers.
type Chunk struct {
	ID           string
	RepoID       string
	FilePath     string
	FileName     string
	FileType     string
	FunctionName string
	LineStart    int
	LineEnd      int
	Content      string
	Kind         ChunkKind
}

// FunctionChunkID builds the id for a named function chunk.
func FunctionChunkID(filePath, name string) string {
	return fmt.Sprintf("%s_fn_%s", filePath, name)
}

// ClassChunkID builds the id for a class or type declaration chunk.
func ClassChunkID(filePath, name string) string {
	return fmt.Sprintf("%s_class_%s", filePath, name)
}

// LineChunkID builds the id for a line-window fallback chunk.
func LineChunkID(filePath string, start, end int) string {
	return fmt.Sprintf("%s_lines_%d_%d", filePath, start, end)
}

// BM25Config holds the ranking parameters.
type BM25Config struct {
	K1             float64
	B              float64
	MinTokenLength int
	StopWords      []string
}

// DefaultBM25Config returns the standard parameterisation.
func DefaultBM25Config() BM25Config {
	return BM25Config{
		K1:             1.2,
		B:              0.75,
		MinTokenLength: 2,
		StopWords:      DefaultStopWords,
	}
}

// DefaultStopWords is a small English stop-word list. Tokens at or
// below MinTokenLength are already dropped, so only longer words
// appear here.
var DefaultStopWords = []string{
	"the", "and", "for", "are", "but", "not", "was", "were",
	"with", "this", "that", "from", "they", "will", "have",
	"has", "had", "its", "can", "all", "any", "our", "out",
	"use", "used", "into", "than", "then", "when", "which",
}

// BM25Result is a single ranked hit from the lexical index.
type BM25Result struct {
	ChunkID string
	Score   float64
}

// BM25Stats reports index-level statistics.
type BM25Stats struct {
	DocumentCount int
	TermCount     int
	AvgDocLength  float64
	FileCount     int
}

// BM25Index is the lexical half of a repository index.
type BM25Index interface {
	// Build replaces the whole index with the given chunks.
	Build(chunks []Chunk) error
	// UpdateFiles replaces every chunk belonging to the files the given
	// chunks come from, then inserts the new chunks. The swap is atomic
	// with respect to Query.
	UpdateFiles(chunks []Chunk) error
	// RemoveFile drops every chunk of the given file path.
	RemoveFile(filePath string) error
	// Query returns up to topK chunks ranked by BM25 score, ties broken
	// by chunk id. An all-stop-word query returns an empty ranking.
	Query(query string, topK int) ([]BM25Result, error)
	// ChunkIDsForFile returns the ids currently indexed for a path.
	ChunkIDsForFile(filePath string) []string
	// AllIDs returns every chunk id in the index.
	AllIDs() []string
	Stats() BM25Stats
	Save(path string) error
	Load(path string) error
	Close() error
}

// ChunkMetadata travels with each vector so that retrieval results can
// be rendered without a round trip to the chunk source.
type ChunkMetadata struct {
	RepoID    string
	FilePath  string
	LineStart int
	LineEnd   int
	ChunkType ChunkKind
	Preview   string
}

// VectorRecord pairs a chunk id with its embedding and metadata.
type VectorRecord struct {
	ID       string
	Vector   []float32
	Metadata ChunkMetadata
}

// VectorResult is a single ranked hit from the vector index.
type VectorResult struct {
	ChunkID  string
	Score    float32
	Metadata ChunkMetadata
}

// VectorConfig configures the HNSW graph.
type VectorConfig struct {
	Dimensions int
	M          int
	EfSearch   int
}

// DefaultVectorConfig returns the graph parameters used for code
// embeddings.
func DefaultVectorConfig(dimensions int) VectorConfig {
	return VectorConfig{
		Dimensions: dimensions,
		M:          16,
		EfSearch:   64,
	}
}

// VectorIndex is the dense half of a repository index.
type VectorIndex interface {
	// Initialize resets the index to empty, keeping its configuration.
	Initialize() error
	// Upsert inserts records, replacing any that share an id.
	Upsert(ctx context.Context, records []VectorRecord) error
	// DeleteByFilePath drops every vector whose metadata names the path.
	DeleteByFilePath(filePath string) error
	// Query returns up to topK nearest records by cosine similarity.
	Query(ctx context.Context, vector []float32, topK int) ([]VectorResult, error)
	AllIDs() []string
	Contains(id string) bool
	// Metadata returns the stored metadata for a chunk id.
	Metadata(id string) (ChunkMetadata, bool)
	Count() int
	Save(path string) error
	Load(path string) error
	Close() error
}

// IndexMeta records the last successful indexing run for a
// (repoID, branch) pair. A repository counts as indexed only when
// LastIndexedSHA is non-empty.
type IndexMeta struct {
	LastIndexedAt  time.Time
	LastIndexType  string
	LastIndexedSHA string
}

// MetaStore persists IndexMeta records.
type MetaStore interface {
	GetMeta(ctx context.Context, repoID, branch string) (*IndexMeta, error)
	SetMeta(ctx context.Context, repoID, branch string, meta IndexMeta) error
	DeleteMeta(ctx context.Context, repoID, branch string) error
	IsIndexed(ctx context.Context, repoID, branch string) (bool, error)
}

// ErrDimensionMismatch is returned when a vector's length does not
// match the configured dimensionality.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("vector dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}
