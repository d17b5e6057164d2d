package store

import (
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// MemoryBM25 is an in-memory BM25 inverted index with gob persistence.
// Posting lists map term -> chunk id -> term frequency, and a
// filePath -> chunk-ids map makes per-file invalidation O(affected).
type MemoryBM25 struct {
	mu        sync.RWMutex
	cfg       BM25Config
	tokenizer *Tokenizer

	postings    map[string]map[string]int
	docTerms    map[string][]string
	docLengths  map[string]int
	totalLength int
	fileChunks  map[string][]string
	chunkFile   map[string]string

	closed bool
}

// bm25Snapshot is the gob persistence form. docTerms is rebuilt from
// the posting lists on load.
type bm25Snapshot struct {
	Config      BM25Config
	Postings    map[string]map[string]int
	DocLengths  map[string]int
	TotalLength int
	FileChunks  map[string][]string
	ChunkFile   map[string]string
}

// NewMemoryBM25 creates an empty index with the given parameters.
func NewMemoryBM25(cfg BM25Config) *MemoryBM25 {
	if cfg.K1 == 0 {
		cfg.K1 = 1.2
	}
	if cfg.B == 0 {
		cfg.B = 0.75
	}
	idx := &MemoryBM25{
		cfg:       cfg,
		tokenizer: NewTokenizer(cfg),
	}
	idx.resetLocked()
	return idx
}

func (idx *MemoryBM25) resetLocked() {
	idx.postings = make(map[string]map[string]int)
	idx.docTerms = make(map[string][]string)
	idx.docLengths = make(map[string]int)
	idx.totalLength = 0
	idx.fileChunks = make(map[string][]string)
	idx.chunkFile = make(map[string]string)
}

// Build replaces the entire index with the given chunks.
func (idx *MemoryBM25) Build(chunks []Chunk) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return fmt.Errorf("bm25 index is closed")
	}

	idx.resetLocked()
	for i := range chunks {
		idx.addChunkLocked(&chunks[i])
	}
	return nil
}

// UpdateFiles replaces the chunks of every file the given chunks come
// from. Removal and reinsertion happen under one lock, so queries see
// either the old or the new state of a file, never a mix.
func (idx *MemoryBM25) UpdateFiles(chunks []Chunk) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return fmt.Errorf("bm25 index is closed")
	}

	affected := make(map[string]struct{})
	for i := range chunks {
		affected[chunks[i].FilePath] = struct{}{}
	}
	for path := range affected {
		idx.removeFileLocked(path)
	}
	for i := range chunks {
		idx.addChunkLocked(&chunks[i])
	}
	return nil
}

// RemoveFile drops every chunk of the given path. Removing an unknown
// path is a no-op.
func (idx *MemoryBM25) RemoveFile(filePath string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return fmt.Errorf("bm25 index is closed")
	}

	idx.removeFileLocked(filePath)
	return nil
}

func (idx *MemoryBM25) removeFileLocked(filePath string) {
	for _, id := range idx.fileChunks[filePath] {
		idx.removeChunkLocked(id)
	}
	delete(idx.fileChunks, filePath)
}

func (idx *MemoryBM25) addChunkLocked(chunk *Chunk) {
	if _, exists := idx.docLengths[chunk.ID]; exists {
		idx.removeChunkLocked(chunk.ID)
	}

	tokens := idx.tokenizer.Tokenize(chunk.Content)

	freqs := make(map[string]int)
	for _, tok := range tokens {
		freqs[tok]++
	}

	terms := make([]string, 0, len(freqs))
	for term, tf := range freqs {
		posting := idx.postings[term]
		if posting == nil {
			posting = make(map[string]int)
			idx.postings[term] = posting
		}
		posting[chunk.ID] = tf
		terms = append(terms, term)
	}

	idx.docTerms[chunk.ID] = terms
	idx.docLengths[chunk.ID] = len(tokens)
	idx.totalLength += len(tokens)
	idx.fileChunks[chunk.FilePath] = append(idx.fileChunks[chunk.FilePath], chunk.ID)
	idx.chunkFile[chunk.ID] = chunk.FilePath
}

func (idx *MemoryBM25) removeChunkLocked(id string) {
	length, exists := idx.docLengths[id]
	if !exists {
		return
	}

	for _, term := range idx.docTerms[id] {
		posting := idx.postings[term]
		delete(posting, id)
		if len(posting) == 0 {
			delete(idx.postings, term)
		}
	}

	idx.totalLength -= length
	delete(idx.docLengths, id)
	delete(idx.docTerms, id)

	if path, ok := idx.chunkFile[id]; ok {
		ids := idx.fileChunks[path]
		for i, existing := range ids {
			if existing == id {
				idx.fileChunks[path] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		if len(idx.fileChunks[path]) == 0 {
			delete(idx.fileChunks, path)
		}
		delete(idx.chunkFile, id)
	}
}

// Query scores the posting list of each distinct query term and
// returns up to topK results. Ties are broken by chunk id so that
// rankings are deterministic.
func (idx *MemoryBM25) Query(query string, topK int) ([]BM25Result, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.closed {
		return nil, fmt.Errorf("bm25 index is closed")
	}

	terms := idx.tokenizer.UniqueTerms(query)
	docCount := len(idx.docLengths)
	if len(terms) == 0 || docCount == 0 {
		return []BM25Result{}, nil
	}

	avgLength := float64(idx.totalLength) / float64(docCount)
	if avgLength == 0 {
		return []BM25Result{}, nil
	}

	k1 := idx.cfg.K1
	b := idx.cfg.B

	scores := make(map[string]float64)
	for _, term := range terms {
		posting := idx.postings[term]
		if len(posting) == 0 {
			continue
		}

		df := float64(len(posting))
		idf := math.Log(1 + (float64(docCount)-df+0.5)/(df+0.5))

		for id, tf := range posting {
			freq := float64(tf)
			norm := 1 - b + b*float64(idx.docLengths[id])/avgLength
			scores[id] += idf * freq * (k1 + 1) / (freq + k1*norm)
		}
	}

	results := make([]BM25Result, 0, len(scores))
	for id, score := range scores {
		results = append(results, BM25Result{ChunkID: id, Score: score})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChunkID < results[j].ChunkID
	})

	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// ChunkIDsForFile returns a copy of the ids indexed for a path.
func (idx *MemoryBM25) ChunkIDsForFile(filePath string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	ids := idx.fileChunks[filePath]
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// AllIDs returns every chunk id in the index.
func (idx *MemoryBM25) AllIDs() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	ids := make([]string, 0, len(idx.docLengths))
	for id := range idx.docLengths {
		ids = append(ids, id)
	}
	return ids
}

// Stats reports document, term, and file counts.
func (idx *MemoryBM25) Stats() BM25Stats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	stats := BM25Stats{
		DocumentCount: len(idx.docLengths),
		TermCount:     len(idx.postings),
		FileCount:     len(idx.fileChunks),
	}
	if stats.DocumentCount > 0 {
		stats.AvgDocLength = float64(idx.totalLength) / float64(stats.DocumentCount)
	}
	return stats
}

// Save writes the index to disk atomically (temp file + rename).
func (idx *MemoryBM25) Save(path string) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.closed {
		return fmt.Errorf("bm25 index is closed")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create index directory: %w", err)
	}

	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create index file: %w", err)
	}

	snapshot := bm25Snapshot{
		Config:      idx.cfg,
		Postings:    idx.postings,
		DocLengths:  idx.docLengths,
		TotalLength: idx.totalLength,
		FileChunks:  idx.fileChunks,
		ChunkFile:   idx.chunkFile,
	}
	if err := gob.NewEncoder(file).Encode(snapshot); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to encode bm25 index: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close index file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename index file: %w", err)
	}
	return nil
}

// Load replaces the index with the snapshot at path.
func (idx *MemoryBM25) Load(path string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return fmt.Errorf("bm25 index is closed")
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open index file: %w", err)
	}
	defer file.Close()

	var snapshot bm25Snapshot
	if err := gob.NewDecoder(file).Decode(&snapshot); err != nil {
		return fmt.Errorf("failed to decode bm25 index: %w", err)
	}

	idx.cfg = snapshot.Config
	idx.tokenizer = NewTokenizer(snapshot.Config)
	idx.postings = snapshot.Postings
	idx.docLengths = snapshot.DocLengths
	idx.totalLength = snapshot.TotalLength
	idx.fileChunks = snapshot.FileChunks
	idx.chunkFile = snapshot.ChunkFile
	if idx.postings == nil {
		idx.postings = make(map[string]map[string]int)
	}
	if idx.fileChunks == nil {
		idx.fileChunks = make(map[string][]string)
	}
	if idx.chunkFile == nil {
		idx.chunkFile = make(map[string]string)
	}
	if idx.docLengths == nil {
		idx.docLengths = make(map[string]int)
	}

	// Rebuild the per-document term lists from the posting lists.
	idx.docTerms = make(map[string][]string, len(idx.docLengths))
	for term, posting := range idx.postings {
		for id := range posting {
			idx.docTerms[id] = append(idx.docTerms[id], term)
		}
	}
	return nil
}

// Close marks the index unusable.
func (idx *MemoryBM25) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return nil
	}
	idx.closed = true
	idx.postings = nil
	idx.docTerms = nil
	idx.docLengths = nil
	idx.fileChunks = nil
	idx.chunkFile = nil
	return nil
}

var _ BM25Index = (*MemoryBM25)(nil)
