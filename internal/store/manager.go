package store

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gofrs/flock"
)

const (
	bm25FileName   = "bm25.gob"
	vectorFileName = "vectors.hnsw"
	lockFileName   = ".index.lock"
)

// RepoIndex is the paired BM25 + vector state for one
// (repoID, branch). Writers are serialised by the indexing queue; the
// file lock guards against a second process on the same data dir.
type RepoIndex struct {
	RepoID string
	Branch string
	BM25   *MemoryBM25
	Vector *HNSWIndex

	dir  string
	lock *flock.Flock
}

// Manager opens, caches, and persists repository indexes under
// {root}/{repoKey}/{branchKey}.
type Manager struct {
	root    string
	bm25Cfg BM25Config

	mu   sync.Mutex
	open map[string]*RepoIndex
}

// NewManager creates a manager rooted at the given directory.
func NewManager(root string, bm25Cfg BM25Config) *Manager {
	return &Manager{
		root:    root,
		bm25Cfg: bm25Cfg,
		open:    make(map[string]*RepoIndex),
	}
}

// sanitizeKey makes a repo or branch id safe as a directory name.
func sanitizeKey(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, string(os.PathSeparator), "_")
	if s == "" {
		return "_"
	}
	return s
}

func (m *Manager) indexKey(repoID, branch string) string {
	return sanitizeKey(repoID) + "/" + sanitizeKey(branch)
}

// Open returns the index pair for a repository branch, loading any
// persisted state. A persisted vector index whose dimensionality no
// longer matches is discarded; the caller must then reindex.
func (m *Manager) Open(repoID, branch string, dimensions int) (*RepoIndex, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := m.indexKey(repoID, branch)
	if ri, ok := m.open[key]; ok {
		return ri, nil
	}

	dir := filepath.Join(m.root, sanitizeKey(repoID), sanitizeKey(branch))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}

	lock := flock.New(filepath.Join(dir, lockFileName))
	acquired, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire index lock: %w", err)
	}
	if !acquired {
		return nil, fmt.Errorf("index for %s/%s is locked by another process", repoID, branch)
	}

	ri, err := m.loadLocked(repoID, branch, dir, dimensions)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	ri.lock = lock

	m.open[key] = ri
	return ri, nil
}

func (m *Manager) loadLocked(repoID, branch, dir string, dimensions int) (*RepoIndex, error) {
	bm25Path := filepath.Join(dir, bm25FileName)
	vectorPath := filepath.Join(dir, vectorFileName)

	persistedDims, err := ReadVectorDimensions(vectorPath)
	if err != nil {
		return nil, err
	}
	if persistedDims > 0 && persistedDims != dimensions {
		slog.Warn("index_dimensions_changed",
			slog.String("repo_id", repoID),
			slog.String("branch", branch),
			slog.Int("persisted", persistedDims),
			slog.Int("configured", dimensions))
		for _, p := range []string{bm25Path, vectorPath, vectorPath + ".meta"} {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to clear stale index file %s: %w", p, err)
			}
		}
	}

	bm25 := NewMemoryBM25(m.bm25Cfg)
	if _, err := os.Stat(bm25Path); err == nil {
		if err := bm25.Load(bm25Path); err != nil {
			return nil, fmt.Errorf("failed to load bm25 index: %w", err)
		}
	}

	vector, err := NewHNSWIndex(DefaultVectorConfig(dimensions))
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(vectorPath); err == nil {
		if err := vector.Load(vectorPath); err != nil {
			return nil, fmt.Errorf("failed to load vector index: %w", err)
		}
	}

	slog.Debug("repo_index_opened",
		slog.String("repo_id", repoID),
		slog.String("branch", branch),
		slog.Int("bm25_docs", bm25.Stats().DocumentCount),
		slog.Int("vectors", vector.Count()))

	return &RepoIndex{
		RepoID: repoID,
		Branch: branch,
		BM25:   bm25,
		Vector: vector,
		dir:    dir,
	}, nil
}

// Save persists both halves of the index.
func (ri *RepoIndex) Save() error {
	if err := ri.BM25.Save(filepath.Join(ri.dir, bm25FileName)); err != nil {
		return fmt.Errorf("failed to save bm25 index: %w", err)
	}
	if err := ri.Vector.Save(filepath.Join(ri.dir, vectorFileName)); err != nil {
		return fmt.Errorf("failed to save vector index: %w", err)
	}
	return nil
}

// VerifyParity checks that the BM25 and vector indexes hold exactly
// the same chunk id set. A divergence means an update was applied to
// one half only and the index must be rebuilt.
func (ri *RepoIndex) VerifyParity() error {
	bm25IDs := ri.BM25.AllIDs()
	vectorIDs := ri.Vector.AllIDs()

	bm25Set := make(map[string]struct{}, len(bm25IDs))
	for _, id := range bm25IDs {
		bm25Set[id] = struct{}{}
	}
	vectorSet := make(map[string]struct{}, len(vectorIDs))
	for _, id := range vectorIDs {
		vectorSet[id] = struct{}{}
	}

	var missingVectors, missingDocs []string
	for id := range bm25Set {
		if _, ok := vectorSet[id]; !ok {
			missingVectors = append(missingVectors, id)
		}
	}
	for id := range vectorSet {
		if _, ok := bm25Set[id]; !ok {
			missingDocs = append(missingDocs, id)
		}
	}
	if len(missingVectors) == 0 && len(missingDocs) == 0 {
		return nil
	}

	sort.Strings(missingVectors)
	sort.Strings(missingDocs)
	return fmt.Errorf("index divergence for %s/%s: %d chunks missing vectors (e.g. %s), %d vectors missing documents (e.g. %s)",
		ri.RepoID, ri.Branch,
		len(missingVectors), firstOrNone(missingVectors),
		len(missingDocs), firstOrNone(missingDocs))
}

func firstOrNone(ids []string) string {
	if len(ids) == 0 {
		return "none"
	}
	return ids[0]
}

// Release closes an index pair and drops it from the cache. State not
// saved beforehand is lost.
func (m *Manager) Release(repoID, branch string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := m.indexKey(repoID, branch)
	ri, ok := m.open[key]
	if !ok {
		return nil
	}
	delete(m.open, key)

	var firstErr error
	if err := ri.BM25.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := ri.Vector.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if ri.lock != nil {
		if err := ri.lock.Unlock(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to release index lock: %w", err)
		}
	}
	return firstErr
}

// CloseAll releases every open index. Called on shutdown.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	keys := make([][2]string, 0, len(m.open))
	for _, ri := range m.open {
		keys = append(keys, [2]string{ri.RepoID, ri.Branch})
	}
	m.mu.Unlock()

	var firstErr error
	for _, k := range keys {
		if err := m.Release(k[0], k[1]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
