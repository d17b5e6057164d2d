package sandbox

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	serviceerrors "github.com/patchsmith/patchsmith/internal/errors"
)

// DefaultTTL is how long a sandbox may sit idle before the janitor
// kills it.
const DefaultTTL = 30 * time.Minute

// DefaultJanitorInterval is how often idle sandboxes are checked.
const DefaultJanitorInterval = time.Minute

// Config controls where sandboxes live and when they expire.
type Config struct {
	RootDir         string
	TTL             time.Duration
	JanitorInterval time.Duration
}

// Manager owns one sandbox per project id and reaps idle ones in the
// background.
type Manager struct {
	cfg Config

	mu        sync.Mutex
	sandboxes map[string]*Sandbox

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewManager creates the sandbox root directory and starts the
// janitor.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.RootDir == "" {
		cfg.RootDir = filepath.Join(os.TempDir(), "patchsmith-sandboxes")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = DefaultJanitorInterval
	}
	if err := os.MkdirAll(cfg.RootDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sandbox root: %w", err)
	}

	m := &Manager{
		cfg:       cfg,
		sandboxes: make(map[string]*Sandbox),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go m.janitor()
	return m, nil
}

// SanitizeProjectID maps a project id to a directory name.
func SanitizeProjectID(projectID string) string {
	return strings.ReplaceAll(projectID, "/", "_")
}

// GetOrCreate returns the live sandbox for projectID, creating it if
// none exists.
func (m *Manager) GetOrCreate(projectID string) (*Sandbox, error) {
	if projectID == "" {
		return nil, serviceerrors.InvalidInput("project id is required", nil)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if sb, ok := m.sandboxes[projectID]; ok && sb.alive() {
		sb.touch()
		return sb, nil
	}

	root := filepath.Join(m.cfg.RootDir, SanitizeProjectID(projectID))
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sandbox dir: %w", err)
	}
	sb := newSandbox(projectID, root)
	m.sandboxes[projectID] = sb
	slog.Info("sandbox_created", "project_id", projectID, "root", root)
	return sb, nil
}

// Get returns the sandbox for projectID if one is live.
func (m *Manager) Get(projectID string) (*Sandbox, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, ok := m.sandboxes[projectID]
	if !ok || !sb.alive() {
		return nil, false
	}
	return sb, true
}

// Cleanup kills the sandbox for projectID. The map entry is removed
// before the kill is attempted so a kill failure cannot leave a stale
// reference behind. Cleaning up an unknown project id is a no-op.
func (m *Manager) Cleanup(projectID string) error {
	m.mu.Lock()
	sb := m.sandboxes[projectID]
	delete(m.sandboxes, projectID)
	m.mu.Unlock()

	if sb == nil {
		return nil
	}
	if err := sb.Kill(); err != nil {
		slog.Warn("sandbox_kill_failed", "project_id", projectID, "error", err)
		return err
	}
	return nil
}

// Count returns the number of live sandboxes.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sandboxes)
}

// Close stops the janitor and kills every remaining sandbox.
func (m *Manager) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done

	m.mu.Lock()
	ids := make([]string, 0, len(m.sandboxes))
	for id := range m.sandboxes {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := m.Cleanup(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) janitor() {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.reapIdle()
		}
	}
}

func (m *Manager) reapIdle() {
	cutoff := time.Now().Add(-m.cfg.TTL)

	m.mu.Lock()
	var expired []string
	for id, sb := range m.sandboxes {
		if sb.idleSince().Before(cutoff) {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		slog.Info("sandbox_expired", "project_id", id, "ttl", m.cfg.TTL)
		if err := m.Cleanup(id); err != nil {
			slog.Warn("sandbox_reap_failed", "project_id", id, "error", err)
		}
	}
}
