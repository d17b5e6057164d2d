// Package sandbox provides per-project working directories with
// scoped file access, subprocess execution, and idle expiry. A
// sandbox is the clone target for indexing and generation runs; the
// Manager hands out one sandbox per project id and reaps idle ones.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultCommandTimeout bounds commands that do not carry their own
// timeout.
const DefaultCommandTimeout = 3 * time.Minute

// DefaultFileTreeLimit caps FileTree listings.
const DefaultFileTreeLimit = 500

// ErrKilled is returned for operations on a sandbox that has been
// killed.
var ErrKilled = errors.New("sandbox killed")

// treeSkipDirs are omitted from FileTree listings.
var treeSkipDirs = map[string]struct{}{
	".git":         {},
	"node_modules": {},
	"dist":         {},
	"build":        {},
	".next":        {},
	"coverage":     {},
}

// Command is one subprocess invocation inside a sandbox.
type Command struct {
	Name string
	Args []string
	// Dir is relative to the sandbox root; empty means the root.
	Dir string
	// Timeout falls back to DefaultCommandTimeout when zero.
	Timeout time.Duration
	// Env entries are appended to the parent environment.
	Env []string
}

// CommandResult captures a finished subprocess.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	TimedOut bool
}

// Failed reports whether the command exited non-zero or hit its
// timeout.
func (r *CommandResult) Failed() bool {
	return r.ExitCode != 0 || r.TimedOut
}

// Sandbox is a working directory owned by one project. All paths
// passed to its methods are relative to the root and may not escape
// it.
type Sandbox struct {
	projectID string
	root      string

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	killed   bool
	lastUsed time.Time
}

func newSandbox(projectID, root string) *Sandbox {
	ctx, cancel := context.WithCancel(context.Background())
	return &Sandbox{
		projectID: projectID,
		root:      root,
		ctx:       ctx,
		cancel:    cancel,
		lastUsed:  time.Now(),
	}
}

// ProjectID returns the owning project id.
func (s *Sandbox) ProjectID() string { return s.projectID }

// Root returns the absolute working directory.
func (s *Sandbox) Root() string { return s.root }

func (s *Sandbox) touch() {
	s.mu.Lock()
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

func (s *Sandbox) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

func (s *Sandbox) alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.killed
}

// resolve maps rel into an absolute path under the sandbox root and
// rejects escapes.
func (s *Sandbox) resolve(rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("path %s must be relative to the sandbox root", rel)
	}
	abs := filepath.Clean(filepath.Join(s.root, filepath.FromSlash(rel)))
	if abs != s.root && !strings.HasPrefix(abs, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s escapes the sandbox root", rel)
	}
	return abs, nil
}

// RunCommand executes cmd inside the sandbox and captures its output.
// A non-zero exit or a timeout is reported through the result, not as
// an error; errors mean the process could not run at all.
func (s *Sandbox) RunCommand(ctx context.Context, cmd Command) (*CommandResult, error) {
	if !s.alive() {
		return nil, ErrKilled
	}
	s.touch()

	dir, err := s.resolve(cmd.Dir)
	if err != nil {
		return nil, err
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	c := exec.CommandContext(runCtx, cmd.Name, cmd.Args...)
	c.Dir = dir
	c.WaitDelay = 5 * time.Second
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	runErr := c.Run()
	res := &CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	switch {
	case runErr == nil:
	case s.ctx.Err() != nil:
		return nil, ErrKilled
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case runCtx.Err() == context.DeadlineExceeded:
		res.TimedOut = true
		res.ExitCode = -1
		slog.Warn("command_timed_out",
			"project_id", s.projectID,
			"command", cmd.Name,
			"timeout", timeout)
	default:
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("failed to run %s: %w", cmd.Name, runErr)
		}
		res.ExitCode = exitErr.ExitCode()
	}

	slog.Debug("command_finished",
		"project_id", s.projectID,
		"command", cmd.Name,
		"exit_code", res.ExitCode,
		"duration", res.Duration)
	return res, nil
}

// RunCommands executes cmds in order and stops after the first one
// that fails, returning the results collected so far.
func (s *Sandbox) RunCommands(ctx context.Context, cmds []Command) ([]*CommandResult, error) {
	results := make([]*CommandResult, 0, len(cmds))
	for _, cmd := range cmds {
		res, err := s.RunCommand(ctx, cmd)
		if err != nil {
			return results, err
		}
		results = append(results, res)
		if res.Failed() {
			slog.Warn("command_failed",
				"project_id", s.projectID,
				"command", cmd.Name,
				"exit_code", res.ExitCode,
				"timed_out", res.TimedOut)
			break
		}
	}
	return results, nil
}

// ReadFile returns the content of one file.
func (s *Sandbox) ReadFile(rel string) (string, error) {
	if !s.alive() {
		return "", ErrKilled
	}
	s.touch()
	abs, err := s.resolve(rel)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", rel, err)
	}
	return string(data), nil
}

// ReadFiles reads every path it can, truncating each file to maxLines
// lines when maxLines is positive. Unreadable paths are logged and
// omitted.
func (s *Sandbox) ReadFiles(rels []string, maxLines int) map[string]string {
	contents := make(map[string]string, len(rels))
	for _, rel := range rels {
		content, err := s.ReadFile(rel)
		if err != nil {
			slog.Warn("file_read_failed", "project_id", s.projectID, "path", rel, "error", err)
			continue
		}
		contents[rel] = truncateLines(content, maxLines)
	}
	return contents
}

func truncateLines(content string, maxLines int) string {
	if maxLines <= 0 {
		return content
	}
	lines := strings.Split(content, "\n")
	if len(lines) <= maxLines {
		return content
	}
	return strings.Join(lines[:maxLines], "\n") +
		fmt.Sprintf("\n... (%d more lines)", len(lines)-maxLines)
}

// WriteFile writes content, creating parent directories as needed.
func (s *Sandbox) WriteFile(rel, content string) error {
	if !s.alive() {
		return ErrKilled
	}
	s.touch()
	abs, err := s.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", rel, err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", rel, err)
	}
	return nil
}

// DeleteFile removes a file; deleting a missing file is not an error.
func (s *Sandbox) DeleteFile(rel string) error {
	if !s.alive() {
		return ErrKilled
	}
	s.touch()
	abs, err := s.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", rel, err)
	}
	return nil
}

// FileTree lists up to limit files under dir, sorted, with paths
// relative to the sandbox root. Dependency and build directories are
// skipped.
func (s *Sandbox) FileTree(dir string, limit int) ([]string, error) {
	if !s.alive() {
		return nil, ErrKilled
	}
	s.touch()
	abs, err := s.resolve(dir)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultFileTreeLimit
	}

	var paths []string
	walkErr := filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if _, skip := treeSkipDirs[d.Name()]; skip {
				return filepath.SkipDir
			}
			return nil
		}
		if len(paths) >= limit {
			return filepath.SkipAll
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return nil
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, walkErr)
	}
	return paths, nil
}

// Kill cancels running commands and removes the working directory.
// Killing twice is a no-op.
func (s *Sandbox) Kill() error {
	s.mu.Lock()
	if s.killed {
		s.mu.Unlock()
		return nil
	}
	s.killed = true
	s.mu.Unlock()

	s.cancel()
	if err := os.RemoveAll(s.root); err != nil {
		return fmt.Errorf("failed to remove sandbox root: %w", err)
	}
	slog.Info("sandbox_killed", "project_id", s.projectID, "root", s.root)
	return nil
}
