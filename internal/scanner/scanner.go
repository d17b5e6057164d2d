// Package scanner enumerates the indexable source files of a cloned
// working tree. It walks the tree once, honours .gitignore files at
// every level, skips dependency and artifact directories, and keeps
// only files whose extension maps to a known language.
package scanner

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// DefaultMaxFileSize is the largest file the scanner will emit.
const DefaultMaxFileSize = 10 * 1024 * 1024

// sniffLen is how many leading bytes are inspected for binary and
// generated-file detection.
const sniffLen = 1024

// File is one indexable source file found during a scan.
type File struct {
	// Path is relative to the scan root, slash separated.
	Path     string
	AbsPath  string
	Size     int64
	Language string
}

// excludedDirs are never descended into. The list covers dependency
// trees, build output, and tool caches.
var excludedDirs = map[string]struct{}{
	".git":         {},
	"node_modules": {},
	"dist":         {},
	"build":        {},
	".next":        {},
	"coverage":     {},
	"vendor":       {},
	"__pycache__":  {},
	".venv":        {},
	"target":       {},
}

// generatedMarkers flag files produced by code generators. Matched
// against the first sniffLen bytes, case insensitive.
var generatedMarkers = []string{
	"code generated",
	"do not edit",
	"@generated",
	"auto-generated",
	"autogenerated",
}

// Scanner walks working trees and reports indexable files.
type Scanner struct {
	maxFileSize int64
}

// New returns a Scanner with the default size limit.
func New() *Scanner {
	return &Scanner{maxFileSize: DefaultMaxFileSize}
}

// NewWithMaxFileSize returns a Scanner that skips files larger than
// maxFileSize bytes. Non-positive values fall back to the default.
func NewWithMaxFileSize(maxFileSize int64) *Scanner {
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}
	return &Scanner{maxFileSize: maxFileSize}
}

// Scan walks root and returns every indexable file, sorted by path.
// Unreadable entries are logged and skipped rather than failing the
// scan; only a bad root or context cancellation aborts it.
func (s *Scanner) Scan(ctx context.Context, root string) ([]File, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to stat scan root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("scan root %s is not a directory", root)
	}

	var files []File
	var patterns []gitignore.Pattern

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if err != nil {
			slog.Warn("scan_entry_failed", "path", path, "error", err)
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			slog.Warn("scan_entry_failed", "path", path, "error", err)
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if rel == "." {
				patterns = append(patterns, readGitignore(path, nil)...)
				return nil
			}
			if _, excluded := excludedDirs[d.Name()]; excluded {
				return filepath.SkipDir
			}
			segs := strings.Split(rel, "/")
			if gitignore.NewMatcher(patterns).Match(segs, true) {
				return filepath.SkipDir
			}
			patterns = append(patterns, readGitignore(path, segs)...)
			return nil
		}

		if !d.Type().IsRegular() {
			return nil
		}
		name := d.Name()
		if isSensitiveName(name) || isMinifiedName(name) {
			return nil
		}
		language, ok := DetectLanguage(name)
		if !ok {
			return nil
		}
		if gitignore.NewMatcher(patterns).Match(strings.Split(rel, "/"), false) {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			slog.Warn("scan_entry_failed", "path", path, "error", err)
			return nil
		}
		if fi.Size() == 0 || fi.Size() > s.maxFileSize {
			return nil
		}
		skip, err := shouldSkipContent(path)
		if err != nil {
			slog.Warn("file_sniff_failed", "path", path, "error", err)
			return nil
		}
		if skip {
			return nil
		}

		files = append(files, File{
			Path:     rel,
			AbsPath:  path,
			Size:     fi.Size(),
			Language: language,
		})
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, walkErr)
	}
	return files, nil
}

// readGitignore parses dir/.gitignore into patterns scoped to domain.
// A missing file yields no patterns.
func readGitignore(dir string, domain []string) []gitignore.Pattern {
	f, err := os.Open(filepath.Join(dir, ".gitignore"))
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("gitignore_read_failed", "dir", dir, "error", err)
		}
		return nil
	}
	defer f.Close()

	var patterns []gitignore.Pattern
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "#") || len(strings.TrimRight(line, " ")) == 0 {
			continue
		}
		patterns = append(patterns, gitignore.ParsePattern(line, domain))
	}
	if err := sc.Err(); err != nil {
		slog.Warn("gitignore_read_failed", "dir", dir, "error", err)
	}
	return patterns
}

// shouldSkipContent reports whether the file head marks it as binary
// or generator output.
func shouldSkipContent(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return false, err
	}
	head = head[:n]

	if bytes.IndexByte(head, 0) >= 0 {
		return true, nil
	}
	lower := strings.ToLower(string(head))
	for _, marker := range generatedMarkers {
		if strings.Contains(lower, marker) {
			return true, nil
		}
	}
	return false, nil
}

func isSensitiveName(name string) bool {
	if name == ".env" || strings.HasPrefix(name, ".env.") {
		return true
	}
	for _, suffix := range []string{".pem", ".key", ".p12", ".pfx"} {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	for _, prefix := range []string{"id_rsa", "id_dsa", "id_ecdsa", "id_ed25519"} {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func isMinifiedName(name string) bool {
	return strings.HasSuffix(name, ".min.js") ||
		strings.HasSuffix(name, ".min.mjs") ||
		strings.HasSuffix(name, ".min.cjs")
}
