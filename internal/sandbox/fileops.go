package sandbox

import (
	"fmt"
	"log/slog"
	"os"
	"path"
	"regexp"
	"strings"

	serviceerrors "github.com/patchsmith/patchsmith/internal/errors"
)

// File operation types as they appear in generated output.
const (
	OpCreateFile  = "createFile"
	OpRewriteFile = "rewriteFile"
	OpUpdateFile  = "updateFile"
	OpDeleteFile  = "deleteFile"
)

// SearchReplace is one substitution inside an updateFile operation.
type SearchReplace struct {
	Search  string `json:"search"`
	Replace string `json:"replace"`
}

// FileOperation is a tagged file mutation. Content is set for
// createFile and rewriteFile, SearchReplace for updateFile.
type FileOperation struct {
	Type          string          `json:"type"`
	Path          string          `json:"path"`
	Content       string          `json:"content,omitempty"`
	SearchReplace []SearchReplace `json:"searchReplace,omitempty"`
}

// OperationResult records what one applied operation did. Changed is
// false for an updateFile whose substitutions all missed.
type OperationResult struct {
	Path    string
	Type    string
	Changed bool
}

// ExecuteFileOperations applies ops under repoRoot in order. An
// updateFile entry tries each substitution as a regular expression
// first and falls back to a literal replace; if nothing matched, the
// buffer is written back unchanged and a warning is logged. Unknown
// operation types abort the batch.
func (s *Sandbox) ExecuteFileOperations(ops []FileOperation, repoRoot string) ([]OperationResult, error) {
	results := make([]OperationResult, 0, len(ops))
	for _, op := range ops {
		rel := path.Join(repoRoot, strings.TrimPrefix(op.Path, "/"))

		switch op.Type {
		case OpCreateFile:
			if abs, err := s.resolve(rel); err == nil {
				if _, statErr := os.Stat(abs); statErr == nil {
					slog.Warn("create_overwrites_existing", "project_id", s.projectID, "path", rel)
				}
			}
			if err := s.WriteFile(rel, op.Content); err != nil {
				return results, err
			}
			results = append(results, OperationResult{Path: rel, Type: op.Type, Changed: true})

		case OpRewriteFile:
			if err := s.WriteFile(rel, op.Content); err != nil {
				return results, err
			}
			results = append(results, OperationResult{Path: rel, Type: op.Type, Changed: true})

		case OpUpdateFile:
			buf, err := s.ReadFile(rel)
			if err != nil {
				return results, fmt.Errorf("failed to read %s for update: %w", rel, err)
			}
			changed := false
			for _, sr := range op.SearchReplace {
				var ok bool
				buf, ok = applySearchReplace(buf, sr)
				changed = changed || ok
			}
			if !changed {
				slog.Warn("search_replace_no_match", "project_id", s.projectID, "path", rel)
			}
			if err := s.WriteFile(rel, buf); err != nil {
				return results, err
			}
			results = append(results, OperationResult{Path: rel, Type: op.Type, Changed: changed})

		case OpDeleteFile:
			if err := s.DeleteFile(rel); err != nil {
				return results, err
			}
			results = append(results, OperationResult{Path: rel, Type: op.Type, Changed: true})

		default:
			return results, serviceerrors.New(
				serviceerrors.ErrCodeInvalidFileOp,
				fmt.Sprintf("unknown file operation type %q", op.Type),
				nil)
		}
	}
	return results, nil
}

func applySearchReplace(buf string, sr SearchReplace) (string, bool) {
	if sr.Search == "" {
		return buf, false
	}
	if re, err := regexp.Compile(sr.Search); err == nil && re.MatchString(buf) {
		return re.ReplaceAllString(buf, sr.Replace), true
	}
	if strings.Contains(buf, sr.Search) {
		return strings.ReplaceAll(buf, sr.Search, sr.Replace), true
	}
	return buf, false
}

// packageManagerMarkers is checked in order; the first lockfile or
// manifest present decides the package manager.
var packageManagerMarkers = []struct {
	file string
	tag  string
}{
	{"pnpm-lock.yaml", "pnpm"},
	{"yarn.lock", "yarn"},
	{"package-lock.json", "npm"},
	{"requirements.txt", "pip"},
	{"pyproject.toml", "pip"},
	{"Gemfile", "bundler"},
	{"Cargo.toml", "cargo"},
	{"go.mod", "go"},
}

// DetectPackageManager inspects repoRoot for lockfiles and manifests
// and returns the matching package manager tag, defaulting to npm.
func (s *Sandbox) DetectPackageManager(repoRoot string) string {
	for _, marker := range packageManagerMarkers {
		abs, err := s.resolve(path.Join(repoRoot, marker.file))
		if err != nil {
			continue
		}
		if _, err := os.Stat(abs); err == nil {
			return marker.tag
		}
	}
	return "npm"
}
