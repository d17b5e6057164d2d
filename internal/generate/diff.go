package generate

import (
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/patchsmith/patchsmith/internal/gitops"
)

// FileDiff is one presentable unified diff for the job result.
type FileDiff struct {
	Path string `json:"path"`
	Diff string `json:"diff"`
}

// lockfileNames keeps machine-generated lockfiles out of the diff
// presentation. The files themselves still ship in the pull request.
var lockfileNames = map[string]struct{}{
	"package-lock.json": {},
	"yarn.lock":         {},
	"pnpm-lock.yaml":    {},
	"poetry.lock":       {},
	"Pipfile.lock":      {},
	"Gemfile.lock":      {},
	"Cargo.lock":        {},
	"composer.lock":     {},
	"go.sum":            {},
}

// buildFileDiffs renders a unified diff per touched path against the
// remote base branch. Created and deleted files diff against an empty
// side. Failures degrade to a skipped entry; the diffs are
// presentation, not the change itself.
func buildFileDiffs(repo *gitops.Repo, baseBranch string, touched []string, logger *slog.Logger) []FileDiff {
	baseRef := "origin/" + baseBranch

	paths := make([]string, 0, len(touched))
	for _, rel := range touched {
		if _, skip := lockfileNames[path.Base(rel)]; skip {
			continue
		}
		paths = append(paths, rel)
	}
	sort.Strings(paths)

	diffs := make([]FileDiff, 0, len(paths))
	for _, rel := range paths {
		oldContent, _, err := repo.ContentAtRef(rel, baseRef)
		if err != nil {
			logger.Warn("diff_base_read_failed",
				slog.String("file_path", rel),
				slog.String("ref", baseRef),
				slog.String("error", err.Error()))
			oldContent = ""
		}
		var newContent string
		if data, err := os.ReadFile(filepath.Join(repo.Dir(), filepath.FromSlash(rel))); err == nil {
			newContent = string(data)
		}
		text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
			A:        difflib.SplitLines(oldContent),
			B:        difflib.SplitLines(newContent),
			FromFile: "a/" + rel,
			ToFile:   "b/" + rel,
			Context:  3,
		})
		if err != nil {
			logger.Warn("diff_render_failed",
				slog.String("file_path", rel),
				slog.String("error", err.Error()))
			continue
		}
		if text == "" {
			continue
		}
		diffs = append(diffs, FileDiff{Path: rel, Diff: text})
	}
	return diffs
}
