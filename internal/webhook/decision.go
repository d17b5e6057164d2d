package webhook

import (
	"fmt"

	"github.com/patchsmith/patchsmith/internal/queue"
)

// ZeroSHA is the all-zero commit id GitHub reports as "before" on force
// pushes and newly created refs, and as "after" on ref deletions.
const ZeroSHA = "0000000000000000000000000000000000000000"

// IndexMode selects between a full rebuild and an incremental update.
type IndexMode string

const (
	IndexFull        IndexMode = "full"
	IndexIncremental IndexMode = "incremental"
)

// Decision is the outcome of the full-vs-incremental rule, with the
// reason kept for logs and job audit fields.
type Decision struct {
	Mode   IndexMode
	Reason string
}

// Decide picks the index mode for a push. Anything that undermines
// trust in the existing index state falls back to a full rebuild.
func Decide(isIndexed bool, beforeSHA string, totalChanges, threshold int) Decision {
	switch {
	case !isIndexed:
		return Decision{IndexFull, "not indexed"}
	case beforeSHA == ZeroSHA:
		return Decision{IndexFull, "force push or new branch"}
	case totalChanges == 0:
		return Decision{IndexFull, "no changes reported"}
	case totalChanges > threshold:
		return Decision{IndexFull, fmt.Sprintf("%d changed files exceeds threshold %d", totalChanges, threshold)}
	default:
		return Decision{IndexIncremental, fmt.Sprintf("%d changed files", totalChanges)}
	}
}

// changedFiles unions the per-commit file lists of a push,
// de-duplicating within each category while preserving first-seen
// order. A path touched both ways (added in one commit, removed in a
// later one) stays in both sets; the incremental pass resolves that
// against the working tree.
func changedFiles(commits []pushCommit) queue.ChangedFiles {
	var out queue.ChangedFiles
	seenAdded := make(map[string]struct{})
	seenModified := make(map[string]struct{})
	seenRemoved := make(map[string]struct{})

	for _, commit := range commits {
		for _, path := range commit.Added {
			if _, ok := seenAdded[path]; ok {
				continue
			}
			seenAdded[path] = struct{}{}
			out.Added = append(out.Added, path)
		}
		for _, path := range commit.Modified {
			if _, ok := seenModified[path]; ok {
				continue
			}
			seenModified[path] = struct{}{}
			out.Modified = append(out.Modified, path)
		}
		for _, path := range commit.Removed {
			if _, ok := seenRemoved[path]; ok {
				continue
			}
			seenRemoved[path] = struct{}{}
			out.Removed = append(out.Removed, path)
		}
	}
	return out
}
