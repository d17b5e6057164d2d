package generate

import (
	"fmt"
	"sort"
	"strings"
)

// maxPromptFileLines caps how much of each selected file the
// generation prompt carries. Full contents still feed the code graph.
const maxPromptFileLines = 400

const selectionSystem = `You are a code navigation assistant.
Given a task and structural skeletons of candidate files from a repository,
decide which files must change to complete the task.
Reply with one repository-relative file path per line and nothing else.`

const generateSystem = `You are an expert software engineer working on a repository checkout.
You change code exclusively through JSON file operations.
Respond with a single JSON object of this exact shape and nothing else:
{
  "fileOperations": [
    {"type": "createFile", "path": "src/new.ts", "content": "..."},
    {"type": "rewriteFile", "path": "src/replaced.ts", "content": "..."},
    {"type": "updateFile", "path": "src/app.ts", "searchReplace": [{"search": "exact or regex", "replace": "..."}]},
    {"type": "deleteFile", "path": "src/obsolete.ts"}
  ],
  "shellCommands": ["optional, e.g. npm install lodash"],
  "explanation": "what changed and why"
}
Paths are relative to the repository root. Prefer updateFile with searchReplace
for targeted edits; use rewriteFile only when most of a file changes.`

func selectionPrompt(task, skeletons string) string {
	var b strings.Builder
	b.WriteString("## Task\n")
	b.WriteString(task)
	b.WriteString("\n\n## Candidate files\n")
	b.WriteString(skeletons)
	b.WriteString("\nList the files that must change.")
	return b.String()
}

func generatePrompt(task, packageManager string, files map[string]string, skeletons string, priorErrors []string) string {
	var b strings.Builder
	b.WriteString("## Task\n")
	b.WriteString(task)
	fmt.Fprintf(&b, "\n\n## Package manager\n%s\n", packageManager)
	if skeletons != "" {
		b.WriteString("\n## Repository structure\n")
		b.WriteString(skeletons)
	}
	b.WriteString("\n## Relevant files\n")
	for _, path := range sortedPaths(files) {
		fmt.Fprintf(&b, "\n=== %s ===\n%s\n", path, clipLines(files[path], maxPromptFileLines))
	}
	if len(priorErrors) > 0 {
		b.WriteString("\n## Errors from your previous attempt\n")
		for _, e := range priorErrors {
			b.WriteString("- ")
			b.WriteString(e)
			b.WriteString("\n")
		}
		b.WriteString("\nFix these errors while keeping the intended change intact.\n")
	}
	return b.String()
}

func sortedPaths(files map[string]string) []string {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func clipLines(content string, maxLines int) string {
	lines := strings.Split(content, "\n")
	if len(lines) <= maxLines {
		return content
	}
	return strings.Join(lines[:maxLines], "\n") +
		fmt.Sprintf("\n... (%d more lines)", len(lines)-maxLines)
}
