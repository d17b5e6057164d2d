package scanner

import (
	"path/filepath"
	"strings"
)

// languageByExt maps file extensions to language names. Only files
// with a mapped extension are indexed. The JS/TS names line up with
// the chunker's syntactic grammars; everything else is chunked by
// line window.
var languageByExt = map[string]string{
	".js":     "javascript",
	".mjs":    "javascript",
	".cjs":    "javascript",
	".jsx":    "jsx",
	".ts":     "typescript",
	".mts":    "typescript",
	".cts":    "typescript",
	".tsx":    "tsx",
	".py":     "python",
	".rb":     "ruby",
	".go":     "go",
	".rs":     "rust",
	".java":   "java",
	".kt":     "kotlin",
	".kts":    "kotlin",
	".c":      "c",
	".h":      "c",
	".cpp":    "cpp",
	".cc":     "cpp",
	".cxx":    "cpp",
	".hpp":    "cpp",
	".cs":     "csharp",
	".php":    "php",
	".swift":  "swift",
	".scala":  "scala",
	".ex":     "elixir",
	".exs":    "elixir",
	".erl":    "erlang",
	".lua":    "lua",
	".pl":     "perl",
	".r":      "r",
	".sh":     "shell",
	".bash":   "shell",
	".sql":    "sql",
	".vue":    "vue",
	".svelte": "svelte",
	".html":   "html",
	".css":    "css",
	".scss":   "scss",
}

// DetectLanguage returns the language for a file path based on its
// extension, and whether the file counts as indexable source.
func DetectLanguage(path string) (string, bool) {
	ext := strings.ToLower(filepath.Ext(path))
	lang, ok := languageByExt[ext]
	return lang, ok
}

// IsCodeFile reports whether path has an indexable extension.
func IsCodeFile(path string) bool {
	_, ok := DetectLanguage(path)
	return ok
}
