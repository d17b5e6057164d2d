package chunk

import (
	"path/filepath"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// LanguageRegistry maps file extensions to tree-sitter grammars. Only
// the JS/TS family is syntactically chunked; other files take the
// line-window path.
type LanguageRegistry struct {
	mu          sync.RWMutex
	extToLang   map[string]string
	tsLanguages map[string]*sitter.Language
}

// NewLanguageRegistry builds the registry with the JS/TS family.
func NewLanguageRegistry() *LanguageRegistry {
	r := &LanguageRegistry{
		extToLang:   make(map[string]string),
		tsLanguages: make(map[string]*sitter.Language),
	}

	r.register("javascript", []string{".js", ".mjs", ".cjs"}, javascript.GetLanguage())
	r.register("jsx", []string{".jsx"}, javascript.GetLanguage())
	r.register("typescript", []string{".ts", ".mts", ".cts"}, typescript.GetLanguage())
	r.register("tsx", []string{".tsx"}, tsx.GetLanguage())

	return r
}

func (r *LanguageRegistry) register(name string, extensions []string, lang *sitter.Language) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tsLanguages[name] = lang
	for _, ext := range extensions {
		r.extToLang[ext] = name
	}
}

// LanguageForPath returns the language name for a file path, or false
// when the extension is not syntactically parseable.
func (r *LanguageRegistry) LanguageForPath(path string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ext := strings.ToLower(filepath.Ext(path))
	lang, ok := r.extToLang[ext]
	return lang, ok
}

// TreeSitterLanguage returns the grammar for a language name.
func (r *LanguageRegistry) TreeSitterLanguage(name string) (*sitter.Language, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lang, ok := r.tsLanguages[name]
	return lang, ok
}

var defaultRegistry = NewLanguageRegistry()

// DefaultRegistry returns the shared language registry.
func DefaultRegistry() *LanguageRegistry {
	return defaultRegistry
}
