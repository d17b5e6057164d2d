package chunk

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/patchsmith/patchsmith/internal/store"
)

// DefaultLineWindow is the fallback window size for files that cannot
// be chunked syntactically.
const DefaultLineWindow = 100

// DefaultPreviewLength bounds the content preview stored with each
// vector.
const DefaultPreviewLength = 200

// Chunker turns file content into chunks with deterministic ids.
type Chunker struct {
	parser     *Parser
	registry   *LanguageRegistry
	lineWindow int
}

// NewChunker creates a chunker with the given line window (0 means
// DefaultLineWindow).
func NewChunker(lineWindow int) *Chunker {
	if lineWindow <= 0 {
		lineWindow = DefaultLineWindow
	}
	return &Chunker{
		parser:     NewParser(),
		registry:   DefaultRegistry(),
		lineWindow: lineWindow,
	}
}

// Close releases parser resources.
func (c *Chunker) Close() {
	c.parser.Close()
}

// ChunkFile splits one file into chunks. JS/TS files get a chunk per
// top-level function declaration, per function or arrow expression
// bound to a variable, and per class declaration. Other extensions,
// parse failures, and parses that yield nothing fall back to
// fixed-line windows. Never fatal: an empty file yields no chunks.
func (c *Chunker) ChunkFile(ctx context.Context, repoID, filePath string, content []byte) []store.Chunk {
	if len(content) == 0 || strings.TrimSpace(string(content)) == "" {
		return nil
	}

	language, parseable := c.registry.LanguageForPath(filePath)
	if !parseable {
		return c.lineWindowChunks(repoID, filePath, content)
	}

	tree, err := c.parser.Parse(ctx, content, language)
	if err != nil {
		slog.Warn("chunk_parse_failed",
			slog.String("file_path", filePath),
			slog.String("language", language),
			slog.String("error", err.Error()))
		return c.lineWindowChunks(repoID, filePath, content)
	}

	chunks := c.syntacticChunks(tree, repoID, filePath)
	if len(chunks) == 0 {
		return c.lineWindowChunks(repoID, filePath, content)
	}
	return chunks
}

// syntacticChunks walks the top level of the AST. Export statements
// are unwrapped so that `export function f` chunks under f while the
// chunk text keeps the export keyword.
func (c *Chunker) syntacticChunks(tree *Tree, repoID, filePath string) []store.Chunk {
	var chunks []store.Chunk

	for _, child := range tree.Root.Children {
		span := child
		decl := child
		if child.Type == "export_statement" {
			if inner := exportedDeclaration(child); inner != nil {
				decl = inner
			} else {
				continue
			}
		}

		switch decl.Type {
		case "function_declaration", "generator_function_declaration":
			if name := declarationName(decl, tree.Source); name != "" {
				chunks = append(chunks, c.buildChunk(tree, repoID, filePath, span,
					store.FunctionChunkID(filePath, name), name, store.ChunkKindFunction))
			}
		case "class_declaration":
			if name := declarationName(decl, tree.Source); name != "" {
				chunks = append(chunks, c.buildChunk(tree, repoID, filePath, span,
					store.ClassChunkID(filePath, name), name, store.ChunkKindClass))
			}
		case "lexical_declaration", "variable_declaration":
			for _, name := range functionVariableNames(decl, tree.Source) {
				chunks = append(chunks, c.buildChunk(tree, repoID, filePath, span,
					store.FunctionChunkID(filePath, name), name, store.ChunkKindFunction))
			}
		}
	}
	return chunks
}

// exportedDeclaration digs the declaration out of an export statement.
func exportedDeclaration(export *Node) *Node {
	for _, child := range export.Children {
		switch child.Type {
		case "function_declaration", "generator_function_declaration",
			"class_declaration", "lexical_declaration", "variable_declaration":
			return child
		}
	}
	return nil
}

// declarationName reads the identifier of a function or class
// declaration. TS class names parse as type_identifier.
func declarationName(decl *Node, source []byte) string {
	if id := decl.ChildByType("identifier"); id != nil {
		return id.Content(source)
	}
	if id := decl.ChildByType("type_identifier"); id != nil {
		return id.Content(source)
	}
	return ""
}

// functionVariableNames returns the names of declarators whose value
// is a function or arrow expression, e.g. `const f = () => {}`.
func functionVariableNames(decl *Node, source []byte) []string {
	var names []string
	for _, declarator := range decl.ChildrenByType("variable_declarator") {
		var name string
		var hasFunction bool
		for _, child := range declarator.Children {
			switch child.Type {
			case "identifier":
				name = child.Content(source)
			case "arrow_function", "function", "function_expression", "generator_function":
				hasFunction = true
			}
		}
		if name != "" && hasFunction {
			names = append(names, name)
		}
	}
	return names
}

func (c *Chunker) buildChunk(tree *Tree, repoID, filePath string, span *Node, id, name string, kind store.ChunkKind) store.Chunk {
	return store.Chunk{
		ID:           id,
		RepoID:       repoID,
		FilePath:     filePath,
		FileName:     filepath.Base(filePath),
		FileType:     fileType(filePath),
		FunctionName: name,
		LineStart:    span.StartLine(),
		LineEnd:      span.EndLine(),
		Content:      span.Content(tree.Source),
		Kind:         kind,
	}
}

// lineWindowChunks slices content into fixed windows of lineWindow
// lines each.
func (c *Chunker) lineWindowChunks(repoID, filePath string, content []byte) []store.Chunk {
	lines := strings.Split(string(content), "\n")

	var chunks []store.Chunk
	for i := 0; i < len(lines); i += c.lineWindow {
		end := i + c.lineWindow
		if end > len(lines) {
			end = len(lines)
		}

		start := i + 1
		chunks = append(chunks, store.Chunk{
			ID:        store.LineChunkID(filePath, start, end),
			RepoID:    repoID,
			FilePath:  filePath,
			FileName:  filepath.Base(filePath),
			FileType:  fileType(filePath),
			LineStart: start,
			LineEnd:   end,
			Content:   strings.Join(lines[i:end], "\n"),
			Kind:      store.ChunkKindLines,
		})
	}
	return chunks
}

func fileType(path string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
}

// Preview truncates chunk content for vector metadata.
func Preview(content string, max int) string {
	if max <= 0 {
		max = DefaultPreviewLength
	}
	runes := []rune(content)
	if len(runes) <= max {
		return content
	}
	return string(runes[:max])
}
