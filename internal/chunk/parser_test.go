package chunk

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParser_ParseJavaScript(t *testing.T) {
	p := NewParser()
	defer p.Close()

	source := []byte("function add(a, b) { return a + b; }")
	tree, err := p.Parse(context.Background(), source, "javascript")
	require.NoError(t, err)
	require.NotNil(t, tree.Root)

	assert.Equal(t, "program", tree.Root.Type)

	fn := tree.Root.ChildByType("function_declaration")
	require.NotNil(t, fn)

	id := fn.ChildByType("identifier")
	require.NotNil(t, id)
	assert.Equal(t, "add", id.Content(source))
	assert.Equal(t, 1, fn.StartLine())
	assert.Equal(t, 1, fn.EndLine())
}

func TestParser_UnsupportedLanguage(t *testing.T) {
	p := NewParser()
	defer p.Close()

	_, err := p.Parse(context.Background(), []byte("puts 'hi'"), "ruby")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported language")
}

func TestNode_Walk(t *testing.T) {
	p := NewParser()
	defer p.Close()

	tree, err := p.Parse(context.Background(), []byte("const x = 1;"), "javascript")
	require.NoError(t, err)

	var types []string
	tree.Root.Walk(func(n *Node) bool {
		types = append(types, n.Type)
		return true
	})

	assert.Contains(t, types, "lexical_declaration")
	assert.Contains(t, types, "variable_declarator")
}

func TestLanguageRegistry_LanguageForPath(t *testing.T) {
	r := DefaultRegistry()

	tests := []struct {
		path     string
		lang     string
		expected bool
	}{
		{"src/index.ts", "typescript", true},
		{"src/App.tsx", "tsx", true},
		{"src/legacy.js", "javascript", true},
		{"src/Widget.jsx", "jsx", true},
		{"src/mod.mjs", "javascript", true},
		{"README.md", "", false},
		{"main.go", "", false},
	}

	for _, tt := range tests {
		lang, ok := r.LanguageForPath(tt.path)
		assert.Equal(t, tt.expected, ok, tt.path)
		assert.Equal(t, tt.lang, lang, tt.path)
	}
}
