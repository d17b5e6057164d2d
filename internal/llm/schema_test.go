package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	serviceerrors "github.com/patchsmith/patchsmith/internal/errors"
	"github.com/patchsmith/patchsmith/internal/sandbox"
)

func TestParseGenerateOutput_DecodesCleanJSON(t *testing.T) {
	raw := `{
		"fileOperations": [
			{"type": "createFile", "path": "src/auth.ts", "content": "export const x = 1;"},
			{"type": "updateFile", "path": "src/main.ts", "searchReplace": [{"search": "old", "replace": "new"}]},
			{"type": "deleteFile", "path": "src/legacy.ts"}
		],
		"shellCommands": ["npm install zod"],
		"explanation": "Adds auth module."
	}`
	out, err := ParseGenerateOutput(raw)
	require.NoError(t, err)

	require.Len(t, out.FileOperations, 3)
	assert.Equal(t, sandbox.OpCreateFile, out.FileOperations[0].Type)
	assert.Equal(t, "src/auth.ts", out.FileOperations[0].Path)
	assert.Equal(t, []string{"npm install zod"}, out.ShellCommands)
	assert.Equal(t, "Adds auth module.", out.Explanation)
}

func TestParseGenerateOutput_StripsMarkdownFence(t *testing.T) {
	raw := "```json\n{\"fileOperations\":[{\"type\":\"rewriteFile\",\"path\":\"a.ts\",\"content\":\"x\"}],\"explanation\":\"e\"}\n```"
	out, err := ParseGenerateOutput(raw)
	require.NoError(t, err)
	assert.Equal(t, "a.ts", out.FileOperations[0].Path)
}

func TestParseGenerateOutput_ToleratesSurroundingProse(t *testing.T) {
	raw := `Here is my plan:
{"fileOperations":[{"type":"createFile","path":"b.ts","content":""}],"explanation":"e"}
Hope this helps!`
	out, err := ParseGenerateOutput(raw)
	require.NoError(t, err)
	assert.Equal(t, "b.ts", out.FileOperations[0].Path)
}

func TestParseGenerateOutput_RejectsUnknownOperationType(t *testing.T) {
	raw := `{"fileOperations":[{"type":"renameFile","path":"a.ts"}],"explanation":"e"}`
	_, err := ParseGenerateOutput(raw)
	require.Error(t, err)
	assert.Equal(t, serviceerrors.ErrCodeInvalidFileOp, serviceerrors.GetCode(err))
	assert.Equal(t, serviceerrors.KindInvalidInput, serviceerrors.KindOf(err))
}

func TestParseGenerateOutput_RejectsEmptyOperations(t *testing.T) {
	_, err := ParseGenerateOutput(`{"fileOperations":[],"explanation":"nothing to do"}`)
	require.Error(t, err)
	assert.Equal(t, serviceerrors.KindInvalidInput, serviceerrors.KindOf(err))
}

func TestParseGenerateOutput_RejectsMissingPath(t *testing.T) {
	_, err := ParseGenerateOutput(`{"fileOperations":[{"type":"createFile","content":"x"}],"explanation":"e"}`)
	require.Error(t, err)
	assert.Equal(t, serviceerrors.ErrCodeInvalidFileOp, serviceerrors.GetCode(err))
}

func TestParseGenerateOutput_RejectsUpdateWithoutSubstitutions(t *testing.T) {
	_, err := ParseGenerateOutput(`{"fileOperations":[{"type":"updateFile","path":"a.ts"}],"explanation":"e"}`)
	require.Error(t, err)
	assert.Equal(t, serviceerrors.ErrCodeInvalidFileOp, serviceerrors.GetCode(err))
}

func TestParseGenerateOutput_RejectsNonJSON(t *testing.T) {
	_, err := ParseGenerateOutput("I cannot make changes to this repository.")
	require.Error(t, err)
	assert.Equal(t, serviceerrors.KindInvalidInput, serviceerrors.KindOf(err))
}
