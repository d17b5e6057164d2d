package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	serviceerrors "github.com/patchsmith/patchsmith/internal/errors"
	"github.com/patchsmith/patchsmith/internal/sandbox"
)

// GenerateOutput is the structured reply of a generation call.
type GenerateOutput struct {
	FileOperations []sandbox.FileOperation `json:"fileOperations"`
	ShellCommands  []string                `json:"shellCommands,omitempty"`
	Explanation    string                  `json:"explanation"`
}

// ParseGenerateOutput decodes and validates a model reply. Markdown
// fences and prose around the JSON object are tolerated; a reply with
// no operations, a pathless operation, or an unknown operation type is
// rejected so the loop can re-prompt instead of applying garbage.
func ParseGenerateOutput(raw string) (*GenerateOutput, error) {
	text := extractJSONObject(raw)
	if text == "" {
		return nil, serviceerrors.InvalidInput("llm reply contains no JSON object", nil)
	}

	var out GenerateOutput
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, serviceerrors.InvalidInput("failed to decode generation output", err)
	}
	if len(out.FileOperations) == 0 {
		return nil, serviceerrors.InvalidInput("generation output has no file operations", nil)
	}

	for i, op := range out.FileOperations {
		switch op.Type {
		case sandbox.OpCreateFile, sandbox.OpRewriteFile, sandbox.OpUpdateFile, sandbox.OpDeleteFile:
		default:
			return nil, serviceerrors.New(serviceerrors.ErrCodeInvalidFileOp,
				fmt.Sprintf("unknown file operation type %q", op.Type), nil)
		}
		if op.Path == "" {
			return nil, serviceerrors.New(serviceerrors.ErrCodeInvalidFileOp,
				fmt.Sprintf("file operation %d has no path", i), nil)
		}
		if op.Type == sandbox.OpUpdateFile && len(op.SearchReplace) == 0 {
			return nil, serviceerrors.New(serviceerrors.ErrCodeInvalidFileOp,
				fmt.Sprintf("updateFile for %s has no substitutions", op.Path), nil)
		}
	}
	return &out, nil
}

// extractJSONObject returns the outermost JSON object in a reply,
// stripping a surrounding markdown fence if present.
func extractJSONObject(raw string) string {
	s := strings.TrimSpace(raw)
	if after, ok := strings.CutPrefix(s, "```json"); ok {
		s = after
	} else if after, ok := strings.CutPrefix(s, "```"); ok {
		s = after
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}
