package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	serviceerrors "github.com/patchsmith/patchsmith/internal/errors"
)

func TestIndexCmd_RequiresRepoURL(t *testing.T) {
	cmd := NewRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"index"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}

func TestIndexCmd_RejectsNonGitHubURL(t *testing.T) {
	// URL validation runs before anything touches Redis, so a bad repo
	// fails fast without infrastructure.
	cmd := NewRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"index", "https://gitlab.com/acme/widgets"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, serviceerrors.ErrCodeInvalidRepoURL, serviceerrors.GetCode(err))
}
