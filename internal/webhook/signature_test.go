package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	serviceerrors "github.com/patchsmith/patchsmith/internal/errors"
)

func TestVerifySignature_AcceptsValidSignature(t *testing.T) {
	body := []byte(`{"ref":"refs/heads/main"}`)
	sig := Sign("topsecret", body)

	require.NoError(t, VerifySignature("topsecret", sig, body))
}

func TestVerifySignature_RejectsTamperedBody(t *testing.T) {
	body := []byte(`{"ref":"refs/heads/main"}`)
	sig := Sign("topsecret", body)

	err := VerifySignature("topsecret", sig, []byte(`{"ref":"refs/heads/evil"}`))
	require.Error(t, err)
	assert.Equal(t, serviceerrors.ErrCodeBadSignature, serviceerrors.GetCode(err))
	assert.Equal(t, serviceerrors.KindAuthFailure, serviceerrors.KindOf(err))
}

func TestVerifySignature_RejectsWrongSecret(t *testing.T) {
	body := []byte(`{}`)
	sig := Sign("other", body)

	err := VerifySignature("topsecret", sig, body)
	require.Error(t, err)
	assert.Equal(t, serviceerrors.ErrCodeBadSignature, serviceerrors.GetCode(err))
}

func TestVerifySignature_RejectsMissingPrefix(t *testing.T) {
	err := VerifySignature("topsecret", "deadbeef", []byte(`{}`))
	require.Error(t, err)
	assert.Equal(t, serviceerrors.ErrCodeBadSignature, serviceerrors.GetCode(err))
}

func TestVerifySignature_RejectsMalformedDigest(t *testing.T) {
	err := VerifySignature("topsecret", "sha256=not-hex", []byte(`{}`))
	require.Error(t, err)
	assert.Equal(t, serviceerrors.ErrCodeBadSignature, serviceerrors.GetCode(err))
}

func TestVerifySignature_RequiresConfiguredSecret(t *testing.T) {
	body := []byte(`{}`)
	err := VerifySignature("", Sign("", body), body)
	require.Error(t, err)
	assert.Equal(t, serviceerrors.ErrCodeMissingCredential, serviceerrors.GetCode(err))
}
