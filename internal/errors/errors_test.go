package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DerivesKindFromCode(t *testing.T) {
	tests := []struct {
		code      string
		wantKind  Kind
		retryable bool
	}{
		{ErrCodeInvalidRepoURL, KindInvalidInput, false},
		{ErrCodeBadSignature, KindAuthFailure, false},
		{ErrCodeRepoNotIndexed, KindResourceNotFound, false},
		{ErrCodeLLMUnavailable, KindUpstreamUnavailable, true},
		{ErrCodeValidationExhausted, KindValidationFailure, false},
		{ErrCodeIndexDivergence, KindIntegrityError, false},
		{ErrCodeEmptyIndex, KindIntegrityError, false},
		{ErrCodeInternal, KindInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := New(tt.code, "boom", nil)
			assert.Equal(t, tt.wantKind, err.Kind)
			assert.Equal(t, tt.retryable, err.Retryable)
		})
	}
}

func TestError_FormatAndUnwrap(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := New(ErrCodeForgeUnavailable, "forge call failed", cause)

	assert.Equal(t, "[ERR_403_FORGE_UNAVAILABLE] forge call failed", err.Error())
	assert.Equal(t, cause, stderrors.Unwrap(err))
	assert.True(t, stderrors.Is(err, New(ErrCodeForgeUnavailable, "other text", nil)))
	assert.False(t, stderrors.Is(err, New(ErrCodeLLMUnavailable, "other text", nil)))
}

func TestWrap_NilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(ErrCodeInternal, nil))
}

func TestKindOf_ThroughWrapping(t *testing.T) {
	inner := RepoNotIndexed("repo-1")
	wrapped := fmt.Errorf("pipeline: %w", inner)

	assert.Equal(t, KindResourceNotFound, KindOf(wrapped))
	assert.Equal(t, ErrCodeRepoNotIndexed, GetCode(wrapped))
	assert.Equal(t, KindInternal, KindOf(fmt.Errorf("plain")))
}

func TestRepoNotIndexed_MessageAndDetail(t *testing.T) {
	err := RepoNotIndexed("owner/repo")
	assert.Equal(t, RepoNotIndexedMessage, err.Message)
	assert.Equal(t, "owner/repo", err.Details["repo_id"])
}

func TestHTTPStatusMapping(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, KindInvalidInput.HTTPStatus())
	assert.Equal(t, http.StatusForbidden, KindAuthFailure.HTTPStatus())
	assert.Equal(t, http.StatusNotFound, KindResourceNotFound.HTTPStatus())
	assert.Equal(t, http.StatusBadGateway, KindUpstreamUnavailable.HTTPStatus())
	assert.Equal(t, http.StatusUnprocessableEntity, KindValidationFailure.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, KindInternal.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, KindIntegrityError.HTTPStatus())
}

func TestValidateCloneURL(t *testing.T) {
	valid := []string{
		"https://github.com/octocat/hello-world",
		"https://github.com/octocat/hello-world.git",
		"https://github.com/some-org/repo.name-v2",
	}
	for _, url := range valid {
		assert.NoError(t, ValidateCloneURL(url), url)
	}

	invalid := []string{
		"http://github.com/octocat/hello-world",
		"https://gitlab.com/octocat/hello-world",
		"https://github.com/octocat",
		"git@github.com:octocat/hello-world.git",
		"https://github.com/octocat/hello world",
		"https://github.com/octocat/repo/extra",
	}
	for _, url := range invalid {
		err := ValidateCloneURL(url)
		require.Error(t, err, url)
		assert.Equal(t, KindInvalidInput, KindOf(err))
	}
}

func TestFormatJSON(t *testing.T) {
	err := New(ErrCodeOwnershipMismatch, "job belongs to another user", nil).
		WithDetail("job_id", "j1")

	data, jerr := FormatJSON(err)
	require.NoError(t, jerr)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "ERR_202_OWNERSHIP_MISMATCH", decoded["code"])
	assert.Equal(t, "AUTH_FAILURE", decoded["kind"])
	assert.Equal(t, "job belongs to another user", decoded["message"])
}

func TestFormatForLog_PlainError(t *testing.T) {
	m := FormatForLog(fmt.Errorf("plain failure"))
	assert.Equal(t, "plain failure", m["error"])
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	cfg := RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2.0}

	err := Retry(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return New(ErrCodeLLMUnavailable, "transient", nil)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_NonRetryableAbortsImmediately(t *testing.T) {
	calls := 0
	cfg := RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2.0}

	err := Retry(context.Background(), cfg, func() error {
		calls++
		return New(ErrCodeInvalidRepoURL, "bad url", nil)
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, KindInvalidInput, KindOf(err))
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	cfg := RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2.0}

	err := Retry(context.Background(), cfg, func() error {
		calls++
		return fmt.Errorf("always fails")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls) // initial + 2 retries
	assert.Contains(t, err.Error(), "failed after 2 retries")
}

func TestRetry_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := RetryConfig{MaxRetries: 5, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1.0}
	err := Retry(ctx, cfg, func() error { return fmt.Errorf("nope") })

	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryWithResult_ReturnsValue(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1.0}
	calls := 0

	got, err := RetryWithResult(context.Background(), cfg, func() (int, error) {
		calls++
		if calls == 1 {
			return 0, fmt.Errorf("transient")
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, got)
}
