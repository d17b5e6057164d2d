// Package errors provides structured error handling for Patchsmith.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: invalid input
//   - 2XX: authentication and authorization failures
//   - 3XX: missing resources
//   - 4XX: upstream provider failures (LLM, embeddings, forge, sandbox)
//   - 5XX: validation-loop and index-integrity failures
package errors

import "net/http"

// Kind classifies an error for HTTP mapping and retry decisions.
type Kind string

const (
	// KindInvalidInput covers malformed requests, bad webhook bodies,
	// and clone URLs outside the accepted form.
	KindInvalidInput Kind = "INVALID_INPUT"
	// KindAuthFailure covers bad HMAC signatures, missing sessions,
	// and job-ownership mismatches.
	KindAuthFailure Kind = "AUTH_FAILURE"
	// KindResourceNotFound covers unknown job ids and unindexed repositories.
	KindResourceNotFound Kind = "RESOURCE_NOT_FOUND"
	// KindUpstreamUnavailable covers LLM, embedding, forge, and sandbox
	// provider errors. These are retryable.
	KindUpstreamUnavailable Kind = "UPSTREAM_UNAVAILABLE"
	// KindValidationFailure covers an exhausted generate-validate loop.
	KindValidationFailure Kind = "VALIDATION_FAILURE"
	// KindIntegrityError covers BM25/vector divergence and empty-index
	// results that must not commit meta.
	KindIntegrityError Kind = "INTEGRITY_ERROR"
	// KindInternal covers everything else.
	KindInternal Kind = "INTERNAL"
)

// Error codes organized by kind.
const (
	// Invalid input (100-199)
	ErrCodeInvalidInput    = "ERR_101_INVALID_INPUT"
	ErrCodeInvalidRepoURL  = "ERR_102_INVALID_REPO_URL"
	ErrCodeMalformedEvent  = "ERR_103_MALFORMED_EVENT"
	ErrCodeInvalidFileOp   = "ERR_104_INVALID_FILE_OPERATION"
	ErrCodeMissingRepoID   = "ERR_105_MISSING_REPO_ID"
	ErrCodeInvalidJobInput = "ERR_106_INVALID_JOB_PAYLOAD"

	// Auth (200-299)
	ErrCodeBadSignature      = "ERR_201_BAD_SIGNATURE"
	ErrCodeOwnershipMismatch = "ERR_202_OWNERSHIP_MISMATCH"
	ErrCodeMissingCredential = "ERR_203_MISSING_CREDENTIAL"

	// Not found (300-399)
	ErrCodeJobNotFound      = "ERR_301_JOB_NOT_FOUND"
	ErrCodeRepoNotIndexed   = "ERR_302_REPO_NOT_INDEXED"
	ErrCodeNoInstallation   = "ERR_303_NO_INSTALLATION"
	ErrCodeSandboxNotFound  = "ERR_304_SANDBOX_NOT_FOUND"
	ErrCodeUnknownQueueName = "ERR_305_UNKNOWN_QUEUE"

	// Upstream (400-499)
	ErrCodeLLMUnavailable      = "ERR_401_LLM_UNAVAILABLE"
	ErrCodeEmbedderUnavailable = "ERR_402_EMBEDDER_UNAVAILABLE"
	ErrCodeForgeUnavailable    = "ERR_403_FORGE_UNAVAILABLE"
	ErrCodeSandboxUnavailable  = "ERR_404_SANDBOX_UNAVAILABLE"
	ErrCodeCloneFailed         = "ERR_405_CLONE_FAILED"

	// Validation and integrity (500-599)
	ErrCodeValidationExhausted = "ERR_501_VALIDATION_EXHAUSTED"
	ErrCodeIndexDivergence     = "ERR_502_INDEX_DIVERGENCE"
	ErrCodeEmptyIndex          = "ERR_503_EMPTY_INDEX"
	ErrCodeInternal            = "ERR_504_INTERNAL"
)

// RepoNotIndexedMessage is the pipeline-level failure text for generation
// against a repository with no committed index meta.
const RepoNotIndexedMessage = "Repository may not be indexed yet"

// kindFromCode extracts the kind from the numeric range of an error code.
func kindFromCode(code string) Kind {
	if len(code) < 7 {
		return KindInternal
	}

	switch code[4] {
	case '1':
		return KindInvalidInput
	case '2':
		return KindAuthFailure
	case '3':
		return KindResourceNotFound
	case '4':
		return KindUpstreamUnavailable
	case '5':
		if code == ErrCodeInternal {
			return KindInternal
		}
		if code == ErrCodeIndexDivergence || code == ErrCodeEmptyIndex {
			return KindIntegrityError
		}
		return KindValidationFailure
	default:
		return KindInternal
	}
}

// isRetryableKind reports whether errors of this kind should be retried by
// the queue with backoff. Only upstream provider failures qualify.
func isRetryableKind(kind Kind) bool {
	return kind == KindUpstreamUnavailable
}

// HTTPStatus maps an error kind to the status returned at the HTTP edge.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindAuthFailure:
		return http.StatusForbidden
	case KindResourceNotFound:
		return http.StatusNotFound
	case KindUpstreamUnavailable:
		return http.StatusBadGateway
	case KindValidationFailure:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
