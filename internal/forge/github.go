// Package forge talks to GitHub as a GitHub App: installation access
// tokens minted on demand with renew-on-use caching, pull request
// creation, default-branch lookup, and the clone-URL credential
// rewrite used for pushes.
package forge

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/go-github/v62/github"
	"golang.org/x/oauth2"

	serviceerrors "github.com/patchsmith/patchsmith/internal/errors"
	"github.com/patchsmith/patchsmith/internal/store"
)

// Config configures the GitHub App identity.
type Config struct {
	AppID int64
	// PrivateKey is the app's RS256 signing key in PEM form.
	PrivateKey []byte
	// APIBaseURL overrides the GitHub API endpoint (tests, GHE).
	APIBaseURL string
	// Retry shapes the backoff for token minting. Zero value uses the
	// default retry config.
	Retry serviceerrors.RetryConfig
}

// InstallationLookup resolves which installation covers a repository.
type InstallationLookup interface {
	InstallationForRepo(ctx context.Context, fullName string) (int64, error)
}

// GitHubApp is the app-authenticated GitHub client.
type GitHubApp struct {
	appID    int64
	key      *rsa.PrivateKey
	baseURL  string
	registry InstallationLookup
	retry    serviceerrors.RetryConfig

	mu     sync.Mutex
	tokens map[int64]cachedToken
}

// NewGitHubApp creates the provider from the app credentials.
func NewGitHubApp(cfg Config, registry InstallationLookup) (*GitHubApp, error) {
	if cfg.AppID == 0 {
		return nil, fmt.Errorf("github app id is required")
	}
	if len(cfg.PrivateKey) == 0 {
		return nil, fmt.Errorf("github app private key is required")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse github app private key: %w", err)
	}
	if registry == nil {
		return nil, fmt.Errorf("github app requires an installation registry")
	}
	retry := cfg.Retry
	if retry == (serviceerrors.RetryConfig{}) {
		retry = serviceerrors.DefaultRetryConfig()
	}
	return &GitHubApp{
		appID:    cfg.AppID,
		key:      key,
		baseURL:  cfg.APIBaseURL,
		registry: registry,
		retry:    retry,
		tokens:   make(map[int64]cachedToken),
	}, nil
}

// restClient builds a go-github client bound to one bearer token.
func (g *GitHubApp) restClient(ctx context.Context, token string) (*github.Client, error) {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	client := github.NewClient(oauth2.NewClient(ctx, src))
	if g.baseURL == "" {
		return client, nil
	}
	client, err := client.WithEnterpriseURLs(g.baseURL, g.baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to set github base url: %w", err)
	}
	return client, nil
}

// TokenForRepo resolves the installation covering a repository and
// returns a live token for it.
func (g *GitHubApp) TokenForRepo(ctx context.Context, fullName string) (string, int64, error) {
	installationID, err := g.registry.InstallationForRepo(ctx, fullName)
	if errors.Is(err, store.ErrInstallationNotFound) {
		return "", 0, serviceerrors.New(serviceerrors.ErrCodeNoInstallation,
			fmt.Sprintf("no app installation covers %s", fullName), err)
	}
	if err != nil {
		return "", 0, err
	}
	token, err := g.InstallationToken(ctx, installationID)
	if err != nil {
		return "", 0, err
	}
	return token, installationID, nil
}

// PullRequestParams describes the pull request to open.
type PullRequestParams struct {
	Title string
	Head  string
	Base  string
	Body  string
}

// PullRequest is the created pull request's identity.
type PullRequest struct {
	Number int
	URL    string
}

// CreatePullRequest opens a pull request with the given installation
// token.
func (g *GitHubApp) CreatePullRequest(ctx context.Context, token, owner, repo string, params PullRequestParams) (*PullRequest, error) {
	client, err := g.restClient(ctx, token)
	if err != nil {
		return nil, err
	}
	pr, _, err := client.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: github.String(params.Title),
		Head:  github.String(params.Head),
		Base:  github.String(params.Base),
		Body:  github.String(params.Body),
	})
	if err != nil {
		return nil, serviceerrors.Upstream(serviceerrors.ErrCodeForgeUnavailable,
			fmt.Sprintf("failed to create pull request for %s/%s", owner, repo), err)
	}
	return &PullRequest{Number: pr.GetNumber(), URL: pr.GetHTMLURL()}, nil
}

// DefaultBranch looks up the repository's default branch.
func (g *GitHubApp) DefaultBranch(ctx context.Context, token, owner, repo string) (string, error) {
	client, err := g.restClient(ctx, token)
	if err != nil {
		return "", err
	}
	repository, _, err := client.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return "", serviceerrors.Upstream(serviceerrors.ErrCodeForgeUnavailable,
			fmt.Sprintf("failed to look up %s/%s", owner, repo), err)
	}
	return repository.GetDefaultBranch(), nil
}

// AuthenticatedCloneURL injects an installation token into an HTTPS
// clone URL in the form GitHub expects for app pushes.
func AuthenticatedCloneURL(cloneURL, token string) (string, error) {
	u, err := url.Parse(cloneURL)
	if err != nil {
		return "", serviceerrors.InvalidInput(fmt.Sprintf("invalid clone url %q", cloneURL), err)
	}
	if u.Scheme != "https" {
		return "", serviceerrors.InvalidInput(fmt.Sprintf("clone url %q is not https", cloneURL), nil)
	}
	u.User = url.UserPassword("x-access-token", token)
	return u.String(), nil
}

// SplitRepoURL extracts owner and repository name from a GitHub HTTPS
// clone URL.
func SplitRepoURL(cloneURL string) (string, string, error) {
	if err := serviceerrors.ValidateCloneURL(cloneURL); err != nil {
		return "", "", err
	}
	u, err := url.Parse(cloneURL)
	if err != nil {
		return "", "", serviceerrors.InvalidInput(fmt.Sprintf("invalid clone url %q", cloneURL), err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) != 2 {
		return "", "", serviceerrors.InvalidInput(fmt.Sprintf("clone url %q is not owner/repo", cloneURL), nil)
	}
	return parts[0], strings.TrimSuffix(parts[1], ".git"), nil
}
