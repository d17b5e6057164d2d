package forge

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/go-github/v62/github"

	serviceerrors "github.com/patchsmith/patchsmith/internal/errors"
)

// tokenRenewalMargin renews installation tokens this long before their
// reported expiry so in-flight clones never race the cutoff.
const tokenRenewalMargin = 5 * time.Minute

// appJWTLifetime stays under GitHub's ten minute maximum.
const appJWTLifetime = 9 * time.Minute

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// appJWT mints the short-lived RS256 token GitHub requires for
// app-level API calls. IssuedAt is backdated a minute to absorb clock
// drift.
func (g *GitHubApp) appJWT(now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    strconv.FormatInt(g.appID, 10),
		IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(now.Add(appJWTLifetime)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(g.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign app jwt: %w", err)
	}
	return signed, nil
}

// InstallationToken returns a live access token for an installation,
// minting a fresh one when the cached token is missing or near expiry.
func (g *GitHubApp) InstallationToken(ctx context.Context, installationID int64) (string, error) {
	g.mu.Lock()
	cached, ok := g.tokens[installationID]
	g.mu.Unlock()
	if ok && time.Now().Before(cached.expiresAt.Add(-tokenRenewalMargin)) {
		return cached.token, nil
	}

	appToken, err := g.appJWT(time.Now())
	if err != nil {
		return "", err
	}
	client, err := g.restClient(ctx, appToken)
	if err != nil {
		return "", err
	}

	// Minting retries transient upstream failures with backoff.
	token, err := serviceerrors.RetryWithResult(ctx, g.retry, func() (*github.InstallationToken, error) {
		tok, _, err := client.Apps.CreateInstallationToken(ctx, installationID, nil)
		if err != nil {
			return nil, serviceerrors.Upstream(serviceerrors.ErrCodeForgeUnavailable,
				fmt.Sprintf("failed to create token for installation %d", installationID), err)
		}
		return tok, nil
	})
	if err != nil {
		return "", err
	}

	entry := cachedToken{token: token.GetToken()}
	if expires := token.GetExpiresAt(); !expires.IsZero() {
		entry.expiresAt = expires.Time
	} else {
		entry.expiresAt = time.Now().Add(time.Hour)
	}

	g.mu.Lock()
	g.tokens[installationID] = entry
	g.mu.Unlock()

	slog.Debug("installation_token_renewed",
		slog.Int64("installation_id", installationID),
		slog.Time("expires_at", entry.expiresAt))
	return entry.token, nil
}
