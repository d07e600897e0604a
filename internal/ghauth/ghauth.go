// Package ghauth mints short-lived GitHub App installation tokens
// (spec.md §4.2): a JWT signed with the App's private key authenticates
// as the App itself, which is then exchanged for a per-installation
// access token, used as HTTPS basic-auth credentials for git fetches and
// as the bearer token of the github-status notifier.
package ghauth

import (
	"context"
	"crypto/rsa"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-github/v31/github"
	"golang.org/x/oauth2"
)

// jwtTTL and clockSkew match spec.md §4.2's algorithm exactly: iat is
// backdated 60s to tolerate clock drift with GitHub's servers, exp is
// capped at 9 minutes (GitHub rejects anything over 10).
const (
	clockSkew       = 60 * time.Second
	jwtTTL          = 9 * time.Minute
	refreshMargin   = 2 * time.Minute
	maxAuthAttempts = 3
)

// cachedToken is one installation's access token plus its expiry.
type cachedToken struct {
	token     string
	expiresAt time.Time
}

func (c cachedToken) fresh(now time.Time) bool {
	return c.token != "" && c.expiresAt.Sub(now) >= refreshMargin
}

// Minter mints and caches GitHub App installation tokens for one App ID
// and private key. Safe for concurrent use; tasks sharing a GitHub App
// configuration share a Minter so the installation-token cache is
// effective across tasks (spec.md §4.2).
type Minter struct {
	appID      int64
	privateKey *rsa.PrivateKey

	mu     sync.Mutex
	byRepo map[string]cachedToken // "owner/repo" -> token
}

// NewMinter loads the App's RSA private key from keyFile (PEM-encoded,
// PKCS#1 or PKCS#8) and returns a Minter ready to mint tokens.
func NewMinter(appID int64, keyFile string) (*Minter, error) {
	pem, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("reading github app private key %s: %w", keyFile, err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("parsing github app private key %s: %w", keyFile, err)
	}
	return &Minter{
		appID:      appID,
		privateKey: key,
		byRepo:     map[string]cachedToken{},
	}, nil
}

// Token returns a valid installation access token for owner/repo,
// minting and caching a fresh one if necessary (spec.md §4.2).
func (m *Minter) Token(ctx context.Context, owner, repo string) (string, error) {
	key := owner + "/" + repo

	m.mu.Lock()
	if cached, ok := m.byRepo[key]; ok && cached.fresh(time.Now()) {
		tok := cached.token
		m.mu.Unlock()
		return tok, nil
	}
	m.mu.Unlock()

	tok, expiresAt, err := m.exchange(ctx, owner, repo)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.byRepo[key] = cachedToken{token: tok, expiresAt: expiresAt}
	m.mu.Unlock()
	return tok, nil
}

// exchange performs the two-call App→installation-token exchange,
// wrapped in a short bounded retry so one dropped connection to
// api.github.com doesn't fail an otherwise-healthy task. This is
// retrying within a single auth exchange, distinct from (and much
// tighter than) the scheduler-level backoff.
func (m *Minter) exchange(ctx context.Context, owner, repo string) (string, time.Time, error) {
	jwtClient, err := m.appClient()
	if err != nil {
		return "", time.Time{}, err
	}

	var token string
	var expiresAt time.Time
	op := func() error {
		installation, _, err := jwtClient.Apps.FindRepositoryInstallation(ctx, owner, repo)
		if err != nil {
			return fmt.Errorf("finding installation for %s/%s: %w", owner, repo, err)
		}
		at, _, err := jwtClient.Apps.CreateInstallationToken(ctx, installation.GetID(), nil)
		if err != nil {
			return fmt.Errorf("creating installation token for %s/%s: %w", owner, repo, err)
		}
		token = at.GetToken()
		expiresAt = at.GetExpiresAt()
		return nil
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxAuthAttempts-1)
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// appClient builds a go-github client authenticated as the App itself
// (not an installation) via the freshly minted JWT.
func (m *Minter) appClient() (*github.Client, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-clockSkew)),
		ExpiresAt: jwt.NewNumericDate(now.Add(jwtTTL)),
		Issuer:    fmt.Sprintf("%d", m.appID),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(m.privateKey)
	if err != nil {
		return nil, fmt.Errorf("signing github app jwt: %w", err)
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: signed, TokenType: "Bearer"})
	return github.NewClient(oauth2.NewClient(context.Background(), ts)), nil
}
