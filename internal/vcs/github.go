package vcs

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	gh "github.com/google/go-github/v60/github"
	"github.com/rs/zerolog"

	apierrors "github.com/ajfrai/agent-queue/internal/errors"
	"github.com/ajfrai/agent-queue/internal/retry"
	"github.com/ajfrai/agent-queue/pkg/tokenstore"
)

var githubRemotePattern = regexp.MustCompile(`github\.com[:/]([^/]+)/(.+?)(?:\.git)?/?$`)

// ParseGitHubRemote extracts owner/repo from a GitHub origin URL, accepting
// both SSH (git@github.com:owner/repo.git) and HTTPS
// (https://github.com/owner/repo.git) forms.
func ParseGitHubRemote(originURL string) (owner, repo string, err error) {
	m := githubRemotePattern.FindStringSubmatch(strings.TrimSpace(originURL))
	if m == nil {
		return "", "", fmt.Errorf("not a recognizable github remote: %q", originURL)
	}
	return m[1], m[2], nil
}

const installationTokenTTL = 55 * time.Minute

// ghPRCreator authenticates as a GitHub App installation and opens pull
// requests through the REST API.
type ghPRCreator struct {
	appID          int64
	installationID int64
	privateKey     *rsa.PrivateKey
	tokenStore     tokenstore.Store
	httpClient     *http.Client
	logger         zerolog.Logger
}

// NewGitHubPRCreator builds a ghPRCreator from a GitHub App's id,
// installation id, and PEM-encoded private key path.
func NewGitHubPRCreator(appID, installationID int64, privateKeyPath string, store tokenstore.Store, logger zerolog.Logger) (*ghPRCreator, error) {
	keyData, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading github app private key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(keyData)
	if err != nil {
		return nil, fmt.Errorf("parsing github app private key: %w", err)
	}

	return &ghPRCreator{
		appID:          appID,
		installationID: installationID,
		privateKey:     key,
		tokenStore:     store,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		logger:         logger.With().Str("component", "vcs.github").Logger(),
	}, nil
}

func (c *ghPRCreator) generateJWT() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
		Issuer:    fmt.Sprintf("%d", c.appID),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(c.privateKey)
	if err != nil {
		return "", fmt.Errorf("signing github app jwt: %w", err)
	}
	return signed, nil
}

type installationTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (c *ghPRCreator) installationToken(ctx context.Context) (string, error) {
	const cacheKey = "github_installation_token"

	if tok, err := c.tokenStore.Get(ctx, cacheKey); err == nil {
		return tok.Value, nil
	}

	jwtToken, err := c.generateJWT()
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("https://api.github.com/app/installations/%d/access_tokens", c.installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", fmt.Errorf("building installation token request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+jwtToken)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("requesting installation token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return "", apierrors.NewAPIError("github", resp.StatusCode, string(body))
	}

	var tokenResp installationTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("decoding installation token response: %w", err)
	}

	if err := c.tokenStore.Set(ctx, cacheKey, tokenResp.Token, installationTokenTTL); err != nil {
		c.logger.Warn().Err(err).Msg("failed to cache installation token")
	}

	return tokenResp.Token, nil
}

type ghTokenTransport struct {
	token string
	base  http.RoundTripper
}

func (t *ghTokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req2 := req.Clone(req.Context())
	req2.Header.Set("Authorization", "token "+t.token)
	return t.base.RoundTrip(req2)
}

func (c *ghPRCreator) client(ctx context.Context) (*gh.Client, error) {
	token, err := c.installationToken(ctx)
	if err != nil {
		return nil, err
	}
	return gh.NewClient(&http.Client{
		Transport: &ghTokenTransport{token: token, base: http.DefaultTransport},
		Timeout:   30 * time.Second,
	}), nil
}

// createPR opens a pull request from head onto base and returns its URL.
// 429, 500, 502, 503 and 504 responses are retried with backoff; anything
// else fails immediately.
func (c *ghPRCreator) createPR(ctx context.Context, owner, repo, head, base, title, body string) (string, error) {
	var prURL string
	err := retry.Do(ctx, retry.DefaultConfig(), func(ctx context.Context) error {
		client, err := c.client(ctx)
		if err != nil {
			return fmt.Errorf("getting github client: %w", err)
		}

		pr, resp, err := client.PullRequests.Create(ctx, owner, repo, &gh.NewPullRequest{
			Title: gh.String(title),
			Body:  gh.String(body),
			Head:  gh.String(head),
			Base:  gh.String(base),
		})
		if err != nil {
			if resp != nil {
				return apierrors.NewAPIError("github", resp.StatusCode, err.Error())
			}
			return fmt.Errorf("creating pull request: %w", err)
		}

		prURL = pr.GetHTMLURL()
		return nil
	})
	if err != nil {
		return "", err
	}
	return prURL, nil
}
