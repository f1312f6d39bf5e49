package git

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultGitHubAPIBaseURL = "https://api.github.com"

// AppTokenResult holds an exchanged GitHub App installation token.
type AppTokenResult struct {
	Token     string
	ExpiresAt time.Time
}

// ExchangeGitHubAppToken mints a short-lived app JWT from the PEM-encoded
// private key and exchanges it for an installation access token. The token
// is scoped to the installation and expires after about an hour; callers
// re-exchange per fetch rather than caching.
func ExchangeGitHubAppToken(ctx context.Context, pemBytes []byte, appID, installationID int64, apiBaseURL string) (*AppTokenResult, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("parsing GitHub App private key: %w", err)
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		// Backdated to absorb clock drift between us and GitHub.
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
		Issuer:    fmt.Sprintf("%d", appID),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return nil, fmt.Errorf("signing app JWT: %w", err)
	}

	if apiBaseURL == "" {
		apiBaseURL = defaultGitHubAPIBaseURL
	}
	endpoint := fmt.Sprintf("%s/app/installations/%d/access_tokens", apiBaseURL, installationID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+signed)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting installation token: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading token response: %w", err)
	}
	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("token exchange returned %d: %s", resp.StatusCode, string(body))
	}

	var payload struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decoding token response: %w", err)
	}
	if payload.Token == "" {
		return nil, fmt.Errorf("token exchange returned an empty token")
	}

	return &AppTokenResult{Token: payload.Token, ExpiresAt: payload.ExpiresAt}, nil
}
