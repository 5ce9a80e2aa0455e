// Package githubapp authenticates as a GitHub App. The app JWT is only
// good for app-level endpoints; repository calls use a short-lived
// installation token exchanged through the installations API.
package githubapp

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	gogithub "github.com/google/go-github/v68/github"

	"github.com/CosmoTheDev/sdlc-agent/internal/config"
)

// AppAuth mints app JWTs and exchanges them for installation tokens for a
// single GitHub App identity.
type AppAuth struct {
	appID   string
	keyPath string
	apiBase string
}

// New creates an AppAuth from a GitHub App config block.
func New(cfg config.GitHubAppConfig, apiBase string) *AppAuth {
	return &AppAuth{
		appID:   cfg.AppID,
		keyPath: cfg.AppPrivateKeyPath,
		apiBase: apiBase,
	}
}

// AppID returns the configured App identifier.
func (a *AppAuth) AppID() string { return a.appID }

// AppJWT signs a short-lived RS256 JWT for app-level API calls. GitHub
// caps the TTL at 10 minutes; iat is backdated to absorb clock skew.
func (a *AppAuth) AppJWT() (string, error) {
	if a.keyPath == "" {
		return "", fmt.Errorf("github app private key path is not configured")
	}
	pem, err := os.ReadFile(a.keyPath)
	if err != nil {
		return "", fmt.Errorf("reading app private key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pem)
	if err != nil {
		return "", fmt.Errorf("parsing app private key: %w", err)
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-30 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
		Issuer:    a.appID,
	})
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("signing app jwt: %w", err)
	}
	return signed, nil
}

// InstallationToken looks up the App installation for repo (owner/name)
// and creates a repository-scoped installation token.
func (a *AppAuth) InstallationToken(ctx context.Context, repo string) (string, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return "", err
	}

	appJWT, err := a.AppJWT()
	if err != nil {
		return "", err
	}
	client, err := a.appClient(appJWT)
	if err != nil {
		return "", err
	}

	inst, _, err := client.Apps.FindRepositoryInstallation(ctx, owner, name)
	if err != nil {
		return "", fmt.Errorf("finding installation for %s: %w", repo, err)
	}
	tok, _, err := client.Apps.CreateInstallationToken(ctx, inst.GetID(), nil)
	if err != nil {
		return "", fmt.Errorf("creating installation token for %s: %w", repo, err)
	}
	return tok.GetToken(), nil
}

func (a *AppAuth) appClient(appJWT string) (*gogithub.Client, error) {
	hc := &http.Client{
		Timeout:   30 * time.Second,
		Transport: &bearerTransport{token: appJWT},
	}
	client := gogithub.NewClient(hc)
	if a.apiBase != "" && a.apiBase != "https://api.github.com" {
		var err error
		client, err = client.WithEnterpriseURLs(a.apiBase, a.apiBase)
		if err != nil {
			return nil, fmt.Errorf("configuring GitHub API base: %w", err)
		}
	}
	return client, nil
}

// bearerTransport injects the app JWT. oauth2's token source is not used
// here because the JWT is self-issued, not fetched from an endpoint.
type bearerTransport struct {
	token string
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+t.token)
	return http.DefaultTransport.RoundTrip(clone)
}

func splitRepo(repo string) (owner, name string, err error) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo full name %q", repo)
	}
	return parts[0], parts[1], nil
}
