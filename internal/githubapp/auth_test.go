package githubapp

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/CosmoTheDev/sdlc-agent/internal/config"
)

func writeTestKey(t *testing.T) (path string, pub *rsa.PublicKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}
	path = filepath.Join(t.TempDir(), "app.pem")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("writing key: %v", err)
	}
	return path, &key.PublicKey
}

func TestAppJWTClaims(t *testing.T) {
	keyPath, pub := writeTestKey(t)
	a := New(config.GitHubAppConfig{AppID: "12345", AppPrivateKeyPath: keyPath}, "")

	signed, err := a.AppJWT()
	if err != nil {
		t.Fatalf("AppJWT: %v", err)
	}

	var claims jwt.RegisteredClaims
	tok, err := jwt.ParseWithClaims(signed, &claims, func(tok *jwt.Token) (any, error) {
		return pub, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		t.Fatalf("parsing signed jwt: %v", err)
	}
	if !tok.Valid {
		t.Fatal("token not valid")
	}
	if claims.Issuer != "12345" {
		t.Fatalf("iss = %q", claims.Issuer)
	}

	now := time.Now()
	if !claims.IssuedAt.Before(now) {
		t.Fatalf("iat %v should be backdated", claims.IssuedAt)
	}
	ttl := claims.ExpiresAt.Sub(now)
	if ttl <= 0 || ttl > 10*time.Minute {
		t.Fatalf("exp ttl = %v, want under GitHub's 10 minute cap", ttl)
	}
}

func TestAppJWTMissingKey(t *testing.T) {
	a := New(config.GitHubAppConfig{AppID: "1"}, "")
	if _, err := a.AppJWT(); err == nil {
		t.Fatal("want error when key path unset")
	}

	a = New(config.GitHubAppConfig{AppID: "1", AppPrivateKeyPath: "/nonexistent.pem"}, "")
	if _, err := a.AppJWT(); err == nil {
		t.Fatal("want error when key file missing")
	}
}

func TestSplitRepo(t *testing.T) {
	owner, name, err := splitRepo("octo/widgets")
	if err != nil || owner != "octo" || name != "widgets" {
		t.Fatalf("splitRepo = %q %q %v", owner, name, err)
	}
	for _, bad := range []string{"", "octo", "/widgets", "octo/"} {
		if _, _, err := splitRepo(bad); err == nil {
			t.Fatalf("splitRepo(%q) should fail", bad)
		}
	}
}
