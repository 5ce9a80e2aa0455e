package ingress

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Sign computes the webhook signature header value for a body, in the
// hosting provider's "sha256=<hex hmac>" form. Used by the simulate
// command and by tests.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// verify checks one shared secret against the signature header. An empty
// secret disables verification for that role.
func verify(secret string, body []byte, signature string) bool {
	if secret == "" {
		return true
	}
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

// verifyAny accepts the body when at least one configured secret matches.
func verifyAny(body []byte, signature string, secrets ...string) bool {
	for _, secret := range secrets {
		if verify(secret, body, signature) {
			return true
		}
	}
	return false
}
