package gateway

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
)

const maxAuthAttempts = 3

// AuthHandler checks the shared secret. HTTP callers send it in
// SecretHeader; websocket peers either send the header on upgrade or answer
// an HMAC-SHA256 challenge. An empty secret disables authentication.
type AuthHandler struct {
	sharedSecret string
}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{
		sharedSecret: sharedSecret,
	}
}

// Enabled reports whether a secret is configured
func (a *AuthHandler) Enabled() bool {
	return a.sharedSecret != ""
}

// CheckHeader reports whether r carries the shared secret
func (a *AuthHandler) CheckHeader(r *http.Request) bool {
	if !a.Enabled() {
		return true
	}
	got := r.Header.Get(SecretHeader)
	return subtle.ConstantTimeCompare([]byte(got), []byte(a.sharedSecret)) == 1
}

// GenerateChallenge generates a random 32-byte challenge, hex encoded
func (a *AuthHandler) GenerateChallenge() (string, error) {
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	return hex.EncodeToString(challenge), nil
}

// Sign returns the hex HMAC-SHA256 of challenge under secret
func Sign(secret, challenge string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(challenge))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature verifies an HMAC-SHA256 signature against a challenge
func (a *AuthHandler) VerifySignature(challenge, signature string) bool {
	expected := Sign(a.sharedSecret, challenge)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// HandleAuthResponse checks a peer's answer to its challenge
func (a *AuthHandler) HandleAuthResponse(peer *Peer, signature string) AuthResult {
	if peer.Challenge == "" {
		return AuthResult{Event: "auth.failure", Message: "No challenge found"}
	}

	if !a.VerifySignature(peer.Challenge, signature) {
		peer.AuthAttempts++
		if peer.AuthAttempts >= maxAuthAttempts {
			return AuthResult{Event: "auth.failure", Message: "Too many failed attempts"}
		}
		return AuthResult{Event: "auth.failure", Message: "Invalid signature"}
	}

	peer.AuthAttempts = 0
	peer.Challenge = ""
	return AuthResult{Event: "auth.success", Success: true}
}
