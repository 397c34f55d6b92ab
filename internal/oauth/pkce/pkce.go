// Package pkce implements Proof Key for Code Exchange (RFC 7636) as used by
// OAuth 2.1: verifier generation, S256 challenge derivation, and validation.
// Only the S256 challenge method is supported; "plain" is rejected.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// Code verifier constraints from RFC 7636 Section 4.1.
const (
	MinVerifierLength = 43
	MaxVerifierLength = 128

	// ChallengeLength is the length of a base64url-encoded SHA-256 digest.
	ChallengeLength = 43

	MethodS256  = "S256"
	MethodPlain = "plain"
)

// DefaultVerifierLength is used when GenerateCodeVerifier is called with a
// non-positive length.
const DefaultVerifierLength = 64

// verifierCharset is the unreserved character set [A-Za-z0-9-._~].
const verifierCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

// GenerateCodeVerifier generates a random code verifier of the given length,
// clamped to [43,128]. Pass 0 for the default length of 64.
func GenerateCodeVerifier(length int) (string, error) {
	if length <= 0 {
		length = DefaultVerifierLength
	}
	if length < MinVerifierLength {
		length = MinVerifierLength
	}
	if length > MaxVerifierLength {
		length = MaxVerifierLength
	}

	out := make([]byte, length)
	// Rejection sampling keeps the character distribution uniform.
	buf := make([]byte, 1)
	limit := byte(256 - (256 % len(verifierCharset)))
	for i := 0; i < length; {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		if buf[0] >= limit {
			continue
		}
		out[i] = verifierCharset[int(buf[0])%len(verifierCharset)]
		i++
	}
	return string(out), nil
}

// GenerateCodeChallenge derives the S256 challenge for a verifier:
// base64url (no padding) of the SHA-256 digest. The result is always 43
// characters.
func GenerateCodeChallenge(verifier string) (string, error) {
	if !IsValidCodeVerifier(verifier) {
		return "", fmt.Errorf("invalid code verifier: must be %d-%d characters from [A-Za-z0-9-._~]",
			MinVerifierLength, MaxVerifierLength)
	}
	digest := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(digest[:]), nil
}

// VerifyCodeChallenge reports whether verifier hashes to challenge under the
// given method. Any method other than S256 is an error: OAuth 2.1 removes
// the "plain" method.
func VerifyCodeChallenge(verifier, challenge, method string) (bool, error) {
	if method != MethodS256 {
		return false, fmt.Errorf("unsupported code_challenge_method: %q (only %s is supported)", method, MethodS256)
	}
	if !IsValidCodeVerifier(verifier) || !IsValidCodeChallenge(challenge) {
		return false, nil
	}

	computed, err := GenerateCodeChallenge(verifier)
	if err != nil {
		return false, nil
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1, nil
}

// IsValidCodeVerifier checks verifier length and character set without any
// cryptographic work.
func IsValidCodeVerifier(verifier string) bool {
	if len(verifier) < MinVerifierLength || len(verifier) > MaxVerifierLength {
		return false
	}
	return isUnreserved(verifier)
}

// IsValidCodeChallenge checks that a challenge is syntactically an S256
// challenge: exactly 43 base64url characters.
func IsValidCodeChallenge(challenge string) bool {
	if len(challenge) != ChallengeLength {
		return false
	}
	for _, ch := range challenge {
		valid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '_'
		if !valid {
			return false
		}
	}
	return true
}

func isUnreserved(s string) bool {
	for _, ch := range s {
		valid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !valid {
			return false
		}
	}
	return true
}
