// Package pkce generates Proof Key for Code Exchange (RFC 7636) verifiers and
// challenges.
//
// Only the S256 challenge method is supported. The "plain" method offers no
// protection against an attacker who can observe the authorization request and
// is rejected.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

// MethodS256 is the only supported code challenge method.
const MethodS256 = "S256"

const (
	// MinVerifierLength and MaxVerifierLength bound the verifier length (RFC 7636 §4.1).
	MinVerifierLength = 43
	MaxVerifierLength = 128
)

// verifierEntropyBytes is the number of random bytes behind GenerateVerifier.
// 32 bytes encode to exactly 43 base64url characters.
const verifierEntropyBytes = 32

// unreserved is the RFC 3986 unreserved character set.
const unreserved = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

var (
	ErrInvalidLength     = errors.New("pkce: verifier length must be between 43 and 128")
	ErrInvalidVerifier   = errors.New("pkce: invalid code verifier")
	ErrUnsupportedMethod = errors.New("pkce: unsupported code challenge method")
)

// Pair is a verifier and its derived challenge.
type Pair struct {
	Verifier  string
	Challenge string
	Method    string
}

// NewPair returns a fresh verifier with its S256 challenge.
func NewPair() (Pair, error) {
	v, err := GenerateVerifier()
	if err != nil {
		return Pair{}, err
	}
	c, err := ComputeChallenge(v, MethodS256)
	if err != nil {
		return Pair{}, err
	}
	return Pair{Verifier: v, Challenge: c, Method: MethodS256}, nil
}

// GenerateVerifier returns a 43 character verifier carrying 256 bits of entropy.
func GenerateVerifier() (string, error) {
	b := make([]byte, verifierEntropyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("pkce: reading random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// NewVerifier returns a verifier of exactly length characters drawn uniformly
// from the unreserved alphabet.
func NewVerifier(length int) (string, error) {
	if length < MinVerifierLength || length > MaxVerifierLength {
		return "", ErrInvalidLength
	}

	// 66 symbols; rejecting bytes >= 198 (3*66) keeps the modulo unbiased.
	const limit = 256 - 256%len(unreserved)

	out := make([]byte, 0, length)
	buf := make([]byte, length)
	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("pkce: reading random bytes: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, unreserved[int(b)%len(unreserved)])
			if len(out) == length {
				break
			}
		}
	}
	return string(out), nil
}

// ComputeChallenge derives the code challenge for verifier.
// An empty method is treated as S256.
func ComputeChallenge(verifier, method string) (string, error) {
	if method != "" && method != MethodS256 {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMethod, method)
	}
	if err := ValidateVerifier(verifier); err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

// ValidateVerifier checks the length and alphabet of verifier.
func ValidateVerifier(verifier string) error {
	if len(verifier) < MinVerifierLength || len(verifier) > MaxVerifierLength {
		return fmt.Errorf("%w: %v", ErrInvalidVerifier, ErrInvalidLength)
	}
	for i := 0; i < len(verifier); i++ {
		if !isUnreserved(verifier[i]) {
			return fmt.Errorf("%w: character at offset %d", ErrInvalidVerifier, i)
		}
	}
	return nil
}

func isUnreserved(c byte) bool {
	switch {
	case 'A' <= c && c <= 'Z', 'a' <= c && c <= 'z', '0' <= c && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '~':
		return true
	}
	return false
}
