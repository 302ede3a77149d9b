// Package state seals OAuth round-trip state into an opaque, tamper-evident
// string that can travel through a third-party redirect.
//
// Format: base64url(iv) ":" base64url(tag) ":" base64url(ciphertext)
// where the three parts are the output of a single AEAD seal of the CBOR
// encoded Envelope, and iv is a fresh random 96-bit nonce per call.
//
// The default AEAD is AES-256-GCM. Keys are injected at construction; the
// codec holds no mutable state and is safe for concurrent use.
package state

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
)

var (
	// ErrStateIntegrity means the state failed authentication: it was
	// tampered with, truncated, or sealed under an unknown key.
	ErrStateIntegrity = errors.New("state: integrity check failed")
	// ErrStateDecode means the state is empty or oversized, or
	// its authenticated plaintext is not a valid envelope.
	ErrStateDecode = errors.New("state: malformed state")
	// ErrStateExpired means the state is authentic but older than the allowed age.
	ErrStateExpired = errors.New("state: expired")

	ErrInvalidKey  = errors.New("state: key must be 32 bytes")
	ErrCodecConfig = errors.New("state: invalid codec configuration")
	ErrShortSecret = errors.New("state: secret too short")
)

// KeySize is the required key length in bytes.
const KeySize = 32

// DefaultMaxAge is the state lifetime used when Decrypt is called with maxAge <= 0.
const DefaultMaxAge = 10 * time.Minute

const (
	nonceSize = 12
	tagSize   = 16
	// maxStateLen bounds attacker-controlled input before any decoding.
	maxStateLen = 4096
	// minSecretLen is the minimum operator secret accepted by KeyFromSecret.
	minSecretLen = 16
)

// aad binds sealed states to this purpose so that ciphertexts produced with
// the same key elsewhere do not open here.
var aad = []byte("linkgate/state/v1")

var b64 = base64.RawURLEncoding.Strict()

// NewAESGCM is the default AEAD factory.
func NewAESGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Codec encrypts and decrypts Envelopes.
type Codec struct {
	// aeads holds the primary AEAD first, followed by decrypt-only fallbacks.
	aeads  []cipher.AEAD
	now    func() time.Time
	maxAge time.Duration
}

type codecConfig struct {
	newAEAD   func([]byte) (cipher.AEAD, error)
	fallbacks [][]byte
	now       func() time.Time
	maxAge    time.Duration
}

// Option configures a Codec.
type Option func(*codecConfig)

// WithAEAD sets the AEAD factory, e.g. chacha20poly1305.New.
// The AEAD must use a 96-bit nonce and a 128-bit tag.
func WithAEAD(f func([]byte) (cipher.AEAD, error)) Option {
	return func(c *codecConfig) {
		c.newAEAD = f
	}
}

// WithFallbackKeys adds keys that are accepted for decryption only.
// Use this while rotating the primary key.
func WithFallbackKeys(keys ...[]byte) Option {
	return func(c *codecConfig) {
		c.fallbacks = append(c.fallbacks, keys...)
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *codecConfig) {
		c.now = now
	}
}

// WithMaxAge sets the default maximum state age.
func WithMaxAge(d time.Duration) Option {
	return func(c *codecConfig) {
		c.maxAge = d
	}
}

// New creates a Codec that seals with key.
func New(key []byte, opts ...Option) (*Codec, error) {
	cfg := codecConfig{
		newAEAD: NewAESGCM,
		now:     time.Now,
		maxAge:  DefaultMaxAge,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.newAEAD == nil || cfg.now == nil {
		return nil, ErrCodecConfig
	}
	if cfg.maxAge <= 0 {
		cfg.maxAge = DefaultMaxAge
	}

	keys := append([][]byte{key}, cfg.fallbacks...)
	aeads := make([]cipher.AEAD, 0, len(keys))
	for i, k := range keys {
		if len(k) != KeySize {
			return nil, fmt.Errorf("%w (key %d has %d bytes)", ErrInvalidKey, i, len(k))
		}
		a, err := cfg.newAEAD(k)
		if err != nil {
			return nil, fmt.Errorf("state: key %d: %w", i, err)
		}
		if a.NonceSize() != nonceSize || a.Overhead() != tagSize {
			return nil, fmt.Errorf("%w: AEAD must use %d byte nonces and %d byte tags", ErrCodecConfig, nonceSize, tagSize)
		}
		aeads = append(aeads, a)
	}

	return &Codec{
		aeads:  aeads,
		now:    cfg.now,
		maxAge: cfg.maxAge,
	}, nil
}

// MaxAge returns the default maximum state age.
func (c *Codec) MaxAge() time.Duration {
	return c.maxAge
}

// Encrypt stamps env with the current time and seals it.
func (c *Codec) Encrypt(env Envelope) (string, error) {
	if c == nil || len(c.aeads) == 0 {
		return "", ErrCodecConfig
	}
	env.IssuedAt = c.now()

	plain, err := marshalEnvelope(env)
	if err != nil {
		return "", fmt.Errorf("state: encoding envelope: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("state: generating nonce: %w", err)
	}

	sealed := c.aeads[0].Seal(nil, nonce, plain, aad)
	ciphertext, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return b64.EncodeToString(nonce) + ":" + b64.EncodeToString(tag) + ":" + b64.EncodeToString(ciphertext), nil
}

// Decrypt authenticates and opens s. States older than maxAge are rejected
// with ErrStateExpired; maxAge <= 0 selects the codec default.
func (c *Codec) Decrypt(s string, maxAge time.Duration) (Envelope, error) {
	if c == nil || len(c.aeads) == 0 {
		return Envelope{}, ErrCodecConfig
	}
	if maxAge <= 0 {
		maxAge = c.maxAge
	}

	if s == "" || len(s) > maxStateLen {
		return Envelope{}, ErrStateDecode
	}
	// A single flipped bit can add or remove a delimiter, so a wrong segment
	// count is tampering, not a decode failure.
	parts := strings.Split(s, ":")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Envelope{}, fmt.Errorf("%w: want 3 non-empty segments", ErrStateIntegrity)
	}

	nonce, err := b64.DecodeString(parts[0])
	if err != nil || len(nonce) != nonceSize {
		return Envelope{}, fmt.Errorf("%w: bad iv", ErrStateIntegrity)
	}
	tag, err := b64.DecodeString(parts[1])
	if err != nil || len(tag) != tagSize {
		return Envelope{}, fmt.Errorf("%w: bad tag", ErrStateIntegrity)
	}
	ciphertext, err := b64.DecodeString(parts[2])
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: bad ciphertext", ErrStateIntegrity)
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	var plain []byte
	opened := false
	for _, a := range c.aeads {
		if p, err := a.Open(nil, nonce, sealed, aad); err == nil {
			plain, opened = p, true
			break
		}
	}
	if !opened {
		return Envelope{}, ErrStateIntegrity
	}

	env, err := unmarshalEnvelope(plain)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrStateDecode, err)
	}

	if c.now().Sub(env.IssuedAt) > maxAge {
		return Envelope{}, ErrStateExpired
	}
	return env, nil
}

// KeyFromSecret derives a KeySize key from an operator-supplied secret with
// HKDF-SHA256. info separates keys derived from the same secret.
func KeyFromSecret(secret []byte, info string) ([]byte, error) {
	if len(secret) < minSecretLen {
		return nil, ErrShortSecret
	}
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), key); err != nil {
		return nil, err
	}
	return key, nil
}

// GenerateKey returns a random KeySize key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}
