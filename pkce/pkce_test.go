package pkce

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeChallenge_RFC7636Vector(t *testing.T) {
	// Appendix B of RFC 7636.
	got, err := ComputeChallenge("dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk", MethodS256)
	require.NoError(t, err)
	assert.Equal(t, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM", got)
}

func TestComputeChallenge_Deterministic(t *testing.T) {
	v, err := GenerateVerifier()
	require.NoError(t, err)

	first, err := ComputeChallenge(v, "")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := ComputeChallenge(v, MethodS256)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}

	other, err := GenerateVerifier()
	require.NoError(t, err)
	otherChallenge, err := ComputeChallenge(other, MethodS256)
	require.NoError(t, err)
	assert.NotEqual(t, first, otherChallenge)
}

func TestComputeChallenge_RejectsPlain(t *testing.T) {
	v, err := GenerateVerifier()
	require.NoError(t, err)

	_, err = ComputeChallenge(v, "plain")
	assert.True(t, errors.Is(err, ErrUnsupportedMethod))
}

func TestComputeChallenge_InvalidVerifier(t *testing.T) {
	tests := []struct {
		name     string
		verifier string
	}{
		{name: "empty", verifier: ""},
		{name: "too short", verifier: strings.Repeat("a", 42)},
		{name: "too long", verifier: strings.Repeat("a", 129)},
		{name: "reserved character", verifier: strings.Repeat("a", 42) + "/"},
		{name: "space", verifier: strings.Repeat("a", 42) + " "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ComputeChallenge(tt.verifier, MethodS256)
			assert.True(t, errors.Is(err, ErrInvalidVerifier), "got %v", err)
		})
	}
}

func TestGenerateVerifier(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		v, err := GenerateVerifier()
		require.NoError(t, err)
		assert.Len(t, v, MinVerifierLength)
		require.NoError(t, ValidateVerifier(v))
		assert.False(t, seen[v], "duplicate verifier %q", v)
		seen[v] = true
	}
}

func TestNewVerifier(t *testing.T) {
	for _, n := range []int{MinVerifierLength, 64, 100, MaxVerifierLength} {
		v, err := NewVerifier(n)
		require.NoError(t, err)
		assert.Len(t, v, n)
		assert.NoError(t, ValidateVerifier(v))
	}

	for _, n := range []int{0, 42, 129, -1} {
		_, err := NewVerifier(n)
		assert.ErrorIs(t, err, ErrInvalidLength, "length %d", n)
	}
}

func TestNewPair(t *testing.T) {
	p, err := NewPair()
	require.NoError(t, err)
	assert.Equal(t, MethodS256, p.Method)

	want, err := ComputeChallenge(p.Verifier, MethodS256)
	require.NoError(t, err)
	assert.Equal(t, want, p.Challenge)
}
