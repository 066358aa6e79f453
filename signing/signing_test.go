package signing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeyRoundTrip(t *testing.T) {
	t.Parallel()

	pub, priv, err := GenerateKey()
	require.NoError(t, err)

	parsedPub, err := ParsePublicKey(pub.String())
	require.NoError(t, err)
	assert.Equal(t, pub, parsedPub)

	parsedPriv, err := ParsePrivateKey(priv.String())
	require.NoError(t, err)
	assert.Equal(t, priv.Public(), parsedPriv.Public())
}

func TestKeyIDDeterministic(t *testing.T) {
	t.Parallel()

	pub, _, err := GenerateKey()
	require.NoError(t, err)

	reparsed, err := ParsePublicKey(pub.String())
	require.NoError(t, err)
	assert.Equal(t, pub.ID(), reparsed.ID())
	assert.True(t, strings.HasPrefix(pub.ID().String(), "sha256:"))
}

func TestSignAndVerify(t *testing.T) {
	t.Parallel()

	pub, priv, err := GenerateKey()
	require.NoError(t, err)

	content := []byte("hello")
	sig := priv.Sign("TEST-DOMAIN", content)
	require.NoError(t, pub.Verify("TEST-DOMAIN", content, sig))
}

func TestVerifyWrongDomain(t *testing.T) {
	t.Parallel()

	pub, priv, err := GenerateKey()
	require.NoError(t, err)

	sig := priv.Sign("DOMAIN-A", []byte("content"))
	err = pub.Verify("DOMAIN-B", []byte("content"), sig)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyTamperedContent(t *testing.T) {
	t.Parallel()

	pub, priv, err := GenerateKey()
	require.NoError(t, err)

	sig := priv.Sign("DOMAIN", []byte("content"))
	err = pub.Verify("DOMAIN", []byte("tampered"), sig)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyWrongKey(t *testing.T) {
	t.Parallel()

	_, priv, err := GenerateKey()
	require.NoError(t, err)
	otherPub, _, err := GenerateKey()
	require.NoError(t, err)

	sig := priv.Sign("DOMAIN", []byte("content"))
	err = otherPub.Verify("DOMAIN", []byte("content"), sig)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestParsePublicKeyErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
	}{
		{name: "no prefix", input: "AAAA"},
		{name: "wrong algorithm", input: "rsa:AAAA"},
		{name: "bad base64", input: "ed25519:!!!"},
		{name: "wrong length", input: "ed25519:AAAA"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := ParsePublicKey(tt.input)
			assert.ErrorIs(t, err, ErrMalformedKey)
		})
	}
}

func TestParseSignatureErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
	}{
		{name: "no prefix", input: "AAAA"},
		{name: "wrong algorithm", input: "rsa:AAAA"},
		{name: "bad base64", input: "ed25519:!!!"},
		{name: "wrong length", input: "ed25519:AAAA"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := ParseSignature(tt.input)
			assert.ErrorIs(t, err, ErrMalformedSignature)
		})
	}
}

func TestSignatureTextRoundTrip(t *testing.T) {
	t.Parallel()

	_, priv, err := GenerateKey()
	require.NoError(t, err)

	sig := priv.Sign("DOMAIN", []byte("content"))
	text, err := sig.MarshalText()
	require.NoError(t, err)

	var parsed Signature
	require.NoError(t, parsed.UnmarshalText(text))
	assert.Equal(t, sig, parsed)
}

func TestZeroValues(t *testing.T) {
	t.Parallel()

	assert.True(t, PublicKey{}.IsZero())
	assert.True(t, Signature{}.IsZero())

	pub, priv, err := GenerateKey()
	require.NoError(t, err)
	assert.False(t, pub.IsZero())
	assert.False(t, priv.Sign("DOMAIN", nil).IsZero())
}
