package oauth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateRoundTrip(t *testing.T) {
	state, err := EncodeState("github")
	require.NoError(t, err)

	serverName, err := DecodeState(state)
	require.NoError(t, err)
	assert.Equal(t, "github", serverName)
}

func TestStatesAreUnique(t *testing.T) {
	first, err := EncodeState("s")
	require.NoError(t, err)
	second, err := EncodeState("s")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestDecodeStateRejectsGarbage(t *testing.T) {
	_, err := DecodeState("!!not-base64!!")
	require.Error(t, err)

	_, err = DecodeState("bm90LWpzb24")
	require.Error(t, err)
}

func TestCodeChallenge(t *testing.T) {
	verifier, err := GenerateCodeVerifier()
	require.NoError(t, err)
	require.NotEmpty(t, verifier)

	challenge := CodeChallenge(verifier)
	assert.NotEmpty(t, challenge)
	assert.NotEqual(t, verifier, challenge)
	assert.Equal(t, challenge, CodeChallenge(verifier), "challenge is deterministic")

	// RFC 7636 test vector.
	assert.Equal(t, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		CodeChallenge("dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"))
}
