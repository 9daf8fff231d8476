package payloadfilter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAEADFilterRoundTrips(t *testing.T) {
	f, err := NewAEADFilter([]byte("shared secret"), []byte("etp-test"))
	require.NoError(t, err)

	plaintext := []byte("reconstruct me byte for byte")
	sealed, err := f.Seal(plaintext)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, sealed)

	opened, err := f.Open(sealed)
	require.NoError(t, err)
	require.Equal(t, plaintext, opened)
}

func TestAEADFilterRejectsTamperedCiphertext(t *testing.T) {
	f, err := NewAEADFilter([]byte("shared secret"), nil)
	require.NoError(t, err)

	sealed, err := f.Seal([]byte("hello"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xFF

	_, err = f.Open(sealed)
	require.Error(t, err)
}

func TestAEADFilterRejectsWrongSecret(t *testing.T) {
	sender, err := NewAEADFilter([]byte("secret-a"), nil)
	require.NoError(t, err)
	receiver, err := NewAEADFilter([]byte("secret-b"), nil)
	require.NoError(t, err)

	sealed, err := sender.Seal([]byte("payload"))
	require.NoError(t, err)

	_, err = receiver.Open(sealed)
	require.Error(t, err)
}

func TestNewAEADFilterRejectsEmptySecret(t *testing.T) {
	_, err := NewAEADFilter(nil, nil)
	require.Error(t, err)
}
