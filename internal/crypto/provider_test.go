package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	p, err := NewProvider("test-server-secret")
	require.NoError(t, err)
	return p
}

func TestNewProviderRequiresSecret(t *testing.T) {
	_, err := NewProvider("")
	assert.Error(t, err)
}

func TestRoundTripJSON(t *testing.T) {
	p := newTestProvider(t)

	payload := map[string]any{
		"access_token":  "tok-123",
		"refresh_token": "ref-456",
		"expires_in":    float64(3600),
	}

	blob, err := p.EncryptJSON(NamespaceUserCredential, "user-1", payload)
	require.NoError(t, err)
	assert.NotContains(t, blob, "tok-123")

	got, err := p.DecryptJSON(NamespaceUserCredential, "user-1", blob)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDecryptWrongSubjectFails(t *testing.T) {
	p := newTestProvider(t)

	blob, err := p.EncryptString(NamespaceUserCredential, "user-1", "secret-value")
	require.NoError(t, err)

	_, err = p.DecryptString(NamespaceUserCredential, "user-2", blob)
	require.ErrorIs(t, err, ErrBlobIntegrity)
}

func TestDecryptWrongNamespaceFails(t *testing.T) {
	p := newTestProvider(t)

	blob, err := p.EncryptString(NamespaceUserCredential, "github", "value")
	require.NoError(t, err)

	// Same subject string in the tool-variable namespace must not decrypt
	_, err = p.DecryptString(NamespaceToolVariable, "github", blob)
	require.ErrorIs(t, err, ErrBlobIntegrity)
}

func TestDecryptTamperedBlobFails(t *testing.T) {
	p := newTestProvider(t)

	blob, err := p.EncryptString(NamespaceUserCredential, "user-1", "secret-value")
	require.NoError(t, err)

	tampered := []byte(blob)
	tampered[len(tampered)/2] ^= 0x01
	_, err = p.DecryptString(NamespaceUserCredential, "user-1", string(tampered))
	require.ErrorIs(t, err, ErrBlobIntegrity)
}

func TestDecryptGarbageFails(t *testing.T) {
	p := newTestProvider(t)

	_, err := p.DecryptString(NamespaceUserCredential, "user-1", "not base64 at all!!!")
	require.ErrorIs(t, err, ErrBlobIntegrity)

	_, err = p.DecryptString(NamespaceUserCredential, "user-1", "c2hvcnQ=")
	require.ErrorIs(t, err, ErrBlobIntegrity)
}

func TestDeriveKeyDeterministic(t *testing.T) {
	p := newTestProvider(t)

	k1 := p.DeriveKey(NamespaceUserCredential, "user-1")
	k2 := p.DeriveKey(NamespaceUserCredential, "user-1")
	k3 := p.DeriveKey(NamespaceUserCredential, "user-2")

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Len(t, k1, 32)
}

func TestRoundTripProperty(t *testing.T) {
	p := newTestProvider(t)

	rapid.Check(t, func(t *rapid.T) {
		subject := rapid.StringMatching(`[a-zA-Z0-9_-]{1,40}`).Draw(t, "subject")
		plaintext := rapid.SliceOfN(rapid.Byte(), 0, 512).Draw(t, "plaintext")

		blob, err := p.Encrypt(NamespaceUserCredential, subject, plaintext)
		if err != nil {
			t.Fatalf("encrypt failed: %v", err)
		}
		got, err := p.Decrypt(NamespaceUserCredential, subject, blob)
		if err != nil {
			t.Fatalf("decrypt failed: %v", err)
		}
		if string(got) != string(plaintext) {
			t.Fatalf("round trip mismatch: %q != %q", got, plaintext)
		}
	})
}
