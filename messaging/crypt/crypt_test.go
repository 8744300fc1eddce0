package crypt

import (
	"strings"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func keypair(t *testing.T) (string, string) {
	t.Helper()
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)
	return sk, pk
}

func TestConversationKeySymmetry(t *testing.T) {
	aliceSk, alicePk := keypair(t)
	bobSk, bobPk := keypair(t)

	ab, err := ConversationKey(aliceSk, bobPk)
	require.NoError(t, err)
	ba, err := ConversationKey(bobSk, alicePk)
	require.NoError(t, err)
	assert.Equal(t, ab, ba, "both directions must derive the same key")
	assert.Len(t, ab, 32)
}

func TestConversationRoundTrip(t *testing.T) {
	aliceSk, _ := keypair(t)
	_, bobPk := keypair(t)
	key, err := ConversationKey(aliceSk, bobPk)
	require.NoError(t, err)

	for _, plaintext := range []string{
		"x",
		"hello bob",
		strings.Repeat("a", 31),
		strings.Repeat("b", 32),
		strings.Repeat("c", 33),
		strings.Repeat("d", 5000),
	} {
		sealed, err := Encrypt(plaintext, key)
		require.NoError(t, err)
		opened, err := Decrypt(sealed, key)
		require.NoError(t, err)
		assert.Equal(t, plaintext, opened)
	}
}

func TestConversationDecryptWrongKeyFails(t *testing.T) {
	aliceSk, _ := keypair(t)
	_, bobPk := keypair(t)
	key, err := ConversationKey(aliceSk, bobPk)
	require.NoError(t, err)

	sealed, err := Encrypt("for bob only", key)
	require.NoError(t, err)

	eveSk, _ := keypair(t)
	wrongKey, err := ConversationKey(eveSk, bobPk)
	require.NoError(t, err)
	_, err = Decrypt(sealed, wrongKey)
	assert.Error(t, err, "a foreign key must fail the MAC, not decrypt garbage")
}

func TestConversationDecryptRejectsMalformed(t *testing.T) {
	sk, _ := keypair(t)
	_, pk := keypair(t)
	key, err := ConversationKey(sk, pk)
	require.NoError(t, err)

	for name, payload := range map[string]string{
		"future version": "#AgAA",
		"bad base64":     "not base64 at all!!!",
		"too short":      "AgE=",
	} {
		_, err := Decrypt(payload, key)
		assert.Error(t, err, name)
	}
}

func TestCalcPaddedLen(t *testing.T) {
	cases := map[int]int{1: 32, 16: 32, 32: 32, 33: 64, 64: 64, 65: 96, 257: 320, 1000: 1024}
	for in, want := range cases {
		assert.Equal(t, want, calcPaddedLen(in), "padded length of %d", in)
	}
}

func TestLegacyRoundTripWithPrefix(t *testing.T) {
	aliceSk, alicePk := keypair(t)
	bobSk, bobPk := keypair(t)

	sealed, err := EncryptLegacy(`{"amount":21}`, aliceSk, bobPk)
	require.NoError(t, err)
	assert.True(t, IsLegacyContent(sealed))

	opened, err := DecryptLegacy(sealed, bobSk, alicePk)
	require.NoError(t, err)
	assert.Equal(t, `{"amount":21}`, opened)
}

func TestLegacyRejectsUnprefixedPlaintext(t *testing.T) {
	aliceSk, alicePk := keypair(t)
	bobSk, bobPk := keypair(t)

	// Encrypt without the discriminator, as a foreign client would.
	shared, err := nip04.ComputeSharedSecret(bobPk, aliceSk)
	require.NoError(t, err)
	sealed, err := nip04.Encrypt("no prefix here", shared)
	require.NoError(t, err)

	_, err = DecryptLegacy(sealed, bobSk, alicePk)
	assert.Error(t, err)
}

func TestRecoveryRoundTrip(t *testing.T) {
	sk, _ := keypair(t)
	key, err := RecoveryKey(sk)
	require.NoError(t, err)

	sealed, err := EncryptRecovery("alice", key)
	require.NoError(t, err)
	opened, err := DecryptRecovery(sealed, key)
	require.NoError(t, err)
	assert.Equal(t, "alice", opened)

	// A different identity's key must not open it.
	otherSk, _ := keypair(t)
	otherKey, err := RecoveryKey(otherSk)
	require.NoError(t, err)
	_, err = DecryptRecovery(sealed, otherKey)
	assert.Error(t, err)
}

func TestRecoveryKeyDeterministic(t *testing.T) {
	sk, _ := keypair(t)
	a, err := RecoveryKey(sk)
	require.NoError(t, err)
	b, err := RecoveryKey(sk)
	require.NoError(t, err)
	assert.Equal(t, a, b, "re-imported wallets must re-derive the same key")
}
