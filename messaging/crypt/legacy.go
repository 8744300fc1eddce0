package crypt

import (
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr/nip04"
)

// LegacyPrefix marks plaintext that went through the legacy shared-secret
// scheme. Legacy and current formats share the same content field on the
// wire; the prefix is how receivers tell them apart after decryption.
const LegacyPrefix = "satchel0:"

// EncryptLegacy encrypts a typed payload for a recipient under the legacy
// AES-CBC shared-secret scheme, prefixed so the receiver can discriminate.
func EncryptLegacy(plaintext, privateKey, recipientPub string) (string, error) {
	shared, err := nip04.ComputeSharedSecret(recipientPub, privateKey)
	if err != nil {
		return "", err
	}
	return nip04.Encrypt(LegacyPrefix+plaintext, shared)
}

// DecryptLegacy decrypts legacy content from a counterparty and strips the
// discriminator prefix.
func DecryptLegacy(content, privateKey, senderPub string) (string, error) {
	shared, err := nip04.ComputeSharedSecret(senderPub, privateKey)
	if err != nil {
		return "", err
	}
	plaintext, err := nip04.Decrypt(content, shared)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(plaintext, LegacyPrefix) {
		return "", fmt.Errorf("content is missing the %q prefix", LegacyPrefix)
	}
	return strings.TrimPrefix(plaintext, LegacyPrefix), nil
}

// IsLegacyContent reports whether an encrypted content field is in the legacy
// wire format (ciphertext?iv=nonce) rather than the versioned format.
func IsLegacyContent(content string) bool {
	return strings.Contains(content, "?iv=")
}
