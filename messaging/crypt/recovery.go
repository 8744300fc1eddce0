package crypt

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const recoverySalt = "satchel-name-recovery"

// RecoveryKey derives the AEAD key an identity uses to encrypt a recoverable
// copy of its own name into the binding record. Only the holder of the
// private key can re-derive it after a wallet re-import.
func RecoveryKey(privateKey string) ([]byte, error) {
	skBytes, err := hex.DecodeString(privateKey)
	if err != nil || len(skBytes) != 32 {
		return nil, errors.New("invalid private key")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	reader := hkdf.New(sha256.New, skBytes, []byte(recoverySalt), nil)
	if _, err := reader.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// EncryptRecovery seals a plaintext under a recovery key. Output is
// base64(nonce || ciphertext).
func EncryptRecovery(plaintext string, key []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptRecovery opens a payload sealed by EncryptRecovery.
func DecryptRecovery(payload string, key []byte) (string, error) {
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", errors.New("invalid base64")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", err
	}
	if len(data) < aead.NonceSize() {
		return "", errors.New("payload too short")
	}
	plaintext, err := aead.Open(nil, data[:aead.NonceSize()], data[aead.NonceSize():], nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
