package token

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	keySize   = 32
	nonceSize = 12
	tagSize   = 16

	// bindingHashLen is the number of hex characters kept from a binding hash.
	bindingHashLen = 16

	infoSigning    = "checkin-token/v1/signing"
	infoEncryption = "checkin-token/v1/encryption"
)

var errShortCiphertext = errors.New("ciphertext too short")

// keys are the per-secret sub-keys; the shared secret is never used directly.
type keys struct {
	signing    []byte
	encryption cipher.AEAD
}

func deriveKeys(secret string) (keys, error) {
	if secret == "" {
		return keys{}, errors.New("shared secret required")
	}
	signing, err := deriveKey([]byte(secret), infoSigning)
	if err != nil {
		return keys{}, err
	}
	encKey, err := deriveKey([]byte(secret), infoEncryption)
	if err != nil {
		return keys{}, err
	}
	block, err := aes.NewCipher(encKey)
	if err != nil {
		return keys{}, fmt.Errorf("create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return keys{}, fmt.Errorf("create GCM mode: %w", err)
	}
	return keys{signing: signing, encryption: gcm}, nil
}

func deriveKey(secret []byte, info string) ([]byte, error) {
	h := hkdf.New(sha256.New, secret, nil, []byte(info))
	out := make([]byte, keySize)
	if _, err := io.ReadFull(h, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (k keys) sign(payload []byte) string {
	mac := hmac.New(sha256.New, k.signing)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// seal returns nonce||ciphertext||tag.
func (k keys) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	out := make([]byte, nonceSize, nonceSize+len(plaintext)+tagSize)
	copy(out, nonce)
	return k.encryption.Seal(out, nonce, plaintext, nil), nil
}

func (k keys) open(blob []byte) ([]byte, error) {
	if len(blob) < nonceSize+tagSize {
		return nil, errShortCiphertext
	}
	return k.encryption.Open(nil, blob[:nonceSize], blob[nonceSize:], nil)
}

// bindingHash is a truncated SHA-256 of a device fingerprint or client IP.
func bindingHash(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])[:bindingHashLen]
}

func randomNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
