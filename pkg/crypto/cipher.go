package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
)

// ErrInvalidToken is returned when a token cannot be decoded or fails authentication.
var ErrInvalidToken = errors.New("crypto: invalid token")

// deriveKey normalizes key material to 32 bytes using SHA-256 under a purpose label.
func deriveKey(secret, purpose string) []byte {
	sum := sha256.Sum256([]byte(purpose + ":" + secret))
	key := make([]byte, len(sum))
	copy(key, sum[:])
	return key
}

// syntheticNonce binds the nonce to the plaintext so equal inputs encrypt equally.
func syntheticNonce(secret string, plaintext []byte, size int) []byte {
	mac := hmac.New(sha256.New, deriveKey(secret, "nonce"))
	mac.Write(plaintext)
	return mac.Sum(nil)[:size]
}

func newGCM(secret string) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(secret, "enc"))
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// EncryptDeterministic encrypts plaintext with AES-GCM using a synthetic nonce
// and returns URL-safe base64. The same secret and plaintext always produce
// the same token.
func EncryptDeterministic(secret, plaintext string) (string, error) {
	gcm, err := newGCM(secret)
	if err != nil {
		return "", err
	}
	nonce := syntheticNonce(secret, []byte(plaintext), gcm.NonceSize())
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// DecryptDeterministic reverses EncryptDeterministic. Malformed or tampered
// input yields ErrInvalidToken.
func DecryptDeterministic(secret, token string) (string, error) {
	payload, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", ErrInvalidToken
	}
	gcm, err := newGCM(secret)
	if err != nil {
		return "", err
	}
	nonceSize := gcm.NonceSize()
	if len(payload) < nonceSize+gcm.Overhead() {
		return "", ErrInvalidToken
	}
	nonce := payload[:nonceSize]
	plain, err := gcm.Open(nil, nonce, payload[nonceSize:], nil)
	if err != nil {
		return "", ErrInvalidToken
	}
	if !hmac.Equal(nonce, syntheticNonce(secret, plain, nonceSize)) {
		return "", ErrInvalidToken
	}
	return string(plain), nil
}
