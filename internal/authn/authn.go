// Package authn implements the credential checks both sides of a
// rack/region connection run before any other procedure is allowed:
// an HMAC challenge over the shared cluster secret, and decryption of
// the certificate bundle handed over during registration.
package authn

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"

	"github.com/hashicorp/go-uuid"
)

const saltSize = 16

// Digest computes HMAC-SHA256(secret, message || salt).
func Digest(secret, message, salt []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(message)
	mac.Write(salt)
	return mac.Sum(nil)
}

// Verify recomputes the digest for a challenge response and compares it
// in constant time.
func Verify(secret, message, salt, digest []byte) bool {
	return hmac.Equal(Digest(secret, message, salt), digest)
}

// Respond answers an inbound challenge: it draws a fresh salt and
// returns it alongside the digest over message||salt.
func Respond(secret, message []byte) (digest, salt []byte, err error) {
	salt, err = uuid.GenerateRandomBytes(saltSize)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate challenge salt: %w", err)
	}
	return Digest(secret, message, salt), salt, nil
}

// NewChallenge draws the random message this side sends when it is the
// one verifying the peer.
func NewChallenge() ([]byte, error) {
	msg, err := uuid.GenerateRandomBytes(saltSize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate challenge message: %w", err)
	}
	return msg, nil
}

// DecryptBundle opens the AES-256-GCM sealed certificate bundle a
// region sends at registration. The key is SHA-256 of the shared
// secret; the nonce is prepended to the ciphertext.
func DecryptBundle(secret, sealed []byte) ([]byte, error) {
	key := sha256.Sum256(secret)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to init bundle cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to init bundle gcm: %w", err)
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("sealed bundle shorter than nonce (%d bytes)", len(sealed))
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt certificate bundle: %w", err)
	}
	return plain, nil
}

// SealBundle is the inverse of DecryptBundle. The rack never seals
// bundles in production; regions (and tests) do.
func SealBundle(secret, plain []byte) ([]byte, error) {
	key := sha256.Sum256(secret)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to init bundle cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to init bundle gcm: %w", err)
	}
	nonce, err := uuid.GenerateRandomBytes(gcm.NonceSize())
	if err != nil {
		return nil, fmt.Errorf("failed to generate bundle nonce: %w", err)
	}
	return append(nonce, gcm.Seal(nil, nonce, plain, nil)...), nil
}
