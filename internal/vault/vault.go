// Package vault stores named secrets encrypted at rest and resolves
// secret references in agent metadata.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// cipherBox does AES-256-GCM with a passphrase-derived key.
type cipherBox struct {
	key [32]byte
}

// newCipherBox derives an AES-256 key from the passphrase via
// Argon2id. The salt is deterministic (SHA-256 of the passphrase) so
// the same passphrase yields the same key across restarts.
func newCipherBox(passphrase string) *cipherBox {
	salt := sha256.Sum256([]byte(passphrase))
	key := argon2.IDKey([]byte(passphrase), salt[:16], 1, 64*1024, 4, 32)

	box := &cipherBox{}
	copy(box.key[:], key)
	return box
}

func (b *cipherBox) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(b.key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

func (b *cipherBox) encrypt(plaintext []byte) (ciphertext, nonce []byte, err error) {
	gcm, err := b.gcm()
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nonce, nil
}

func (b *cipherBox) decrypt(ciphertext, nonce []byte) ([]byte, error) {
	gcm, err := b.gcm()
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}
