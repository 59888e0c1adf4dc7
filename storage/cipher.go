package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
)

// columnSealer encrypts sensitive columns before they reach the database
// file. The database key comes from the vault and never touches disk in
// the clear.
type columnSealer struct {
	key [32]byte
}

// newColumnSealer derives the sealing key from the provided key material
// using SHA-256.
func newColumnSealer(keyMaterial []byte) (*columnSealer, error) {
	if len(keyMaterial) == 0 {
		return nil, errors.New("empty database key material")
	}
	return &columnSealer{key: sha256.Sum256(keyMaterial)}, nil
}

// seal encrypts data using AES-GCM and includes the nonce at the beginning
// of the returned ciphertext. A nil input seals to nil so NULL columns stay
// NULL.
func (cs *columnSealer) seal(data []byte) ([]byte, error) {
	if data == nil {
		return nil, nil
	}

	block, err := aes.NewCipher(cs.key[:])
	if err != nil {
		return nil, err
	}

	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aesGCM.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return aesGCM.Seal(nonce, nonce, data, nil), nil
}

// open decrypts data that was sealed with seal.
func (cs *columnSealer) open(sealed []byte) ([]byte, error) {
	if sealed == nil {
		return nil, nil
	}

	block, err := aes.NewCipher(cs.key[:])
	if err != nil {
		return nil, err
	}

	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(sealed) < aesGCM.NonceSize() {
		return nil, errors.New("sealed column too short")
	}

	nonce := sealed[:aesGCM.NonceSize()]
	ciphertext := sealed[aesGCM.NonceSize():]

	return aesGCM.Open(nil, nonce, ciphertext, nil)
}
