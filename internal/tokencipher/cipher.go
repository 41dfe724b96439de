// Package tokencipher protects provider access and refresh tokens at rest
// with AES-256-CBC. Ciphertexts are self-contained: the random IV is
// prepended so any holder of the key can decrypt without extra state.
package tokencipher

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keySize    = 32
	kdfRounds  = 4096
	kdfSaltTag = "octup-accounting-tokens"
)

// ErrInvalidCiphertext indicates input that cannot be decrypted: wrong key,
// truncated data, or corrupted padding. Callers must treat this as an
// operational alert, not a silent miss.
var ErrInvalidCiphertext = errors.New("tokencipher: invalid ciphertext")

// Cipher performs symmetric encryption with a process-wide derived key.
type Cipher struct {
	key []byte
}

// New derives the AES key from the configured secret and returns a Cipher.
func New(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, errors.New("tokencipher: empty secret")
	}
	key := pbkdf2.Key([]byte(secret), []byte(kdfSaltTag), kdfRounds, keySize, sha256.New)
	return &Cipher{key: key}, nil
}

// Encrypt returns base64(iv || AES-CBC(pad(plaintext))). A fresh IV per call
// makes repeated encryptions of the same plaintext distinct.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("tokencipher: new cipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("tokencipher: generate iv: %w", err)
	}

	padded := pad([]byte(plaintext))
	out := make([]byte, aes.BlockSize+len(padded))
	copy(out, iv)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)

	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt.
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	if len(data) < 2*aes.BlockSize || len(data)%aes.BlockSize != 0 {
		return "", ErrInvalidCiphertext
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("tokencipher: new cipher: %w", err)
	}

	iv, body := data[:aes.BlockSize], data[aes.BlockSize:]
	plain := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, body)

	unpadded, err := unpad(plain)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	return string(unpadded), nil
}

func pad(data []byte) []byte {
	n := aes.BlockSize - len(data)%aes.BlockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty input")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, errors.New("bad padding length")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("bad padding byte")
		}
	}
	return data[:len(data)-n], nil
}
