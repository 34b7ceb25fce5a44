// Package crypto holds the small primitives the coordinator needs: random
// secrets, AES-CBC payload encryption for outbound alert pushes, and
// device fingerprint digests for ownership bindings.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
)

var letters = []rune("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789!@#$%^&*()-_=+[]{}|;:,.<>?")

// GenerateString returns a random printable string of length n.
func GenerateString(n int) (string, error) {
	if n <= 0 {
		return "", errors.New("length must be positive")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", err
	}
	out := make([]rune, n)
	for i := range out {
		out[i] = letters[int(buf[i])%len(letters)]
	}
	return string(out), nil
}

// ValidKeyLength reports whether key selects AES-128, AES-192 or AES-256.
func ValidKeyLength(key []byte) bool {
	switch len(key) {
	case 16, 24, 32:
		return true
	}
	return false
}

// EncryptToBase64 encrypts plaintext with AES-CBC and PKCS#7 padding and
// returns the base64 ciphertext. plaintext is not modified.
func EncryptToBase64(plaintext, key, iv []byte) (string, error) {
	if !ValidKeyLength(key) {
		return "", errors.New("key must be 16, 24 or 32 bytes")
	}
	if len(iv) != aes.BlockSize {
		return "", errors.New("iv must be 16 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	out := make([]byte, 0, len(data)+padding)
	out = append(out, data...)
	return append(out, bytes.Repeat([]byte{byte(padding)}, padding)...)
}
