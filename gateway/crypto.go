package gateway

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
)

// Cipher encrypts and decrypts stored API-key credentials. Two historical
// formats exist in the credential store: AES-CBC with PKCS#7 padding and
// AES-CFB without padding. Decrypt tries CBC first and falls back to CFB.
// The effective key and IV are derived from the configured secrets by
// hashing: hex(sha512(secret))[:32] and hex(sha512(ivSeed))[:16].
type Cipher struct {
	key []byte
	iv  []byte
}

// NewCipher derives a Cipher from the encryption secret and IV seed.
func NewCipher(secret, ivSeed string) *Cipher {
	keyHash := sha512.Sum512([]byte(secret))
	ivHash := sha512.Sum512([]byte(ivSeed))
	return &Cipher{
		key: []byte(hex.EncodeToString(keyHash[:])[:32]),
		iv:  []byte(hex.EncodeToString(ivHash[:])[:16]),
	}
}

// Encrypt encrypts plaintext with AES-CFB and returns the hex ciphertext.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("cipher init: %w", err)
	}
	src := []byte(plaintext)
	dst := make([]byte, len(src))
	stream := cipher.NewCFBEncrypter(block, c.iv)
	stream.XORKeyStream(dst, src)
	return hex.EncodeToString(dst), nil
}

// Decrypt decrypts a hex ciphertext, trying CBC with padding first, then
// CFB. Returns an error only when both modes fail.
func (c *Cipher) Decrypt(encrypted string) (string, error) {
	data, err := hex.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("cipher init: %w", err)
	}

	if plaintext, err := c.decryptCBC(block, data); err == nil {
		return plaintext, nil
	}

	dst := make([]byte, len(data))
	stream := cipher.NewCFBDecrypter(block, c.iv)
	stream.XORKeyStream(dst, data)
	return string(dst), nil
}

func (c *Cipher) decryptCBC(block cipher.Block, data []byte) (string, error) {
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return "", fmt.Errorf("ciphertext length %d is not a block multiple", len(data))
	}
	dst := make([]byte, len(data))
	mode := cipher.NewCBCDecrypter(block, c.iv)
	mode.CryptBlocks(dst, data)
	return pkcs7Unpad(dst)
}

func pkcs7Unpad(data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("empty plaintext")
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(data) {
		return "", fmt.Errorf("invalid padding %d", pad)
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return "", fmt.Errorf("invalid padding byte")
		}
	}
	return string(data[:len(data)-pad]), nil
}

// MaskAPIKey hides the middle of a credential for safe logging.
func MaskAPIKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) > 6 {
		return key[:3] + "*********" + key[len(key)-3:]
	}
	return key
}
