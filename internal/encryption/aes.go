package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	symSaltLen   = 8
	symNonceLen  = 12
	symKeyLen    = 32
	symPBKDF2Its = 1024
)

// SymmetricEncryptor derives an AES-256-GCM key from a shared secret via
// PBKDF2 over a per-message random salt. The wire format is
// hex(salt || nonce || ciphertext), so every encryption of the same text
// differs.
type SymmetricEncryptor struct {
	secret []byte
}

var _ TextEncryptor = (*SymmetricEncryptor)(nil)

// NewSymmetricEncryptor creates an encryptor from the shared secret.
func NewSymmetricEncryptor(secret string) (*SymmetricEncryptor, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: empty symmetric key", ErrKeyFormat)
	}
	return &SymmetricEncryptor{secret: []byte(secret)}, nil
}

func (e *SymmetricEncryptor) Encrypt(text string) (string, error) {
	salt := make([]byte, symSaltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	aead, err := e.aead(salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, symNonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, []byte(text), nil)
	payload := append(append(salt, nonce...), sealed...)
	return hex.EncodeToString(payload), nil
}

func (e *SymmetricEncryptor) Decrypt(cipherText string) (string, error) {
	payload, err := hex.DecodeString(cipherText)
	if err != nil {
		return "", fmt.Errorf("decoding ciphertext: %w", err)
	}
	if len(payload) < symSaltLen+symNonceLen+1 {
		return "", fmt.Errorf("ciphertext too short")
	}

	salt := payload[:symSaltLen]
	nonce := payload[symSaltLen : symSaltLen+symNonceLen]
	sealed := payload[symSaltLen+symNonceLen:]

	aead, err := e.aead(salt)
	if err != nil {
		return "", err
	}

	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("opening ciphertext: %w", err)
	}
	return string(plain), nil
}

func (e *SymmetricEncryptor) aead(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(e.secret, salt, symPBKDF2Its, symKeyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("building cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
