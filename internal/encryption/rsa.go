package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"io"
)

// RSAEncryptor is a hybrid encryptor: a fresh AES-256-GCM session key per
// message, wrapped with RSA-OAEP(SHA-256). The wire format is
// base64(len(wrapped) || wrapped || nonce || ciphertext). A holder built
// from a public key alone can encrypt but not decrypt.
type RSAEncryptor struct {
	private *rsa.PrivateKey
	public  *rsa.PublicKey
}

var (
	_ TextEncryptor   = (*RSAEncryptor)(nil)
	_ PublicKeyHolder = (*RSAEncryptor)(nil)
	_ DecryptCapable  = (*RSAEncryptor)(nil)
)

// NewRSAEncryptor builds an encryptor from PEM key material: an RSA private
// key (PKCS#1 or PKCS#8) or a public key (PKIX or PKCS#1).
func NewRSAEncryptor(pemData []byte) (*RSAEncryptor, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrKeyFormat)
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyFormat, err)
		}
		return &RSAEncryptor{private: key, public: &key.PublicKey}, nil
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyFormat, err)
		}
		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an RSA private key", ErrKeyFormat)
		}
		return &RSAEncryptor{private: key, public: &key.PublicKey}, nil
	case "PUBLIC KEY":
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyFormat, err)
		}
		pub, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an RSA public key", ErrKeyFormat)
		}
		return &RSAEncryptor{public: pub}, nil
	case "RSA PUBLIC KEY":
		pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyFormat, err)
		}
		return &RSAEncryptor{public: pub}, nil
	}
	return nil, fmt.Errorf("%w: unsupported PEM type %q", ErrKeyFormat, block.Type)
}

// CanDecrypt reports whether the holder has the private half.
func (e *RSAEncryptor) CanDecrypt() bool {
	return e.private != nil
}

// PublicKeyPEM returns the PKIX-encoded public key.
func (e *RSAEncryptor) PublicKeyPEM() string {
	der, err := x509.MarshalPKIXPublicKey(e.public)
	if err != nil {
		return ""
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func (e *RSAEncryptor) Encrypt(text string) (string, error) {
	session := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, session); err != nil {
		return "", fmt.Errorf("generating session key: %w", err)
	}

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, e.public, session, nil)
	if err != nil {
		return "", fmt.Errorf("wrapping session key: %w", err)
	}

	block, err := aes.NewCipher(session)
	if err != nil {
		return "", err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, []byte(text), nil)

	payload := make([]byte, 2, 2+len(wrapped)+len(nonce)+len(sealed))
	binary.BigEndian.PutUint16(payload, uint16(len(wrapped)))
	payload = append(payload, wrapped...)
	payload = append(payload, nonce...)
	payload = append(payload, sealed...)
	return base64.StdEncoding.EncodeToString(payload), nil
}

func (e *RSAEncryptor) Decrypt(cipherText string) (string, error) {
	if !e.CanDecrypt() {
		return "", ErrDecryptionNotSupported
	}

	payload, err := base64.StdEncoding.DecodeString(cipherText)
	if err != nil {
		return "", fmt.Errorf("decoding ciphertext: %w", err)
	}
	if len(payload) < 2 {
		return "", fmt.Errorf("ciphertext too short")
	}
	wrappedLen := int(binary.BigEndian.Uint16(payload))
	rest := payload[2:]
	if len(rest) < wrappedLen+12+1 {
		return "", fmt.Errorf("ciphertext too short")
	}

	session, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, e.private, rest[:wrappedLen], nil)
	if err != nil {
		return "", fmt.Errorf("unwrapping session key: %w", err)
	}

	block, err := aes.NewCipher(session)
	if err != nil {
		return "", err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := rest[wrappedLen : wrappedLen+aead.NonceSize()]
	sealed := rest[wrappedLen+aead.NonceSize():]

	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("opening ciphertext: %w", err)
	}
	return string(plain), nil
}
