// Package encryption holds the server-side key material and the encryptors
// behind the encrypt/decrypt/key endpoints.
package encryption

import (
	"errors"
	"strings"
	"sync/atomic"
)

// Domain error kinds for the encryption surface. The HTTP layer maps them
// to status codes and {status, description} bodies.
var (
	ErrKeyNotInstalled        = errors.New("no key was installed for encryption service")
	ErrKeyNotAvailable        = errors.New("no public key available")
	ErrEncryptionTooWeak      = errors.New("the encryption algorithm is not strong enough")
	ErrInvalidCipher          = errors.New("text not encrypted with this key")
	ErrDecryptionNotSupported = errors.New("server-side decryption is not supported")
	ErrKeyFormat              = errors.New("key data not in correct format (PEM or jks keystore)")
)

// TextEncryptor maps plaintext to ciphertext and, when it holds a private
// key, back.
type TextEncryptor interface {
	Encrypt(text string) (string, error)
	Decrypt(cipher string) (string, error)
}

// PublicKeyHolder is implemented by encryptors that can expose a PEM public
// key.
type PublicKeyHolder interface {
	PublicKeyPEM() string
}

// DecryptCapable is implemented by asymmetric encryptors that may hold only
// the public half of a key pair.
type DecryptCapable interface {
	CanDecrypt() bool
}

// ActiveKey is the single holder of the installed key material. It is
// replaced wholesale on key install; readers see either the old or the new
// fully-constructed value.
type ActiveKey struct {
	Encryptor    TextEncryptor
	PublicKeyPEM string
	CanDecrypt   bool
}

// KeyChain publishes the active key to request handlers. Copy-on-write:
// Install swaps the pointer atomically.
type KeyChain struct {
	active atomic.Pointer[ActiveKey]
}

// NewKeyChain returns an empty key chain.
func NewKeyChain() *KeyChain {
	return &KeyChain{}
}

// Install makes enc the active encryptor.
func (k *KeyChain) Install(enc TextEncryptor) {
	key := &ActiveKey{Encryptor: enc, CanDecrypt: true}
	if holder, ok := enc.(PublicKeyHolder); ok {
		key.PublicKeyPEM = holder.PublicKeyPEM()
	}
	if dc, ok := enc.(DecryptCapable); ok {
		key.CanDecrypt = dc.CanDecrypt()
	}
	k.active.Store(key)
}

// Active returns the installed key, or nil when none is installed.
func (k *KeyChain) Active() *ActiveKey {
	return k.active.Load()
}

// Locator resolves an encryptor for a request-scoped key selector. The
// default locator ignores the selector and returns the active key; the
// selector keys still travel with the ciphertext as a prefix so a
// multi-key deployment can route on them.
type Locator interface {
	Locate(keys map[string]string) (*ActiveKey, error)
}

// ChainLocator is the single-key Locator over a KeyChain.
type ChainLocator struct {
	Chain *KeyChain
}

func (l ChainLocator) Locate(map[string]string) (*ActiveKey, error) {
	key := l.Chain.Active()
	if key == nil || key.Encryptor == nil {
		return nil, ErrKeyNotInstalled
	}
	return key, nil
}

// WeaknessCheck rejects encryptors that round-trip text unchanged: a no-op
// cipher must never be handed ciphertext-looking plaintext.
func WeaknessCheck(enc TextEncryptor) error {
	out, err := enc.Encrypt("FOO")
	if err == nil && out == "FOO" {
		return ErrEncryptionTooWeak
	}
	return nil
}

// ParseKeyPrefix splits leading "{k:v}" selector groups off data, returning
// the selector map, the canonical prefix to re-attach to ciphertext, and
// the remaining payload.
func ParseKeyPrefix(data string) (keys map[string]string, prefix, rest string) {
	keys = map[string]string{}
	rest = data
	var b strings.Builder
	for strings.HasPrefix(rest, "{") {
		end := strings.Index(rest, "}")
		if end < 0 {
			break
		}
		body := rest[1:end]
		sep := strings.Index(body, ":")
		if sep <= 0 {
			break
		}
		keys[body[:sep]] = body[sep+1:]
		b.WriteString(rest[:end+1])
		rest = rest[end+1:]
	}
	return keys, b.String(), rest
}
