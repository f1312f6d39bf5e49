package encryption

import (
	"fmt"
	"os"
	"strings"
)

// KeyConfig mirrors the encrypt.* configuration keys.
type KeyConfig struct {
	// Key is either a symmetric shared secret or inline PEM key material.
	Key string

	// Keystore fields point at a PEM key file on disk. Only the location is
	// read: the file's single PEM key is installed, and the password and
	// alias are carried but not used to select or unlock a key.
	KeystoreLocation string
	KeystorePassword string
	KeystoreAlias    string
}

// InstallFromConfig builds the configured encryptor and installs it on the
// chain. With no key configured the chain stays empty and the encryption
// endpoints answer NO_KEY.
func InstallFromConfig(chain *KeyChain, cfg KeyConfig) error {
	enc, err := buildEncryptor(cfg)
	if err != nil {
		return err
	}
	if enc == nil {
		return nil
	}
	chain.Install(enc)
	return nil
}

func buildEncryptor(cfg KeyConfig) (TextEncryptor, error) {
	if cfg.KeystoreLocation != "" {
		pemData, err := os.ReadFile(cfg.KeystoreLocation)
		if err != nil {
			return nil, fmt.Errorf("%w: reading keystore %s: %v", ErrKeyFormat, cfg.KeystoreLocation, err)
		}
		return NewRSAEncryptor(pemData)
	}

	if cfg.Key == "" {
		return nil, nil
	}
	if strings.Contains(cfg.Key, "-----BEGIN") {
		return NewRSAEncryptor([]byte(cfg.Key))
	}
	return NewSymmetricEncryptor(cfg.Key)
}
