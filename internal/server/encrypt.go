package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/ia-eknorr/gitconfig-server/internal/encryption"
)

const maxEncryptBodyBytes = 1 << 20 // 1 MiB

func (s *Server) handleEncrypt(w http.ResponseWriter, r *http.Request) {
	data, ok := s.readBody(w, r, false)
	if !ok {
		return
	}

	keys, prefix, payload := encryption.ParseKeyPrefix(data)
	addPathSelectors(keys, r)

	key, err := s.Locator.Locate(keys)
	if err != nil {
		s.Metrics.EncryptRequests.WithLabelValues("encrypt", "error").Inc()
		s.writeEncryptionError(w, err)
		return
	}
	if err := encryption.WeaknessCheck(key.Encryptor); err != nil {
		s.Metrics.EncryptRequests.WithLabelValues("encrypt", "error").Inc()
		s.writeEncryptionError(w, err)
		return
	}

	cipherText, err := key.Encryptor.Encrypt(payload)
	if err != nil {
		s.Metrics.EncryptRequests.WithLabelValues("encrypt", "error").Inc()
		s.Log.Error(err, "encryption failed")
		writeError(w, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "encryption failed")
		return
	}

	s.Metrics.EncryptRequests.WithLabelValues("encrypt", "success").Inc()
	writeText(w, prefix+cipherText)
}

func (s *Server) handleDecrypt(w http.ResponseWriter, r *http.Request) {
	data, ok := s.readBody(w, r, true)
	if !ok {
		return
	}

	keys, _, payload := encryption.ParseKeyPrefix(data)
	addPathSelectors(keys, r)

	key, err := s.Locator.Locate(keys)
	if err != nil {
		s.Metrics.EncryptRequests.WithLabelValues("decrypt", "error").Inc()
		s.writeEncryptionError(w, err)
		return
	}
	if !key.CanDecrypt {
		s.Metrics.EncryptRequests.WithLabelValues("decrypt", "error").Inc()
		s.writeEncryptionError(w, encryption.ErrDecryptionNotSupported)
		return
	}

	plainText, err := key.Encryptor.Decrypt(payload)
	if err != nil {
		s.Metrics.EncryptRequests.WithLabelValues("decrypt", "error").Inc()
		if errors.Is(err, encryption.ErrDecryptionNotSupported) {
			s.writeEncryptionError(w, err)
			return
		}
		// Whatever the cipher layer reports, the client handed us text this
		// key cannot open.
		s.writeEncryptionError(w, encryption.ErrInvalidCipher)
		return
	}

	s.Metrics.EncryptRequests.WithLabelValues("decrypt", "success").Inc()
	writeText(w, plainText)
}

func (s *Server) handleKey(w http.ResponseWriter, r *http.Request) {
	keys := map[string]string{}
	addPathSelectors(keys, r)

	key, err := s.Locator.Locate(keys)
	if err != nil {
		s.writeEncryptionError(w, err)
		return
	}
	if key.PublicKeyPEM == "" {
		s.writeEncryptionError(w, encryption.ErrKeyNotAvailable)
		return
	}
	writeText(w, key.PublicKeyPEM)
}

func (s *Server) handleEncryptStatus(w http.ResponseWriter, r *http.Request) {
	key, err := s.Locator.Locate(map[string]string{})
	if err != nil {
		s.writeEncryptionError(w, err)
		return
	}
	if err := encryption.WeaknessCheck(key.Encryptor); err != nil {
		s.writeEncryptionError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "OK"})
}

// readBody reads the request body and undoes form-encoding damage.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request, decrypting bool) (string, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEncryptBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "failed to read body")
		return "", false
	}
	data := encryption.TrimFormData(string(body), r.Header.Get("Content-Type"), decrypting)
	if strings.TrimSpace(data) == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "empty request body")
		return "", false
	}
	return data, true
}

// addPathSelectors folds the optional {name}/{profiles} path segments into
// the key selector.
func addPathSelectors(keys map[string]string, r *http.Request) {
	if name := r.PathValue("name"); name != "" {
		keys["name"] = name
	}
	if profiles := r.PathValue("profiles"); profiles != "" {
		keys["profiles"] = profiles
	}
}

// writeEncryptionError maps the encryption error taxonomy onto the wire
// contract.
func (s *Server) writeEncryptionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, encryption.ErrKeyNotInstalled):
		writeError(w, http.StatusNotFound, "NO_KEY", "No key was installed for encryption service")
	case errors.Is(err, encryption.ErrKeyNotAvailable):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "No public key available")
	case errors.Is(err, encryption.ErrDecryptionNotSupported):
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Server-side decryption is not supported")
	case errors.Is(err, encryption.ErrEncryptionTooWeak):
		writeError(w, http.StatusNotFound, "INVALID", "The encryption algorithm is not strong enough")
	case errors.Is(err, encryption.ErrInvalidCipher):
		writeError(w, http.StatusBadRequest, "INVALID", "Text not encrypted with this key")
	case errors.Is(err, encryption.ErrKeyFormat):
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Key data not in correct format (PEM or jks keystore)")
	default:
		s.Log.Error(err, "encryption request failed")
		writeError(w, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "encryption service error")
	}
}

func writeText(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(body))
}
