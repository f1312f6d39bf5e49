// Package monitor receives push notifications from the hosting forge and
// forces the repository to pull on its next request, bypassing the
// refresh-rate debounce.
package monitor

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-logr/logr"
)

const (
	maxPayloadBytes = 1 << 20 // 1 MiB

	signatureHeader = "X-Hub-Signature-256"
	signaturePrefix = "sha256="
)

// errBadSignature covers every signature problem with one value, so a
// caller's response cannot reveal whether the header was missing, malformed,
// or signed with the wrong key.
var errBadSignature = errors.New("push notification signature mismatch")

// Refresher is the slice of the repository the receiver needs.
type Refresher interface {
	ForceNextPull()
}

// Receiver handles POST /monitor payloads.
type Receiver struct {
	Refresher  Refresher
	HMACSecret string
	Log        logr.Logger

	// Accepted is called once per accepted notification; may be nil.
	Accepted func()
}

// ServeHTTP validates the signature, extracts the pushed ref, and arms the
// force-pull latch.
func (rv *Receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := rv.Log.WithName("monitor")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		log.Error(err, "failed to read request body")
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	// Validate the signature before doing anything with the payload.
	if rv.HMACSecret != "" {
		if err := verifySignature(rv.HMACSecret, body, r.Header.Get(signatureHeader)); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	ref, source := parsePayload(body)
	if ref == "" {
		http.Error(w, `{"error":"no ref found in payload"}`, http.StatusBadRequest)
		return
	}

	rv.Refresher.ForceNextPull()
	if rv.Accepted != nil {
		rv.Accepted()
	}

	log.Info("push notification accepted", "ref", ref, "source", source)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"accepted": true,
		"ref":      ref,
	})
}

// verifySignature checks the hex-encoded HMAC-SHA256 header the forge sends
// with each delivery. The comparison runs on the decoded MAC bytes through
// hmac.Equal.
func verifySignature(secret string, body []byte, header string) error {
	encoded, ok := strings.CutPrefix(header, signaturePrefix)
	if !ok {
		return errBadSignature
	}
	claimed, err := hex.DecodeString(encoded)
	if err != nil {
		return errBadSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), claimed) {
		return errBadSignature
	}
	return nil
}

// parsePayload auto-detects the payload format and extracts the pushed ref.
// Returns (ref, source) where source identifies the detected format.
func parsePayload(body []byte) (string, string) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return "", ""
	}

	// GitHub push: { "ref": "refs/heads/main", "repository": {...} }
	if ref, ok := raw["ref"].(string); ok && ref != "" {
		return strings.TrimPrefix(ref, "refs/heads/"), "github"
	}

	// GitLab pushes carry "ref" too (handled above); tag deletions only
	// leave "checkout_sha".
	if sha, ok := raw["checkout_sha"].(string); ok && sha != "" {
		return sha, "gitlab"
	}

	// Generic path-based notification with no ref; any value forces a pull
	// of the current label.
	if path, ok := raw["path"].(string); ok && path != "" {
		return path, "generic"
	}

	return "", ""
}
