package encryption

import (
	"encoding/base64"
	"encoding/hex"
	"net/url"
	"strings"
)

// TrimFormData undoes the damage form submission does to encrypt/decrypt
// bodies. Browsers and naive clients post with a form content type, which
// URL-encodes the payload and appends "=" as if it were a form field with
// no value. Clients depend on the exact recovery behaviour below, quirks
// included; do not clean it up.
//
// For non-text/plain bodies ending in "=": URL-decode, and when decrypting
// turn spaces back into "+" (form parsing ate the base64 plus signs). The
// trailing "=" is stripped only when the result still looks like ciphertext:
// when decrypting, an odd-length body whose stripped form parses as hex or
// base64 keeps the stripped form; anything else keeps the decoded body.
// When encrypting, the stripped form is always used (the client sent a form
// but meant text).
func TrimFormData(data, contentType string, decrypting bool) string {
	if strings.HasPrefix(contentType, "text/plain") || !strings.HasSuffix(data, "=") {
		return data
	}

	if decoded, err := url.QueryUnescape(data); err == nil {
		data = decoded
	}
	if decrypting {
		data = strings.ReplaceAll(data, " ", "+")
	}

	candidate := strings.TrimSuffix(data, "=")

	if decrypting {
		if strings.HasSuffix(data, "=") && len(data)/2 != (len(data)+1)/2 {
			if _, err := hex.DecodeString(candidate); err == nil {
				return candidate
			}
			if _, err := base64.StdEncoding.DecodeString(candidate); err == nil {
				return candidate
			}
		}
		return data
	}

	return candidate
}
