package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	serviceerrors "github.com/patchsmith/patchsmith/internal/errors"
)

// signaturePrefix is the scheme GitHub prepends to the hex digest in
// the X-Hub-Signature-256 header.
const signaturePrefix = "sha256="

// Sign computes the signature header value for a raw body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks an X-Hub-Signature-256 header value against
// the raw request body using a constant-time comparison.
func VerifySignature(secret, signature string, body []byte) error {
	if secret == "" {
		return serviceerrors.New(serviceerrors.ErrCodeMissingCredential,
			"webhook secret is not configured", nil)
	}
	digest, ok := strings.CutPrefix(signature, signaturePrefix)
	if !ok {
		return serviceerrors.New(serviceerrors.ErrCodeBadSignature,
			"missing sha256 signature", nil)
	}
	got, err := hex.DecodeString(digest)
	if err != nil {
		return serviceerrors.New(serviceerrors.ErrCodeBadSignature,
			"malformed signature digest", err)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return serviceerrors.New(serviceerrors.ErrCodeBadSignature,
			"signature mismatch", nil)
	}
	return nil
}
