package webhookutils

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

var (
	ErrMissingSignature = errors.New("missing webhook signature")
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// Sign returns the "sha256=<hex>" signature of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks an HMAC-SHA256 signature header of the form
// "sha256=<hex>", as sent by GitHub and by Bitbucket webhooks with a
// secret. An empty secret disables verification.
func VerifySignature(secret, header string, body []byte) error {
	if secret == "" {
		return nil
	}
	header = strings.TrimSpace(header)
	if header == "" {
		return ErrMissingSignature
	}
	if !strings.HasPrefix(header, "sha256=") {
		return ErrInvalidSignature
	}
	if !hmac.Equal([]byte(Sign(secret, body)), []byte(header)) {
		return ErrInvalidSignature
	}
	return nil
}
