package hashing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
)

var ErrSignatureInvalid = errors.New("webhook signature invalid")

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Minmo-Signature"

// SignatureVerifier checks provider webhook signatures against the current
// shared secret and any previous secrets still inside their rotation window.
type SignatureVerifier struct {
	mu       sync.RWMutex
	current  []byte
	previous [][]byte
}

func NewSignatureVerifier(current string, previous ...string) *SignatureVerifier {
	v := &SignatureVerifier{current: []byte(current)}
	for _, p := range previous {
		if p != "" {
			v.previous = append(v.previous, []byte(p))
		}
	}
	return v
}

// Sign returns the hex signature of body under the current secret.
func (v *SignatureVerifier) Sign(body []byte) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return hex.EncodeToString(computeMAC(v.current, body))
}

// Verify accepts a hex signature, optionally prefixed "sha256=". A missing
// signature or an unset secret never verifies.
func (v *SignatureVerifier) Verify(body []byte, signature string) error {
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	if signature == "" {
		return ErrSignatureInvalid
	}
	given, err := hex.DecodeString(strings.ToLower(signature))
	if err != nil {
		return ErrSignatureInvalid
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	if len(v.current) > 0 && hmac.Equal(computeMAC(v.current, body), given) {
		return nil
	}
	for _, secret := range v.previous {
		if hmac.Equal(computeMAC(secret, body), given) {
			return nil
		}
	}
	return ErrSignatureInvalid
}

// Rotate makes secret current and keeps the old one acceptable.
func (v *SignatureVerifier) Rotate(secret string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.current) > 0 {
		v.previous = append([][]byte{v.current}, v.previous...)
	}
	v.current = []byte(secret)
}

// Configured reports whether a current secret is set.
func (v *SignatureVerifier) Configured() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.current) > 0
}

func computeMAC(secret, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}
