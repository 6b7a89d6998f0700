// Package signature implements the HMAC field-signing scheme shared with the
// bank payment bridge.
//
// Canonical scheme: field keys are sorted lexicographically, the corresponding
// VALUES are joined with "|", and an HMAC-SHA-256 is computed over that string
// with the shared secret. The digest is encoded as lowercase hex. The
// "signature" field itself is never part of the canonical string. The same
// scheme is used for payment initiation, status inquiry and callback
// verification; the bridge team confirmed the pipe-joined sorted form is the
// authoritative one.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// FieldName is the reserved key carrying the signature itself.
const FieldName = "signature"

// Signer signs and verifies canonicalized field maps with a shared secret.
type Signer struct {
	secret []byte
}

// NewSigner creates a Signer. The secret comes from configuration and is
// never read from the environment here.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Canonicalize returns the canonical string for a field map: values joined
// with "|" in lexicographic key order, excluding the signature field.
func Canonicalize(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k == FieldName {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	values := make([]string, 0, len(keys))
	for _, k := range keys {
		values = append(values, fields[k])
	}
	return strings.Join(values, "|")
}

// Sign computes the lowercase-hex HMAC-SHA-256 over the canonical string.
func (s *Signer) Sign(fields map[string]string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(Canonicalize(fields)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature and compares in constant time.
// Fails closed: an empty secret, an empty signature or a non-hex signature
// all yield false. It never returns an error.
func (s *Signer) Verify(fields map[string]string, sig string) bool {
	if len(s.secret) == 0 || sig == "" {
		return false
	}

	received, err := hex.DecodeString(strings.ToLower(sig))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(Canonicalize(fields)))
	return hmac.Equal(mac.Sum(nil), received)
}
