package msgcrypt

import (
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"sort"
	"strings"
)

// Sign computes the msg_signature for a timestamp, nonce and content triple.
func (c *Crypter) Sign(timestamp, nonce, content string) string {
	return computeSignature(c.token, timestamp, nonce, content)
}

// Verify reports whether signature matches the expected msg_signature.
// The comparison is constant-time.
func (c *Crypter) Verify(signature, timestamp, nonce, content string) bool {
	if signature == "" {
		return false
	}
	expected := computeSignature(c.token, timestamp, nonce, content)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

func computeSignature(token, timestamp, nonce, content string) string {
	parts := []string{token, timestamp, nonce, content}
	sort.Strings(parts)

	sum := sha1.Sum([]byte(strings.Join(parts, "")))
	return hex.EncodeToString(sum[:])
}
