package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"unicode/utf8"
)

// DefaultPreviewLength is the number of runes kept in input and output previews.
const DefaultPreviewLength = 200

const previewEllipsis = "…"

// Fingerprint returns the content address of b as "sha256:<hex>".
func Fingerprint(b []byte) string {
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Preview truncates s to at most n runes, appending an ellipsis when truncated.
// Whitespace runs are collapsed so previews stay on one line in list views.
func Preview(s string, n int) string {
	if n <= 0 {
		n = DefaultPreviewLength
	}
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + previewEllipsis
}

// OutputText returns the human-readable part of a normalized payload: the "text" field
// when present, then "url", then the canonical JSON of the payload.
func OutputText(payload map[string]interface{}) string {
	if payload == nil {
		return ""
	}
	if text, ok := payload["text"].(string); ok {
		return text
	}
	if url, ok := payload["url"].(string); ok {
		return url
	}
	return string(canonicalJSON(payload))
}

// canonicalJSON marshals v with sorted map keys. Values that cannot be marshalled
// yield nil, which hashes to the empty-input fingerprint.
func canonicalJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
