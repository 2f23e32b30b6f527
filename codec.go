// Package kitchencache provides the core identity types for resolving
// Google Emoji Kitchen combination images: emoji codepoint encoding, the
// order-independent pair key used by every cache, and the CDN URL segment
// form.
package kitchencache

import (
	"fmt"
	"strconv"
	"strings"
)

// Codepoint is the canonical identity of one emoji grapheme: the sequence of
// Unicode scalar values serialized as lowercase hyphen-joined hex, e.g.
// "1f600" or "2764-fe0f". Variation selectors, skin-tone modifiers and ZWJ
// sequences are all retained as components.
type Codepoint string

// PairKey is the order-independent cache identity for two codepoints:
// both codepoints sorted lexicographically and joined with an underscore.
// PairKeyOf(a, b) == PairKeyOf(b, a) always holds.
type PairKey string

// CodepointOf converts one emoji grapheme to its Codepoint form.
// The input is assumed to be exactly one grapheme; segmentation is the
// caller's responsibility.
func CodepointOf(emoji string) Codepoint {
	var parts []string
	for _, r := range emoji {
		parts = append(parts, strconv.FormatUint(uint64(r), 16))
	}
	return Codepoint(strings.Join(parts, "-"))
}

// URLSegmentOf converts a Codepoint to the CDN path segment form by
// prefixing each hyphen-delimited component with "u":
// "2764-fe0f" -> "u2764-ufe0f".
func URLSegmentOf(cp Codepoint) string {
	parts := strings.Split(string(cp), "-")
	for i, p := range parts {
		parts[i] = "u" + p
	}
	return strings.Join(parts, "-")
}

// ParseCodepoint interprets s as either an already-encoded codepoint string
// ("1f600", "2764-fe0f", case-insensitive) or a literal emoji grapheme, and
// returns the canonical Codepoint.
func ParseCodepoint(s string) (Codepoint, error) {
	if s == "" {
		return "", fmt.Errorf("empty codepoint")
	}
	if isEncoded(s) {
		return Codepoint(strings.ToLower(s)), nil
	}
	return CodepointOf(s), nil
}

// isEncoded reports whether s is hyphen-joined hex components, each a
// plausible Unicode scalar value (1 to 6 hex digits).
func isEncoded(s string) bool {
	for _, part := range strings.Split(s, "-") {
		if len(part) == 0 || len(part) > 6 {
			return false
		}
		for i := 0; i < len(part); i++ {
			c := part[i]
			if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
				return false
			}
		}
	}
	return true
}

// PairKeyOf builds the canonical cache key for a pair of codepoints.
func PairKeyOf(a, b Codepoint) PairKey {
	if b < a {
		a, b = b, a
	}
	return PairKey(string(a) + "_" + string(b))
}

// Codepoints splits a PairKey back into its two codepoints.
func (k PairKey) Codepoints() (Codepoint, Codepoint) {
	s := string(k)
	if i := strings.IndexByte(s, '_'); i >= 0 {
		return Codepoint(s[:i]), Codepoint(s[i+1:])
	}
	return Codepoint(s), ""
}

func (k PairKey) String() string { return string(k) }

func (c Codepoint) String() string { return string(c) }
