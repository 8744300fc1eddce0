package library

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

func Sha256Sum(data interface{}) Sha256 {
	var b []byte
	switch d := data.(type) {
	case string:
		b = []byte(d)
	case []byte:
		b = d
	default:
		LogCLI("attempted to hash non-string or non-[]byte", 0)
	}
	h := sha256.New()
	h.Write(b)
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Hash-tag prefixes. Lookup tags on the wire are always a hash of
// prefix+value, never the plaintext value.
const (
	TagPrefixIdentity = "identity:"
	TagPrefixName     = "name:"
	TagPrefixChainKey = "chainkey:"
	TagPrefixAddress  = "address:"
	TagPrefixTopic    = "topic:"
)

// HashTag produces the privacy-preserving indexed lookup tag for a value.
// Names are case-folded first so that "Alice" and "alice" claim the same slot.
func HashTag(prefix, value string) Sha256 {
	if prefix == TagPrefixName {
		value = strings.ToLower(strings.TrimSpace(value))
	}
	return Sha256Sum(prefix + value)
}
