// Package idgen mints instance identifiers. Ids are the template name plus a
// short base36 suffix, so logs and API responses stay readable while
// collisions stay negligible for a registry's lifetime.
package idgen

import (
	"crypto/rand"
	"math/big"
	"strings"
)

// base36Alphabet is the character set for base36 encoding (0-9, a-z).
const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// suffixLen is the number of base36 characters in an id suffix. Six chars
// over 5 random bytes gives ~40 bits of entropy.
const suffixLen = 6

// NewInstanceID returns "<template>-<suffix>" with a fresh random suffix.
func NewInstanceID(template string) string {
	buf := make([]byte, 5)
	rand.Read(buf)
	return template + "-" + encodeBase36(buf, suffixLen)
}

// encodeBase36 converts bytes to a base36 string of exactly the given
// length, zero-padded on the left.
func encodeBase36(data []byte, length int) string {
	num := new(big.Int).SetBytes(data)
	base := big.NewInt(36)
	zero := big.NewInt(0)
	mod := new(big.Int)

	chars := make([]byte, 0, length)
	for num.Cmp(zero) > 0 {
		num.DivMod(num, base, mod)
		chars = append(chars, base36Alphabet[mod.Int64()])
	}
	for i, j := 0, len(chars)-1; i < j; i, j = i+1, j-1 {
		chars[i], chars[j] = chars[j], chars[i]
	}

	str := string(chars)
	if len(str) < length {
		str = strings.Repeat("0", length-len(str)) + str
	}
	if len(str) > length {
		str = str[len(str)-length:]
	}
	return str
}
