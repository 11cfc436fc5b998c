package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"math/bits"
	"regexp"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

var (
	urlPattern     = regexp.MustCompile(`(?i)\b(?:https?://|www\.)\S+`)
	hashtagPattern = regexp.MustCompile(`#(\w+)`)
)

// Normalize lowercases text, drops URLs and maps punctuation to spaces so
// that posts differing only in links, case or spacing normalize alike.
func Normalize(text string) string {
	text = urlPattern.ReplaceAllString(strings.ToLower(text), " ")
	text = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return ' '
	}, text)
	return strings.Join(strings.Fields(text), " ")
}

// ExtractHashtags returns the lowercased hashtags of raw text in order of
// first appearance.
func ExtractHashtags(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range hashtagPattern.FindAllStringSubmatch(text, -1) {
		tag := strings.ToLower(m[1])
		if !seen[tag] {
			seen[tag] = true
			out = append(out, tag)
		}
	}
	return out
}

// ContentHash is the SHA-256 hex digest of normalized text.
func ContentHash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// Simhash computes a 64-bit simhash over the distinct words of normalized
// text; a repeated word counts once. Empty input hashes to zero.
func Simhash(normalized string) uint64 {
	tokens := strings.Fields(normalized)
	if len(tokens) == 0 {
		return 0
	}

	var weights [64]int
	seen := make(map[string]bool, len(tokens))
	for _, tok := range tokens {
		if seen[tok] {
			continue
		}
		seen[tok] = true

		h := xxhash.Sum64String(tok)
		for i := 0; i < 64; i++ {
			if h&(1<<uint(i)) != 0 {
				weights[i]++
			} else {
				weights[i]--
			}
		}
	}

	var out uint64
	for i, w := range weights {
		if w > 0 {
			out |= 1 << uint(i)
		}
	}
	return out
}

// Hamming returns the number of differing bits between a and b.
func Hamming(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}
