// Package simhash computes 64-bit locality-sensitive fingerprints for
// near-duplicate detection over extracted article text.
package simhash

import (
	"crypto/md5"
	"encoding/binary"
	"math/bits"
	"strings"
)

const hashBits = 64

// shingleSize is the word n-gram width used to tokenize text.
const shingleSize = 3

func shingles(text string) []string {
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		return nil
	}
	if len(words) < shingleSize {
		return []string{strings.Join(words, " ")}
	}
	out := make([]string, 0, len(words)-shingleSize+1)
	for i := 0; i+shingleSize <= len(words); i++ {
		out = append(out, strings.Join(words[i:i+shingleSize], " "))
	}
	return out
}

func hash64(token string) uint64 {
	sum := md5.Sum([]byte(token))
	return binary.LittleEndian.Uint64(sum[:8])
}

// Fingerprint returns the SimHash of text as a signed 64-bit integer so it
// can be stored directly in a Postgres BIGINT column. Identical text always
// yields an identical fingerprint; empty text yields 0.
func Fingerprint(text string) int64 {
	tokens := shingles(text)
	if len(tokens) == 0 {
		return 0
	}

	var votes [hashBits]int
	for _, token := range tokens {
		h := hash64(token)
		for i := 0; i < hashBits; i++ {
			if h&(1<<uint(i)) != 0 {
				votes[i]++
			} else {
				votes[i]--
			}
		}
	}

	var fp uint64
	for i := 0; i < hashBits; i++ {
		if votes[i] > 0 {
			fp |= 1 << uint(i)
		}
	}
	return int64(fp)
}

// Hamming counts differing bits between two fingerprints. The conversion to
// uint64 makes the XOR well-defined for negative (sign-bit set) values.
func Hamming(a, b int64) int {
	return bits.OnesCount64(uint64(a) ^ uint64(b))
}
