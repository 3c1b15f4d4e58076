package syncstate

import "crypto/rand"

// tuidAlphabet matches the A-Za-z0-9+/ alphabet from spec.md §4.4.
const tuidAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

// NewTUID generates a fresh random 12-byte temporary identifier.
func NewTUID() (TUID, error) {
	buf := make([]byte, TUIDLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, TUIDLen)
	for i, b := range buf {
		out[i] = tuidAlphabet[b&0x3f]
	}
	return TUID(out), nil
}
