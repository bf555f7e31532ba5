package crypto

import (
	"crypto"
	"fmt"

	// Registers SHA3-256/384/512 with crypto.Hash.
	_ "golang.org/x/crypto/sha3"
)

// Digest hashes data with h.
func Digest(h crypto.Hash, data []byte) ([]byte, error) {
	if !h.Available() {
		return nil, fmt.Errorf("hash algorithm %v not available", h)
	}
	hasher := h.New()
	hasher.Write(data)
	return hasher.Sum(nil), nil
}
