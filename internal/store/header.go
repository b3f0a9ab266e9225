package store

import (
	"crypto/md5"
	"encoding/json"
	"fmt"
)

// CanonicalHeaderJSON serialises a header map with stable key ordering so
// that equal maps always hash identically. encoding/json sorts map keys,
// which is exactly the canonical form the header_hash column relies on.
func CanonicalHeaderJSON(header map[string]string) (string, error) {
	if header == nil {
		header = map[string]string{}
	}

	b, err := json.Marshal(header)
	if err != nil {
		return "", fmt.Errorf("store: encoding header: %w", err)
	}

	return string(b), nil
}

// headerHash returns the MD5 digest of the canonical header JSON.
func headerHash(canonical string) []byte {
	sum := md5.Sum([]byte(canonical))
	return sum[:]
}
