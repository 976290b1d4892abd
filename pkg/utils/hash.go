package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"maps"
	"slices"
)

// SumSHA256 returns the SHA-256 checksum of the provided data.
func SumSHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// DigestFields returns the hex SHA-256 of head followed by the key=value pairs
// of fields in key order, each terminated by a newline. Equal inputs always
// produce equal digests regardless of map iteration order.
func DigestFields(head string, fields map[string]string) string {
	buf := make([]byte, 0, 256)
	buf = append(buf, head...)
	buf = append(buf, '\n')
	for _, k := range slices.Sorted(maps.Keys(fields)) {
		buf = append(buf, k...)
		buf = append(buf, '=')
		buf = append(buf, fields[k]...)
		buf = append(buf, '\n')
	}
	sum := SumSHA256(buf)
	return hex.EncodeToString(sum[:])
}
