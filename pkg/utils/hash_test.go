package utils

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSumSHA256(t *testing.T) {
	sum := SumSHA256([]byte("abc"))
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", hex.EncodeToString(sum[:]))
}

func TestDigestFieldsIsOrderIndependent(t *testing.T) {
	a := DigestFields("https://a.example.com", map[string]string{"x": "1", "y": "2"})
	b := DigestFields("https://a.example.com", map[string]string{"y": "2", "x": "1"})
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	assert.NotEqual(t, a, DigestFields("https://b.example.com", map[string]string{"x": "1", "y": "2"}))
	assert.NotEqual(t, a, DigestFields("https://a.example.com", map[string]string{"x": "1"}))
}
