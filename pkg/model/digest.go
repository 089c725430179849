package model

import (
	"crypto/sha1"
	"encoding/hex"
	"hash"
	"io"
)

// Sha1Bytes returns the lowercase hex sha1 of b.
func Sha1Bytes(b []byte) string {
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:])
}

// Sha1Reader hashes r to EOF, returning the lowercase hex sha1 and
// the number of bytes read.
func Sha1Reader(r io.Reader) (string, uint64, error) {
	h := sha1.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), uint64(n), nil
}

// NewSha1 returns the hash.Hash used for all content digests.
func NewSha1() hash.Hash { return sha1.New() }

// HexSum finalizes h as lowercase hex.
func HexSum(h hash.Hash) string { return hex.EncodeToString(h.Sum(nil)) }
