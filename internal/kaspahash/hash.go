// Package kaspahash defines the hashing collaborator the share validator
// calls into: a keyed pre-PoW hash over the serialized header, and a
// second hash that folds in the timestamp and nonce to produce the value
// compared against target. The real Kaspa hash functions live in the
// node and are not reimplemented here; Hasher is the seam a production
// build would wire to that code, and BlakeHasher is a concrete,
// ecosystem-grounded stand-in used for development and tests.
package kaspahash

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

// Digest is a fixed 32-byte hash output.
type Digest [32]byte

// Hasher computes the two hashes a job needs: PrePowHash over the
// header bytes excluding timestamp/nonce, and PowHash which mixes the
// pre-PoW digest with timestamp and nonce to produce the proof-of-work
// value compared against a target.
type Hasher interface {
	PrePowHash(headerPrePow []byte) Digest
	PowHash(prePow Digest, timestamp int64, nonce uint64) Digest
}

var prePowKey = []byte("kaspa-stratum-bridge/pre-pow")
var powKey = []byte("kaspa-stratum-bridge/pow")

// BlakeHasher implements Hasher with keyed BLAKE2b-256, standing in for
// Kaspa's pre-PoW and PoW hash functions. It is deterministic and keyed
// the way the real functions are, but is not bit-compatible with the
// Kaspa node's own hash.
type BlakeHasher struct{}

// NewBlakeHasher returns the stand-in Hasher.
func NewBlakeHasher() *BlakeHasher {
	return &BlakeHasher{}
}

// PrePowHash hashes the header bytes with a fixed key, distinct from the
// key PowHash uses, so the two stages can never collide.
func (BlakeHasher) PrePowHash(headerPrePow []byte) Digest {
	h, err := blake2b.New256(prePowKey)
	if err != nil {
		panic("kaspahash: blake2b key too long: " + err.Error())
	}
	h.Write(headerPrePow)
	var d Digest
	h.Sum(d[:0])
	return d
}

// PowHash mixes the pre-PoW digest with the candidate timestamp and
// nonce to produce the value a submission's difficulty is measured
// against.
func (BlakeHasher) PowHash(prePow Digest, timestamp int64, nonce uint64) Digest {
	h, err := blake2b.New256(powKey)
	if err != nil {
		panic("kaspahash: blake2b key too long: " + err.Error())
	}
	h.Write(prePow[:])

	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(timestamp))
	binary.LittleEndian.PutUint64(buf[8:16], nonce)
	h.Write(buf[:])

	var d Digest
	h.Sum(d[:0])
	return d
}
