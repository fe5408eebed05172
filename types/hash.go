package types

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Hash is a SHA-256 digest. It wraps a byte slice rather than an array so
// that optional hashes can be represented as nil pointers throughout the
// record types.
type Hash struct {
	Data []byte `cbor:"1,keyasint"`
}

// Signature is an opaque detached signature. The core never verifies
// signatures; transport authenticates messages before submission and the
// signer collaborator produces them.
type Signature struct {
	Data []byte `cbor:"1,keyasint"`
}

// PublicKey is an Ed25519 public key carried for collaborators that sign.
type PublicKey struct {
	Data []byte `cbor:"1,keyasint"`
}

// HashSize is the expected size of a hash in bytes
const HashSize = 32

// SignatureSize is the expected size of a signature in bytes
const SignatureSize = 64

// PublicKeySize is the expected size of a public key in bytes
const PublicKeySize = 32

// NewHash creates a Hash from bytes, returning error if invalid.
// Use for untrusted input (network, files). Copies the input so the
// caller cannot modify internal state afterwards.
func NewHash(data []byte) (Hash, error) {
	if len(data) != HashSize {
		return Hash{}, fmt.Errorf("hash must be %d bytes, got %d", HashSize, len(data))
	}
	copied := make([]byte, HashSize)
	copy(copied, data)
	return Hash{Data: copied}, nil
}

// MustNewHash creates a Hash, panicking if invalid.
// Use only for trusted internal data.
func MustNewHash(data []byte) Hash {
	h, err := NewHash(data)
	if err != nil {
		panic(err)
	}
	return h
}

// HashBytes computes SHA-256 hash of data
func HashBytes(data []byte) Hash {
	h := sha256.Sum256(data)
	return Hash{Data: h[:]}
}

// HashEmpty returns an empty (zero) hash
func HashEmpty() Hash {
	return Hash{Data: make([]byte, HashSize)}
}

// IsHashEmpty returns true if hash is nil or all zeros
func IsHashEmpty(h *Hash) bool {
	if h == nil {
		return true
	}
	for _, b := range h.Data {
		if b != 0 {
			return false
		}
	}
	return true
}

// HashEqual compares two hashes
func HashEqual(a, b Hash) bool {
	return bytes.Equal(a.Data, b.Data)
}

// HashString returns hex-encoded hash
func HashString(h Hash) string {
	return hex.EncodeToString(h.Data)
}

// CopyHash creates a deep copy of a Hash.
func CopyHash(h *Hash) *Hash {
	if h == nil {
		return nil
	}
	hashCopy := &Hash{}
	if len(h.Data) > 0 {
		hashCopy.Data = make([]byte, len(h.Data))
		copy(hashCopy.Data, h.Data)
	}
	return hashCopy
}

// NewSignature creates a Signature from bytes, returning error if invalid.
// Use for untrusted input (network, files). Copies the input.
func NewSignature(data []byte) (Signature, error) {
	if len(data) != SignatureSize {
		return Signature{}, fmt.Errorf("signature must be %d bytes, got %d", SignatureSize, len(data))
	}
	copied := make([]byte, SignatureSize)
	copy(copied, data)
	return Signature{Data: copied}, nil
}

// MustNewSignature creates a Signature, panicking if invalid.
// Use only for trusted internal data (e.g., crypto library output).
func MustNewSignature(data []byte) Signature {
	s, err := NewSignature(data)
	if err != nil {
		panic(err)
	}
	return s
}

// CopySignature creates a deep copy of a Signature.
func CopySignature(s Signature) Signature {
	if len(s.Data) == 0 {
		return Signature{}
	}
	copied := make([]byte, len(s.Data))
	copy(copied, s.Data)
	return Signature{Data: copied}
}

// NewPublicKey creates a PublicKey from bytes, returning error if invalid.
// Use for untrusted input (network, files). Copies the input.
func NewPublicKey(data []byte) (PublicKey, error) {
	if len(data) != PublicKeySize {
		return PublicKey{}, fmt.Errorf("public key must be %d bytes, got %d", PublicKeySize, len(data))
	}
	copied := make([]byte, PublicKeySize)
	copy(copied, data)
	return PublicKey{Data: copied}, nil
}

// MustNewPublicKey creates a PublicKey, panicking if invalid.
// Use only for trusted internal data.
func MustNewPublicKey(data []byte) PublicKey {
	p, err := NewPublicKey(data)
	if err != nil {
		panic(err)
	}
	return p
}

// CopyPublicKey creates a deep copy of a PublicKey.
func CopyPublicKey(p PublicKey) PublicKey {
	if len(p.Data) == 0 {
		return PublicKey{}
	}
	copied := make([]byte, len(p.Data))
	copy(copied, p.Data)
	return PublicKey{Data: copied}
}

// PublicKeyEqual compares two public keys
func PublicKeyEqual(a, b PublicKey) bool {
	return bytes.Equal(a.Data, b.Data)
}
