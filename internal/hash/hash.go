// Package hash computes the two content hashes the State & Store Engine
// distinguishes: the archive hash of an acquired .sp file and the store hash
// of its canonical unpacked-then-repacked form. Both use BLAKE3
// (lukechampine.com/blake3) with hex-lowercase as the canonical text form.
//
// Domain separation (BLAKE3(domain || 0x00 || data)) ensures an archive hash
// and a store hash computed over byte-identical input can never collide
// with each other.
package hash

import (
	"encoding/hex"
	"io"
	"sync"

	"lukechampine.com/blake3"
)

// Domain prefixes separate the hash spaces that share the BLAKE3 primitive.
// A version suffix allows a future algorithm or framing change without
// reusing an existing domain.
const (
	DomainArchive = "sps2/archive/v1"
	DomainStore   = "sps2/store/v1"
	DomainObject  = "sps2/object/v1"

	// Size is the digest length in bytes (256-bit BLAKE3 output).
	Size = 32
)

var hasherPool = sync.Pool{
	New: func() any {
		return blake3.New(Size, nil)
	},
}

// hashWithDomain streams r through a pooled BLAKE3 hasher seeded with a
// domain-separating prefix and a null-byte boundary, then returns the
// hex-lowercase digest.
func hashWithDomain(domain string, r io.Reader) (string, error) {
	h := hasherPool.Get().(*blake3.Hasher)
	defer func() {
		h.Reset()
		hasherPool.Put(h)
	}()

	h.Write([]byte(domain))
	h.Write([]byte{0x00})

	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// ArchiveHash computes the content hash of an acquired .sp archive as
// downloaded, before any repacking.
func ArchiveHash(r io.Reader) (string, error) {
	return hashWithDomain(DomainArchive, r)
}

// StoreHash computes the content hash of the canonical unpacked-then-repacked
// form used for internal dedup. Distinct from ArchiveHash so that two
// archives that repack to the same canonical bytes dedup under one store
// entry even though their archive hashes differ.
func StoreHash(r io.Reader) (string, error) {
	return hashWithDomain(DomainStore, r)
}

// Object computes the hash of a single in-memory file object, as stored under
// objects/<aa>/<bb>/<hex>.
func Object(data []byte) string {
	h := hasherPool.Get().(*blake3.Hasher)
	defer func() {
		h.Reset()
		hasherPool.Put(h)
	}()

	h.Write([]byte(DomainObject))
	h.Write([]byte{0x00})
	h.Write(data)

	return hex.EncodeToString(h.Sum(nil))
}

// ObjectReader is the streaming form of Object, for file objects too large to
// hold in memory twice.
func ObjectReader(r io.Reader) (string, error) {
	return hashWithDomain(DomainObject, r)
}

// Valid reports whether s looks like a hex-lowercase BLAKE3 digest of the
// expected length.
func Valid(s string) bool {
	if len(s) != Size*2 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}

// ShardPath returns the two shard components (first byte, second byte as hex
// pairs) used to lay out objects/<aa>/<bb>/<hex>. Callers join these with the
// store root and the full hex hash.
func ShardPath(hexHash string) (aa, bb string, ok bool) {
	if len(hexHash) < 4 {
		return "", "", false
	}
	return hexHash[0:2], hexHash[2:4], true
}
