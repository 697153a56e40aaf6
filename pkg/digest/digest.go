// Package digest wraps the SHA-1 hashing used to verify piece content,
// including a lazy, memoizing variant used by the resume scan to test
// both the full-length and short-length piece hypotheses against the
// same buffer without re-hashing.
package digest

import (
	"crypto/sha1"
	"hash"
)

// Size is the length in bytes of a digest.
const Size = sha1.Size

// Hasher incrementally accumulates bytes and produces a digest, for
// callers that stream piece content in chunks rather than holding it
// all in one buffer.
type Hasher struct {
	h hash.Hash
}

// NewHasher returns a fresh incremental hasher.
func NewHasher() *Hasher {
	return &Hasher{h: sha1.New()}
}

// Update feeds more bytes into the running hash.
func (h *Hasher) Update(p []byte) {
	h.h.Write(p)
}

// Finalize returns the digest of everything written so far. The hasher
// must not be reused after Finalize.
func (h *Hasher) Finalize() [Size]byte {
	var out [Size]byte
	copy(out[:], h.h.Sum(nil))
	return out
}

// Lazy holds a buffer and computes its digest only on first Get, then
// memoizes it. It lets a caller hold two hypotheses — e.g. "this buffer
// read as a full piece" and "this buffer read as the short last piece"
// — over two prefixes of the same underlying slice without
// paying for a hash that's never asked for.
type Lazy struct {
	data     []byte
	digest   [Size]byte
	resolved bool
}

// NewLazy returns a Lazy digest over data[:length]. length must not
// exceed len(data).
func NewLazy(data []byte, length int) *Lazy {
	return &Lazy{data: data[:length]}
}

// Get returns the SHA-1 digest of the wrapped buffer, computing it on
// the first call and returning the cached value on subsequent calls.
func (l *Lazy) Get() [Size]byte {
	if !l.resolved {
		h := NewHasher()
		h.Update(l.data)
		l.digest = h.Finalize()
		l.resolved = true
	}
	return l.digest
}
