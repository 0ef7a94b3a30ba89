// Package cryptosubtle implements the host side of the guest-visible crypto
// global from spec.md §4.3: randomUUID, getRandomValues, and subtle's
// digest, HMAC sign/verify and HKDF deriveBits (importKey itself lives in
// internal/bridge). deriveKey is not provided. Keys never cross the
// membrane; a guest CryptoKey is a plain class-backed handle wrapping a
// host-assigned integer id, mirroring the cryptoKeyEntry registry pattern
// used for imported keys in the pack's Workers-style JS bridge.
package cryptosubtle

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/hkdf"

	"github.com/ricsam/isolated/internal/marshal"
)

// KeyEntry is the host-side state behind a guest CryptoKey: the raw key
// material never leaves this struct.
type KeyEntry struct {
	Algorithm   string
	Usages      []string
	Raw         []byte
	Extractable bool
}

// Registry holds key entries keyed by an opaque id. internal/bridge's
// crypto global does not store keys here: an imported key lives in a
// marshal.Store record, and a CryptoKey's instance id is that record's id.
type Registry struct {
	mu     sync.Mutex
	nextID uint64
	keys   map[uint64]*KeyEntry
}

// NewRegistry creates an empty key registry.
func NewRegistry() *Registry {
	return &Registry{keys: make(map[uint64]*KeyEntry)}
}

// Import registers key material and returns its opaque id.
func (r *Registry) Import(entry *KeyEntry) uint64 {
	id := atomic.AddUint64(&r.nextID, 1)
	r.mu.Lock()
	r.keys[id] = entry
	r.mu.Unlock()
	return id
}

// Get returns the key entry for id, or nil if unknown.
func (r *Registry) Get(id uint64) *KeyEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.keys[id]
}

// Release forgets a key, e.g. on isolate disposal.
func (r *Registry) Release(id uint64) {
	r.mu.Lock()
	delete(r.keys, id)
	r.mu.Unlock()
}

// RandomUUID returns a version-4 UUID string (crypto.randomUUID()).
func RandomUUID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("cryptosubtle: randomUUID: %w", err)
	}
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16]), nil
}

// MaxRandomBytes is the 65536-byte per-call limit spec.md §4.3 requires
// getRandomValues to enforce.
const MaxRandomBytes = 65536

// GetRandomValues fills n bytes of cryptographically secure randomness,
// rejecting oversize requests per the web-platform quota.
func GetRandomValues(n int) (marshal.Binary, error) {
	if n > MaxRandomBytes {
		return nil, fmt.Errorf("cryptosubtle: getRandomValues: %d exceeds %d byte limit", n, MaxRandomBytes)
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("cryptosubtle: getRandomValues: %w", err)
	}
	return marshal.Binary(buf), nil
}

// Digest computes a message digest for the given algorithm name
// ("SHA-256", "SHA-384", "SHA-512").
func Digest(algorithm string, data []byte) (marshal.Binary, error) {
	switch algorithm {
	case "SHA-256":
		sum := sha256.Sum256(data)
		return marshal.Binary(sum[:]), nil
	case "SHA-384":
		sum := sha512.Sum384(data)
		return marshal.Binary(sum[:]), nil
	case "SHA-512":
		sum := sha512.Sum512(data)
		return marshal.Binary(sum[:]), nil
	default:
		return nil, fmt.Errorf("cryptosubtle: digest: unsupported algorithm %q", algorithm)
	}
}

// Sign computes an HMAC over data using the key entry's raw material.
func Sign(key *KeyEntry, data []byte) (marshal.Binary, error) {
	if key.Algorithm != "HMAC" {
		return nil, fmt.Errorf("cryptosubtle: sign: unsupported key algorithm %q", key.Algorithm)
	}
	mac := hmac.New(sha256.New, key.Raw)
	mac.Write(data)
	return marshal.Binary(mac.Sum(nil)), nil
}

// Verify checks an HMAC signature over data using the key entry.
func Verify(key *KeyEntry, signature, data []byte) (bool, error) {
	expected, err := Sign(key, data)
	if err != nil {
		return false, err
	}
	return hmac.Equal(expected, signature), nil
}

// DeriveBits derives length bytes from baseKey using HKDF-SHA256 with salt
// and info, the same construction the pack's crypto examples use for
// deriveKey/deriveBits.
func DeriveBits(baseKey *KeyEntry, salt, info []byte, length int) (marshal.Binary, error) {
	reader := hkdf.New(sha256.New, baseKey.Raw, salt, info)
	out := make([]byte, length)
	if _, err := readFull(reader, out); err != nil {
		return nil, fmt.Errorf("cryptosubtle: deriveBits: %w", err)
	}
	return marshal.Binary(out), nil
}

func readFull(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
