// Package cache stores compile results keyed by a digest of everything that
// determines them.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"hash"
)

var (
	// ErrCacheMiss is returned by Get when the key is not stored
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidKey is returned for keys that are not lowercase hex digests
	ErrInvalidKey = errors.New("invalid cache key")
)

// Artifact is the stored result of one successful compile.
type Artifact struct {
	Object []byte
	Stdout []byte
	Stderr []byte
}

// Storage is an object cache.
type Storage interface {
	Get(ctx context.Context, key string) (*Artifact, error)
	Put(ctx context.Context, key string, artifact *Artifact) error
	Remove(ctx context.Context, key string) error
	Location() string
}

// Hasher builds cache keys. Every part is length-prefixed so adjacent parts
// cannot run into each other.
type Hasher struct {
	h hash.Hash
}

func NewHasher() *Hasher {
	return &Hasher{h: sha256.New()}
}

func (k *Hasher) Add(b []byte) *Hasher {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(b)))
	k.h.Write(n[:])
	k.h.Write(b)
	return k
}

func (k *Hasher) AddString(s string) *Hasher {
	return k.Add([]byte(s))
}

func (k *Hasher) AddStrings(ss []string) *Hasher {
	k.Add(binary.BigEndian.AppendUint64(nil, uint64(len(ss))))
	for _, s := range ss {
		k.AddString(s)
	}
	return k
}

// Sum returns the hex digest.
func (k *Hasher) Sum() string {
	return hex.EncodeToString(k.h.Sum(nil))
}

func validKey(key string) bool {
	if len(key) < 2 {
		return false
	}
	for _, c := range key {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

// Noop never stores anything.
type Noop struct{}

func (Noop) Get(context.Context, string) (*Artifact, error) { return nil, ErrCacheMiss }
func (Noop) Put(context.Context, string, *Artifact) error   { return nil }
func (Noop) Remove(context.Context, string) error           { return nil }
func (Noop) Location() string                               { return "none" }
