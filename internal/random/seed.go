// Package random provides per-message seeds and the deterministic streams
// derived from them.
//
// A Seed is drawn from crypto/rand once, when a message is created, and stored
// next to it. Every later evaluation of the message's dice expressions expands
// the same Seed into the same ChaCha8 stream, so transcripts re-render with
// identical outcomes.
package random

import (
	crand "crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"math/rand/v2"
)

// SeedSize is the number of bytes stored per message.
const SeedSize = 4

// ErrInvalidSeed indicates an encoded seed does not decode to SeedSize bytes.
var ErrInvalidSeed = errors.New("seed must be 4 bytes")

// seedDomain separates message streams from any other use of the same bytes.
const seedDomain = "dicechat/message-seed/v1"

// Seed is the fixed-size random material stored with each message.
type Seed [SeedSize]byte

// NewSeed generates a random seed using crypto/rand.
func NewSeed() (Seed, error) {
	var s Seed
	if _, err := crand.Read(s[:]); err != nil {
		return Seed{}, fmt.Errorf("read random seed: %w", err)
	}
	return s, nil
}

// SeedFromBytes copies b into a Seed.
func SeedFromBytes(b []byte) (Seed, error) {
	var s Seed
	if len(b) != SeedSize {
		return Seed{}, ErrInvalidSeed
	}
	copy(s[:], b)
	return s, nil
}

// ParseSeed decodes the base64 form produced by Seed.String.
func ParseSeed(encoded string) (Seed, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Seed{}, fmt.Errorf("decode seed: %w", err)
	}
	return SeedFromBytes(raw)
}

// String returns the unpadded URL-safe base64 encoding of the seed.
func (s Seed) String() string {
	return base64.RawURLEncoding.EncodeToString(s[:])
}

// MarshalText implements encoding.TextMarshaler.
func (s Seed) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Seed) UnmarshalText(text []byte) error {
	parsed, err := ParseSeed(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Source returns a fresh deterministic stream for this seed. Each call starts
// from the beginning of the stream.
func (s Seed) Source() *Source {
	key := sha256.Sum256(append([]byte(seedDomain), s[:]...))
	return &Source{rng: rand.New(rand.NewChaCha8(key))}
}

// Source draws bounded integers from a seeded stream. It is not safe for
// concurrent use; callers evaluating in parallel take one Source each.
type Source struct {
	rng *rand.Rand
}

// IntRange returns a uniformly distributed integer in [low, high].
func (s *Source) IntRange(low, high int) int {
	if high <= low {
		return low
	}
	return low + s.rng.IntN(high-low+1)
}
