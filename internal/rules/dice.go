// Package rules implements the pure game rules of kehai: action
// availability, opposed stat checks, and perception.
//
// Nothing in this package performs I/O. Randomness comes from an injected
// Roller so every result is reproducible given the same roll sequence.
package rules

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"sync"
)

// DieSides is the size of every die rolled by the rules.
const DieSides = 10

// Roller produces uniformly distributed integers in [1, sides].
type Roller interface {
	Roll(sides int) int
}

// RandRoller is a seeded Roller safe for concurrent use.
type RandRoller struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandRoller returns a Roller seeded with seed. A zero seed draws a
// random seed from crypto/rand.
func NewRandRoller(seed uint64) *RandRoller {
	if seed == 0 {
		var b [8]byte
		_, _ = crand.Read(b[:])
		seed = binary.LittleEndian.Uint64(b[:])
	}
	return &RandRoller{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Roll returns a value in [1, sides]. Sides below 1 are treated as 1.
func (r *RandRoller) Roll(sides int) int {
	if sides < 1 {
		sides = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.IntN(sides) + 1
}

// SequenceRoller replays a fixed list of rolls, cycling when exhausted.
// Values are clamped into [1, sides]. Used for tests and replays.
type SequenceRoller struct {
	mu    sync.Mutex
	rolls []int
	next  int
}

// NewSequenceRoller returns a Roller that yields rolls in order.
func NewSequenceRoller(rolls ...int) *SequenceRoller {
	if len(rolls) == 0 {
		rolls = []int{1}
	}
	return &SequenceRoller{rolls: rolls}
}

// Roll returns the next value in the sequence.
func (s *SequenceRoller) Roll(sides int) int {
	s.mu.Lock()
	v := s.rolls[s.next%len(s.rolls)]
	s.next++
	s.mu.Unlock()
	return min(max(v, 1), max(sides, 1))
}

// Count returns how many rolls have been drawn.
func (s *SequenceRoller) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

func d10(r Roller) int {
	return r.Roll(DieSides)
}
