// Package extranonce implements the per-family extranonce allocator
// (spec §4.3): one fixed-width bitset pool per miner family, handing out
// the smallest unused identifier and reclaiming it on release.
package extranonce

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/kaspa-stratum/bridge/internal/minerfamily"
)

// ErrExhausted is returned when a family's extranonce space is full.
type ErrExhausted struct {
	Family minerfamily.Family
}

func (e *ErrExhausted) Error() string {
	return fmt.Sprintf("extranonce space exhausted for family %s", e.Family)
}

// capacity is the number of usable 2-byte extranonce values. Value 0x0000
// is reserved (never handed out), leaving the 65,535 concurrent sessions
// spec §8's boundary test names.
const capacity = 1<<16 - 1

// words is the number of uint64 words needed to track `capacity` bits,
// offset by the reserved zero value.
const words = (capacity + 1 + 63) / 64

// pool is a fixed-width bitset for one family's extranonce space.
type pool struct {
	mu       sync.Mutex
	occupied [words]uint64
	hintWord int // first word known to possibly have a free bit
}

// Allocator hands out and reclaims extranonce bytes, one pool per family
// that uses extranonces (IceRiver, BzMiner, Goldshell); Bitmain never
// contends since its width is zero.
type Allocator struct {
	pools map[minerfamily.Family]*pool
	mu    sync.Mutex
}

// New creates an Allocator with an empty pool per extranonce-using family.
func New() *Allocator {
	return &Allocator{
		pools: map[minerfamily.Family]*pool{
			minerfamily.IceRiver:  {},
			minerfamily.BzMiner:   {},
			minerfamily.Goldshell: {},
			minerfamily.Unknown:   {}, // Unknown is treated as IceRiver-compatible
		},
	}
}

// Allocate returns the smallest unused identifier for the family's fixed
// extranonce width. Bitmain always returns an empty slice and never fails.
func (a *Allocator) Allocate(family minerfamily.Family) ([]byte, error) {
	if family.ExtranonceSize() == 0 {
		return nil, nil
	}

	p := a.poolFor(family)
	p.mu.Lock()
	defer p.mu.Unlock()

	for w := p.hintWord; w < words; w++ {
		if p.occupied[w] == ^uint64(0) {
			continue
		}
		bit := bits.TrailingZeros64(^p.occupied[w])
		value := w*64 + bit
		if value == 0 {
			// reserved; mark occupied permanently and keep scanning this word
			p.occupied[w] |= 1
			bit = bits.TrailingZeros64(^p.occupied[w])
			if bit == 64 {
				continue
			}
			value = w*64 + bit
		}
		if value > capacity {
			continue
		}
		p.occupied[w] |= 1 << uint(bit)
		p.hintWord = w
		return uint16ToBytes(uint16(value)), nil
	}

	return nil, &ErrExhausted{Family: family}
}

// Release returns an extranonce to the pool. Idempotent: releasing a
// value that is not currently allocated is a no-op.
func (a *Allocator) Release(family minerfamily.Family, value []byte) {
	if len(value) != 2 {
		return
	}
	p := a.poolFor(family)
	v := int(value[0])<<8 | int(value[1])
	if v < 0 || v > capacity {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	w, bit := v/64, uint(v%64)
	p.occupied[w] &^= 1 << bit
	if w < p.hintWord {
		p.hintWord = w
	}
}

func (a *Allocator) poolFor(family minerfamily.Family) *pool {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.pools[family]
	if !ok {
		// Unknown-derived or future families degrade to the Unknown pool.
		p = a.pools[minerfamily.Unknown]
	}
	return p
}

func uint16ToBytes(v uint16) []byte {
	return []byte{byte(v >> 8), byte(v)}
}
