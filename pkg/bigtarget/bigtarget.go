// Package bigtarget does exact 256-bit target/difficulty arithmetic with
// math/big. A difficulty of 1 corresponds to the Kaspa network's
// difficulty-1 target (maxTarget / D1); higher difficulty means a
// smaller target and therefore rarer qualifying hashes. Using big.Int
// here instead of a float64 approximation avoids the rounding drift
// that creeps in once difficulty climbs into the millions.
package bigtarget

import (
	"fmt"
	"math"
	"math/big"
)

// maxTarget is the theoretical maximum 256-bit target: 2^256 - 1.
var maxTarget = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// d1 is the Kaspa network difficulty-1 constant: maxTarget is divided
// by d1 to get the target at difficulty 1, per
// target = floor(2^256 / (difficulty * D1)). Kaspa's pool-difficulty
// convention fixes D1 at 2^32, i.e. diff1Target = maxTarget >> 32.
var d1 = new(big.Int).Lsh(big.NewInt(1), 32)

// diff1Target is the target at difficulty 1: floor(maxTarget / D1).
var diff1Target = new(big.Int).Div(maxTarget, d1)

// MaxTarget returns the difficulty-1 target as a new copy on each call.
func MaxTarget() *big.Int {
	return new(big.Int).Set(diff1Target)
}

// FromDifficulty computes target = floor(diff1Target / difficulty),
// i.e. floor(2^256 / (difficulty * D1)). difficulty must be positive
// and finite.
func FromDifficulty(difficulty float64) (*big.Int, error) {
	if difficulty <= 0 || math.IsInf(difficulty, 0) || math.IsNaN(difficulty) {
		return nil, fmt.Errorf("bigtarget: invalid difficulty %v", difficulty)
	}

	// Route the division through big.Rat so fractional difficulties
	// (e.g. 1.5) don't lose precision the way a float64 divide would
	// once the numerator is a 256-bit integer.
	diffRat := new(big.Rat).SetFloat64(difficulty)
	if diffRat == nil {
		return nil, fmt.Errorf("bigtarget: difficulty %v is not representable", difficulty)
	}

	numerator := new(big.Rat).SetInt(diff1Target)
	targetRat := new(big.Rat).Quo(numerator, diffRat)

	target := new(big.Int).Quo(targetRat.Num(), targetRat.Denom())
	if target.Sign() < 0 {
		target.SetInt64(0)
	}
	if target.Cmp(diff1Target) > 0 {
		target.Set(diff1Target)
	}
	return target, nil
}

// ToDifficulty computes difficulty = diff1Target / target. A zero or
// nil target is treated as the smallest representable non-zero target
// to avoid dividing by zero; callers should not expect a meaningful
// result in that case beyond "extremely high difficulty".
func ToDifficulty(target *big.Int) float64 {
	if target == nil || target.Sign() <= 0 {
		target = big.NewInt(1)
	}

	ratio := new(big.Rat).SetFrac(diff1Target, target)
	f, _ := ratio.Float64()
	return f
}

// FromBytesBE interprets a big-endian byte slice as a target.
func FromBytesBE(b []byte) *big.Int {
	return new(big.Int).SetBytes(b)
}

// ToBytesBE renders target as a big-endian byte slice exactly width
// bytes wide, left-padding with zeros. Panics if target does not fit.
func ToBytesBE(target *big.Int, width int) []byte {
	raw := target.Bytes()
	if len(raw) > width {
		panic(fmt.Sprintf("bigtarget: target does not fit in %d bytes", width))
	}
	out := make([]byte, width)
	copy(out[width-len(raw):], raw)
	return out
}

// HashMeetsTarget reports whether a hash (interpreted big-endian,
// smaller is harder) satisfies target, i.e. hash <= target.
func HashMeetsTarget(hash []byte, target *big.Int) bool {
	h := new(big.Int).SetBytes(hash)
	return h.Cmp(target) <= 0
}

// NearestPowerOfTwo rounds difficulty to the nearest power of two,
// used by vardiff when pow2_clamp is enabled so ASICs that only accept
// power-of-two difficulties stay happy.
func NearestPowerOfTwo(difficulty float64) float64 {
	if difficulty <= 0 {
		return 1
	}
	exp := math.Round(math.Log2(difficulty))
	return math.Pow(2, exp)
}
