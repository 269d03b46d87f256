// Package vardiff tracks each session's share rate and retargets its
// difficulty to keep shares arriving at roughly the configured rate: too
// easy and the bridge drowns in shares it must validate, too hard and a
// session goes long stretches without a share to measure its hashrate
// from.
package vardiff

import (
	"math/big"
	"sync"
	"time"

	"github.com/kaspa-stratum/bridge/pkg/bigtarget"
)

// Config holds the pool-wide vardiff parameters; one Config is shared
// by every session's Controller.
type Config struct {
	TargetSharesPerMinute float64
	RetargetInterval      time.Duration
	MinDifficulty         float64
	MaxDifficulty         float64
	PowerOfTwo            bool
	ColdStartGuard        time.Duration
	HysteresisPct         float64
}

// DefaultConfig mirrors the values the bridge ships with out of the box.
func DefaultConfig() Config {
	return Config{
		TargetSharesPerMinute: 12,
		RetargetInterval:      60 * time.Second,
		MinDifficulty:         1,
		MaxDifficulty:         1 << 30,
		PowerOfTwo:            false,
		ColdStartGuard:        15 * time.Second,
		HysteresisPct:         0.10,
	}
}

// Controller owns one session's difficulty and its recent share history.
// It is not safe for use from multiple goroutines beyond its own
// internal locking, but a single session's reader/writer goroutines may
// share one Controller.
type Controller struct {
	cfg Config

	mu           sync.Mutex
	difficulty   float64
	started      time.Time
	lastRetarget time.Time
	sharesSince  int
}

// New creates a Controller starting at initialDifficulty (the pool's
// min_share_diff, per policy) and stamps its cold-start clock at now.
func New(cfg Config, initialDifficulty float64, now time.Time) *Controller {
	return &Controller{
		cfg:          cfg,
		difficulty:   clamp(initialDifficulty, cfg.MinDifficulty, cfg.MaxDifficulty),
		started:      now,
		lastRetarget: now,
	}
}

// Difficulty returns the session's current difficulty.
func (c *Controller) Difficulty() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.difficulty
}

// Target returns the 256-bit target corresponding to the current
// difficulty, ready to hand to the share validator.
func (c *Controller) Target() (*big.Int, error) {
	c.mu.Lock()
	d := c.difficulty
	c.mu.Unlock()

	return bigtarget.FromDifficulty(d)
}

// RecordShare notes that a valid share arrived at time now.
func (c *Controller) RecordShare(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sharesSince++
}

// MaybeRetarget checks whether enough time has passed since the last
// retarget and, if so, adjusts difficulty based on the observed share
// rate. It returns the (possibly unchanged) difficulty and whether a
// change was applied. Retargeting is a no-op during the cold-start
// guard window, since there isn't enough history yet to measure a rate.
func (c *Controller) MaybeRetarget(now time.Time) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if now.Sub(c.started) < c.cfg.ColdStartGuard {
		return c.difficulty, false
	}
	elapsed := now.Sub(c.lastRetarget)
	if elapsed < c.cfg.RetargetInterval {
		return c.difficulty, false
	}

	shares := c.sharesSince
	c.sharesSince = 0
	c.lastRetarget = now

	if shares == 0 || c.cfg.TargetSharesPerMinute <= 0 {
		return c.difficulty, false
	}

	actualPerMinute := float64(shares) / elapsed.Minutes()
	ratio := actualPerMinute / c.cfg.TargetSharesPerMinute

	// Clamp the per-retarget change to [0.25x, 4x] so a burst or lull
	// can't swing a session's difficulty by more than two binary orders
	// of magnitude in one step.
	if ratio > 4 {
		ratio = 4
	} else if ratio < 0.25 {
		ratio = 0.25
	}

	newDifficulty := c.difficulty * ratio
	newDifficulty = clamp(newDifficulty, c.cfg.MinDifficulty, c.cfg.MaxDifficulty)

	// Hysteresis: ignore changes too small to be worth a retarget
	// message, so a session sitting right at the target rate doesn't
	// flap between two adjacent difficulties every interval.
	delta := newDifficulty - c.difficulty
	if delta < 0 {
		delta = -delta
	}
	if delta/c.difficulty < c.cfg.HysteresisPct {
		return c.difficulty, false
	}

	if c.cfg.PowerOfTwo {
		newDifficulty = bigtarget.NearestPowerOfTwo(newDifficulty)
		newDifficulty = clamp(newDifficulty, c.cfg.MinDifficulty, c.cfg.MaxDifficulty)
		if newDifficulty == c.difficulty {
			return c.difficulty, false
		}
	}

	c.difficulty = newDifficulty
	return c.difficulty, true
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
