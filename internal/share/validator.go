// Package share runs every mining.submit through the validation
// pipeline: job lookup, duplicate detection, header reassembly, hashing,
// and the target/network-target comparisons that decide whether a share
// is accepted and whether it is also a block.
package share

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kaspa-stratum/bridge/internal/job"
	"github.com/kaspa-stratum/bridge/internal/kaspahash"
	"github.com/kaspa-stratum/bridge/internal/protocol"
	"github.com/kaspa-stratum/bridge/pkg/bigtarget"
)

// Submission is a parsed mining.submit, already decoded from hex.
type Submission struct {
	JobID            uint32
	ExtranonceServer []byte
	ExtranonceClient []byte
	NTime            int64
	Nonce            uint64
	Difficulty       float64
}

// Outcome classifies a validated submission.
type Outcome int

const (
	Accepted Outcome = iota
	RejectedStale
	RejectedDuplicate
	RejectedLowDifficulty
)

// Result is the outcome of validating one submission.
type Result struct {
	Outcome    Outcome
	IsBlock    bool
	Job        *job.Job
	Hash       []byte
	StratumErr *protocol.StratumError
}

// dedupCacheSize bounds the share-dedup LRU; a session submitting
// faster than this window could, in principle, see a duplicate slip
// through, but at realistic share rates it covers many seconds of
// history per job.
const dedupCacheSize = 100_000

// DistributedDedup is an optional second dedup backstop shared across
// bridge instances (e.g. backed by Redis), checked only when the local
// LRU says a share looks new; implementations should be fast and
// fail-open (treat errors as "not a duplicate") so an outage never
// blocks share acceptance.
type DistributedDedup interface {
	CheckAndMark(key string, ttl time.Duration) (isDuplicate bool, err error)
}

// Validator runs the share validation pipeline described in the package
// doc comment.
type Validator struct {
	registry *job.Registry
	hasher   kaspahash.Hasher
	remote   DistributedDedup

	mu    sync.Mutex
	local *lru.Cache[string, struct{}]
}

// NewValidator builds a Validator. remote may be nil to skip the
// distributed dedup backstop entirely.
func NewValidator(registry *job.Registry, hasher kaspahash.Hasher, remote DistributedDedup) (*Validator, error) {
	cache, err := lru.New[string, struct{}](dedupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("share: building dedup cache: %w", err)
	}
	return &Validator{
		registry: registry,
		hasher:   hasher,
		remote:   remote,
		local:    cache,
	}, nil
}

// Validate runs sub through the full pipeline.
func (v *Validator) Validate(sub Submission) *Result {
	j := v.registry.Lookup(sub.JobID)
	if j == nil {
		return &Result{
			Outcome:    RejectedStale,
			StratumErr: protocol.NewError(protocol.ErrJobNotFound, "job not found or expired"),
		}
	}

	key := dedupKey(sub)
	if v.seenLocally(key) {
		return &Result{
			Outcome:    RejectedDuplicate,
			Job:        j,
			StratumErr: protocol.NewError(protocol.ErrDuplicateShare, "duplicate share"),
		}
	}

	header := v.reassembleHeader(j, sub)
	prePow := v.hasher.PrePowHash(header)

	timestamp := j.Timestamp
	if sub.NTime != 0 {
		timestamp = sub.NTime
	}
	hash := v.hasher.PowHash(prePow, timestamp, sub.Nonce)

	shareTarget, err := bigtarget.FromDifficulty(sub.Difficulty)
	if err != nil {
		return &Result{
			Outcome:    RejectedLowDifficulty,
			Job:        j,
			StratumErr: protocol.NewError(protocol.ErrOther, "invalid difficulty"),
		}
	}

	if !bigtarget.HashMeetsTarget(hash[:], shareTarget) {
		return &Result{
			Outcome:    RejectedLowDifficulty,
			Job:        j,
			Hash:       hash[:],
			StratumErr: protocol.NewError(protocol.ErrLowDifficulty, "share does not meet difficulty"),
		}
	}

	// The share test passed: this is the point at which the dedup key is
	// actually recorded, so a share rejected above for low difficulty
	// never poisons the dedup cache and a bit-for-bit resubmission of it
	// is free to fail the difficulty check again instead of coming back
	// as a duplicate.
	if v.remote != nil {
		dup, err := v.remote.CheckAndMark(key, 10*time.Minute)
		if err != nil {
			// Fail open: a backstop outage should never turn into
			// spurious duplicate rejections for every miner on the
			// bridge.
		} else if dup {
			return &Result{
				Outcome:    RejectedDuplicate,
				Job:        j,
				Hash:       hash[:],
				StratumErr: protocol.NewError(protocol.ErrDuplicateShare, "duplicate share"),
			}
		}
	}
	v.markLocal(key)

	isBlock := j.NetworkTarget != nil && bigtarget.HashMeetsTarget(hash[:], j.NetworkTarget)

	return &Result{
		Outcome: Accepted,
		IsBlock: isBlock,
		Job:     j,
		Hash:    hash[:],
	}
}

// seenLocally reports whether key has already been recorded as an
// accepted share on this instance, without recording it itself. It is a
// cheap, network-free short-circuit for the common case of a miner
// blindly resubmitting a share it already got credit for; it never
// causes a share that hasn't yet passed validation to be marked as
// seen.
func (v *Validator) seenLocally(key string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.local.Get(key)
	return ok
}

// markLocal records key as an accepted share's dedup key. Called only
// after the share has passed the hash/difficulty test, so the local LRU
// never contains an entry for a share that was actually rejected.
func (v *Validator) markLocal(key string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.local.Add(key, struct{}{})
}

func dedupKey(sub Submission) string {
	return fmt.Sprintf("%d:%x:%x:%d", sub.JobID, sub.ExtranonceClient, sub.Nonce, sub.NTime)
}

// reassembleHeader combines the job's pre-PoW header bytes with the
// server- and client-chosen extranonce segments. Bitmain sessions carry
// no extranonce of either kind, so both slices may be empty.
func (v *Validator) reassembleHeader(j *job.Job, sub Submission) []byte {
	out := make([]byte, 0, len(j.HeaderPrePow)+len(sub.ExtranonceServer)+len(sub.ExtranonceClient))
	out = append(out, j.HeaderPrePow...)
	out = append(out, sub.ExtranonceServer...)
	out = append(out, sub.ExtranonceClient...)
	return out
}
