package share

import (
	"math/big"
	"testing"
	"time"

	"github.com/kaspa-stratum/bridge/internal/job"
	"github.com/kaspa-stratum/bridge/internal/kaspahash"
)

// fakeHasher lets tests dial in an exact hash value regardless of input,
// so target comparisons can be tested deterministically.
type fakeHasher struct {
	hash kaspahash.Digest
}

func (f fakeHasher) PrePowHash(headerPrePow []byte) kaspahash.Digest {
	return kaspahash.Digest{}
}

func (f fakeHasher) PowHash(prePow kaspahash.Digest, timestamp int64, nonce uint64) kaspahash.Digest {
	return f.hash
}

func newRegistryWithJob(t *testing.T, networkTarget *big.Int) (*job.Registry, uint32) {
	t.Helper()
	r := job.NewRegistry()
	j := r.Publish(1, networkTarget, []byte("header"), []byte("coinbase"), 1000, time.Unix(0, 0))
	return r, j.ID
}

func digestFromHex(t *testing.T, hexBytes ...byte) kaspahash.Digest {
	t.Helper()
	var d kaspahash.Digest
	copy(d[32-len(hexBytes):], hexBytes)
	return d
}

func TestValidateRejectsUnknownJob(t *testing.T) {
	r, _ := newRegistryWithJob(t, big.NewInt(0).SetBytes([]byte{0xff}))
	v, err := NewValidator(r, fakeHasher{}, nil)
	if err != nil {
		t.Fatal(err)
	}

	res := v.Validate(Submission{JobID: 9999, Difficulty: 1})
	if res.Outcome != RejectedStale {
		t.Errorf("expected RejectedStale, got %v", res.Outcome)
	}
}

func TestValidateRejectsDuplicate(t *testing.T) {
	r, jobID := newRegistryWithJob(t, big.NewInt(0).SetBytes(bytesOfOnes(32)))
	v, err := NewValidator(r, fakeHasher{hash: digestFromHex(t, 0x01)}, nil)
	if err != nil {
		t.Fatal(err)
	}

	sub := Submission{JobID: jobID, Nonce: 42, Difficulty: 1}
	first := v.Validate(sub)
	if first.Outcome != Accepted {
		t.Fatalf("expected first submission accepted, got %v", first.Outcome)
	}
	second := v.Validate(sub)
	if second.Outcome != RejectedDuplicate {
		t.Errorf("expected RejectedDuplicate, got %v", second.Outcome)
	}
}

func TestValidateRejectsLowDifficulty(t *testing.T) {
	// A hash of all 0xff bytes is the largest possible value and will
	// not meet any target smaller than the maximum.
	r, jobID := newRegistryWithJob(t, big.NewInt(0).SetBytes(bytesOfOnes(32)))
	v, err := NewValidator(r, fakeHasher{hash: digestFromHex(t, bytesOfOnes(32)...)}, nil)
	if err != nil {
		t.Fatal(err)
	}

	res := v.Validate(Submission{JobID: jobID, Nonce: 1, Difficulty: 1000000})
	if res.Outcome != RejectedLowDifficulty {
		t.Errorf("expected RejectedLowDifficulty, got %v", res.Outcome)
	}
}

func TestValidateAcceptsAndDetectsBlock(t *testing.T) {
	// Network target is the maximum value, so any hash that meets the
	// (easy) share target also meets the network target.
	r, jobID := newRegistryWithJob(t, big.NewInt(0).SetBytes(bytesOfOnes(32)))
	v, err := NewValidator(r, fakeHasher{hash: digestFromHex(t, 0x00, 0x01)}, nil)
	if err != nil {
		t.Fatal(err)
	}

	res := v.Validate(Submission{JobID: jobID, Nonce: 7, Difficulty: 1})
	if res.Outcome != Accepted {
		t.Fatalf("expected Accepted, got %v", res.Outcome)
	}
	if !res.IsBlock {
		t.Error("expected a near-zero hash against the max network target to count as a block")
	}
}

func TestValidateAcceptsWithoutBlockWhenNetworkTargetIsTight(t *testing.T) {
	tight := big.NewInt(0).SetBytes([]byte{0x00, 0x00, 0x01}) // a very small, hard-to-meet target
	r, jobID := newRegistryWithJob(t, tight)
	v, err := NewValidator(r, fakeHasher{hash: digestFromHex(t, 0x00, 0x10)}, nil)
	if err != nil {
		t.Fatal(err)
	}

	// Easy share difficulty so the share itself is accepted...
	res := v.Validate(Submission{JobID: jobID, Nonce: 7, Difficulty: 1})
	if res.Outcome != Accepted {
		t.Fatalf("expected Accepted, got %v", res.Outcome)
	}
	// ...but the hash (0x0010) is larger than the tight network target
	// (0x000001), so it must not count as a block.
	if res.IsBlock {
		t.Error("expected the share to not qualify as a block against a tight network target")
	}
}

func bytesOfOnes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = 0xff
	}
	return b
}
