package bigtarget

import (
	"math"
	"testing"
)

func TestFromDifficultyOne(t *testing.T) {
	target, err := FromDifficulty(1)
	if err != nil {
		t.Fatal(err)
	}
	if target.Cmp(MaxTarget()) != 0 {
		t.Errorf("target at difficulty 1 = %s, want max target", target.String())
	}
}

func TestFromDifficultyRejectsNonPositive(t *testing.T) {
	if _, err := FromDifficulty(0); err == nil {
		t.Error("expected error for difficulty 0")
	}
	if _, err := FromDifficulty(-5); err == nil {
		t.Error("expected error for negative difficulty")
	}
}

func TestRoundTripDifficultyTarget(t *testing.T) {
	for _, d := range []float64{1, 2, 16, 1000, 65536, 1 << 20} {
		target, err := FromDifficulty(d)
		if err != nil {
			t.Fatalf("difficulty %v: %v", d, err)
		}
		got := ToDifficulty(target)
		if math.Abs(got-d)/d > 0.0001 {
			t.Errorf("round trip difficulty %v -> target -> %v, drift too large", d, got)
		}
	}
}

func TestHigherDifficultyMeansSmallerTarget(t *testing.T) {
	low, _ := FromDifficulty(1)
	high, _ := FromDifficulty(1000)
	if high.Cmp(low) >= 0 {
		t.Error("expected higher difficulty to produce a smaller target")
	}
}

func TestBytesRoundTrip(t *testing.T) {
	target, _ := FromDifficulty(12345)
	b := ToBytesBE(target, 32)
	back := FromBytesBE(b)
	if back.Cmp(target) != 0 {
		t.Error("byte round trip did not preserve the target value")
	}
}

func TestHashMeetsTarget(t *testing.T) {
	target, _ := FromDifficulty(1) // difficulty-1 target, the easiest share target
	hash := make([]byte, 32)
	hash[31] = 1
	if !HashMeetsTarget(hash, target) {
		t.Error("expected a tiny hash to meet the maximum target")
	}

	tinyTarget := FromBytesBE([]byte{0, 0, 0, 1})
	bigHash := ToBytesBE(MaxTarget(), 32)
	if HashMeetsTarget(bigHash, tinyTarget) {
		t.Error("expected the maximum-valued hash to fail a tiny target")
	}
}

func TestNearestPowerOfTwo(t *testing.T) {
	cases := map[float64]float64{
		1:    1,
		1.2:  1,
		3:    4,
		5:    4,
		1000: 1024,
	}
	for in, want := range cases {
		if got := NearestPowerOfTwo(in); got != want {
			t.Errorf("NearestPowerOfTwo(%v) = %v, want %v", in, got, want)
		}
	}
}
