package minerfamily

import "testing"

func TestDetect(t *testing.T) {
	cases := []struct {
		agent   string
		omits   bool
		want    Family
	}{
		{"IceRiverMiner/1.0", false, IceRiver},
		{"bzminer/19.2.0", false, BzMiner},
		{"GoldShell-KA3/2.0.3", false, Goldshell},
		{"GodMiner/1.2", false, Bitmain},
		{"cpuminer/2.5", true, Bitmain},
		{"cpuminer/2.5", false, Unknown},
		{"", false, Unknown},
	}

	for _, c := range cases {
		if got := Detect(c.agent, c.omits); got != c.want {
			t.Errorf("Detect(%q, %v) = %v, want %v", c.agent, c.omits, got, c.want)
		}
	}
}

func TestExtranonceSize(t *testing.T) {
	if Bitmain.ExtranonceSize() != 0 {
		t.Errorf("Bitmain extranonce size = %d, want 0", Bitmain.ExtranonceSize())
	}
	for _, f := range []Family{IceRiver, BzMiner, Goldshell, Unknown} {
		if f.ExtranonceSize() != 2 {
			t.Errorf("%v extranonce size = %d, want 2", f, f.ExtranonceSize())
		}
	}
}

func TestSendsSetExtranonce(t *testing.T) {
	if Bitmain.SendsSetExtranonce() {
		t.Error("Bitmain should not send set_extranonce")
	}
	if !IceRiver.SendsSetExtranonce() {
		t.Error("IceRiver should send set_extranonce")
	}
}
