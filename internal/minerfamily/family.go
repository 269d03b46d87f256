// Package minerfamily implements the closed miner-family variant (spec
// §4.3/§9): each family fixes an extranonce width and whether
// mining.set_extranonce is sent, driven by the mining.subscribe agent
// string. Families do not carry a mining.notify layout; every family
// receives the same notify payload.
package minerfamily

import "strings"

// Family is a closed set; new ASIC vendors are added here, not via a
// plugin interface (spec §9).
type Family int

const (
	Unknown Family = iota
	IceRiver
	Bitmain
	BzMiner
	Goldshell
)

func (f Family) String() string {
	switch f {
	case IceRiver:
		return "IceRiver"
	case Bitmain:
		return "Bitmain"
	case BzMiner:
		return "BzMiner"
	case Goldshell:
		return "Goldshell"
	default:
		return "Unknown"
	}
}

// ExtranonceSize returns the fixed extranonce width in bytes for the
// family. Bitmain sessions carry no extranonce at all.
func (f Family) ExtranonceSize() int {
	if f == Bitmain {
		return 0
	}
	return 2
}

// SendsSetExtranonce reports whether the family expects an unsolicited
// mining.set_extranonce notification after authorize.
func (f Family) SendsSetExtranonce() bool {
	return f != Bitmain
}

// Detect fingerprints the mining.subscribe agent string, per spec §4.3.
// omitsExtranonceHandling should be true when the client's early request
// sequence shows no sign of handling set_extranonce (a Bitmain tell when
// the agent string itself is inconclusive).
func Detect(agent string, omitsExtranonceHandling bool) Family {
	lower := strings.ToLower(agent)

	switch {
	case strings.Contains(lower, "icerivermin"):
		return IceRiver
	case strings.Contains(lower, "bzminer"):
		return BzMiner
	case strings.Contains(lower, "goldshell"):
		return Goldshell
	case strings.Contains(lower, "godminer"):
		return Bitmain
	case omitsExtranonceHandling:
		return Bitmain
	default:
		return Unknown
	}
}
