// Package dashboard prints a periodic terminal snapshot of pool
// activity. No third-party TUI library in the example corpus covers
// this; it is a config-gated convenience, not a primary interface, so a
// plain tabwriter table is the right scope for it.
package dashboard

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"
)

// Snapshot is one point-in-time view of pool state to render.
type Snapshot struct {
	ConnectedMiners int
	SharesAccepted  uint64
	SharesRejected  uint64
	BlocksFound     uint64
	CurrentHeight   uint64
	JobAge          time.Duration
}

// Source supplies the current Snapshot on demand.
type Source func() Snapshot

// Dashboard periodically renders a Source's output to an io.Writer.
type Dashboard struct {
	out      io.Writer
	source   Source
	interval time.Duration
}

// New builds a Dashboard that renders to out every interval.
func New(out io.Writer, source Source, interval time.Duration) *Dashboard {
	return &Dashboard{out: out, source: source, interval: interval}
}

// Run renders on each tick until ctx is canceled.
func (d *Dashboard) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.render()
	for {
		select {
		case <-ticker.C:
			d.render()
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dashboard) render() {
	snap := d.source()

	w := tabwriter.NewWriter(d.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "height\tminers\taccepted\trejected\tblocks\tjob age\n")
	fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\t%s\n",
		snap.CurrentHeight, snap.ConnectedMiners, snap.SharesAccepted, snap.SharesRejected,
		snap.BlocksFound, snap.JobAge.Round(time.Second))
	w.Flush()
}
