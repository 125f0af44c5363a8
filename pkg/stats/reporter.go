package stats

import (
	"context"
	"io"
	"time"

	"golang.org/x/text/message"
)

// Reporter prints the per-interval send rate of a collector.
type Reporter struct {
	c        *Collector
	w        io.Writer
	interval time.Duration
	p        *message.Printer
}

func NewReporter(c *Collector, w io.Writer, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = time.Second
	}
	return &Reporter{
		c:        c,
		w:        w,
		interval: interval,
		p:        message.NewPrinter(message.MatchLanguage("en")),
	}
}

// Run prints one line per interval until ctx is done.
func (r *Reporter) Run(ctx context.Context) {
	prev := r.c.Snapshot()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cur := r.c.Snapshot()
			r.Print(cur.Sub(prev))
			prev = cur
		case <-ctx.Done():
			return
		}
	}
}

// Print writes one rate line for delta.
func (r *Reporter) Print(delta Snapshot) {
	r.p.Fprintf(r.w, "%d xmit/s, %.2f Mbps, %d failed\n",
		uint64(delta.PacketsPerSecond()), delta.MegabitsPerSecond(), delta.PacketsFailed)
}
