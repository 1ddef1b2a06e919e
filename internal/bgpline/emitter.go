// Package bgpline serializes a route.Table to the line-oriented protocol
// consumed by the upstream BGP speaker on its standard input.
//
// Exact line formats (bit-exact; the speaker parses them):
//
//	announce route <prefix>/32 next-hop self med <metric>
//	withdraw route <prefix>/32
//
// No other output is written to the underlying writer during normal
// operation; diagnostics go through the logger instead.
package bgpline

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/shtouff-go/exazk/internal/route"
)

// Emitter writes route Tables to an io.Writer (stdout in production) in the
// BGP speaker's line protocol, flushing after each group.
type Emitter struct {
	log *zap.Logger

	mu sync.Mutex
	w  *bufio.Writer
}

// New creates an Emitter writing to w.
func New(log *zap.Logger, w io.Writer) *Emitter {
	return &Emitter{log: log, w: bufio.NewWriter(w)}
}

// Advertise writes the table's announce lines, flushes, writes the withdraw
// lines, and flushes again. A write failure is fatal: the pipeline to the
// BGP speaker is the product, so the error is returned for the caller to
// treat as unrecoverable.
func (e *Emitter) Advertise(t route.Table) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.log.Info("advertising routes",
		zap.Int("announce", len(t.Announce)),
		zap.Int("withdraw", len(t.Withdraw)),
	)

	for _, r := range t.Announce {
		if _, err := fmt.Fprintf(e.w, "announce route %s/32 next-hop %s med %d\n",
			r.Prefix, nextHopOrDefault(r.NextHop), r.Metric); err != nil {
			return fmt.Errorf("writing announce line for %s: %w", r.Prefix, err)
		}
		e.log.Debug("announce", zap.String("prefix", r.Prefix.String()), zap.Uint32("metric", r.Metric))
	}
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("flushing announce group: %w", err)
	}

	for _, r := range t.Withdraw {
		if _, err := fmt.Fprintf(e.w, "withdraw route %s/32\n", r.Prefix); err != nil {
			return fmt.Errorf("writing withdraw line for %s: %w", r.Prefix, err)
		}
		e.log.Debug("withdraw", zap.String("prefix", r.Prefix.String()))
	}
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("flushing withdraw group: %w", err)
	}

	return nil
}

func nextHopOrDefault(nh string) string {
	if nh == "" {
		return "self"
	}
	return nh
}
