package orchestrator

import (
	"sync"

	"github.com/docmill/docmill/internal/chunk"
)

// progressGuard enforces the produced contract on progress reporting:
// percent stays within 0-100 and never decreases within one call, no
// matter how the execution phases interleave their updates.
type progressGuard struct {
	mu   sync.Mutex
	fn   chunk.ProgressFunc
	last int
}

func newProgressGuard(fn chunk.ProgressFunc) *progressGuard {
	return &progressGuard{fn: fn}
}

func (p *progressGuard) report(percent int, message string) {
	if p.fn == nil {
		return
	}

	p.mu.Lock()
	if percent < p.last {
		percent = p.last
	}
	if percent > 100 {
		percent = 100
	}
	p.last = percent
	p.mu.Unlock()

	p.fn(percent, message)
}

// scaled maps a phase's 0-100 progress onto the [lo,hi] segment of the
// overall batch.
func (p *progressGuard) scaled(lo, hi int) chunk.ProgressFunc {
	return func(percent int, message string) {
		p.report(lo+percent*(hi-lo)/100, message)
	}
}
