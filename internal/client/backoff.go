package client

import (
	"time"

	"gogoc-tsp/internal/config"
)

// Backoff tracks consecutive failed attempts. The first retry after a
// reset is immediate; later ones wait, and every third consecutive retry
// doubles the wait up to Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	consec    int
	effective time.Duration
}

func NewBackoff(cfg *config.Config) *Backoff {
	return &Backoff{
		Base: time.Duration(cfg.RetryDelay) * time.Second,
		Max:  time.Duration(cfg.RetryDelayMax) * time.Second,
	}
}

// Reset makes the next retry immediate.
func (b *Backoff) Reset() { b.consec = 0 }

// Force makes the next retry wait Base.
func (b *Backoff) Force() {
	b.effective = b.Base
	b.consec = 1
}

// Next returns how long to wait before the next attempt.
func (b *Backoff) Next() time.Duration {
	if b.consec == 0 {
		b.consec++
		b.effective = b.Base
		return 0
	}
	if b.consec%config.BackoffDoubleEvery == 0 {
		b.effective *= 2
		if b.effective > b.Max {
			b.effective = b.Max
		}
	}
	b.consec++
	return b.effective
}
