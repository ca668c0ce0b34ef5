package pipeline

import (
	"context"
	"sync"
	"time"
)

// Pacer spaces out backend submissions. It hands out evenly spaced turns and
// never lets a caller go early.
type Pacer struct {
	mu            sync.Mutex
	nextAllowedAt time.Time
	interval      time.Duration
}

func NewPacer(requestsPerSecond int) *Pacer {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 1
	}
	return &Pacer{interval: time.Second / time.Duration(requestsPerSecond)}
}

// Wait blocks until the caller's turn. A cancelled wait gives its turn back
// only if no later turn was handed out in the meantime.
func (p *Pacer) Wait(ctx context.Context) error {
	p.mu.Lock()
	now := time.Now()
	scheduled := now
	if p.nextAllowedAt.After(now) {
		scheduled = p.nextAllowedAt
	}
	p.nextAllowedAt = scheduled.Add(p.interval)
	reserved := p.nextAllowedAt
	p.mu.Unlock()

	sleep := time.Until(scheduled)
	if sleep <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(sleep)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		p.mu.Lock()
		if p.nextAllowedAt.Equal(reserved) {
			p.nextAllowedAt = scheduled
		}
		p.mu.Unlock()
		return ctx.Err()
	}
}
