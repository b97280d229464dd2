package feed

import (
	"context"
	"sync"
	"time"
)

// Poller runs a function now and then again every interval after each run
// completes. Runs never overlap. Start replaces the pending timer; a run
// already in flight finishes, but only the newest Start re-arms.
type Poller struct {
	interval time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	stopped bool

	runMu sync.Mutex
}

// NewPoller returns a stopped poller.
func NewPoller(interval time.Duration) *Poller {
	return &Poller{interval: interval}
}

// Start runs fn immediately in the background and re-arms after it
// returns. The channel receives the first run's error. ctx bounds the
// whole chain.
func (p *Poller) Start(ctx context.Context, fn func(context.Context) error) <-chan error {
	p.mu.Lock()
	p.gen++
	gen := p.gen
	p.stopped = false
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()

	first := make(chan error, 1)
	go func() {
		first <- p.run(ctx, gen, fn)
		close(first)
	}()
	return first
}

func (p *Poller) run(ctx context.Context, gen uint64, fn func(context.Context) error) error {
	if !p.current(gen) || ctx.Err() != nil {
		return ctx.Err()
	}
	p.runMu.Lock()
	if !p.current(gen) {
		p.runMu.Unlock()
		return nil
	}
	err := fn(ctx)
	p.runMu.Unlock()
	p.arm(ctx, gen, fn)
	return err
}

func (p *Poller) current(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.stopped && gen == p.gen
}

func (p *Poller) arm(ctx context.Context, gen uint64, fn func(context.Context) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || gen != p.gen || ctx.Err() != nil || p.interval <= 0 {
		return
	}
	p.timer = time.AfterFunc(p.interval, func() { p.run(ctx, gen, fn) })
}

// Stop cancels the pending timer. A run in flight completes but does not
// re-arm.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// Pending reports whether a next run is scheduled.
func (p *Poller) Pending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timer != nil && !p.stopped
}
