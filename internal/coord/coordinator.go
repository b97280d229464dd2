// Package coord relays background activity into the running terminal
// program: list changes, finished poll cycles and the ticker clock.
package coord

import (
	"context"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/ionicresearchlabs/ionic/internal/feed"
	"github.com/ionicresearchlabs/ionic/internal/incidentlist"
	"github.com/ionicresearchlabs/ionic/internal/ui"
)

// tickerInterval is the time between ticker reloads.
const tickerInterval = 30 * time.Second

// cycleQueue bounds poll reports waiting for the program.
const cycleQueue = 32

// Sender is the subset of *tea.Program the coordinator needs.
type Sender interface {
	Send(msg tea.Msg)
}

// Coordinator is an incidentlist.View that forwards changes to a program.
// View callbacks never block: changes are coalesced and sent from the
// coordinator's own goroutine.
// Uses context cancellation as the ONLY stop mechanism.
type Coordinator struct {
	interval time.Duration
	dirty    chan struct{}
	cycles   chan feed.CycleReport
	wg       sync.WaitGroup

	mu       sync.Mutex
	progress ui.ListChanged
}

// New returns a coordinator that reloads the ticker every interval
// (tickerInterval when <= 0).
func New(interval time.Duration) *Coordinator {
	if interval <= 0 {
		interval = tickerInterval
	}
	return &Coordinator{
		interval: interval,
		dirty:    make(chan struct{}, 1),
		cycles:   make(chan feed.CycleReport, cycleQueue),
	}
}

// Start forwards until ctx is done.
func (c *Coordinator) Start(ctx context.Context, program Sender) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.dirty:
				c.mu.Lock()
				msg := c.progress
				c.mu.Unlock()
				program.Send(msg)
			case rep := <-c.cycles:
				program.Send(ui.CycleDone{Collection: rep.Collection, Inserted: rep.Inserted, Err: rep.Err})
			case <-ticker.C:
				program.Send(ui.TickerTick{})
			}
		}
	}()
}

// Wait blocks until the forwarding goroutine exits.
// Call after canceling the context passed to Start.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) poke() {
	select {
	case c.dirty <- struct{}{}:
	default:
	}
}

// Inserted implements incidentlist.View.
func (c *Coordinator) Inserted(int, incidentlist.Entry) any {
	c.poke()
	return nil
}

// Updated implements incidentlist.View.
func (c *Coordinator) Updated(int, incidentlist.Entry) { c.poke() }

// Visibility implements incidentlist.View.
func (c *Coordinator) Visibility(int) { c.poke() }

// Progress implements incidentlist.View.
func (c *Coordinator) Progress(stage string, done, total int) {
	c.mu.Lock()
	c.progress = ui.ListChanged{Stage: stage, Done: done, Total: total}
	c.mu.Unlock()
	c.poke()
}

// OnCycle is a feed cycle hook. Reports are dropped when the program
// falls behind.
func (c *Coordinator) OnCycle(rep feed.CycleReport) {
	select {
	case c.cycles <- rep:
	default:
	}
}
