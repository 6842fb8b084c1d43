package watch

import (
	"context"
	"sync"
	"time"
)

// Event is a single observation produced by a poller probe.
type Event struct {
	At      time.Time
	Payload any
}

// Probe produces one observation per tick.
type Probe func(now time.Time) Event

// Poller owns its subscriber set and lifecycle. Multiple independent
// instances coexist without cross-talk; there is no process-wide registry.
type Poller struct {
	interval time.Duration
	probe    Probe

	mu     sync.Mutex
	subs   map[int]func(Event)
	nextID int
	cancel context.CancelFunc
}

// NewPoller creates a stopped poller that invokes probe every interval once
// started.
func NewPoller(interval time.Duration, probe Probe) *Poller {
	return &Poller{
		interval: interval,
		probe:    probe,
		subs:     make(map[int]func(Event)),
	}
}

// Subscribe registers fn and returns an unsubscribe function. Unsubscribing
// twice is a no-op.
func (p *Poller) Subscribe(fn func(Event)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.subs[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subs, id)
	}
}

// Start begins polling until Stop is called or ctx is done. Starting a
// running poller is a no-op.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				p.notify(p.probe(now))
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop releases the polling timer. Subscribers stay registered and receive
// events again after a later Start.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

// Tick runs the probe once and notifies subscribers immediately, outside the
// polling schedule.
func (p *Poller) Tick(now time.Time) {
	p.notify(p.probe(now))
}

func (p *Poller) notify(ev Event) {
	p.mu.Lock()
	fns := make([]func(Event), 0, len(p.subs))
	for _, fn := range p.subs {
		fns = append(fns, fn)
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
