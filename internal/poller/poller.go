// Package poller runs a callback immediately on enable and then at a fixed
// interval, never overlapping invocations.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kiranshivaraju/hdriflow/internal/metrics"
)

// DefaultInterval is used when New is given a non-positive interval.
const DefaultInterval = 2 * time.Second

// Func is the polled callback. A returned error is logged and otherwise ignored.
type Func func(ctx context.Context) error

// Poller owns one background goroutine that is the only caller of its Func,
// so a new invocation can never start before the previous one returned.
type Poller struct {
	fn       Func
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	enabled bool
	kick    bool
	closed  bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

// New creates a disabled poller and starts its loop.
func New(fn Func, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Poller{
		fn:       fn,
		interval: interval,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go p.run()
	return p
}

// SetEnabled turns polling on or off. Going from disabled to enabled fires
// the callback as soon as any in-flight invocation has returned. Disabling
// cancels the pending tick but lets an in-flight invocation finish. Safe to
// call from inside the callback; it never blocks.
func (p *Poller) SetEnabled(enabled bool) {
	p.mu.Lock()
	if p.closed || p.enabled == enabled {
		p.mu.Unlock()
		return
	}
	p.enabled = enabled
	p.kick = enabled
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Arm enables polling without the immediate invocation; the first call
// happens one interval from now. It is a no-op if polling is already on.
func (p *Poller) Arm() {
	p.mu.Lock()
	if p.closed || p.enabled {
		p.mu.Unlock()
		return
	}
	p.enabled = true
	p.kick = false
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Poller) Start() { p.SetEnabled(true) }

func (p *Poller) Stop() { p.SetEnabled(false) }

// Enabled reports whether polling is on.
func (p *Poller) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

// Close stops the loop for good. It does not wait for an in-flight
// invocation; use Done for that.
func (p *Poller) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.enabled = false
	p.mu.Unlock()
	close(p.quit)
}

// Done is closed once the loop has exited.
func (p *Poller) Done() <-chan struct{} {
	return p.done
}

type action int

const (
	actionIdle action = iota
	actionWait
	actionFire
	actionExit
)

func (p *Poller) decide() action {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.closed:
		return actionExit
	case !p.enabled:
		return actionIdle
	case p.kick:
		p.kick = false
		return actionFire
	default:
		return actionWait
	}
}

func (p *Poller) run() {
	defer close(p.done)

	timer := time.NewTimer(p.interval)
	timer.Stop()
	armed := false

	for {
		switch p.decide() {
		case actionExit:
			timer.Stop()
			return
		case actionFire:
			if armed {
				timer.Stop()
				armed = false
			}
			p.invoke()
			continue
		case actionWait:
			if !armed {
				timer.Reset(p.interval)
				armed = true
			}
		case actionIdle:
			if armed {
				timer.Stop()
				armed = false
			}
		}

		select {
		case <-p.quit:
			timer.Stop()
			return
		case <-p.wake:
		case <-timer.C:
			armed = false
			p.mu.Lock()
			if p.enabled && !p.closed {
				p.kick = true
			}
			p.mu.Unlock()
		}
	}
}

func (p *Poller) invoke() {
	defer func() {
		if r := recover(); r != nil {
			metrics.PollTicksTotal.WithLabelValues("panic").Inc()
			p.logger.Error("panic in poll callback", "error", fmt.Sprint(r))
		}
	}()

	if err := p.fn(context.Background()); err != nil {
		metrics.PollTicksTotal.WithLabelValues("error").Inc()
		p.logger.Warn("poll callback failed", "error", err)
		return
	}
	metrics.PollTicksTotal.WithLabelValues("ok").Inc()
}
