package viewer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"github.com/ehr/careflow/internal/platform/metrics"
)

// Task is one poll. It must leave the projection untouched when it fails.
type Task func(ctx context.Context) error

// Poller runs a Task immediately and then on a fixed interval. At most one
// run is in flight. A tick that arrives meanwhile is skipped; pokes that
// arrive meanwhile collapse into a single follow-up run.
type Poller struct {
	name     string
	interval time.Duration
	task     Task
	clock    clock.WithTicker
	logger   zerolog.Logger

	poke    chan struct{}
	running atomic.Bool
	again   atomic.Bool
	wg      sync.WaitGroup
}

func NewPoller(name string, interval time.Duration, task Task, clk clock.WithTicker, logger zerolog.Logger) *Poller {
	return &Poller{
		name:     name,
		interval: interval,
		task:     task,
		clock:    clk,
		logger:   logger.With().Str("poller", name).Logger(),
		poke:     make(chan struct{}, 1),
	}
}

func (p *Poller) Interval() time.Duration { return p.interval }

// Poke requests a run as soon as possible. Pokes coalesce.
func (p *Poller) Poke() {
	select {
	case p.poke <- struct{}{}:
	default:
	}
}

// Run polls until ctx is done, then waits for an in-flight run to return.
func (p *Poller) Run(ctx context.Context) error {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()
	defer p.wg.Wait()

	p.trigger(ctx, false)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			p.trigger(ctx, false)
		case <-p.poke:
			p.trigger(ctx, true)
		}
	}
}

func (p *Poller) trigger(ctx context.Context, poked bool) {
	if !p.running.CompareAndSwap(false, true) {
		if poked {
			p.again.Store(true)
			metrics.Polls.WithLabelValues(p.name, "deferred").Inc()
			return
		}
		metrics.Polls.WithLabelValues(p.name, "skipped").Inc()
		return
	}
	p.wg.Add(1)
	p.again.Store(false)
	go func() {
		defer p.wg.Done()
		for {
			p.runOnce(ctx)
			if ctx.Err() != nil || !p.again.Swap(false) {
				break
			}
		}
		p.running.Store(false)
		// A poke that landed between the last check and the store above.
		if p.again.Load() && ctx.Err() == nil {
			p.Poke()
		}
	}()
}

func (p *Poller) runOnce(ctx context.Context) {
	start := p.clock.Now()
	if err := p.task(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.Polls.WithLabelValues(p.name, "error").Inc()
		p.logger.Warn().Err(err).Msg("poll failed, keeping current projection")
		return
	}
	metrics.Polls.WithLabelValues(p.name, "ok").Inc()
	p.logger.Debug().Dur("took", p.clock.Since(start)).Msg("poll complete")
}

// Running reports whether a run is in flight.
func (p *Poller) Running() bool {
	return p.running.Load()
}
