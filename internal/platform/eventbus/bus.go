package eventbus

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"github.com/ehr/careflow/internal/platform/metrics"
)

// Bus joins the in-process channel with an optional cross-session
// Broadcaster. Remote failures are logged and never surface to publishers.
type Bus struct {
	local  *Local
	remote Broadcaster
	origin string
	logger zerolog.Logger
	clock  clock.Clock

	minBackoff time.Duration
	maxBackoff time.Duration
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithClock sets the clock the reconnect backoff waits on.
func WithClock(clk clock.Clock) BusOption {
	return func(b *Bus) { b.clock = clk }
}

// NewBus creates a bus. remote may be nil for a process-local bus.
func NewBus(remote Broadcaster, logger zerolog.Logger, opts ...BusOption) *Bus {
	b := &Bus{
		local:      NewLocal(logger),
		remote:     remote,
		origin:     uuid.NewString(),
		logger:     logger,
		clock:      clock.RealClock{},
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) Origin() string { return b.origin }

func (b *Bus) Subscribe(typ string, h Handler) func() {
	return b.local.Subscribe(typ, h)
}

// PublishLocal notifies in-process subscribers only.
func (b *Bus) PublishLocal(e Event) {
	b.local.Publish(e)
}

// Publish notifies in-process subscribers and then the cross-session channel.
func (b *Bus) Publish(ctx context.Context, e Event) {
	b.local.Publish(e)
	if b.remote == nil {
		return
	}
	e.Origin = b.origin
	if err := b.remote.Broadcast(ctx, e); err != nil {
		metrics.Events.WithLabelValues("remote", "failed").Inc()
		b.logger.Warn().Err(err).Str("type", e.Type).Str("patient_id", e.PatientID).
			Msg("cross-session broadcast failed")
		return
	}
	metrics.Events.WithLabelValues("remote", "out").Inc()
}

// Run relays cross-session events into the local channel until ctx is done,
// reconnecting with backoff when the channel fails. The backoff starts over
// after a connection that stayed up longer than the longest wait.
func (b *Bus) Run(ctx context.Context) error {
	if b.remote == nil {
		<-ctx.Done()
		return nil
	}

	backoff := b.minBackoff
	for {
		started := b.clock.Now()
		err := b.remote.Listen(ctx, b.relay)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = errors.New("listener returned")
		}
		if b.clock.Since(started) >= b.maxBackoff {
			backoff = b.minBackoff
		}
		b.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("cross-session listener failed")

		t := b.clock.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C():
		}
		backoff *= 2
		if backoff > b.maxBackoff {
			backoff = b.maxBackoff
		}
	}
}

func (b *Bus) relay(e Event) {
	if e.Origin == b.origin {
		return
	}
	metrics.Events.WithLabelValues("remote", "in").Inc()
	b.local.Publish(e)
}
