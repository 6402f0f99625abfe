package audit

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/KyFuirY/FreelanceOS/pkg/metrics"
)

// Emitter accepts security events. Emit never fails the caller.
type Emitter interface {
	Emit(ctx context.Context, ev Event)
}

// Sink is a destination for events.
type Sink interface {
	Name() string
	Write(ctx context.Context, ev Event) error
}

// Dispatcher stamps events and fans them out to its sinks.
type Dispatcher struct {
	logger *zap.Logger
	clock  clockwork.Clock
	sinks  []Sink
}

var _ Emitter = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher. A nil clock uses the real clock.
func NewDispatcher(logger *zap.Logger, clock clockwork.Clock, sinks ...Sink) *Dispatcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Dispatcher{logger: logger.Named("audit"), clock: clock, sinks: sinks}
}

// Emit implements Emitter.
func (d *Dispatcher) Emit(ctx context.Context, ev Event) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.Time.IsZero() {
		ev.Time = d.clock.Now().UTC()
	}
	metrics.SecurityEvents.WithLabelValues(string(ev.Type), string(ev.Severity)).Inc()

	for _, sink := range d.sinks {
		if err := sink.Write(ctx, ev); err != nil {
			d.logger.Warn("Failed to write security event",
				zap.String("sink", sink.Name()),
				zap.String("event_id", ev.ID.String()),
				zap.String("type", string(ev.Type)),
				zap.Error(err))
		}
	}
}

// Recorder keeps emitted events in memory. Tests use it to assert on what a
// component reported.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

var _ Emitter = (*Recorder)(nil)

func (r *Recorder) Emit(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a snapshot of recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns recorded events of the given type.
func (r *Recorder) OfType(typ EventType) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}
