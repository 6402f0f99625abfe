package secrets

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// schedule queues the next rotation of sec. mu must be held.
func (s *Store) schedule(sec *secret, from time.Time) {
	if s.interval <= 0 || s.closed || !sec.meta.Active {
		sec.meta.NextRotation = time.Time{}
		return
	}
	at := from.Add(s.interval)
	sec.meta.NextRotation = at
	s.queue.Set(dueEntry{at: at, name: sec.meta.Name})
	s.notify()
}

// unschedule drops the queued rotation of sec. mu must be held.
func (s *Store) unschedule(sec *secret) {
	if sec.meta.NextRotation.IsZero() {
		return
	}
	s.queue.Delete(dueEntry{at: sec.meta.NextRotation, name: sec.meta.Name})
	sec.meta.NextRotation = time.Time{}
	s.notify()
}

func (s *Store) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// RotateDue rotates every secret whose rotation time has passed and returns
// their names in firing order.
func (s *Store) RotateDue(ctx context.Context) []string {
	now := s.clock.Now()

	s.mu.Lock()
	var due []string
	s.queue.Scan(func(e dueEntry) bool {
		if e.at.After(now) {
			return false
		}
		due = append(due, e.name)
		return true
	})
	s.mu.Unlock()

	rotated := make([]string, 0, len(due))
	for _, name := range due {
		if err := s.Rotate(ctx, name); err != nil {
			s.logger.Error("Scheduled rotation failed", zap.String("name", name), zap.Error(err))
			continue
		}
		rotated = append(rotated, name)
	}
	return rotated
}

// Run drives scheduled rotation until ctx is done or the store is closed.
func (s *Store) Run(ctx context.Context) error {
	for {
		s.mu.Lock()
		next, ok := s.queue.Min()
		s.mu.Unlock()

		var fire <-chan time.Time
		if ok {
			wait := next.at.Sub(s.clock.Now())
			if wait <= 0 {
				s.RotateDue(ctx)
				continue
			}
			fire = s.clock.After(wait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case <-s.wake:
		case <-fire:
			s.RotateDue(ctx)
		}
	}
}
