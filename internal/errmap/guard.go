package errmap

import (
	"context"
	"errors"
	"os"

	"go.uber.org/zap"

	"github.com/KyFuirY/FreelanceOS/internal/audit"
	apperrors "github.com/KyFuirY/FreelanceOS/pkg/errors"
)

// Guard handles failures outside request handling: panics in main and
// background goroutines, and errors returned by background tasks. In
// production it exits the process after logging.
type Guard struct {
	mapper *Mapper
	exit   func(int)
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithExit replaces os.Exit.
func WithExit(exit func(int)) GuardOption {
	return func(g *Guard) { g.exit = exit }
}

// NewGuard creates a process guard reporting through m.
func NewGuard(m *Mapper, opts ...GuardOption) *Guard {
	g := &Guard{mapper: m, exit: os.Exit}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Recover must be deferred directly.
func (g *Guard) Recover() {
	if r := recover(); r != nil {
		g.fail(apperrors.Internal.Explain("panic: %v", r).Trace())
	}
}

// Go runs fn in a goroutine under the guard. A non-nil error other than
// context cancellation is reported.
func (g *Guard) Go(fn func() error) {
	go func() {
		defer g.Recover()
		if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
			g.Report(err)
		}
	}()
}

// Report handles an error nothing upstream will handle.
func (g *Guard) Report(err error) {
	g.fail(err)
}

func (g *Guard) fail(err error) {
	cl := g.mapper.Classify(err)
	cl.Kind = apperrors.KindInternal
	cl.Severity = audit.SeverityCritical
	g.mapper.record(context.Background(), cl, zap.Bool("fatal", g.mapper.production))
	if g.mapper.production {
		g.mapper.logger.Error("Terminating after unhandled failure", zap.String("error", cl.Describe()))
		_ = g.mapper.logger.Sync()
		g.exit(1)
	}
}
