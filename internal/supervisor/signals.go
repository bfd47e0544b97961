package supervisor

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"cadence/internal/domain"
)

// TerminationSignals are the signals that end a supervisor or a child.
var TerminationSignals = []os.Signal{syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT}

// SignalContext returns a context cancelled on the first termination
// signal. Its cause is a *domain.CancellationError naming the signal.
// stop releases the signal handlers.
func SignalContext(parent context.Context) (ctx context.Context, stop func()) {
	ctx, cancel := context.WithCancelCause(parent)
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, TerminationSignals...)

	quit := make(chan struct{})
	go func() {
		select {
		case sig := <-sigc:
			cancel(&domain.CancellationError{Reason: "received " + sig.String()})
		case <-quit:
		case <-ctx.Done():
		}
	}()
	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			signal.Stop(sigc)
			close(quit)
			cancel(nil)
		})
	}
}
