// Package shutdown centralizes signal handling and last-resort abort
// handling so resource release happens on every exit path.
package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"chatsync/pkg/logger"
)

// NotifyContext returns a context canceled on SIGINT/SIGTERM.
func NotifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// Abort logs a fatal startup error, dumps goroutine stacks to stderr and
// exits. Used only before the server is serving; once running, errors flow
// back through Run.
func Abort(contextMsg string, err error) {
	logger.Error("startup_fatal", "msg", contextMsg, "error", err)
	fmt.Fprintf(os.Stderr, "fatal: %s: %v\n", contextMsg, err)
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	_, _ = os.Stderr.Write(buf[:n])
	os.Exit(2)
}

// Graceful shuts srv down within the timeout, falling back to a hard
// close.
type Stoppable interface {
	Shutdown(ctx context.Context) error
	Close() error
}

// Graceful drains srv within timeout; on expiry it hard-closes.
func Graceful(srv Stoppable, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful_shutdown_failed", "error", err)
		_ = srv.Close()
	}
}
