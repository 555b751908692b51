// ABOUTME: Two-phase liveness probe for a connection client's execution surface
// ABOUTME: Waits for the surface to exist, then evaluates it with bounded retries

package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/2389/relay-gateway/internal/connection"
)

// Liveness is the outcome of a probe.
type Liveness int

const (
	// Unknown means the surface never appeared or never answered.
	Unknown Liveness = iota
	// Alive means the surface answered an evaluation.
	Alive
	// Closed means the surface reported itself torn down.
	Closed
)

// Result is a probe outcome. Attempts counts evaluations that were run.
type Result struct {
	Liveness Liveness
	Attempts int
}

func (r Result) String() string {
	switch r.Liveness {
	case Alive:
		return "alive"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(after %d)", r.Attempts)
	}
}

// Target is anything exposing an execution surface.
type Target interface {
	Surface() connection.Surface
}

// Options bound the probe.
type Options struct {
	// SurfaceWait bounds the wait for the surface to exist.
	SurfaceWait time.Duration
	// Interval is the polling interval while waiting.
	Interval time.Duration
	// Attempts is the number of evaluations before giving up.
	Attempts int
	// AttemptTimeout bounds each evaluation.
	AttemptTimeout time.Duration
}

// DefaultOptions waits 10s for the surface and tries 3 evaluations of 1s each.
func DefaultOptions() Options {
	return Options{
		SurfaceWait:    10 * time.Second,
		Interval:       100 * time.Millisecond,
		Attempts:       3,
		AttemptTimeout: time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.SurfaceWait <= 0 {
		o.SurfaceWait = d.SurfaceWait
	}
	if o.Interval <= 0 {
		o.Interval = d.Interval
	}
	if o.Attempts <= 0 {
		o.Attempts = d.Attempts
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = d.AttemptTimeout
	}
	return o
}

// Check probes target. It blocks for at most roughly
// SurfaceWait + Attempts*AttemptTimeout, or until ctx is done.
func Check(ctx context.Context, target Target, opts Options) Result {
	opts = opts.withDefaults()

	surface, ok := waitForSurface(ctx, target, opts)
	if !ok {
		return Result{Liveness: Unknown}
	}

	attempts := 0
	for attempts < opts.Attempts {
		if surface.Closed() {
			return Result{Liveness: Closed, Attempts: attempts}
		}
		attempts++

		attemptCtx, cancel := context.WithTimeout(ctx, opts.AttemptTimeout)
		err := surface.Evaluate(attemptCtx, "1")
		cancel()
		if err == nil {
			return Result{Liveness: Alive, Attempts: attempts}
		}
		if ctx.Err() != nil {
			break
		}
	}
	return Result{Liveness: Unknown, Attempts: attempts}
}

// waitForSurface polls until the surface exists, the wait elapses or ctx ends.
func waitForSurface(ctx context.Context, target Target, opts Options) (connection.Surface, bool) {
	if s := target.Surface(); s != nil {
		return s, true
	}

	deadline := time.NewTimer(opts.SurfaceWait)
	defer deadline.Stop()
	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-deadline.C:
			return nil, false
		case <-ticker.C:
			if s := target.Surface(); s != nil {
				return s, true
			}
		}
	}
}
