// ABOUTME: Tests for the two-phase liveness probe
// ABOUTME: Covers alive, closed, unknown-after-retries and surface wait timeout

package probe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/2389/relay-gateway/internal/connection"
)

type stubSurface struct {
	mu     sync.Mutex
	closed bool
	errs   []error
	calls  int
}

func (s *stubSurface) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stubSurface) Evaluate(_ context.Context, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

type stubTarget struct {
	mu      sync.Mutex
	surface connection.Surface
}

func (t *stubTarget) Surface() connection.Surface {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.surface
}

func (t *stubTarget) set(s connection.Surface) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.surface = s
}

func fastOptions() Options {
	return Options{
		SurfaceWait:    50 * time.Millisecond,
		Interval:       5 * time.Millisecond,
		Attempts:       3,
		AttemptTimeout: 20 * time.Millisecond,
	}
}

func TestCheck_Alive(t *testing.T) {
	target := &stubTarget{surface: &stubSurface{}}

	res := Check(context.Background(), target, fastOptions())
	assert.Equal(t, Alive, res.Liveness)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "alive", res.String())
}

func TestCheck_AliveAfterRetry(t *testing.T) {
	surface := &stubSurface{errs: []error{errors.New("execution context destroyed")}}
	target := &stubTarget{surface: surface}

	res := Check(context.Background(), target, fastOptions())
	assert.Equal(t, Alive, res.Liveness)
	assert.Equal(t, 2, res.Attempts)
}

func TestCheck_Closed(t *testing.T) {
	surface := &stubSurface{closed: true}
	target := &stubTarget{surface: surface}

	res := Check(context.Background(), target, fastOptions())
	assert.Equal(t, Closed, res.Liveness)
	assert.Equal(t, 0, surface.calls)
}

func TestCheck_UnknownAfterRetries(t *testing.T) {
	boom := errors.New("protocol error")
	surface := &stubSurface{errs: []error{boom, boom, boom, boom}}
	target := &stubTarget{surface: surface}

	res := Check(context.Background(), target, fastOptions())
	assert.Equal(t, Unknown, res.Liveness)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, "unknown(after 3)", res.String())
}

func TestCheck_SurfaceNeverAppears(t *testing.T) {
	target := &stubTarget{}

	start := time.Now()
	res := Check(context.Background(), target, fastOptions())
	assert.Equal(t, Unknown, res.Liveness)
	assert.Equal(t, 0, res.Attempts)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestCheck_SurfaceAppearsLate(t *testing.T) {
	target := &stubTarget{}
	go func() {
		time.Sleep(15 * time.Millisecond)
		target.set(&stubSurface{})
	}()

	res := Check(context.Background(), target, fastOptions())
	assert.Equal(t, Alive, res.Liveness)
}

func TestCheck_ContextCancelled(t *testing.T) {
	target := &stubTarget{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := Check(ctx, target, Options{SurfaceWait: time.Hour})
	assert.Equal(t, Unknown, res.Liveness)
}
