// Package timer provides the timer service used by the connection engine:
// one-shot and periodic scheduled callbacks with cancel. Retransmission,
// null-segment and cumulative-ack timers are all built on it
package timer

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Service schedules callbacks on behalf of its owner. Once the service is
// closed, callbacks that have not fired yet become no-ops
type Service struct {
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

// NewService creates a new timer service. A nil logger disables logging
func NewService(logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{logger: logger}
}

// Close shuts the service down. Timers already scheduled will not fire their
// callbacks after Close returns
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *Service) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Timer is a scheduled callback. A Timer must not be copied after first use
type Timer struct {
	service *Service

	mu      sync.Mutex
	t       *time.Timer
	period  time.Duration
	f       func()
	stopped bool
}

// Schedule arranges for f to be called once after the given delay. The
// callback runs on its own goroutine
func (s *Service) Schedule(d time.Duration, f func()) *Timer {
	t := &Timer{service: s, f: f}
	// Hold the lock so an immediate fire observes a fully-built timer
	t.mu.Lock()
	t.t = time.AfterFunc(d, t.fire)
	t.mu.Unlock()
	return t
}

// SchedulePeriodic arranges for f to be called every period until the timer
// is stopped
func (s *Service) SchedulePeriodic(period time.Duration, f func()) *Timer {
	t := &Timer{service: s, period: period, f: f}
	t.mu.Lock()
	t.t = time.AfterFunc(period, t.fire)
	t.mu.Unlock()
	return t
}

func (t *Timer) fire() {
	t.mu.Lock()
	if t.stopped || t.service.isClosed() {
		t.mu.Unlock()
		return
	}
	f := t.f
	t.mu.Unlock()

	f()

	t.mu.Lock()
	if t.period != 0 && !t.stopped && !t.service.isClosed() {
		t.t.Reset(t.period)
	}
	t.mu.Unlock()
}

// Stop cancels the timer. A callback already running is not interrupted, but
// a callback that has not started yet will not run
func (t *Timer) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.t.Stop()
	t.mu.Unlock()
}

// Reset re-arms the timer to fire after the given delay, reviving it if it
// was stopped
func (t *Timer) Reset(d time.Duration) {
	t.mu.Lock()
	t.stopped = false
	t.t.Reset(d)
	t.mu.Unlock()
}
