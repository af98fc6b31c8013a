package session

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// SchedulerConfig tunes the debounce window and the retry policy.
type SchedulerConfig struct {
	Debounce    time.Duration
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	JitterRatio float64
	Logger      Logger

	// Notify is called once when MaxAttempts consecutive flushes failed.
	// The payload stays queued; the next Trigger starts a fresh cycle.
	Notify func(err error)
}

// Scheduler coalesces rapid edits into one flush per debounce window and
// retries failed flushes with capped exponential backoff. Task state is held
// explicitly in the struct, never in timer closures.
type Scheduler struct {
	cfg   SchedulerConfig
	flush func(ctx context.Context) error
	rng   *rand.Rand

	mu        sync.Mutex
	timer     *time.Timer
	pending   bool
	attempts  int
	exhausted bool
	stopped   bool

	ctx    context.Context
	cancel context.CancelFunc
}

func NewScheduler(cfg SchedulerConfig, flush func(ctx context.Context) error) *Scheduler {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 400 * time.Millisecond
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.JitterRatio < 0 {
		cfg.JitterRatio = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:    cfg,
		flush:  flush,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Schedule arms (or re-arms) the debounce timer. Edits arriving inside the
// window collapse into a single flush.
func (s *Scheduler) Schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.pending = true
	s.attempts = 0
	s.exhausted = false
	s.armLocked(s.cfg.Debounce)
}

// Trigger flushes immediately, resetting any backoff state. Used on
// reconnect and by callers that cannot wait out the debounce window.
func (s *Scheduler) Trigger() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.pending = true
	s.attempts = 0
	s.exhausted = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	s.runFlush()
}

// Stop cancels the pending timer and any in-flight flush.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	s.cancel()
}

func (s *Scheduler) armLocked(delay time.Duration) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(delay, s.runFlush)
}

func (s *Scheduler) runFlush() {
	s.mu.Lock()
	if s.stopped || !s.pending || s.exhausted {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	err := s.flush(s.ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if err == nil {
		s.pending = false
		s.attempts = 0
		return
	}
	s.attempts++
	if s.attempts >= s.cfg.MaxAttempts {
		s.exhausted = true
		s.logf("session: flush failed %d times, giving up until next trigger: %v", s.attempts, err)
		if s.cfg.Notify != nil {
			notify := s.cfg.Notify
			go notify(err)
		}
		return
	}
	delay := s.backoffDelay(s.attempts)
	s.logf("session: flush failed (attempt %d), retrying in %s: %v", s.attempts, delay, err)
	s.armLocked(delay)
}

func (s *Scheduler) backoffDelay(attempt int) time.Duration {
	delay := s.cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= s.cfg.MaxDelay {
			delay = s.cfg.MaxDelay
			break
		}
	}
	if delay > s.cfg.MaxDelay {
		delay = s.cfg.MaxDelay
	}
	return jitteredIntervalWithSample(delay, s.cfg.JitterRatio, s.rng.Float64())
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}

func clampJitterRatio(ratio float64) float64 {
	if ratio < 0 {
		return 0
	}
	if ratio > 1 {
		return 1
	}
	return ratio
}

func (s *Scheduler) logf(format string, args ...any) {
	if s.cfg.Logger == nil {
		return
	}
	s.cfg.Logger.Printf(format, args...)
}
