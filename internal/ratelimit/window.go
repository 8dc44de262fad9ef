package ratelimit

import (
	"sync"
	"time"

	"github.com/hookline/hookline/internal/clock"
)

// Limiter implements a fixed-window counter keyed by (subject, window bucket).
// Bursts can occur across window boundaries; that imprecision is a known
// property of fixed windows, not a bug. State is process-local and safe to
// lose on restart: callers fall back to "no history", never to "unlimited".
type Limiter struct {
	mu      sync.Mutex
	windows map[windowKey]*window

	clock      clock.Clock
	sweepEvery time.Duration

	startOnce sync.Once
	started   bool
	stopOnce  sync.Once
	stopCh    chan struct{}
	done      chan struct{}
}

type windowKey struct {
	subject string
	bucket  int64
}

type window struct {
	count   int
	resetAt time.Time
}

// Result reports the outcome of a quota check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

func New(clk clock.Clock, sweepEvery time.Duration) *Limiter {
	if sweepEvery <= 0 {
		sweepEvery = time.Minute
	}
	return &Limiter{
		windows:    make(map[windowKey]*window),
		clock:      clk,
		sweepEvery: sweepEvery,
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Check counts one request against the subject's current window. The read
// and conditional increment happen under one lock so concurrent callers can
// never exceed the limit.
func (l *Limiter) Check(subjectID string, limit, windowSeconds int) Result {
	if limit <= 0 || windowSeconds <= 0 {
		return Result{Allowed: true, Remaining: 0, ResetAt: l.clock.Now()}
	}

	windowMillis := int64(windowSeconds) * 1000
	now := l.clock.Now()
	bucket := now.UnixMilli() / windowMillis
	key := windowKey{subject: subjectID, bucket: bucket}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.windows[key]
	if !ok || !entry.resetAt.After(now) {
		entry = &window{resetAt: now.Add(time.Duration(windowMillis) * time.Millisecond)}
		l.windows[key] = entry
	}

	if entry.count >= limit {
		return Result{Allowed: false, Remaining: 0, ResetAt: entry.resetAt}
	}

	entry.count++
	return Result{Allowed: true, Remaining: limit - entry.count, ResetAt: entry.resetAt}
}

// Start launches the background sweep that evicts expired windows. Eviction
// is advisory cleanup to bound memory; expired entries are treated as fresh
// on access regardless.
func (l *Limiter) Start() {
	l.startOnce.Do(func() {
		l.mu.Lock()
		l.started = true
		l.mu.Unlock()
		go func() {
			defer close(l.done)
			ticker := time.NewTicker(l.sweepEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					l.sweep()
				case <-l.stopCh:
					return
				}
			}
		}()
	})
}

// Stop halts the background sweep and waits for it to exit. Safe to call
// whether or not Start ever ran, and idempotent.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
	l.mu.Lock()
	started := l.started
	l.mu.Unlock()
	if started {
		<-l.done
	}
}

func (l *Limiter) sweep() {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, entry := range l.windows {
		if !entry.resetAt.After(now) {
			delete(l.windows, key)
		}
	}
}

func (l *Limiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
