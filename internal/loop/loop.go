// Package loop runs every player state machine on a single goroutine.
// Network goroutines and timers hand their completions back with Post.
package loop

import (
	"context"
	"sync"
	"time"
)

// Scheduler queues work onto the loop goroutine.
type Scheduler interface {
	// Post enqueues fn. It reports false once the loop has stopped.
	Post(fn func()) bool
	// AfterFunc posts fn after d. The returned func cancels it.
	AfterFunc(d time.Duration, fn func()) (cancel func())
}

// Loop is a Scheduler backed by a goroutine draining an unbounded task
// queue. Post never blocks, so tasks may post more tasks.
type Loop struct {
	mu    sync.Mutex
	tasks []func()
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// New creates a loop whose task queue starts with the given capacity.
func New(capacity int) *Loop {
	if capacity <= 0 {
		capacity = 256
	}
	return &Loop{
		tasks: make([]func(), 0, capacity),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Run executes tasks until ctx is cancelled or Stop is called.
func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			l.Stop()
			return
		case <-l.done:
			return
		case <-l.wake:
		}

		l.mu.Lock()
		batch := l.tasks
		l.tasks = nil
		l.mu.Unlock()
		for i, fn := range batch {
			select {
			case <-l.done:
				return
			default:
			}
			fn()
			batch[i] = nil
		}
	}
}

// Stop terminates Run. Pending tasks are dropped.
func (l *Loop) Stop() {
	l.once.Do(func() { close(l.done) })
}

// Done is closed once the loop stops.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	l.mu.Lock()
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

func (l *Loop) AfterFunc(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, func() { l.Post(fn) })
	return func() { t.Stop() }
}

// Manual is a Scheduler for tests: tasks run only when Drain is called and
// timers fire only when Advance moves the fake clock past them.
type Manual struct {
	mu     sync.Mutex
	tasks  []func()
	timers []*manualTimer
	now    time.Duration
}

type manualTimer struct {
	at        time.Duration
	fn        func()
	cancelled bool
}

// NewManual returns an empty manual scheduler.
func NewManual() *Manual {
	return &Manual{}
}

func (m *Manual) Post(fn func()) bool {
	m.mu.Lock()
	m.tasks = append(m.tasks, fn)
	m.mu.Unlock()
	return true
}

func (m *Manual) AfterFunc(d time.Duration, fn func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{at: m.now + d, fn: fn}
	m.timers = append(m.timers, t)
	return func() {
		m.mu.Lock()
		t.cancelled = true
		m.mu.Unlock()
	}
}

// Drain runs queued tasks, including ones queued while draining.
// It returns how many ran.
func (m *Manual) Drain() int {
	n := 0
	for {
		m.mu.Lock()
		if len(m.tasks) == 0 {
			m.mu.Unlock()
			return n
		}
		fn := m.tasks[0]
		m.tasks = m.tasks[1:]
		m.mu.Unlock()
		fn()
		n++
	}
}

// Pending is the number of queued tasks.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// Advance moves the fake clock and queues every timer that became due.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now += d
	kept := m.timers[:0]
	for _, t := range m.timers {
		switch {
		case t.cancelled:
		case t.at <= m.now:
			m.tasks = append(m.tasks, t.fn)
		default:
			kept = append(kept, t)
		}
	}
	m.timers = kept
	m.mu.Unlock()
}
