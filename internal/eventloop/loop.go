// Package eventloop runs a session's logic on one goroutine. Callbacks from watches,
// timers and finished I/O are posted to the loop, so the code they run never needs
// locks.
package eventloop

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Scheduler is what the session core needs from a loop.
type Scheduler interface {
	// Post queues fn to run on the loop. It reports false once the loop has stopped.
	Post(fn func()) bool
	// Go runs task off the loop and posts the continuation it returns, if any.
	Go(task func() func())
}

type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
}

func New() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

func (l *Loop) Go(task func() func()) {
	go func() {
		if cont := task(); cont != nil {
			l.Post(cont)
		}
	}()
}

// Run executes posted funcs in order until ctx is done. A panicking func is logged
// and does not stop the loop.
func (l *Loop) Run(ctx context.Context) {
	defer func() {
		l.mu.Lock()
		l.stopped = true
		l.queue = nil
		l.mu.Unlock()
	}()

	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			if ctx.Err() != nil {
				return
			}
			runSafely(fn)
		}

		select {
		case <-ctx.Done():
			return
		case <-l.wake:
		}
	}
}

func runSafely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("event loop callback panicked")
		}
	}()
	fn()
}

// Manual is a Scheduler driven explicitly by tests: nothing runs until Flush or
// RunTasks is called, which makes completion order deterministic.
type Manual struct {
	mu    sync.Mutex
	queue []func()
	tasks []func() func()
}

func NewManual() *Manual { return &Manual{} }

func (m *Manual) Post(fn func()) bool {
	m.mu.Lock()
	m.queue = append(m.queue, fn)
	m.mu.Unlock()
	return true
}

func (m *Manual) Go(task func() func()) {
	m.mu.Lock()
	m.tasks = append(m.tasks, task)
	m.mu.Unlock()
}

// PendingTasks returns the number of tasks not yet started.
func (m *Manual) PendingTasks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// RunPosted runs queued funcs, including ones they post, until the queue is empty.
func (m *Manual) RunPosted() {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		fn := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		fn()
	}
}

// RunTasks runs the tasks pending right now and posts their continuations.
func (m *Manual) RunTasks() {
	m.mu.Lock()
	tasks := m.tasks
	m.tasks = nil
	m.mu.Unlock()

	for _, task := range tasks {
		if cont := task(); cont != nil {
			m.Post(cont)
		}
	}
}

// Flush runs tasks and posted funcs until both are drained.
func (m *Manual) Flush() {
	for {
		m.RunPosted()
		if m.PendingTasks() == 0 {
			return
		}
		m.RunTasks()
	}
}
