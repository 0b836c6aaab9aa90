// Package schedule runs delayed tasks on a single goroutine.
//
// One Scheduler replaces a goroutine-per-timer design: deadlines live in a
// min-heap and the loop sleeps until the earliest one. Tasks with the same
// deadline run in the order they were scheduled.
package schedule

import (
	"container/heap"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Task is a scheduled function. The zero Task is not usable; obtain one from
// Scheduler.After.
type Task struct {
	s     *Scheduler
	at    time.Time
	seq   uint64
	fn    func()
	index int // position in the heap, -1 once run or cancelled
}

// Cancel removes the task if it has not started. Returns true if this call
// prevented the task from running.
func (t *Task) Cancel() bool {
	if t == nil || t.s == nil {
		return false
	}
	return t.s.cancel(t)
}

// At returns the task's deadline.
func (t *Task) At() time.Time {
	return t.at
}

// Scheduler owns one goroutine that runs tasks when they come due.
//
// Thread-safety: all methods are safe for concurrent use. Tasks run on the
// scheduler goroutine, so a slow task delays the ones behind it.
type Scheduler struct {
	logger *slog.Logger

	mu      sync.Mutex
	tasks   taskHeap
	seq     uint64
	stopped bool

	wake     chan struct{}
	done     chan struct{}
	loopDone chan struct{}
	stopOnce sync.Once
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// New starts a Scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.loop()
	return s
}

// After runs fn once d has elapsed. A non-positive d runs fn as soon as the
// loop gets to it. After Stop the returned task never runs.
func (s *Scheduler) After(d time.Duration, fn func()) *Task {
	t := &Task{s: s, at: time.Now().Add(d), fn: fn, index: -1}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.logger.Debug("task scheduled after stop dropped", "delay", d)
		return t
	}
	s.seq++
	t.seq = s.seq
	heap.Push(&s.tasks, t)
	first := t.index == 0
	s.mu.Unlock()

	if first {
		s.signal()
	}
	return t
}

// Len returns the number of tasks waiting to run.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Stop drops every pending task and waits for the loop to exit. It returns
// the number of tasks dropped. Must not be called from inside a task.
func (s *Scheduler) Stop() int {
	s.mu.Lock()
	dropped := len(s.tasks)
	if !s.stopped {
		s.stopped = true
		for _, t := range s.tasks {
			t.index = -1
		}
		s.tasks = nil
	} else {
		dropped = 0
	}
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.done) })
	<-s.loopDone

	if dropped > 0 {
		s.logger.Info("scheduler stopped", "dropped", dropped)
	}
	return dropped
}

func (s *Scheduler) cancel(t *Task) bool {
	s.mu.Lock()
	if t.index < 0 {
		s.mu.Unlock()
		return false
	}
	first := t.index == 0
	heap.Remove(&s.tasks, t.index)
	t.index = -1
	s.mu.Unlock()

	if first {
		s.signal()
	}
	return true
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop() {
	defer close(s.loopDone)
	for {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		var timer *time.Timer
		var due <-chan time.Time
		if len(s.tasks) > 0 {
			next := s.tasks[0]
			if wait := time.Until(next.at); wait > 0 {
				timer = time.NewTimer(wait)
				due = timer.C
			} else {
				heap.Pop(&s.tasks)
				s.mu.Unlock()
				s.run(next)
				continue
			}
		}
		s.mu.Unlock()

		select {
		case <-due:
		case <-s.wake:
		case <-s.done:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// run invokes a task. A panicking task is logged and the loop continues.
func (s *Scheduler) run(t *Task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled task panicked", "panic", r)
		}
	}()
	t.fn()
}

// taskHeap orders tasks by deadline, then by scheduling order.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*Task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
