// Package scheduler runs delayed tasks from a single goroutine.
//
// One Scheduler is shared by every component that needs "run this later"
// (progress record eviction today), so the number of timers in flight does
// not grow with the number of finished transfers.
package scheduler

import (
	"container/heap"
	"log/slog"
	"sync"
	"time"

	"github.com/shellport/shellport/internal/logging"
)

type task struct {
	at    time.Time
	fn    func()
	seq   uint64
	index int
	dead  bool
}

type taskHeap []*task

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
	t := x.(*task)
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

// Scheduler executes functions after a delay. Tasks run sequentially on the
// scheduler goroutine, so they must not block.
type Scheduler struct {
	mu      sync.Mutex
	tasks   taskHeap
	seq     uint64
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	stopped bool
	logger  *slog.Logger
}

// New starts a scheduler goroutine. Call Stop to release it.
func New(logger *slog.Logger) *Scheduler {
	s := &Scheduler{
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logging.OrDiscard(logger).With("component", "scheduler"),
	}
	go s.run()
	return s
}

// AfterFunc schedules fn to run once after d. The returned cancel func
// removes the task if it has not started; it is safe to call more than once.
// After Stop, AfterFunc is a no-op.
func (s *Scheduler) AfterFunc(d time.Duration, fn func()) (cancel func()) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return func() {}
	}
	s.seq++
	t := &task{at: time.Now().Add(d), fn: fn, seq: s.seq}
	heap.Push(&s.tasks, t)
	first := t.index == 0
	s.mu.Unlock()

	if first {
		s.poke()
	}
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if t.dead || t.index < 0 {
			return
		}
		t.dead = true
		heap.Remove(&s.tasks, t.index)
	}
}

// Len reports the number of pending tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Stop discards pending tasks and waits for the scheduler goroutine to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.stopped = true
	for _, t := range s.tasks {
		t.dead = true
		t.index = -1
	}
	s.tasks = nil
	s.mu.Unlock()

	close(s.stop)
	<-s.done
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer close(s.done)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		due, wait := s.next()
		for _, t := range due {
			s.exec(t)
		}
		if len(due) > 0 {
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-s.stop:
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// next pops every task whose deadline has passed and returns how long to
// sleep until the following one.
func (s *Scheduler) next() ([]*task, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var due []*task
	for len(s.tasks) > 0 && !s.tasks[0].at.After(now) {
		t := heap.Pop(&s.tasks).(*task)
		t.dead = true
		due = append(due, t)
	}
	if len(due) > 0 || len(s.tasks) == 0 {
		return due, time.Hour
	}
	return nil, s.tasks[0].at.Sub(now)
}

func (s *Scheduler) exec(t *task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled task panicked", "panic", r)
		}
	}()
	t.fn()
}
