// Package scheduler implements the single-threaded cooperative scheduler
// spec.md §5 requires: all component state transitions, parser calls, and
// callbacks run on one goroutine, reached only through Post/PostDelayed.
// The mutex-guarded id->entry bookkeeping is grounded on the
// ausocean-cloud oceancron scheduler's id-map style (cmd/oceancron/cron.go),
// adapted from a cron-expression dispatcher to an ad-hoc delayed-function
// queue since no cron semantics apply here.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/mogiioin/hlsdemux/internal/clock"
)

// TaskID identifies a posted task for Cancel.
type TaskID uint64

type task struct {
	id    TaskID
	fn    func()
	at    int64 // clock.Now().UnixNano() for delayed tasks; 0 for immediate
	index int
}

type taskHeap []*task

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].at < h[j].at }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
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
	*h = old[:n-1]
	return t
}

// Scheduler runs posted tasks one at a time, in submission order for
// immediate tasks and in due-time order for delayed ones. It owns no
// goroutine of its own; callers drive it by calling Run in a loop (the
// demuxer's single worker goroutine) or RunOnce for tests.
type Scheduler struct {
	clock clock.Clock

	mu       sync.Mutex
	nextID   TaskID
	pending  taskHeap
	immediate []*task
	cancelled map[TaskID]bool
	wake      chan struct{}
}

// New returns a Scheduler driven by clk (use clock.New() in production,
// clock.NewMock() in tests).
func New(clk clock.Clock) *Scheduler {
	return &Scheduler{
		clock:     clk,
		cancelled: make(map[TaskID]bool),
		wake:      make(chan struct{}, 1),
	}
}

// Post enqueues fn to run as soon as the scheduler is next driven.
func (s *Scheduler) Post(fn func()) TaskID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.immediate = append(s.immediate, &task{id: id, fn: fn})
	s.notify()
	return id
}

// PostDelayed enqueues fn to run no earlier than delay from now.
func (s *Scheduler) PostDelayed(delay int64, fn func()) TaskID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	t := &task{id: id, fn: fn, at: s.clock.Now().UnixNano() + delay}
	heap.Push(&s.pending, t)
	s.notify()
	return id
}

// Cancel prevents a previously posted task from running, if it has not
// already run.
func (s *Scheduler) Cancel(id TaskID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled[id] = true
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// RunOnce runs at most one due task (an immediate task, or a delayed task
// whose time has arrived) and reports whether it ran one. Tests drive the
// scheduler deterministically with RunOnce after advancing a mock clock.
func (s *Scheduler) RunOnce() bool {
	s.mu.Lock()
	now := s.clock.Now().UnixNano()

	for len(s.immediate) > 0 {
		t := s.immediate[0]
		s.immediate = s.immediate[1:]
		if s.cancelled[t.id] {
			delete(s.cancelled, t.id)
			continue
		}
		s.mu.Unlock()
		t.fn()
		return true
	}

	for s.pending.Len() > 0 && s.pending[0].at <= now {
		t := heap.Pop(&s.pending).(*task)
		if s.cancelled[t.id] {
			delete(s.cancelled, t.id)
			continue
		}
		s.mu.Unlock()
		t.fn()
		return true
	}

	s.mu.Unlock()
	return false
}

// Drain runs RunOnce until no task is immediately due.
func (s *Scheduler) Drain() {
	for s.RunOnce() {
	}
}

// Run drains due tasks and then blocks until either a new task is
// posted, the earliest pending delayed task becomes due, or ctx is
// cancelled. This is the demuxer's single worker goroutine's main loop
// (spec.md §5); tests drive the scheduler with RunOnce/Drain instead,
// since Run blocks on wall-clock-shaped waits even under a mock clock.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		s.Drain()
		if ctx.Err() != nil {
			return
		}

		var timer <-chan time.Time
		if d, ok := s.nextDelay(); ok {
			timer = s.clock.After(d)
		}

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-timer:
		}
	}
}

// nextDelay reports how long until the earliest pending task is due, and
// whether there is one. An immediate task (delay 0) reports ok with a
// zero duration so Run loops straight back into Drain.
func (s *Scheduler) nextDelay() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.immediate) > 0 {
		return 0, true
	}
	if s.pending.Len() == 0 {
		return 0, false
	}
	d := time.Duration(s.pending[0].at - s.clock.Now().UnixNano())
	if d < 0 {
		d = 0
	}
	return d, true
}
