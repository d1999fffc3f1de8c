// Package timer runs callbacks at absolute times from a single min-heap.
// It backs scheduled device commands and gateway inactivity deadlines.
package timer

import (
	"container/heap"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Task is a callback due at a point in time
type Task struct {
	ID    string
	DueAt time.Time
	Run   func()
	index int
}

type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool { return h[i].DueAt.Before(h[j].DueAt) }

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	task := x.(*Task)
	task.index = len(*h)
	*h = append(*h, task)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	task.index = -1
	*h = old[:n-1]
	return task
}

// Scheduler fires tasks once, in due order. Re-scheduling an id replaces the
// pending task.
type Scheduler struct {
	mu      sync.Mutex
	heap    taskHeap
	tasks   map[string]*Task
	wakeup  chan struct{}
	stopCh  chan struct{}
	done    chan struct{}
	started bool
	stopped bool
	running sync.WaitGroup
	fired   uint64
	logger  zerolog.Logger
}

// NewScheduler creates a stopped scheduler; call Start to begin firing
func NewScheduler(logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		tasks:  make(map[string]*Task),
		wakeup: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Start launches the scheduling loop. Subsequent calls are no-ops.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	go s.run()
}

// Stop halts the loop, drops pending tasks and waits for running callbacks
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	close(s.stopCh)
	s.heap = nil
	s.tasks = make(map[string]*Task)
	s.mu.Unlock()

	if started {
		<-s.done
	}
	s.running.Wait()
}

// Schedule registers run to fire at dueAt. A dueAt in the past fires on the
// next loop iteration.
func (s *Scheduler) Schedule(id string, dueAt time.Time, run func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrSchedulerStopped
	}

	if existing, ok := s.tasks[id]; ok {
		heap.Remove(&s.heap, existing.index)
	}

	task := &Task{ID: id, DueAt: dueAt, Run: run}
	heap.Push(&s.heap, task)
	s.tasks[id] = task

	if s.heap[0] == task {
		select {
		case s.wakeup <- struct{}{}:
		default:
		}
	}
	return nil
}

// Cancel removes a pending task and reports whether it was pending
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return false
	}
	heap.Remove(&s.heap, task.index)
	delete(s.tasks, id)
	return true
}

// Pending reports whether a task with the id is waiting to fire
func (s *Scheduler) Pending(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[id]
	return ok
}

func (s *Scheduler) run() {
	defer close(s.done)

	for {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}

		wait := 24 * time.Hour
		if s.heap.Len() > 0 {
			next := s.heap[0]
			wait = time.Until(next.DueAt)
			if wait <= 0 {
				task := heap.Pop(&s.heap).(*Task)
				delete(s.tasks, task.ID)
				s.fired++
				s.running.Add(1)
				s.mu.Unlock()

				go s.fire(task)
				continue
			}
		}
		s.mu.Unlock()

		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-s.wakeup:
			t.Stop()
		case <-s.stopCh:
			t.Stop()
			return
		}
	}
}

func (s *Scheduler) fire(task *Task) {
	defer s.running.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("task_id", task.ID).Msg("scheduled task panicked")
		}
	}()
	task.Run()
}

// Stats returns statistics about the scheduler
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		Pending: len(s.tasks),
		Fired:   s.fired,
	}
}

// Stats contains statistics about the scheduler
type Stats struct {
	Pending int
	Fired   uint64
}

var (
	ErrSchedulerStopped = &Error{"scheduler is stopped"}
)

// Error represents a scheduler error
type Error struct {
	msg string
}

func (e *Error) Error() string {
	return e.msg
}
