package resilience

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/NikhilSetiya/avatar-resilience/pkg/logging"
)

// TaskID identifies a scheduled task
type TaskID uint64

type task struct {
	id       TaskID
	name     string
	due      time.Time
	interval time.Duration
	fn       func()
	index    int
}

type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].id < h[j].id
	}
	return h[i].due.Before(h[j].due)
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *taskHeap) Push(x interface{}) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Scheduler is a delayed-task queue drained by a single goroutine. Tasks run
// one at a time in due order, so a slow task delays the ones behind it.
type Scheduler struct {
	mu      sync.Mutex
	queue   taskHeap
	byID    map[TaskID]*task
	nextID  TaskID
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	running bool

	clock  clock.Clock
	logger *logging.Logger
}

// NewScheduler creates a stopped scheduler. A nil clk means the wall clock.
func NewScheduler(logger *logging.Logger, clk clock.Clock) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	return &Scheduler{
		byID:   make(map[TaskID]*task),
		wake:   make(chan struct{}, 1),
		clock:  clk,
		logger: logging.OrGlobal(logger),
	}
}

// Start launches the executor goroutine
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(s.stop, s.done)
}

// Stop halts the executor and waits for the running task to finish. Pending
// tasks stay queued and resume on the next Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stop, done := s.stop, s.done
	s.mu.Unlock()

	close(stop)
	<-done
}

// Schedule runs fn once after delay
func (s *Scheduler) Schedule(delay time.Duration, name string, fn func()) TaskID {
	return s.add(delay, 0, name, fn)
}

// Every runs fn every interval, first after one interval
func (s *Scheduler) Every(interval time.Duration, name string, fn func()) TaskID {
	if interval <= 0 {
		interval = time.Second
	}
	return s.add(interval, interval, name, fn)
}

func (s *Scheduler) add(delay, interval time.Duration, name string, fn func()) TaskID {
	s.mu.Lock()
	s.nextID++
	t := &task{
		id:       s.nextID,
		name:     name,
		due:      s.clock.Now().Add(delay),
		interval: interval,
		fn:       fn,
	}
	heap.Push(&s.queue, t)
	s.byID[t.id] = t
	s.mu.Unlock()

	s.signal()
	return t.id
}

// Cancel removes a pending task. It reports whether the task was pending.
func (s *Scheduler) Cancel(id TaskID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byID[id]
	if !ok {
		return false
	}
	delete(s.byID, id)
	if t.index >= 0 {
		heap.Remove(&s.queue, t.index)
	}
	return true
}

// Pending returns the number of queued tasks
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(stop, done chan struct{}) {
	defer close(done)

	timer := s.clock.Timer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		var wait time.Duration = time.Hour
		var due *task
		if len(s.queue) > 0 {
			next := s.queue[0]
			wait = s.clock.Until(next.due)
			if wait <= 0 {
				due = heap.Pop(&s.queue).(*task)
				if due.interval > 0 {
					due.due = s.clock.Now().Add(due.interval)
					heap.Push(&s.queue, due)
				} else {
					delete(s.byID, due.id)
				}
			}
		}
		s.mu.Unlock()

		if due != nil {
			s.run(due)
			select {
			case <-stop:
				return
			default:
			}
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
		case <-stop:
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}

func (s *Scheduler) run(t *task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Scheduled task panicked", "task", t.name, "panic", fmt.Sprint(r))
		}
	}()
	t.fn()
}
