// Package bridge provides the callback points a scripting host is handed:
// a timer scheduler with cancel-by-id and a promise-returning fetch.
package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/apex/log"
)

// Scheduler runs deferred and repeating callbacks on their own goroutines.
// Every task can be cancelled by the id it was created with.
type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	next  int
	tasks map[int]context.CancelFunc
	wg    sync.WaitGroup
}

// NewScheduler returns a scheduler whose tasks stop when ctx is done.
func NewScheduler(ctx context.Context) *Scheduler {
	ctx, cancel := context.WithCancel(ctx)
	return &Scheduler{ctx: ctx, cancel: cancel, tasks: make(map[int]context.CancelFunc)}
}

// SetTimeout runs fn once after d and returns the task id.
func (s *Scheduler) SetTimeout(fn func(), d time.Duration) int {
	return s.schedule(fn, d, false)
}

// SetInterval runs fn every d until removed and returns the task id.
func (s *Scheduler) SetInterval(fn func(), d time.Duration) int {
	return s.schedule(fn, d, true)
}

func (s *Scheduler) schedule(fn func(), d time.Duration, repeat bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	id := s.next
	ctx, cancel := context.WithCancel(s.ctx)
	s.tasks[id] = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.done(id)
		timer := time.NewTimer(d)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
			run(id, fn)
			if !repeat {
				return
			}
			timer.Reset(d)
		}
	}()
	return id
}

func run(id int, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("task", id).Errorf("Timer callback panicked: %v", r)
		}
	}()
	fn()
}

func (s *Scheduler) done(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.tasks[id]; ok {
		cancel()
		delete(s.tasks, id)
	}
}

// Remove cancels the task with id. It reports whether the task was still
// pending.
func (s *Scheduler) Remove(id int) bool {
	s.mu.Lock()
	cancel, ok := s.tasks[id]
	delete(s.tasks, id)
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Len is the number of pending tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Close cancels every task and waits for running callbacks to return.
func (s *Scheduler) Close() {
	s.cancel()
	s.wg.Wait()
}
