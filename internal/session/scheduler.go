package session

import (
	"context"
	"sync"
	"time"
)

// Scheduler runs one periodic task at a time. Arm always stops the
// previous task before starting the next.
type Scheduler struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	armed  bool
}

// Arm starts calling fn every interval until Stop or the next Arm
func (s *Scheduler) Arm(interval time.Duration, fn func(context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	if interval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.armed = true

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if ctx.Err() != nil {
					return
				}
				fn(ctx)
			}
		}
	}()
}

// Stop cancels the running task, if any
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

// Armed reports whether a task is scheduled
func (s *Scheduler) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed
}

func (s *Scheduler) stopLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.armed = false
}
