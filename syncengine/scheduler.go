package syncengine

import "sync"

/*
scheduler runs background drain passes on one worker goroutine.

Trigger never blocks: the kick channel holds at most one pending request, and
a request arriving while one is already pending is folded into it. A pass that
finds the queue empty costs one List, so spurious kicks are harmless.
*/
type scheduler struct {
	run func()

	mu     sync.Mutex
	closed bool
	kick   chan struct{}
	wg     sync.WaitGroup
}

func newScheduler(run func()) *scheduler {
	s := &scheduler{run: run, kick: make(chan struct{}, 1)}
	s.wg.Add(1)
	go s.worker()
	return s
}

// Trigger asks for one more pass.
func (s *scheduler) Trigger() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *scheduler) worker() {
	defer s.wg.Done()
	for range s.kick {
		s.run()
	}
}

// Close stops accepting triggers and waits for the pending pass to finish.
func (s *scheduler) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.kick)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
