package orchestrator

import (
	"fmt"
	"log"
	"runtime/debug"
	"sync"
)

// Supervisor runs detached tasks. A task's error or panic is logged and never
// reaches the caller that spawned it.
type Supervisor struct {
	wg sync.WaitGroup
}

// NewSupervisor creates an empty Supervisor.
func NewSupervisor() *Supervisor {
	return &Supervisor{}
}

// Go runs fn on its own goroutine.
func (s *Supervisor) Go(name string, fn func() error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.call(fn); err != nil {
			log.Printf("[Supervisor] Task %q failed: %v", name, err)
		}
	}()
}

// Wait blocks until all tasks started so far have returned.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

func (s *Supervisor) call(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v\n%s", p, debug.Stack())
		}
	}()
	return fn()
}
