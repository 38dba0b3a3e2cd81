// Package gpu guards the single accelerator shared by all render tasks.
package gpu

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Semaphore bounds concurrent use of the GPU. Holders and Peak are kept for
// health output and tests.
type Semaphore struct {
	sem      *semaphore.Weighted
	capacity int

	mu      sync.Mutex
	holders int
	peak    int
	waiting int
}

// New creates a semaphore with the given capacity (minimum 1).
func New(capacity int) *Semaphore {
	if capacity < 1 {
		capacity = 1
	}
	return &Semaphore{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
	}
}

// Capacity returns the configured number of slots.
func (s *Semaphore) Capacity() int { return s.capacity }

// Do runs fn while holding one slot. The slot is released when fn returns or
// panics. A canceled ctx only aborts the wait, never a running fn.
func (s *Semaphore) Do(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	s.waiting++
	s.mu.Unlock()

	err := s.sem.Acquire(ctx, 1)

	s.mu.Lock()
	s.waiting--
	if err == nil {
		s.holders++
		if s.holders > s.peak {
			s.peak = s.holders
		}
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}

	defer func() {
		s.mu.Lock()
		s.holders--
		s.mu.Unlock()
		s.sem.Release(1)
	}()
	return fn()
}

// Holders is the number of tasks currently using the GPU.
func (s *Semaphore) Holders() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holders
}

// Waiting is the number of tasks blocked on acquisition.
func (s *Semaphore) Waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiting
}

// Peak is the highest number of simultaneous holders observed.
func (s *Semaphore) Peak() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}
