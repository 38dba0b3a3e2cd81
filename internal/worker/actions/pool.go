// Package actions assigns render-action ids to segments.
package actions

import (
	"math/rand/v2"
	"sync"
)

// DefaultSize is the number of avatar action templates per gender.
const DefaultSize = 20

// Pool hands out ids 1..N without replacement. When every id has been used
// once the pool is refilled with a new random permutation. The pool is shared
// by all jobs, so a job may start mid-permutation.
type Pool struct {
	mu      sync.Mutex
	size    int
	pending []int
	shuffle func(n int, swap func(i, j int))
}

// Option configures a Pool.
type Option func(*Pool)

// WithShuffle replaces the permutation source (tests).
func WithShuffle(fn func(n int, swap func(i, j int))) Option {
	return func(p *Pool) { p.shuffle = fn }
}

// NewPool creates a pool over ids 1..size.
func NewPool(size int, opts ...Option) *Pool {
	if size < 1 {
		size = DefaultSize
	}
	p := &Pool{size: size, shuffle: rand.Shuffle}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Size returns N.
func (p *Pool) Size() int { return p.size }

// Next takes one id, refilling the pool first when it is empty.
func (p *Pool) Next() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.pending) == 0 {
		p.refill()
	}
	last := len(p.pending) - 1
	id := p.pending[last]
	p.pending = p.pending[:last]
	return id
}

// Remaining reports how many ids are left before the next refill.
func (p *Pool) Remaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Pool) refill() {
	ids := make([]int, p.size)
	for i := range ids {
		ids[i] = i + 1
	}
	p.shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	p.pending = ids
}
