package pool

import (
	"fmt"
	"sync"

	"github.com/terminal-bench/leasehub/internal/models"
)

// Pool is the remaining capacity of one resource kind. The counter is only
// reachable through its methods and every method takes the pool lock.
type Pool struct {
	kind      models.ResourceKind
	capacity  int64
	available int64
	mu        sync.Mutex
}

// New creates a pool with inUse units already allocated
func New(kind models.ResourceKind, capacity, inUse int64) (*Pool, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("invalid capacity %d for %s", capacity, kind)
	}
	if inUse < 0 || inUse > capacity {
		return nil, fmt.Errorf("%d units in use exceed %s capacity %d", inUse, kind, capacity)
	}
	return &Pool{
		kind:      kind,
		capacity:  capacity,
		available: capacity - inUse,
	}, nil
}

// Kind returns the resource kind of the pool
func (p *Pool) Kind() models.ResourceKind {
	return p.kind
}

// Capacity returns the fixed pool size
func (p *Pool) Capacity() int64 {
	return p.capacity
}

// Available returns the current free capacity
func (p *Pool) Available() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available
}

// Decide runs fn with the pool locked. fn sees the current available amount
// and returns how many units to take; the pool is only debited when fn
// succeeds.
func (p *Pool) Decide(fn func(available int64) (int64, error)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	take, err := fn(p.available)
	if err != nil {
		return err
	}
	if take < 0 || take > p.available {
		return fmt.Errorf("%w: %d requested, %d available", models.ErrCapacityExceeded, take, p.available)
	}
	p.available -= take
	return nil
}

// Return runs fn with the pool locked and credits the units it reports back.
// The units are credited even when fn also returns an error.
func (p *Pool) Return(fn func() (int64, error)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	give, err := fn()
	if give > 0 {
		p.available += give
		if p.available > p.capacity {
			p.available = p.capacity
		}
	}
	return err
}
