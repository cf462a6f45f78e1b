package udp

import "sync/atomic"

// Pool is a bounded set of reusable values.
//
// Values are created lazily by the pool's constructor, up to the pool
// capacity. Once every value is checked out, Acquire reports that none is
// available instead of blocking or allocating more; callers are expected to
// drop the unit of work they wanted the value for.
//
// Pools are safe to use concurrently from multiple goroutines.
type Pool[T any] struct {
	free    chan T
	created atomic.Int64
	size    int64
	new     func() T
}

// NewPool returns a pool holding at most size values built by calling new.
func NewPool[T any](size int, new func() T) *Pool[T] {
	if size <= 0 {
		size = 1
	}
	return &Pool[T]{
		free: make(chan T, size),
		size: int64(size),
		new:  new,
	}
}

// Acquire returns a value from the pool. The boolean is false when the pool
// is exhausted, in which case the returned value is the zero value of T.
func (p *Pool[T]) Acquire() (v T, ok bool) {
	select {
	case v = <-p.free:
		return v, true
	default:
	}

	for {
		n := p.created.Load()
		if n >= p.size {
			// Another goroutine may have released a value since we checked.
			select {
			case v = <-p.free:
				return v, true
			default:
				return v, false
			}
		}
		if p.created.CompareAndSwap(n, n+1) {
			return p.new(), true
		}
	}
}

// Release returns v to the pool. Releasing the same value twice is not
// detected; values that do not fit in the pool anymore are discarded.
func (p *Pool[T]) Release(v T) {
	select {
	case p.free <- v:
	default:
	}
}

// Discard tells the pool that a value it handed out will never be released,
// so that a new one may be created in its place.
func (p *Pool[T]) Discard() {
	p.created.Add(-1)
}

// Cap returns the maximum number of values the pool creates.
func (p *Pool[T]) Cap() int { return int(p.size) }

// Created returns the number of values the pool has created so far.
func (p *Pool[T]) Created() int { return int(p.created.Load()) }

// Available returns the number of created values currently checked in.
func (p *Pool[T]) Available() int { return len(p.free) }
