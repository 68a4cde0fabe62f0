package singleflight

import (
	"context"
	"runtime/debug"
	"sync"
)

// Group coalesces concurrent calls that share a key into one execution.
// The first caller for a key starts the work; later callers attach to it
// without re-triggering it, and every caller observes the same result.
type Group[T any] struct {
	mu sync.Mutex
	m  map[string]*call[T]
}

// call is a single settlement future: one producer, many consumers.
type call[T any] struct {
	done    chan struct{}
	val     T
	err     error
	waiters int
}

// New creates a new Group.
func New[T any]() *Group[T] {
	return &Group[T]{
		m: make(map[string]*call[T]),
	}
}

// Do runs fn once per key among concurrent callers and returns its result.
// shared reports whether the caller attached to work started by another caller.
//
// fn runs on its own goroutine with a context detached from ctx's
// cancellation, so one caller giving up does not abort the work for the
// others. A caller whose ctx ends stops waiting and gets ctx.Err(). The key
// is released as soon as fn returns, before waiters are woken, so the next
// call after settlement always starts fresh work.
func (g *Group[T]) Do(ctx context.Context, key string, fn func(context.Context) (T, error)) (v T, shared bool, err error) {
	g.mu.Lock()
	if c, ok := g.m[key]; ok {
		c.waiters++
		g.mu.Unlock()
		v, err = c.wait(ctx)
		return v, true, err
	}

	c := &call[T]{done: make(chan struct{}), waiters: 1}
	g.m[key] = c
	g.mu.Unlock()

	go g.run(context.WithoutCancel(ctx), key, c, fn)

	v, err = c.wait(ctx)
	return v, false, err
}

func (g *Group[T]) run(ctx context.Context, key string, c *call[T], fn func(context.Context) (T, error)) {
	defer func() {
		if r := recover(); r != nil {
			c.err = &PanicError{Value: r, Stack: debug.Stack()}
		}

		g.mu.Lock()
		if g.m[key] == c {
			delete(g.m, key)
		}
		g.mu.Unlock()

		close(c.done)
	}()

	c.val, c.err = fn(ctx)
}

func (c *call[T]) wait(ctx context.Context) (T, error) {
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Forget releases key so the next call starts new work. Work already running
// for key still settles its own waiters.
func (g *Group[T]) Forget(key string) {
	g.mu.Lock()
	delete(g.m, key)
	g.mu.Unlock()
}

// Reset forgets every key.
func (g *Group[T]) Reset() {
	g.mu.Lock()
	g.m = make(map[string]*call[T])
	g.mu.Unlock()
}

// InFlight reports whether work for key is currently running.
func (g *Group[T]) InFlight(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.m[key]
	return ok
}

// Len returns the number of keys with running work.
func (g *Group[T]) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.m)
}

// Waiters returns how many callers are attached to the work for key.
func (g *Group[T]) Waiters(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.m[key]; ok {
		return c.waiters
	}
	return 0
}
