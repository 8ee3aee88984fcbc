// Package aio provides the minimal I/O execution context the block layer
// binds nodes to. A Context is a serialization domain: functions submitted to
// the same context run one at a time, in submission order, on a dedicated
// goroutine. Different contexts run concurrently with each other.
//
// The block layer only depends on the attach/detach contract: a node is
// serviced by exactly one context at a time, and the context is swapped only
// while the node is drained.
package aio

import (
	"sync"
)

// Context is one I/O execution context. The zero value is not usable; create
// contexts with NewContext.
type Context struct {
	name string

	mu     sync.Mutex
	tasks  chan func()
	closed bool
	wg     sync.WaitGroup
}

// NewContext creates a context and starts its service goroutine.
func NewContext(name string) *Context {
	c := &Context{
		name:  name,
		tasks: make(chan func(), 64),
	}
	c.wg.Add(1)
	go c.run()
	return c
}

func (c *Context) run() {
	defer c.wg.Done()
	for fn := range c.tasks {
		fn()
	}
}

// Name returns the context's display name.
func (c *Context) Name() string { return c.name }

// Schedule queues fn to run on the context and returns immediately. It is
// the equivalent of scheduling a bottom half. Scheduling on a closed context
// panics: by then no node may reference it.
func (c *Context) Schedule(fn func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		panic("aio: schedule on closed context " + c.name)
	}
	c.tasks <- fn
	c.mu.Unlock()
}

// Run executes fn on the context and waits for it to finish.
func (c *Context) Run(fn func()) {
	done := make(chan struct{})
	c.Schedule(func() {
		fn()
		close(done)
	})
	<-done
}

// Close stops the context after draining queued work. Closing twice is a
// no-op.
func (c *Context) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.tasks)
	c.mu.Unlock()
	c.wg.Wait()
}

var (
	defaultOnce sync.Once
	defaultCtx  *Context
)

// Default returns the process-wide default context, creating it on first
// use. Nodes are attached to it until moved elsewhere.
func Default() *Context {
	defaultOnce.Do(func() {
		defaultCtx = NewContext("default")
	})
	return defaultCtx
}
