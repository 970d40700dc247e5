package api

import (
	"context"
	"errors"
	"sync"
)

// ErrClientClosed is returned for calls issued after Close
var ErrClientClosed = errors.New("reddit client closed")

// call is one unit of work in the pipeline. A call may perform several
// HTTP round-trips (login, captcha check, submit); nothing else runs
// against Reddit until it has finished.
type call struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// pipeline runs calls one at a time in the order they were issued
type pipeline struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*call
	closed  bool
	stopped chan struct{}
}

func newPipeline() *pipeline {
	p := &pipeline{stopped: make(chan struct{})}
	p.cond = sync.NewCond(&p.mu)
	go p.run()
	return p
}

// Do queues fn behind every previously issued call and waits for it to finish.
// A call whose context is cancelled while it waits is dropped from the queue
// and Do returns right away. Once fn has started, Do waits for it to return.
func (p *pipeline) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	c := &call{ctx: ctx, fn: fn, done: make(chan error, 1)}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClientClosed
	}
	p.queue = append(p.queue, c)
	p.cond.Signal()
	p.mu.Unlock()

	select {
	case err := <-c.done:
		return err
	case <-ctx.Done():
	}

	if p.remove(c) {
		return ctx.Err()
	}
	// already handed to the worker
	return <-c.done
}

// remove drops c from the queue, reporting whether it was still waiting
func (p *pipeline) remove(c *call) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, queued := range p.queue {
		if queued == c {
			copy(p.queue[i:], p.queue[i+1:])
			p.queue[len(p.queue)-1] = nil
			p.queue = p.queue[:len(p.queue)-1]
			return true
		}
	}
	return false
}

// Len returns the number of calls waiting to run
func (p *pipeline) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *pipeline) run() {
	defer close(p.stopped)

	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		c := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mu.Unlock()

		if err := c.ctx.Err(); err != nil {
			c.done <- err
			continue
		}
		c.done <- c.fn(c.ctx)
	}
}

// Close stops accepting calls, lets queued calls finish and waits for the worker
func (p *pipeline) Close() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	<-p.stopped
}
