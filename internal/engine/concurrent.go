package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Concurrent runs memoized commands on a fixed pool of workers.
//
// Submissions are taken in FIFO order; completion order is unconstrained.
// The pool provides no per-path mutual exclusion, so callers must not submit
// two commands that write the same file without a Join between them.
//
// Errors from individual commands accumulate and surface at the next Join or
// End. With KeepGoing unset, System also fails fast once any earlier command
// has failed.
type Concurrent struct {
	eng       *Engine
	width     int
	keepGoing bool
	maxLoad   float64
	loadAvg   func() float64

	tasks   chan task
	workers sync.WaitGroup

	mu       sync.Mutex
	idle     *sync.Cond
	pending  int
	failures []error
	ended    bool
}

type task struct {
	ctx context.Context
	req Request
}

// PoolOption configures a Concurrent pool.
type PoolOption func(*Concurrent)

// KeepGoing schedules new commands even after earlier ones failed. Failures
// still surface at the next barrier.
func KeepGoing() PoolOption {
	return func(c *Concurrent) { c.keepGoing = true }
}

// MaxLoadAverage blocks submissions while the one-minute load average is at
// or above max.
func MaxLoadAverage(max float64) PoolOption {
	return func(c *Concurrent) { c.maxLoad = max }
}

// withLoadAverage substitutes the load probe. For tests.
func withLoadAverage(fn func() float64) PoolOption {
	return func(c *Concurrent) { c.loadAvg = fn }
}

// Pool builds a Concurrent pool sized by the engine's configured thread
// count.
func (e *Engine) Pool(opts ...PoolOption) *Concurrent {
	return NewConcurrent(e, e.cfg.Threads, opts...)
}

// NewConcurrent builds a pool of width workers sharing eng. A width of zero
// makes System run commands inline on the caller.
func NewConcurrent(eng *Engine, width int, opts ...PoolOption) *Concurrent {
	c := &Concurrent{
		eng:     eng,
		width:   width,
		loadAvg: loadAverage,
		// Capacity one: a submission parks in the queue while every worker
		// is busy, and the next submission blocks the producer. That is
		// the pool's backpressure.
		tasks: make(chan task, 1),
	}
	c.idle = sync.NewCond(&c.mu)
	for _, opt := range opts {
		opt(c)
	}
	for i := 0; i < width; i++ {
		c.workers.Add(1)
		go c.worker()
	}
	return c
}

// System schedules req on the pool. It blocks while the queue is full or the
// load average is at or above the configured limit. Unless the pool keeps going,
// it reports the accumulated failures instead of scheduling.
func (c *Concurrent) System(ctx context.Context, req Request) error {
	if err := c.failFast(); err != nil {
		return err
	}
	if err := c.waitLoad(ctx); err != nil {
		return err
	}

	if c.width == 0 {
		exit, err := c.eng.Run(ctx, req)
		c.report(req, exit, err)
		return nil
	}

	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return errors.New("pool has ended")
	}
	c.pending++
	c.mu.Unlock()

	select {
	case c.tasks <- task{ctx: ctx, req: req}:
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		c.pending--
		if c.pending == 0 {
			c.idle.Broadcast()
		}
		c.mu.Unlock()
		return ctx.Err()
	}
}

func (c *Concurrent) worker() {
	defer c.workers.Done()
	for t := range c.tasks {
		exit, err := c.eng.Run(t.ctx, t.req)
		c.report(t.req, exit, err)
		c.mu.Lock()
		c.pending--
		if c.pending == 0 {
			c.idle.Broadcast()
		}
		c.mu.Unlock()
	}
}

func (c *Concurrent) report(req Request, exit int, err error) {
	if err == nil && exit == 0 {
		return
	}
	if err == nil {
		err = &CommandError{Command: req.Command, WalkPath: req.WalkPath, Exit: exit}
	}
	c.mu.Lock()
	c.failures = append(c.failures, err)
	c.mu.Unlock()
}

func (c *Concurrent) failFast() error {
	if c.keepGoing {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.failures) > 0 {
		return errors.Join(c.failures...)
	}
	return nil
}

// Join blocks until every previously submitted command has completed, then
// reports the accumulated failures, if any. The pool stays usable; failures
// remain accumulated until drained with Errors.
func (c *Concurrent) Join() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pending > 0 {
		c.idle.Wait()
	}
	if len(c.failures) > 0 {
		return errors.Join(c.failures...)
	}
	return nil
}

// Errors drains and returns the accumulated failures.
func (c *Concurrent) Errors() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.failures
	c.failures = nil
	return out
}

// End shuts the pool down permanently: workers drain in-flight work and
// exit. End returns what Join would have.
func (c *Concurrent) End() error {
	c.mu.Lock()
	if !c.ended {
		c.ended = true
		close(c.tasks)
	}
	c.mu.Unlock()
	c.workers.Wait()
	return c.Join()
}

func (c *Concurrent) waitLoad(ctx context.Context) error {
	if c.maxLoad <= 0 {
		return nil
	}
	logged := false
	for {
		load := c.loadAvg()
		if load < c.maxLoad {
			return nil
		}
		if !logged {
			c.eng.log.Info("waiting for load average to drop",
				"load", fmt.Sprintf("%.1f", load),
				"max", fmt.Sprintf("%.1f", c.maxLoad))
			logged = true
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// loadAverage reads the one-minute load average. Zero when unavailable, so
// throttling degrades to a no-op on systems without /proc.
func loadAverage() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0
	}
	load, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	return load
}
