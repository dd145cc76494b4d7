package engine

import "sync"

// Executor is the context a completion callback runs on. Async operations
// take one explicitly so the hand-off from the worker is visible at the call
// site.
type Executor interface {
	Execute(fn func())
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(fn func())

func (f ExecutorFunc) Execute(fn func()) { f(fn) }

type inlineExecutor struct{}

func (inlineExecutor) Execute(fn func()) { fn() }

// Inline runs callbacks on the worker goroutine that produced the result.
var Inline Executor = inlineExecutor{}

// Queue runs callbacks one at a time, in submission order, on a single
// goroutine it owns. It plays the role of a caller's main loop.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []func()
	closed bool
	done   chan struct{}
}

// NewQueue starts the draining goroutine.
func NewQueue() *Queue {
	q := &Queue{done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Execute enqueues fn. Once the queue is closed fn runs on the caller so a
// callback is never dropped.
func (q *Queue) Execute(fn func()) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		fn()
		return
	}
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()
	q.cond.Signal()
}

// Close stops accepting work, runs what is already queued and waits for the
// draining goroutine to exit.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Signal()
	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.tasks) == 0 {
			q.mu.Unlock()
			return
		}
		fn := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		fn()
	}
}
