package tunnel

import "go.uber.org/zap"

// Worker is a single-threaded cooperative event loop. Every line is pinned
// to exactly one worker for its lifetime (spec.md section 5): all callbacks
// for that line run on the worker's goroutine and are never preempted by
// another line's callbacks, so per-line state needs no locking.
//
// Long-running node logic must chunk itself across multiple Enqueue calls
// rather than blocking inside a callback, since a blocked worker stalls
// every line it owns.
type Worker struct {
	id     int
	queue  chan func()
	logger *zap.Logger
	done   chan struct{}
}

// NewWorker starts a worker goroutine draining a queue of up to backlog
// pending closures.
func NewWorker(id, backlog int, logger *zap.Logger) *Worker {
	w := &Worker{
		id:     id,
		queue:  make(chan func(), backlog),
		logger: logger,
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *Worker) run() {
	defer close(w.done)
	for fn := range w.queue {
		fn()
	}
}

// Enqueue schedules fn to run on this worker's goroutine. Used by transport
// bindings to hand inbound bytes/accepts to the worker owning a given line,
// and by nodes that need to defer work rather than block.
func (w *Worker) Enqueue(fn func()) {
	w.queue <- fn
}

// Stop closes the worker's queue and waits for in-flight work to drain.
func (w *Worker) Stop() {
	close(w.queue)
	<-w.done
}

// Pool assigns newly accepted lines to a fixed set of workers by simple
// round robin, matching the "multiple workers, each owning a disjoint set
// of lines; lines never migrate" model from spec.md section 5.
type Pool struct {
	workers []*Worker
	next    int
}

// NewPool starts n workers, each with the given per-worker queue backlog.
func NewPool(n, backlog int, logger *zap.Logger) *Pool {
	p := &Pool{workers: make([]*Worker, n)}
	for i := 0; i < n; i++ {
		p.workers[i] = NewWorker(i, backlog, logger)
	}
	return p
}

// Next returns the next worker to assign a new line to, round robin.
func (p *Pool) Next() *Worker {
	w := p.workers[p.next%len(p.workers)]
	p.next++
	return w
}

// Stop stops every worker in the pool.
func (p *Pool) Stop() {
	for _, w := range p.workers {
		w.Stop()
	}
}
