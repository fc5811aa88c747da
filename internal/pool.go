package internal

type WorkerPool struct {
	N  int
	ch chan func()
}

// Create a new worker pool of size N. Up to N work can be done concurrently.
// Size N against the shared resource the workers contend on. Here that is the
// postgres connection limit: event processing opens a transaction per event,
// so N should be a fraction of the pool's max connections, not a number picked
// for request throughput. If more than N work is requested, eventually
// WorkerPool.Queue will block until some work is done.
func NewWorkerPool(n int) *WorkerPool {
	return &WorkerPool{
		N: n,
		// The channel buffer is also N so that backpressure lands on the
		// producer once the workers are saturated, bounding memory.
		ch: make(chan func(), n),
	}
}

// Start the workers. Only call this once.
func (wp *WorkerPool) Start() {
	for i := 0; i < wp.N; i++ {
		go wp.worker()
	}
}

// Stop the worker pool. Only really useful for tests as a worker pool should be started once
// and persist for the lifetime of the process, else it causes needless goroutine churn.
// Only call this once.
func (wp *WorkerPool) Stop() {
	close(wp.ch)
}

// Queue some work on the pool. May or may not block until some work is processed.
func (wp *WorkerPool) Queue(fn func()) {
	wp.ch <- fn
}

// worker impl
func (wp *WorkerPool) worker() {
	for fn := range wp.ch {
		fn()
	}
}
