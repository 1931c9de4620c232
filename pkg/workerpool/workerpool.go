// Package workerpool provides the bounded worker pool that runs
// compression and decompression units. Work is submitted through batches;
// a batch collects results from its own buffered channel so independent
// batches can share one pool without mixing results.
package workerpool

import (
	"runtime"
	"sync"
)

type Pool struct {
	config    Config
	taskQueue chan task
	closeOnce sync.Once
}

type Config struct {
	// Workers is the number of worker goroutines. If < 1, it defaults to
	// the available parallelism minus one (minimum one).
	Workers int
	// QueueSize is the capacity of the shared task queue. If < 1, a
	// default of 1024 is used.
	QueueSize int
}

type task struct {
	run   func() any
	batch *Batch
}

// A Batch groups tasks whose results belong together. Results arrive in
// completion order, not submission order; callers that need ordering must
// correlate results themselves.
type Batch struct {
	pool       *Pool
	resultChan chan any
	wg         sync.WaitGroup
}

// DefaultWorkers returns the default worker count: available parallelism
// minus one, but never less than one.
func DefaultWorkers() int {
	n := runtime.NumCPU() - 1
	if n < 1 {
		n = 1
	}
	return n
}

func New(config Config) *Pool {
	if config.Workers < 1 {
		config.Workers = DefaultWorkers()
	}
	if config.QueueSize < 1 {
		config.QueueSize = 1024
	}

	p := &Pool{
		config:    config,
		taskQueue: make(chan task, config.QueueSize),
	}

	for i := 0; i < config.Workers; i++ {
		go p.worker()
	}

	return p
}

// Workers returns the number of workers the pool runs.
func (p *Pool) Workers() int {
	return p.config.Workers
}

func (p *Pool) worker() {
	for t := range p.taskQueue {
		t.batch.resultChan <- t.run()
		t.batch.wg.Done()
	}
}

// Close stops the workers once all queued tasks have drained. Submitting
// after Close panics.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.taskQueue)
	})
}

// NewBatch creates a batch sized for the expected number of tasks. The
// size bounds the result buffer; submitting more than size tasks before
// collecting may block workers.
func (p *Pool) NewBatch(size int) *Batch {
	if size < 1 {
		size = 1
	}
	return &Batch{
		pool:       p,
		resultChan: make(chan any, size),
	}
}

// Submit enqueues a task, blocking while the shared queue is full.
func (b *Batch) Submit(job func() any) {
	b.wg.Add(1)
	b.pool.taskQueue <- task{run: job, batch: b}
}

// Collect waits for every submitted task and returns all results in
// completion order.
func (b *Batch) Collect() []any {
	go func() {
		b.wg.Wait()
		close(b.resultChan)
	}()

	results := make([]any, 0)
	for r := range b.resultChan {
		results = append(results, r)
	}
	return results
}
