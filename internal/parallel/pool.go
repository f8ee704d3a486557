// Package parallel runs compute workgroups of the software device on a
// fixed set of goroutines.
package parallel

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// WorkerPool is a pool of goroutines executing batches of work items.
//
// Each worker owns a queue and steals from the others when its own queue
// is empty, which keeps uneven workgroups balanced.
//
// Thread safety: WorkerPool is safe for concurrent use.
type WorkerPool struct {
	workers int
	queues  []chan func()
	done    chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool
}

// NewWorkerPool starts a pool with the given number of workers.
// If workers is 0 or negative, GOMAXPROCS is used.
func NewWorkerPool(workers int) *WorkerPool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	queueSize := max(workers*4, 8)

	p := &WorkerPool{
		workers: workers,
		queues:  make([]chan func(), workers),
		done:    make(chan struct{}),
	}
	for i := range p.queues {
		p.queues[i] = make(chan func(), queueSize)
	}
	p.running.Store(true)

	p.wg.Add(workers)
	for i := range workers {
		go p.worker(i)
	}
	return p
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()
	own := p.queues[id]
	for {
		select {
		case <-p.done:
			drain(own)
			return
		case fn := <-own:
			fn()
			continue
		default:
		}

		if fn := p.steal(id); fn != nil {
			fn()
			continue
		}
		select {
		case <-p.done:
			drain(own)
			return
		case fn := <-own:
			fn()
		}
	}
}

func drain(q chan func()) {
	for {
		select {
		case fn := <-q:
			fn()
		default:
			return
		}
	}
}

func (p *WorkerPool) steal(id int) func() {
	for i := range p.workers {
		if i == id {
			continue
		}
		select {
		case fn := <-p.queues[i]:
			return fn
		default:
		}
	}
	return nil
}

// ExecuteAll runs every work item and waits for all of them. On a closed
// pool the items run on the calling goroutine.
func (p *WorkerPool) ExecuteAll(work []func()) {
	if len(work) == 0 {
		return
	}
	if !p.running.Load() {
		for _, fn := range work {
			fn()
		}
		return
	}

	var wg sync.WaitGroup
	wg.Add(len(work))
	for i, fn := range work {
		item := func() {
			defer wg.Done()
			fn()
		}
		select {
		case p.queues[i%p.workers] <- item:
		case <-p.done:
			item()
		}
	}
	wg.Wait()
}

// Range splits [0, n) into chunks of size chunk and runs fn on each chunk
// in parallel. It returns after every chunk is done.
func (p *WorkerPool) Range(n, chunk uint32, fn func(lo, hi uint32)) {
	if n == 0 {
		return
	}
	if chunk == 0 {
		chunk = n
	}
	work := make([]func(), 0, (n+chunk-1)/chunk)
	for lo := uint32(0); lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		work = append(work, func() { fn(lo, hi) })
	}
	if len(work) == 1 {
		work[0]()
		return
	}
	p.ExecuteAll(work)
}

// Close stops the workers after the queued work has run. Close is safe to
// call multiple times.
func (p *WorkerPool) Close() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.done)
	p.wg.Wait()
}

// Workers returns the number of workers in the pool.
func (p *WorkerPool) Workers() int { return p.workers }

// IsRunning reports whether the pool still accepts work.
func (p *WorkerPool) IsRunning() bool { return p.running.Load() }
