// Package workerpool provides a fixed-size pool of worker goroutines
// draining a shared FIFO job queue. It exists so connection handling can run
// off the poll thread: the multiplexer submits one job per received frame and
// goes back to polling.
package workerpool

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// backoffStart is the initial idle sleep for a worker that finds the
	// queue empty.
	backoffStart = time.Millisecond

	// backoffCap bounds the idle sleep so shutdown latency stays bounded.
	backoffCap = time.Second
)

// ErrShuttingDown is returned by Submit once Shutdown has begun.
var ErrShuttingDown = errors.New("worker pool is shutting down")

// Job is one unit of deferred work. Run executes the job; Release frees the
// job's payload without executing it. The queue owns a job from submission
// until a worker dequeues it; the worker then either runs it or, during
// shutdown drain, releases it.
type Job struct {
	// Run performs the work. Required.
	Run func()

	// Release frees the payload of a job that will never run. Optional;
	// called exactly once for jobs still queued when the pool shuts down.
	Release func()
}

// Pool is a fixed-size worker pool. Workers are started once and never
// resized. Idle workers sleep with exponential backoff instead of blocking
// on a wait primitive, so wake-up latency is at most the backoff cap.
type Pool struct {
	mu    sync.Mutex
	queue []Job

	// qlen mirrors len(queue) so idle workers can observe emptiness without
	// taking the lock.
	qlen atomic.Int64

	keepalive atomic.Bool
	wg        sync.WaitGroup
}

// Start creates a pool with n workers. n must be at least 1.
func Start(n int) (*Pool, error) {
	if n < 1 {
		return nil, errors.New("worker pool needs at least one worker")
	}

	p := &Pool{}
	p.keepalive.Store(true)

	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.work()
	}
	return p, nil
}

// Submit appends a job to the queue. Jobs are executed first-submitted,
// first-executed. Fails with ErrShuttingDown once Shutdown has begun; the
// job's Release is invoked in that case so the payload is not leaked.
func (p *Pool) Submit(j Job) error {
	if j.Run == nil {
		return errors.New("job has no Run function")
	}

	p.mu.Lock()
	if !p.keepalive.Load() {
		p.mu.Unlock()
		if j.Release != nil {
			j.Release()
		}
		return ErrShuttingDown
	}
	p.queue = append(p.queue, j)
	p.qlen.Add(1)
	p.mu.Unlock()
	return nil
}

// QueueLen returns the number of jobs waiting to be dequeued.
func (p *Pool) QueueLen() int {
	return int(p.qlen.Load())
}

// Shutdown stops accepting new work, lets every worker finish its in-flight
// job, joins all workers, and then releases any jobs still queued without
// executing them. Shutdown latency is bounded by the largest current worker
// backoff, not by pending work.
func (p *Pool) Shutdown() {
	p.keepalive.Store(false)
	p.wg.Wait()

	p.mu.Lock()
	remaining := p.queue
	p.queue = nil
	p.qlen.Store(0)
	p.mu.Unlock()

	for _, j := range remaining {
		if j.Release != nil {
			j.Release()
		}
	}
}

// work is the worker loop: pop the oldest job and run it outside the lock,
// or back off while the queue is empty. A pop that loses the race to another
// worker is a no-op, not an error.
func (p *Pool) work() {
	defer p.wg.Done()

	backoff := backoffStart
	for p.keepalive.Load() {
		if p.qlen.Load() <= 0 {
			time.Sleep(backoff)
			if backoff *= 2; backoff > backoffCap {
				backoff = backoffCap
			}
			runtime.Gosched()
			continue
		}

		j, ok := p.pop()
		if !ok {
			continue
		}

		j.Run()
		backoff = backoffStart
	}
}

func (p *Pool) pop() (Job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.queue) == 0 {
		return Job{}, false
	}

	j := p.queue[0]
	p.queue = p.queue[1:]
	p.qlen.Add(-1)
	return j, true
}
