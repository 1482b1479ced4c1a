// Package workerpool implements the priority worker pool primitive from
// §4.4: a fixed priority set {High, Normal, Low, LongTerm}, per-priority
// worker counts, and a cooperative push/start/stop lifecycle. Grounded on
// the teacher's internal/worker goroutine-per-worker shape (sync.WaitGroup,
// context cancellation), generalized from one fixed pipeline of dequeue
// steps into a generic priority-tagged job dispatcher.
package workerpool

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Priority is one of the closed set of four scheduling classes.
type Priority int

const (
	High Priority = iota
	Normal
	Low
	LongTerm
)

func (p Priority) String() string {
	switch p {
	case High:
		return "high"
	case Normal:
		return "normal"
	case Low:
		return "low"
	case LongTerm:
		return "long_term"
	default:
		return "unknown"
	}
}

// Job is one single-shot unit of work: a callable returning (ok, err), a
// priority, and a name for logging.
type Job struct {
	Name     string
	Priority Priority
	Run      func(ctx context.Context) (bool, error)
}

// Counts configures how many workers accept each priority. At least one
// LongTerm worker is required — the flush task runs at LongTerm priority
// and has nowhere to go without it.
type Counts struct {
	High     int
	Normal   int
	Low      int
	LongTerm int
}

// Pool owns a set of workers grouped by the priorities they accept and
// dispatches pushed jobs to an eligible worker's queue.
type Pool struct {
	log *zap.Logger

	queues map[Priority]chan Job

	mu      sync.Mutex
	stopped bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds a Pool from Counts. Each priority gets its own buffered
// channel. Per §4.4's worker configuration — "H High-only workers, N
// workers accepting {Normal, High}, L Low-only workers, and at least one
// LongTerm-only worker" — High and LongTerm and Low workers each drain
// only their own channel, but Normal workers additionally drain High as
// overflow, preferring High whenever both have work. This mirrors the
// ground truth's allocate_workers(normal_priority_worker_count(),
// {JobPriorities::Normal, JobPriorities::High}).
func New(log *zap.Logger, counts Counts) (*Pool, error) {
	if counts.LongTerm < 1 {
		return nil, fmt.Errorf("workerpool: at least one LongTerm worker is required")
	}
	p := &Pool{
		log: log,
		queues: map[Priority]chan Job{
			High:     make(chan Job, 64),
			Normal:   make(chan Job, 64),
			Low:      make(chan Job, 64),
			LongTerm: make(chan Job, 8),
		},
	}
	return p, nil
}

// Start spins up the configured worker goroutines per priority. Normal
// workers run runNormalWorker instead of runWorker so they also drain the
// High channel as overflow.
func (p *Pool) Start(ctx context.Context, counts Counts) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for i := 0; i < counts.High; i++ {
		p.wg.Add(1)
		go p.runWorker(ctx, p.queues[High], i)
	}
	for i := 0; i < counts.Normal; i++ {
		p.wg.Add(1)
		go p.runNormalWorker(ctx, i)
	}
	for i := 0; i < counts.Low; i++ {
		p.wg.Add(1)
		go p.runWorker(ctx, p.queues[Low], i)
	}
	for i := 0; i < counts.LongTerm; i++ {
		p.wg.Add(1)
		go p.runWorker(ctx, p.queues[LongTerm], i)
	}
}

// runWorker drains a single dedicated priority channel.
func (p *Pool) runWorker(ctx context.Context, queue chan Job, index int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-queue:
			if !ok {
				return
			}
			p.execute(ctx, index, job)
		}
	}
}

// runNormalWorker drains both the High and Normal channels, preferring
// High whenever both have work ready — the overflow behavior §4.4
// requires of Normal-tier workers.
func (p *Pool) runNormalWorker(ctx context.Context, index int) {
	defer p.wg.Done()
	high := p.queues[High]
	normal := p.queues[Normal]
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-high:
			if !ok {
				return
			}
			p.execute(ctx, index, job)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return
		case job, ok := <-high:
			if !ok {
				return
			}
			p.execute(ctx, index, job)
		case job, ok := <-normal:
			if !ok {
				return
			}
			p.execute(ctx, index, job)
		}
	}
}

func (p *Pool) execute(ctx context.Context, index int, job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("worker panic recovered",
				zap.String("priority", job.Priority.String()),
				zap.Int("worker", index),
				zap.String("job", job.Name),
				zap.Any("panic", r))
		}
	}()
	ok, err := job.Run(ctx)
	if err != nil {
		p.log.Error("job failed", zap.String("job", job.Name), zap.Error(err))
		return
	}
	if !ok {
		p.log.Warn("job reported failure without error", zap.String("job", job.Name))
	}
}

// Push enqueues a job for dispatch. Fails if the pool is stopping.
func (p *Pool) Push(job Job) (bool, error) {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return false, fmt.Errorf("workerpool: stopping, refusing new job %q", job.Name)
	}

	queue, ok := p.queues[job.Priority]
	if !ok {
		return false, fmt.Errorf("workerpool: unknown priority %v", job.Priority)
	}
	select {
	case queue <- job:
		return true, nil
	default:
		return false, fmt.Errorf("workerpool: queue full for priority %s", job.Priority)
	}
}

// Stop signals every worker to finish its current job and exit, then
// blocks until they have all joined.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}
