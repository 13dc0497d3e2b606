// Package workers provides the bounded worker pool used at both levels of the
// scan pipeline: host scans per session and connect attempts per host. A pool
// never runs more than Size jobs at once; Submit blocks while it is full.
package workers

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/anstrom/tracex/internal/logging"
	"github.com/anstrom/tracex/internal/metrics"
)

// Job represents a unit of work to be executed by a worker.
type Job interface {
	// Execute performs the job and returns an error if it fails.
	Execute(ctx context.Context) error
	// ID returns a unique identifier for the job.
	ID() string
	// Type returns the job type for metrics and logging.
	Type() string
}

// Result represents the result of executing a job.
type Result struct {
	JobID    string
	JobType  string
	Error    error
	Duration time.Duration
}

// Config holds configuration for the worker pool.
type Config struct {
	// Name labels the pool in logs and metrics.
	Name string
	// Size is the maximum number of jobs running at once.
	Size int
	// RecordMetrics enables per-job metrics. Off for very hot pools.
	RecordMetrics bool
}

// DefaultConfig returns a default worker pool configuration.
func DefaultConfig() Config {
	return Config{
		Name: "default",
		Size: 10,
	}
}

// Pool bounds concurrent job execution with a weighted semaphore.
type Pool struct {
	config  Config
	sem     *semaphore.Weighted
	wg      sync.WaitGroup
	logger  *logging.Logger
	metrics *metrics.PrometheusMetrics
}

// New creates a new worker pool with the given configuration.
func New(config Config) *Pool {
	if config.Size <= 0 {
		config.Size = DefaultConfig().Size
	}
	if config.Name == "" {
		config.Name = DefaultConfig().Name
	}
	p := &Pool{
		config: config,
		sem:    semaphore.NewWeighted(int64(config.Size)),
		logger: logging.Default().WithComponent("workers").WithFields("pool", config.Name),
	}
	if config.RecordMetrics {
		p.metrics = metrics.GetGlobalMetrics()
	}
	return p
}

// WithMetrics overrides the metrics sink and enables per-job metrics.
func (p *Pool) WithMetrics(m *metrics.PrometheusMetrics) *Pool {
	p.metrics = m
	return p
}

// Size returns the concurrency limit.
func (p *Pool) Size() int {
	return p.config.Size
}

// Submit waits for a free slot and starts job in its own goroutine. It
// returns an error only if ctx ends before a slot frees up, in which case
// the job never runs. onDone, if set, is called from the job's goroutine
// once it finishes.
func (p *Pool) Submit(ctx context.Context, job Job, onDone func(Result)) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("pool %s: waiting for slot: %w", p.config.Name, err)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)

		result := p.execute(ctx, job)
		if onDone != nil {
			onDone(result)
		}
	}()
	return nil
}

// Wait blocks until every submitted job has finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) execute(ctx context.Context, job Job) (result Result) {
	start := time.Now()
	result = Result{JobID: job.ID(), JobType: job.Type()}

	defer func() {
		if r := recover(); r != nil {
			result.Error = fmt.Errorf("job %s panicked: %v", job.ID(), r)
			p.logger.Error("Job panicked",
				"job_id", job.ID(), "job_type", job.Type(), "panic", r, "stack", string(debug.Stack()))
		}
		result.Duration = time.Since(start)
		p.record(result)
	}()

	result.Error = job.Execute(ctx)
	return result
}

func (p *Pool) record(r Result) {
	if p.metrics == nil {
		return
	}
	status := "success"
	if r.Error != nil {
		status = "error"
	}
	p.metrics.RecordJob(p.config.Name, status, r.Duration)
}

// Func adapts a function to the Job interface.
type Func struct {
	id      string
	jobType string
	fn      func(ctx context.Context) error
}

// NewFunc creates a Job running fn.
func NewFunc(id, jobType string, fn func(ctx context.Context) error) *Func {
	return &Func{id: id, jobType: jobType, fn: fn}
}

// Execute runs the wrapped function.
func (f *Func) Execute(ctx context.Context) error {
	return f.fn(ctx)
}

// ID returns the job id.
func (f *Func) ID() string {
	return f.id
}

// Type returns the job type.
func (f *Func) Type() string {
	return f.jobType
}
