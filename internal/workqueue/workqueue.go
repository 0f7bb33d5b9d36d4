// Package workqueue runs blocking remote calls off the gateway loop. Job
// bodies execute on worker goroutines; the closures they return are applied
// on the loop goroutine by Drain, so shared state is only touched there.
package workqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/temoto/alive/v2"
)

// Common errors
var (
	ErrQueueFull = errors.New("work queue full")
	ErrInFlight  = errors.New("job already in flight")
	ErrStopped   = errors.New("work queue stopped")
)

// Apply is run on the loop goroutine once its job has finished
type Apply func()

// Job is one unit of remote work
type Job struct {
	// Name is used in logs
	Name string
	// Key, when set, prevents a second job with the same key from being
	// queued until the first one has been applied
	Key string
	// Do performs the blocking part and returns the state change to apply
	Do func(ctx context.Context) Apply
}

// Executor accepts jobs and hands their results back through Drain
type Executor interface {
	Submit(job Job) error
	Drain() int
}

// Config 工作池参数
type Config struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
}

type result struct {
	job   Job
	apply Apply
}

// keySet 记录进行中的任务键
type keySet struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func (k *keySet) acquire(key string) bool {
	if key == "" {
		return true
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.keys[key]; ok {
		return false
	}
	k.keys[key] = struct{}{}
	return true
}

func (k *keySet) release(key string) {
	if key == "" {
		return
	}
	k.mu.Lock()
	delete(k.keys, key)
	k.mu.Unlock()
}

func (k *keySet) len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.keys)
}

// Pool is a bounded queue serviced by a fixed number of workers
type Pool struct {
	cfg      Config
	jobs     chan Job
	results  chan result
	inflight keySet
	alive    *alive.Alive
	cancel   context.CancelFunc
}

// NewPool creates a pool; call Start before submitting
func NewPool(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &Pool{
		cfg:      cfg,
		jobs:     make(chan Job, cfg.QueueSize),
		results:  make(chan result, cfg.QueueSize+cfg.Workers),
		inflight: keySet{keys: make(map[string]struct{})},
		alive:    alive.NewAlive(),
	}
}

// Start launches the workers
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.cfg.Workers; i++ {
		if !p.alive.Add(1) {
			return
		}
		go p.worker(ctx, i)
	}

	log.Info().
		Int("workers", p.cfg.Workers).
		Int("queue_size", p.cfg.QueueSize).
		Dur("timeout", p.cfg.Timeout).
		Msg("远程调用工作池已启动")
}

// Stop cancels running jobs and waits for the workers to exit
func (p *Pool) Stop() {
	p.alive.Stop()
	if p.cancel != nil {
		p.cancel()
	}
	p.alive.Wait()
}

// Submit queues a job without blocking
func (p *Pool) Submit(job Job) error {
	if !p.alive.IsRunning() {
		return ErrStopped
	}
	if !p.inflight.acquire(job.Key) {
		return ErrInFlight
	}

	select {
	case p.jobs <- job:
		return nil
	default:
		p.inflight.release(job.Key)
		log.Warn().Str("job", job.Name).Int("queue_size", p.cfg.QueueSize).Msg("工作队列已满，丢弃任务")
		return fmt.Errorf("%s: %w", job.Name, ErrQueueFull)
	}
}

// Drain applies every finished job without blocking and returns the count
func (p *Pool) Drain() int {
	n := 0
	for {
		select {
		case r := <-p.results:
			applyResult(r)
			p.inflight.release(r.job.Key)
			n++
		default:
			return n
		}
	}
}

// InFlight returns the number of keyed jobs queued, running or awaiting apply
func (p *Pool) InFlight() int {
	return p.inflight.len()
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.alive.Done()

	for {
		select {
		case <-p.alive.StopChan():
			return
		case job := <-p.jobs:
			apply := runJob(ctx, job, p.cfg.Timeout)
			select {
			case p.results <- result{job: job, apply: apply}:
			case <-p.alive.StopChan():
				log.Debug().Int("worker", id).Str("job", job.Name).Msg("工作池停止，丢弃结果")
				return
			}
		}
	}
}

func runJob(ctx context.Context, job Job, timeout time.Duration) (apply Apply) {
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("job", job.Name).Interface("panic", r).Msg("任务执行异常")
			apply = nil
		}
	}()

	start := time.Now()
	apply = job.Do(jobCtx)
	log.Debug().Str("job", job.Name).Dur("elapsed", time.Since(start)).Msg("任务完成")
	return apply
}

func applyResult(r result) {
	if r.apply == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Str("job", r.job.Name).Interface("panic", rec).Msg("任务结果应用异常")
		}
	}()
	r.apply()
}

// Inline runs each job synchronously inside Submit and defers its apply
// step to Drain. Used by tests and the simulation transport.
type Inline struct {
	Timeout time.Duration

	mu       sync.Mutex
	pending  []result
	inflight keySet
}

// NewInline creates a synchronous executor
func NewInline() *Inline {
	return &Inline{
		Timeout:  10 * time.Second,
		inflight: keySet{keys: make(map[string]struct{})},
	}
}

// Submit runs the job now
func (q *Inline) Submit(job Job) error {
	if !q.inflight.acquire(job.Key) {
		return ErrInFlight
	}
	apply := runJob(context.Background(), job, q.Timeout)

	q.mu.Lock()
	q.pending = append(q.pending, result{job: job, apply: apply})
	q.mu.Unlock()
	return nil
}

// Drain applies pending results in submission order
func (q *Inline) Drain() int {
	n := 0
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return n
		}
		r := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		applyResult(r)
		q.inflight.release(r.job.Key)
		n++
	}
}
