// Package outbound paces every message sent over the chat transport.
//
// A single worker drains a bounded FIFO. Each job is pre-checked for a
// registered recipient on its first attempt, preceded by a typing indicator,
// and separated from the next send by a random delay. Jobs that hit a
// not-ready transport go back to the head of the queue without consuming an
// attempt, and the worker parks until it is kicked again.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/kabar/internal/metrics"
	"github.com/lalithlochan/kabar/internal/transport"
)

var (
	ErrQueueFull    = errors.New("outbound queue is full")
	ErrQueueStopped = errors.New("outbound queue stopped")
	ErrCanceled     = errors.New("outbound job canceled")
)

// Sender is the subset of the connection manager the queue drives.
type Sender interface {
	Ready() bool
	WaitForReady(ctx context.Context, timeout time.Duration) error
	Send(ctx context.Context, to string, p transport.Payload) (string, error)
	SendPresence(ctx context.Context, to string) error
	IsRegistered(ctx context.Context, to string) (bool, error)
}

// Status is the terminal state of a job.
type Status string

const (
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
	StatusInvalid Status = "invalid"
)

// Result describes how a job resolved.
type Result struct {
	JobID     string
	Status    Status
	MessageID string
	Attempts  int
	Err       error
}

// Config tunes the queue. Zero fields take defaults.
type Config struct {
	Capacity        int
	MaxAttempts     int
	MinDelay        time.Duration
	MaxDelay        time.Duration
	RetryDelay      time.Duration
	PrecheckTimeout time.Duration
	ReadyTimeout    time.Duration
}

// DefaultConfig returns production pacing.
func DefaultConfig() Config {
	return Config{
		Capacity:        500,
		MaxAttempts:     3,
		MinDelay:        2 * time.Second,
		MaxDelay:        6 * time.Second,
		RetryDelay:      5 * time.Second,
		PrecheckTimeout: 3 * time.Second,
		ReadyTimeout:    30 * time.Second,
	}
}

type job struct {
	id       string
	to       string
	payload  transport.Payload
	attempts int

	once   sync.Once
	result Result
	done   chan struct{}
}

func (j *job) resolve(r Result) {
	j.once.Do(func() {
		r.JobID = j.id
		j.result = r
		close(j.done)
	})
}

// Handle lets the caller wait for a job's outcome.
type Handle struct {
	ID    string
	job   *job
	queue *Queue
}

// Wait blocks until the job resolves or ctx ends. The returned error is
// the job's failure cause, or ctx.Err().
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.job.done:
		return h.job.result, h.job.result.Err
	case <-ctx.Done():
		return Result{JobID: h.ID}, ctx.Err()
	}
}

// Cancel withdraws the job if it is still waiting in the queue and resolves
// it with ErrCanceled. It returns false when the worker holds the job or the
// job has already resolved; the message may then still be delivered.
func (h *Handle) Cancel() bool {
	if h.queue == nil {
		return false
	}
	return h.queue.withdraw(h.job)
}

// Queue is a paced single-worker send queue.
type Queue struct {
	sender Sender
	config Config
	logger *zap.Logger

	mu      sync.Mutex
	jobs    []*job
	started bool
	stopped bool

	kick   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() time.Duration
}

// New creates a queue in front of sender.
func New(sender Sender, cfg Config, logger *zap.Logger) *Queue {
	def := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = def.MinDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.PrecheckTimeout <= 0 {
		cfg.PrecheckTimeout = def.PrecheckTimeout
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = def.ReadyTimeout
	}

	q := &Queue{
		sender: sender,
		config: cfg,
		logger: logger,
		kick:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		sleep:  sleepCtx,
	}
	q.jitter = func() time.Duration {
		span := q.config.MaxDelay - q.config.MinDelay
		if span <= 0 {
			return q.config.MinDelay
		}
		return q.config.MinDelay + rand.N(span)
	}
	return q
}

// Start launches the worker. It is a no-op after the first call.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started || q.stopped {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.run(ctx)
	}()
	q.Kick()
}

// Enqueue appends a message for delivery. The recipient is normalised
// here so that malformed numbers fail fast.
func (q *Queue) Enqueue(to string, p transport.Payload) (*Handle, error) {
	addr, err := transport.NormalizeRecipient(to)
	if err != nil {
		return nil, err
	}

	j := &job{
		id:      uuid.New().String(),
		to:      addr,
		payload: p,
		done:    make(chan struct{}),
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil, ErrQueueStopped
	}
	if len(q.jobs) >= q.config.Capacity {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: %d jobs pending", ErrQueueFull, q.config.Capacity)
	}
	q.jobs = append(q.jobs, j)
	depth := len(q.jobs)
	q.mu.Unlock()

	metrics.SetOutboundQueueDepth(depth)
	q.Kick()

	return &Handle{ID: j.id, job: j, queue: q}, nil
}

// Kick wakes the worker. Call it when the transport becomes ready.
func (q *Queue) Kick() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// Len returns the number of jobs waiting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Stop halts the worker and fails every pending job with ErrQueueStopped.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	close(q.stopCh)
	q.mu.Unlock()

	q.wg.Wait()

	q.mu.Lock()
	pending := q.jobs
	q.jobs = nil
	q.mu.Unlock()

	for _, j := range pending {
		j.resolve(Result{Status: StatusFailed, Attempts: j.attempts, Err: ErrQueueStopped})
	}
	metrics.SetOutboundQueueDepth(0)
	q.logger.Info("outbound queue stopped", zap.Int("dropped", len(pending)))
}

func (q *Queue) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case <-q.kick:
		}
		q.drain(ctx)
	}
}

// drain sends jobs until the queue is empty, the transport is unavailable,
// or the queue is stopping.
func (q *Queue) drain(ctx context.Context) {
	ctx, cancel := q.stopContext(ctx)
	defer cancel()

	for {
		if ctx.Err() != nil {
			return
		}
		if q.Len() == 0 {
			return
		}

		if !q.sender.Ready() {
			if err := q.sender.WaitForReady(ctx, q.config.ReadyTimeout); err != nil {
				q.logger.Info("outbound worker parked, transport not ready",
					zap.Int("pending", q.Len()),
					zap.Error(err),
				)
				return
			}
		}

		j := q.popFront()
		if j == nil {
			return
		}

		switch q.process(ctx, j) {
		case stepPark:
			return
		case stepRetry:
			if err := q.sleep(ctx, q.config.RetryDelay); err != nil {
				return
			}
			continue
		}

		if q.Len() > 0 {
			if err := q.sleep(ctx, q.jitter()); err != nil {
				return
			}
		}
	}
}

type step int

const (
	stepDone step = iota
	stepRetry
	stepPark
)

func (q *Queue) process(ctx context.Context, j *job) step {
	logger := q.logger.With(zap.String("job_id", j.id), zap.String("to", j.to))

	if j.attempts == 0 && !transport.IsBroadcastStyle(j.to) {
		registered, err := q.precheck(ctx, j.to)
		switch {
		case errors.Is(err, transport.ErrNotReady):
			q.pushFront(j)
			return stepPark
		case err != nil:
			logger.Debug("recipient check failed, assuming registered", zap.Error(err))
		case !registered:
			logger.Warn("recipient not registered, dropping message")
			q.finish(j, Result{Status: StatusInvalid, Err: transport.ErrRecipientNotRegistered})
			return stepDone
		}
	}

	if err := q.sender.SendPresence(ctx, j.to); err != nil {
		logger.Debug("typing indicator failed", zap.Error(err))
	}

	id, err := q.sender.Send(ctx, j.to, j.payload)
	if err == nil {
		j.attempts++
		logger.Debug("message sent", zap.String("message_id", id))
		q.finish(j, Result{Status: StatusSent, MessageID: id})
		return stepDone
	}

	if errors.Is(err, transport.ErrNotReady) {
		q.pushFront(j)
		return stepPark
	}

	j.attempts++
	if j.attempts < q.config.MaxAttempts {
		logger.Warn("send failed, retrying",
			zap.Int("attempt", j.attempts),
			zap.Int("max_attempts", q.config.MaxAttempts),
			zap.Error(err),
		)
		q.pushBack(j)
		return stepRetry
	}

	logger.Error("send failed permanently",
		zap.Int("attempts", j.attempts),
		zap.Error(err),
	)
	q.finish(j, Result{Status: StatusFailed, Err: err})
	return stepDone
}

func (q *Queue) precheck(ctx context.Context, to string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, q.config.PrecheckTimeout)
	defer cancel()
	return q.sender.IsRegistered(ctx, to)
}

func (q *Queue) finish(j *job, r Result) {
	r.Attempts = j.attempts
	j.resolve(r)
	metrics.RecordOutboundResult(string(r.Status))
	metrics.SetOutboundQueueDepth(q.Len())
}

func (q *Queue) withdraw(j *job) bool {
	q.mu.Lock()
	i := slices.Index(q.jobs, j)
	if i < 0 {
		q.mu.Unlock()
		return false
	}
	q.jobs = slices.Delete(q.jobs, i, i+1)
	depth := len(q.jobs)
	q.mu.Unlock()

	j.resolve(Result{Status: StatusFailed, Attempts: j.attempts, Err: ErrCanceled})
	metrics.RecordOutboundResult("canceled")
	metrics.SetOutboundQueueDepth(depth)
	return true
}

func (q *Queue) popFront() *job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return nil
	}
	j := q.jobs[0]
	q.jobs[0] = nil
	q.jobs = q.jobs[1:]
	return j
}

func (q *Queue) pushFront(j *job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append([]*job{j}, q.jobs...)
}

func (q *Queue) pushBack(j *job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, j)
}

// stopContext derives a context that also ends when Stop is called.
func (q *Queue) stopContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-q.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendText enqueues a text message.
func (q *Queue) SendText(to, body string) (*Handle, error) {
	return q.Enqueue(to, transport.Text(body))
}

// SendImage enqueues an image with an optional caption.
func (q *Queue) SendImage(to, path, caption string) (*Handle, error) {
	return q.Enqueue(to, transport.Image(path, caption))
}

// SendDocument enqueues a document attachment.
func (q *Queue) SendDocument(to, path, fileName, caption string) (*Handle, error) {
	return q.Enqueue(to, transport.Document(path, fileName, caption))
}
