package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/quaylabs/go-quay/v1/events"
	"github.com/quaylabs/go-quay/v1/metrics"
)

var tracer = otel.Tracer("github.com/quaylabs/go-quay/v1/jobqueue")

const (
	defaultPollInterval        = 3 * time.Second
	defaultMaxAttempts         = 3
	defaultBackoff             = 5 * time.Second
	defaultMaintenanceInterval = time.Hour
)

// Option configures a queue backend.
type Option func(*engine)

// WithPollInterval sets how often each queue's polling loop wakes up. The
// interval bounds how stale delayed-job promotion and waiting-job pickup can
// get. The default is 3 seconds.
func WithPollInterval(d time.Duration) Option {
	return func(e *engine) {
		if d > 0 {
			e.poll = d
		}
	}
}

// WithDefaults sets the queue-wide retry policy used for jobs whose options do
// not override it.
func WithDefaults(maxAttempts int, backoff time.Duration) Option {
	return func(e *engine) {
		if maxAttempts > 0 {
			e.maxAttempts = maxAttempts
		}
		if backoff > 0 {
			e.backoff = backoff
		}
	}
}

// WithLogger sets the structured logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithBus publishes job lifecycle transitions to the given bus.
func WithBus(bus events.Bus) Option {
	return func(e *engine) {
		e.bus = bus
	}
}

// WithTracing enables OpenTelemetry spans around processor dispatch.
func WithTracing() Option {
	return func(e *engine) {
		e.tracing = true
	}
}

// WithMaintenanceInterval sets how often the retention sweep runs. The
// default is one hour.
func WithMaintenanceInterval(d time.Duration) Option {
	return func(e *engine) {
		if d > 0 {
			e.maintainEvery = d
		}
	}
}

type runner struct {
	queue       string
	fn          Processor
	concurrency int64
	active      atomic.Int64
}

// engine drives a store: one polling loop per registered queue, a shared
// maintenance loop, and explicit shutdown. It owns all in-process mutable
// state (processor registry, pause flags, concurrency counters).
type engine struct {
	store         store
	logger        *slog.Logger
	bus           events.Bus
	poll          time.Duration
	maintainEvery time.Duration
	maxAttempts   int
	backoff       time.Duration
	tracing       bool

	mu      sync.Mutex
	runners map[string]*runner
	paused  map[string]bool
	closed  bool

	ctx      context.Context
	cancel   context.CancelFunc
	loops    sync.WaitGroup
	inflight sync.WaitGroup
}

func newEngine(st store, opts ...Option) *engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &engine{
		store:         st,
		logger:        slog.Default(),
		poll:          defaultPollInterval,
		maintainEvery: defaultMaintenanceInterval,
		maxAttempts:   defaultMaxAttempts,
		backoff:       defaultBackoff,
		runners:       make(map[string]*runner),
		paused:        make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.loops.Add(1)
	go e.maintenanceLoop()
	return e
}

// Add implements Queue.Add.
func (e *engine) Add(ctx context.Context, queue string, data any, opts *JobOptions) (*Job, error) {
	if e.isClosed() {
		return nil, ErrQueueClosed
	}
	var o JobOptions
	if opts != nil {
		o = *opts
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal job data: %w", err)
	}
	now := time.Now()
	id := o.JobID
	if id == "" {
		id = newJobID(now)
	}
	job := &Job{
		ID:        id,
		Queue:     queue,
		Data:      raw,
		Status:    StatusWaiting,
		CreatedAt: now,
	}
	env := &envelope{Job: job, Options: o}
	if o.Delay > 0 {
		at := now.Add(o.Delay)
		env.ScheduledAt = &at
		job.Status = StatusDelayed
	}
	if err := e.store.createJob(ctx, env); err != nil {
		if errors.Is(err, errJobExists) {
			// Idempotent enqueue: a caller-supplied ID that already exists
			// returns the stored record unchanged.
			existing, gerr := e.store.getJob(ctx, queue, id)
			if gerr != nil {
				return nil, gerr
			}
			return existing.Job, nil
		}
		return nil, err
	}
	metrics.JobsEnqueued.Inc()
	e.publishJob(ctx, job)
	return job, nil
}

// Process implements Queue.Process.
func (e *engine) Process(queue string, fn Processor, opts ProcessOptions) error {
	if fn == nil {
		return errors.New("jobqueue: nil processor")
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrQueueClosed
	}
	if _, ok := e.runners[queue]; ok {
		e.mu.Unlock()
		return ErrProcessorRegistered
	}
	c := int64(opts.Concurrency)
	if c <= 0 {
		c = 1
	}
	r := &runner{queue: queue, fn: fn, concurrency: c}
	e.runners[queue] = r
	e.mu.Unlock()

	e.loops.Add(1)
	go e.runLoop(r)
	return nil
}

func (e *engine) runLoop(r *runner) {
	defer e.loops.Done()
	ticker := time.NewTicker(e.poll)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.tick(r)
		}
	}
}

// tick is one scheduling pass: promote due delayed jobs, then fill the free
// concurrency slots from the waiting bucket.
func (e *engine) tick(r *runner) {
	ctx := e.ctx
	if _, err := e.store.promoteDue(ctx, r.queue, time.Now()); err != nil && ctx.Err() == nil {
		e.logger.Error("promote delayed jobs", "queue", r.queue, "error", err)
	}
	if e.isPaused(r.queue) {
		return
	}
	slots := int(r.concurrency - r.active.Load())
	if slots <= 0 {
		return
	}
	// claimWaiting can fail partway through a batch; the jobs it already moved
	// to active must still be dispatched or they sit there until a restart.
	envs, err := e.store.claimWaiting(ctx, r.queue, slots, time.Now())
	if err != nil && ctx.Err() == nil {
		e.logger.Error("claim waiting jobs", "queue", r.queue, "error", err)
	}
	for _, env := range envs {
		r.active.Add(1)
		e.inflight.Add(1)
		go e.dispatch(r, env)
	}
}

func (e *engine) dispatch(r *runner, env *envelope) {
	defer e.inflight.Done()
	defer r.active.Add(-1)

	ctx := e.ctx
	job := env.Job
	if e.tracing {
		var span trace.Span
		ctx, span = tracer.Start(ctx, "jobqueue.process", trace.WithAttributes(
			attribute.String("quay.queue", job.Queue),
			attribute.String("quay.job_id", job.ID),
			attribute.Int("quay.attempt", job.AttemptsMade),
		))
		defer span.End()
	}
	metrics.ActiveJobs.Inc()
	defer metrics.ActiveJobs.Dec()
	e.publishJob(ctx, job)

	stopHeartbeat := e.startHeartbeat(job.Queue, job.ID)
	start := time.Now()
	err := runProcessor(ctx, r.fn, job)
	metrics.JobDuration.Observe(time.Since(start).Seconds())
	stopHeartbeat()

	// The terminal transition must land even when shutdown cancels the engine
	// context while this job is still in flight.
	ctx = context.WithoutCancel(ctx)

	if err == nil {
		now := time.Now()
		job.Status = StatusCompleted
		job.CompletedAt = &now
		job.Progress = 100
		job.FailedReason = ""
		env.ScheduledAt = nil
		if serr := e.store.completeJob(ctx, env, env.Options.RemoveOnComplete); serr != nil && ctx.Err() == nil {
			e.logger.Error("complete job", "queue", job.Queue, "job", job.ID, "error", serr)
		}
		metrics.JobsCompleted.Inc()
		e.publishJob(ctx, job)
		return
	}

	job.FailedReason = err.Error()
	max := env.Options.Attempts
	if max <= 0 {
		max = e.maxAttempts
	}
	if job.AttemptsMade < max {
		backoff := env.Options.Backoff
		if backoff <= 0 {
			backoff = e.backoff
		}
		at := time.Now().Add(backoff * time.Duration(job.AttemptsMade))
		job.Status = StatusDelayed
		if serr := e.store.retryJob(ctx, env, at); serr != nil && ctx.Err() == nil {
			e.logger.Error("schedule retry", "queue", job.Queue, "job", job.ID, "error", serr)
		}
		metrics.JobsRetried.Inc()
		e.logger.Info("job retry scheduled",
			"queue", job.Queue, "job", job.ID, "attempt", job.AttemptsMade, "at", at)
	} else {
		now := time.Now()
		job.Status = StatusFailed
		job.CompletedAt = &now
		if serr := e.store.failJob(ctx, env, env.Options.RemoveOnFail); serr != nil && ctx.Err() == nil {
			e.logger.Error("fail job", "queue", job.Queue, "job", job.ID, "error", serr)
		}
		metrics.JobsFailed.Inc()
		e.logger.Warn("job failed permanently",
			"queue", job.Queue, "job", job.ID, "attempts", job.AttemptsMade, "reason", job.FailedReason)
	}
	e.publishJob(ctx, job)
}

// runProcessor isolates the scheduler from processor misbehavior: errors and
// panics both feed the retry policy, never the polling loop.
func runProcessor(ctx context.Context, fn Processor, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return fn(ctx, job)
}

func (e *engine) startHeartbeat(queue, id string) func() {
	ctx, cancel := context.WithCancel(e.ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(e.poll)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := e.store.heartbeat(ctx, queue, id); err != nil && ctx.Err() == nil {
					e.logger.Warn("job heartbeat", "queue", queue, "job", id, "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (e *engine) maintenanceLoop() {
	defer e.loops.Done()
	ticker := time.NewTicker(e.maintainEvery)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if err := e.store.maintain(e.ctx, time.Now()); err != nil && e.ctx.Err() == nil {
				e.logger.Error("queue maintenance", "error", err)
			}
		}
	}
}

// GetJob implements Queue.GetJob.
func (e *engine) GetJob(ctx context.Context, queue, id string) (*Job, error) {
	env, err := e.store.getJob(ctx, queue, id)
	if err != nil {
		return nil, err
	}
	return env.Job, nil
}

// RemoveJob implements Queue.RemoveJob.
func (e *engine) RemoveJob(ctx context.Context, queue, id string) error {
	return e.store.removeJob(ctx, queue, id)
}

// CountByStatus implements Queue.CountByStatus.
func (e *engine) CountByStatus(ctx context.Context, queue string, status Status) (int, error) {
	if !status.Valid() {
		return 0, fmt.Errorf("jobqueue: unknown status %q", status)
	}
	return e.store.countByStatus(ctx, queue, status)
}

// Stats implements Queue.Stats.
func (e *engine) Stats(ctx context.Context, queue string) (QueueStats, error) {
	var stats QueueStats
	for _, st := range allStatuses {
		n, err := e.store.countByStatus(ctx, queue, st)
		if err != nil {
			return QueueStats{}, err
		}
		switch st {
		case StatusWaiting:
			stats.Waiting = n
		case StatusDelayed:
			stats.Delayed = n
		case StatusActive:
			stats.Active = n
		case StatusCompleted:
			stats.Completed = n
		case StatusFailed:
			stats.Failed = n
		}
	}
	return stats, nil
}

// JobsByStatus implements Queue.JobsByStatus.
func (e *engine) JobsByStatus(ctx context.Context, queue string, status Status, limit int) ([]*Job, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("jobqueue: unknown status %q", status)
	}
	envs, err := e.store.listByStatus(ctx, queue, status, limit)
	if err != nil {
		return nil, err
	}
	jobs := make([]*Job, 0, len(envs))
	for _, env := range envs {
		jobs = append(jobs, env.Job)
	}
	return jobs, nil
}

// Pause implements Queue.Pause.
func (e *engine) Pause(ctx context.Context, queue string) error {
	e.mu.Lock()
	e.paused[queue] = true
	e.mu.Unlock()
	return nil
}

// Resume implements Queue.Resume.
func (e *engine) Resume(ctx context.Context, queue string) error {
	e.mu.Lock()
	delete(e.paused, queue)
	e.mu.Unlock()
	return nil
}

// Clean implements Queue.Clean.
func (e *engine) Clean(ctx context.Context, queue string) error {
	return e.store.clean(ctx, queue)
}

// UpdateProgress implements Queue.UpdateProgress.
func (e *engine) UpdateProgress(ctx context.Context, queue, id string, percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return e.store.updateProgress(ctx, queue, id, percent)
}

// Shutdown implements Queue.Shutdown.
func (e *engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	done := make(chan struct{})
	go func() {
		e.loops.Wait()
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *engine) isPaused(queue string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused[queue]
}

func (e *engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *engine) publishJob(ctx context.Context, job *Job) {
	if e.bus == nil {
		return
	}
	evt := events.Event{
		Type:         events.TypeJob,
		Queue:        job.Queue,
		JobID:        job.ID,
		Status:       string(job.Status),
		AttemptsMade: job.AttemptsMade,
		At:           time.Now(),
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := e.bus.Publish(ctx, events.JobTopic(job.Queue), data); err != nil && ctx.Err() == nil {
		e.logger.Warn("publish job event", "queue", job.Queue, "job", job.ID, "error", err)
	}
}
