package async

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/biznespilot/governor/pkg/observability"
)

var (
	ErrQueueFull        = errors.New("job queue is full")
	ErrJobTimeout       = errors.New("job timed out")
	ErrJobCancelled     = errors.New("job cancelled")
	ErrAwaitTimeout     = errors.New("timed out waiting for job result")
	ErrJobNotFound      = errors.New("job not found")
	ErrDispatcherClosed = errors.New("dispatcher is shut down")
)

// JobFailedError is a job that returned an error
type JobFailedError struct {
	Handle Handle
	Err    error
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("job %s failed: %v", e.Handle, e.Err)
}

func (e *JobFailedError) Unwrap() error { return e.Err }

// JobPanicError is a job that panicked
type JobPanicError struct {
	Handle Handle
	Value  any
	Stack  string
}

func (e *JobPanicError) Error() string {
	return fmt.Sprintf("job %s panicked: %v", e.Handle, e.Value)
}

// Priority orders queued jobs; lower values run first
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityDefault
	PriorityLow
	numPriorities
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "default"
	}
}

// ParsePriority maps a name to a Priority; unknown names are default
func ParsePriority(s string) Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityDefault
	}
}

// Status is a job lifecycle state
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

// Finished reports whether the status is terminal
func (s Status) Finished() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

// Handle identifies a submitted job
type Handle string

// JobFunc is the unit of work
type JobFunc func(ctx context.Context) (any, error)

// Options tune a single submission
type Options struct {
	Name     string
	Priority Priority
	// Timeout overrides Config.JobTimeout when positive
	Timeout time.Duration
}

// Result is a snapshot of a job
type Result struct {
	Handle      Handle    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Name        string    `json:"name,omitempty"`
	Priority    string    `json:"priority"`
	Status      Status    `json:"status"`
	Value       any       `json:"result,omitempty"`
	Err         error     `json:"-"`
	SubmittedAt time.Time `json:"submitted_at"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	FinishedAt  time.Time `json:"finished_at,omitzero"`
}

// Config configures a Dispatcher
type Config struct {
	// Workers bounds concurrently executing jobs
	Workers int
	// QueueSize bounds each priority queue
	QueueSize int
	// JobTimeout is the default execution timeout
	JobTimeout time.Duration
	// RetainedJobs and Retention bound finished-job lookups
	RetainedJobs int
	Retention    time.Duration
	// OnFinish is called once per job when it reaches a terminal state
	OnFinish func(Result)
}

// DefaultConfig returns the default dispatcher configuration
func DefaultConfig() Config {
	return Config{
		Workers:      8,
		QueueSize:    1000,
		JobTimeout:   5 * time.Minute,
		RetainedJobs: 10000,
		Retention:    time.Hour,
	}
}

type job struct {
	fn       JobFunc
	timeout  time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex
	result   Result
	finished bool
}

func (j *job) snapshot() Result {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result
}

// Dispatcher runs jobs on a bounded worker set with priority queues
type Dispatcher struct {
	config Config
	logger *observability.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queues [numPriorities][]*job
	closed bool

	active   sync.Map // Handle -> *job
	finished *lru.LRU[Handle, *job]

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
	startOnce  sync.Once
	running    atomic.Int64

	now func() time.Time
}

// NewDispatcher creates a dispatcher; call Start to launch workers
func NewDispatcher(config Config, logger *observability.Logger) *Dispatcher {
	def := DefaultConfig()
	if config.Workers <= 0 {
		config.Workers = def.Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = def.JobTimeout
	}
	if config.RetainedJobs <= 0 {
		config.RetainedJobs = def.RetainedJobs
	}
	if config.Retention <= 0 {
		config.Retention = def.Retention
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		config:     config,
		logger:     logger,
		finished:   lru.NewLRU[Handle, *job](config.RetainedJobs, nil, config.Retention),
		baseCtx:    ctx,
		baseCancel: cancel,
		now:        time.Now,
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Start launches the workers
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		for i := 0; i < d.config.Workers; i++ {
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				d.worker()
			}()
		}
	})
}

// Submit queues a job for tenantID. The job context keeps ctx values but not
// its cancellation, so a job outlives the request that submitted it.
func (d *Dispatcher) Submit(ctx context.Context, tenantID string, fn JobFunc, opts Options) (Handle, error) {
	if opts.Priority < PriorityHigh || opts.Priority >= numPriorities {
		opts.Priority = PriorityDefault
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = d.config.JobTimeout
	}

	h := Handle(uuid.NewString())
	jctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	// dispatcher shutdown cancels every job
	stop := context.AfterFunc(d.baseCtx, cancel)
	j := &job{
		fn:      fn,
		timeout: timeout,
		ctx:     jctx,
		cancel:  func() { stop(); cancel() },
		done:    make(chan struct{}),
		result: Result{
			Handle:      h,
			TenantID:    tenantID,
			Name:        opts.Name,
			Priority:    opts.Priority.String(),
			Status:      StatusQueued,
			SubmittedAt: d.now(),
		},
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		j.cancel()
		return "", ErrDispatcherClosed
	}
	if len(d.queues[opts.Priority]) >= d.config.QueueSize {
		d.mu.Unlock()
		j.cancel()
		return "", fmt.Errorf("%w: %s priority", ErrQueueFull, opts.Priority)
	}
	d.active.Store(h, j)
	d.queues[opts.Priority] = append(d.queues[opts.Priority], j)
	d.mu.Unlock()
	d.cond.Signal()

	return h, nil
}

// Await blocks until the job finishes, timeout elapses or ctx is done.
// Finished jobs return their value or a typed failure.
func (d *Dispatcher) Await(ctx context.Context, h Handle, timeout time.Duration) (any, error) {
	j, ok := d.lookup(h)
	if !ok {
		return nil, ErrJobNotFound
	}

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case <-j.done:
		r := j.snapshot()
		return r.Value, r.Err
	case <-expired:
		return nil, fmt.Errorf("%w %s after %v", ErrAwaitTimeout, h, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Status returns a snapshot of the job
func (d *Dispatcher) Status(h Handle) (Result, error) {
	j, ok := d.lookup(h)
	if !ok {
		return Result{}, ErrJobNotFound
	}
	return j.snapshot(), nil
}

// Cancel stops a queued job or cancels the context of a running one
func (d *Dispatcher) Cancel(h Handle) error {
	j, ok := d.lookup(h)
	if !ok {
		return ErrJobNotFound
	}

	j.mu.Lock()
	status := j.result.Status
	j.mu.Unlock()
	switch {
	case status == StatusQueued:
		// the worker skips finished jobs when it dequeues them
		d.finish(j, nil, ErrJobCancelled, StatusCancelled)
	case status == StatusRunning:
		j.cancel()
	}
	return nil
}

func (d *Dispatcher) lookup(h Handle) (*job, bool) {
	if v, ok := d.active.Load(h); ok {
		return v.(*job), true
	}
	return d.finished.Get(h)
}

// Stats is a point-in-time dispatcher view
type Stats struct {
	Workers int            `json:"workers"`
	Running int64          `json:"running"`
	Queued  map[string]int `json:"queued"`
}

// Stats returns queue depths and running jobs
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := Stats{Workers: d.config.Workers, Running: d.running.Load(), Queued: make(map[string]int, numPriorities)}
	for p := PriorityHigh; p < numPriorities; p++ {
		s.Queued[p.String()] = len(d.queues[p])
	}
	return s
}

// Shutdown stops accepting jobs and lets workers drain the queues. When ctx
// ends first, running jobs are cancelled.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cond.Broadcast()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.baseCancel()
		return nil
	case <-ctx.Done():
		d.baseCancel()
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}

func (d *Dispatcher) next() *job {
	d.mu.Lock()
	defer d.mu.Unlock()
	for {
		for p := PriorityHigh; p < numPriorities; p++ {
			if len(d.queues[p]) > 0 {
				j := d.queues[p][0]
				d.queues[p][0] = nil
				d.queues[p] = d.queues[p][1:]
				return j
			}
		}
		if d.closed {
			return nil
		}
		d.cond.Wait()
	}
}

func (d *Dispatcher) worker() {
	for {
		j := d.next()
		if j == nil {
			return
		}
		d.run(j)
	}
}

type outcome struct {
	value any
	err   error
}

func (d *Dispatcher) run(j *job) {
	j.mu.Lock()
	if j.finished {
		j.mu.Unlock()
		return
	}
	j.result.Status = StatusRunning
	j.result.StartedAt = d.now()
	h := j.result.Handle
	j.mu.Unlock()

	d.running.Add(1)
	defer d.running.Add(-1)

	ctx, cancel := context.WithTimeout(j.ctx, j.timeout)
	defer cancel()

	results := make(chan outcome, 1)
	go func() {
		var o outcome
		defer func() {
			if r := recover(); r != nil {
				o = outcome{err: &JobPanicError{Handle: h, Value: r, Stack: string(debug.Stack())}}
			}
			results <- o
		}()
		v, err := j.fn(ctx)
		o = outcome{value: v, err: err}
	}()

	var (
		o        outcome
		returned bool
	)
	select {
	case o = <-results:
		returned = true
	case <-ctx.Done():
		select {
		case o = <-results:
			returned = true
		default:
		}
	}

	// an error returned after cancellation is reported as the interruption
	if returned && (o.err == nil || ctx.Err() == nil) {
		d.complete(j, o)
		return
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		d.finish(j, nil, fmt.Errorf("%w after %v", ErrJobTimeout, j.timeout), StatusTimedOut)
	} else {
		d.finish(j, nil, ErrJobCancelled, StatusCancelled)
	}
	if !returned {
		// the slot stays occupied until the job returns
		<-results
	}
}

func (d *Dispatcher) complete(j *job, o outcome) {
	var pe *JobPanicError
	switch {
	case o.err == nil:
		d.finish(j, o.value, nil, StatusSucceeded)
	case errors.As(o.err, &pe):
		d.logger.WithFields(map[string]any{
			"job":   string(pe.Handle),
			"stack": pe.Stack,
		}).Errorf("job panicked: %v", pe.Value)
		d.finish(j, nil, pe, StatusFailed)
	default:
		d.finish(j, nil, &JobFailedError{Handle: j.result.Handle, Err: o.err}, StatusFailed)
	}
}

func (d *Dispatcher) finish(j *job, value any, err error, status Status) {
	j.mu.Lock()
	if j.finished {
		j.mu.Unlock()
		return
	}
	j.finished = true
	j.result.Status = status
	j.result.Value = value
	j.result.Err = err
	j.result.FinishedAt = d.now()
	r := j.result
	j.mu.Unlock()

	d.finished.Add(r.Handle, j)
	d.active.Delete(r.Handle)
	close(j.done)

	if status != StatusSucceeded {
		d.logger.WithError(err).WithFields(map[string]any{
			"job":       string(r.Handle),
			"tenant_id": r.TenantID,
			"name":      r.Name,
			"status":    string(status),
		}).Warn("job did not succeed")
	}
	if d.config.OnFinish != nil {
		d.config.OnFinish(r)
	}
	j.cancel()
}
