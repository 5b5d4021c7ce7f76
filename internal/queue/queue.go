package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gobreaker "github.com/sony/gobreaker/v2"

	"recurd/internal/eventbus"
	"recurd/internal/metrics"
	rtsup "recurd/internal/runtime/supervisor"
	logx "recurd/pkg/logx"
)

// Queue is a named in-process job queue with priorities, delayed jobs,
// per-queue retry policy and a circuit breaker around handler calls.
//
// Pending jobs survive Stop and resume on the next Start.
type Queue struct {
	opts    Options
	log     logx.Logger
	bus     eventbus.Bus
	breaker *gobreaker.CircuitBreaker[struct{}]

	mu        sync.Mutex
	handlers  map[string]Handler
	ready     readyHeap
	delayed   delayHeap
	pending   map[string]struct{}
	active    int
	completed []FinishedJob
	failed    []FinishedJob
	seq       uint64
	sup       *rtsup.Supervisor
	running   bool

	wake chan struct{}
}

func New(opts Options, log logx.Logger, bus eventbus.Bus) *Queue {
	opts = opts.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "queue"), logx.String("queue", opts.Name))
	return &Queue{
		opts:     opts,
		log:      log,
		bus:      bus,
		breaker:  newBreaker(opts.Name, opts.Breaker, log),
		handlers: make(map[string]Handler),
		pending:  make(map[string]struct{}),
		wake:     make(chan struct{}, 1),
	}
}

func (q *Queue) Name() string { return q.opts.Name }

// Handle registers h for jobs called name. Registering twice replaces.
func (q *Queue) Handle(name string, h Handler) {
	q.mu.Lock()
	q.handlers[name] = h
	q.mu.Unlock()
}

func (q *Queue) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return nil
	}
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(q.log),
		rtsup.WithCancelOnError(false),
	)
	for i := 0; i < q.opts.Concurrency; i++ {
		sup.GoRestart(fmt.Sprintf("%s.worker.%d", q.opts.Name, i), func(c context.Context) error {
			q.worker(c)
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		},
			rtsup.WithPublishFirstError(true),
		)
	}
	q.sup = sup
	q.running = true
	q.signal()
	q.log.Info("queue started", logx.Int("concurrency", q.opts.Concurrency), logx.Int("attempts", q.opts.Attempts), logx.Duration("backoff", q.opts.Backoff))
	return nil
}

// Stop halts the workers. Jobs interrupted mid-run go back to waiting.
func (q *Queue) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	q.running = false
	sup := q.sup
	q.sup = nil
	q.mu.Unlock()

	err := sup.Stop(ctx)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		q.log.Warn("queue stop timed out", logx.Err(err))
		return err
	}
	q.log.Info("queue stopped")
	return nil
}

func (q *Queue) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Add enqueues a job and returns its id. An Add with the id of a job that is
// still waiting, delayed or active is a no-op returning that id.
func (q *Queue) Add(ctx context.Context, name string, data any, o JobOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name = strings.TrimSpace(name)
	now := time.Now()

	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return "", ErrStopped
	}
	if _, ok := q.handlers[name]; !ok {
		q.mu.Unlock()
		return "", fmt.Errorf("%w: %q", ErrNoHandler, name)
	}
	if q.breaker != nil && q.breaker.State() == gobreaker.StateOpen {
		q.mu.Unlock()
		return "", ErrCircuitOpen
	}
	id := strings.TrimSpace(o.ID)
	if id != "" {
		if _, dup := q.pending[id]; dup {
			q.mu.Unlock()
			return id, nil
		}
	} else {
		id = uuid.NewString()
	}
	if q.ready.Len()+q.delayed.Len() >= q.opts.Capacity {
		q.mu.Unlock()
		q.log.Warn("job dropped: queue full", logx.String("job", name), logx.Int("capacity", q.opts.Capacity))
		return "", ErrQueueFull
	}

	q.seq++
	e := &entry{
		job: Job{ID: id, Name: name, Data: data, Priority: o.Priority, Attempt: 1, EnqueuedAt: now},
		seq: q.seq,
	}
	q.pending[id] = struct{}{}
	if o.Delay > 0 {
		e.runAt = now.Add(o.Delay)
		heap.Push(&q.delayed, e)
	} else {
		heap.Push(&q.ready, e)
	}
	counts := q.countsLocked()
	q.mu.Unlock()

	q.signal()
	q.publishCounts(counts)
	q.log.Debug("job added", logx.String("job", name), logx.String("id", id), logx.Int("priority", o.Priority), logx.Duration("delay", o.Delay))
	return id, nil
}

func (q *Queue) Counts() Counts {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.countsLocked()
}

func (q *Queue) countsLocked() Counts {
	return Counts{
		Waiting:   q.ready.Len(),
		Active:    q.active,
		Completed: len(q.completed),
		Failed:    len(q.failed),
		Delayed:   q.delayed.Len(),
	}
}

// Failed returns the retained failed jobs, oldest first.
func (q *Queue) Failed() []FinishedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]FinishedJob(nil), q.failed...)
}

func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	snap := Snapshot{
		Name:    q.opts.Name,
		Running: q.running,
		Counts:  q.countsLocked(),
		Breaker: "disabled",
	}
	n := len(q.failed)
	if n > 10 {
		n = 10
	}
	snap.Failures = append([]FinishedJob(nil), q.failed[len(q.failed)-n:]...)
	q.mu.Unlock()
	if q.breaker != nil {
		snap.Breaker = q.breaker.State().String()
	}
	return snap
}

// Drain blocks until no job is waiting, delayed or active.
func (q *Queue) Drain(ctx context.Context) error {
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		c := q.Counts()
		if c.Waiting+c.Active+c.Delayed == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) publishCounts(c Counts) {
	metrics.SetQueueCounts(q.opts.Name, c.Waiting, c.Active, c.Completed, c.Failed, c.Delayed)
}

func (q *Queue) publish(typ string, ev JobEvent) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}
