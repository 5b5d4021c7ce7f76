package queue

import (
	"container/heap"
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"recurd/internal/metrics"
	logx "recurd/pkg/logx"
)

func (q *Queue) worker(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		e, h, due := q.next(time.Now())
		if e != nil {
			q.run(ctx, e, h)
			continue
		}

		var timer *time.Timer
		var fire <-chan time.Time
		if !due.IsZero() {
			timer = time.NewTimer(time.Until(due))
			fire = timer.C
		}
		select {
		case <-ctx.Done():
		case <-q.wake:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// next pops the best ready job after promoting due delayed ones. With no job
// ready it returns the next due time of the delayed set.
func (q *Queue) next(now time.Time) (*entry, Handler, time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	due := promote(&q.ready, &q.delayed, now)
	if q.ready.Len() == 0 {
		return nil, nil, due
	}
	e := heap.Pop(&q.ready).(*entry)
	q.active++
	if q.ready.Len() > 0 {
		q.signal()
	}
	return e, q.handlers[e.job.Name], due
}

func (q *Queue) run(ctx context.Context, e *entry, h Handler) {
	job := e.job
	start := time.Now()
	log := q.log.With(logx.String("job", job.Name), logx.String("id", job.ID), logx.Int("attempt", job.Attempt))

	var err error
	if h == nil {
		err = NoRetry(fmt.Errorf("%w: %q", ErrNoHandler, job.Name))
	} else {
		err = q.attempt(ctx, h, job, log)
	}
	dur := time.Since(start)

	switch {
	case err == nil:
		q.finish(e, dur, nil)
		metrics.RecordJob(q.opts.Name, job.Name, "completed", dur)
		q.publish("queue.completed", JobEvent{Queue: q.opts.Name, ID: job.ID, Name: job.Name, Attempt: job.Attempt, Duration: dur})
		if dur >= 750*time.Millisecond {
			log.Info("job.completed", logx.Duration("dur", dur))
		} else {
			log.Debug("job.completed", logx.Duration("dur", dur))
		}

	case ctx.Err() != nil:
		// Shutdown: the attempt does not count.
		q.reschedule(e, time.Time{})
		log.Debug("job interrupted by shutdown", logx.Err(err))

	case breakerRejected(err):
		q.reschedule(e, time.Now().Add(q.opts.Breaker.OpenTimeout))
		metrics.RecordJob(q.opts.Name, job.Name, "rejected", dur)
		log.Warn("job postponed: circuit open", logx.Duration("for", q.opts.Breaker.OpenTimeout))

	case IsNoRetry(err) || job.Attempt >= q.opts.Attempts:
		q.finish(e, dur, err)
		metrics.RecordJob(q.opts.Name, job.Name, "failed", dur)
		q.publish("queue.failed", JobEvent{Queue: q.opts.Name, ID: job.ID, Name: job.Name, Attempt: job.Attempt, Duration: dur, Error: err.Error()})
		log.Warn("job.failed", logx.Err(err), logx.Duration("dur", dur), logx.Bool("permanent", IsNoRetry(err)))

	default:
		delay := Backoff(q.opts.Backoff, q.opts.MaxBackoff, job.Attempt)
		e.job.Attempt++
		q.reschedule(e, time.Now().Add(delay))
		metrics.RecordJob(q.opts.Name, job.Name, "retry", dur)
		q.publish("queue.retry", JobEvent{Queue: q.opts.Name, ID: job.ID, Name: job.Name, Attempt: job.Attempt, Duration: dur, Error: err.Error()})
		log.Debug("job retry scheduled", logx.Duration("delay", delay), logx.Err(err))
	}
}

func (q *Queue) attempt(ctx context.Context, h Handler, job Job, log logx.Logger) error {
	runCtx := ctx
	if q.opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, q.opts.Timeout)
		defer cancel()
	}
	call := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				log.Error("job.panic", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		return h(runCtx, job)
	}
	if q.breaker == nil {
		return call()
	}
	_, err := q.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, call()
	})
	return err
}

// reschedule returns an active job to waiting (zero at) or delayed.
func (q *Queue) reschedule(e *entry, at time.Time) {
	q.mu.Lock()
	q.active--
	q.seq++
	e.seq = q.seq
	if at.IsZero() {
		heap.Push(&q.ready, e)
	} else {
		e.runAt = at
		heap.Push(&q.delayed, e)
	}
	counts := q.countsLocked()
	q.mu.Unlock()
	q.signal()
	q.publishCounts(counts)
}

func (q *Queue) finish(e *entry, dur time.Duration, err error) {
	fj := FinishedJob{ID: e.job.ID, Name: e.job.Name, Attempts: e.job.Attempt, Finished: time.Now(), Duration: dur}
	q.mu.Lock()
	q.active--
	delete(q.pending, e.job.ID)
	if err == nil {
		q.completed = keepLast(append(q.completed, fj), q.opts.KeepCompleted)
	} else {
		fj.Error = err.Error()
		q.failed = keepLast(append(q.failed, fj), q.opts.KeepFailed)
	}
	counts := q.countsLocked()
	q.mu.Unlock()
	q.publishCounts(counts)
}

func keepLast(s []FinishedJob, n int) []FinishedJob {
	if len(s) <= n {
		return s
	}
	return append([]FinishedJob(nil), s[len(s)-n:]...)
}

// Backoff is the exponential retry delay, (2^attemptsMade - 1) * base,
// capped at maxDelay.
func Backoff(base, maxDelay time.Duration, attemptsMade int) time.Duration {
	if base <= 0 || attemptsMade <= 0 {
		return 0
	}
	d := base
	for i := 1; i < attemptsMade; i++ {
		d = 2*d + base
		if maxDelay > 0 && d >= maxDelay {
			return maxDelay
		}
	}
	if maxDelay > 0 && d > maxDelay {
		return maxDelay
	}
	return d
}
