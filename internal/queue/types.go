package queue

import (
	"context"
	"time"
)

// Options configures one named queue.
type Options struct {
	Name string

	// Attempts is the total number of runs a job gets, first run included.
	Attempts int
	// Backoff is the base of the exponential retry delay: (2^n - 1) * Backoff
	// after the n-th failed attempt, capped at MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration

	Concurrency int
	// Capacity bounds waiting plus delayed jobs. Add fails with ErrQueueFull beyond it.
	Capacity int
	// Timeout bounds a single attempt. 0 disables.
	Timeout time.Duration

	// KeepCompleted and KeepFailed bound the retained finished jobs.
	KeepCompleted int
	KeepFailed    int

	Breaker BreakerOptions
}

// BreakerOptions tunes the per-queue circuit breaker.
// TripFailures < 0 disables it; 0 applies the default.
type BreakerOptions struct {
	TripFailures int
	OpenTimeout  time.Duration
	HalfOpenMax  uint32
}

func (o Options) withDefaults() Options {
	if o.Attempts <= 0 {
		o.Attempts = 1
	}
	if o.Backoff < 0 {
		o.Backoff = 0
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 5 * time.Minute
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.Capacity <= 0 {
		o.Capacity = 10000
	}
	if o.KeepCompleted <= 0 {
		o.KeepCompleted = 100
	}
	if o.KeepFailed <= 0 {
		o.KeepFailed = 50
	}
	if o.Breaker.TripFailures == 0 {
		o.Breaker.TripFailures = 5
	}
	if o.Breaker.OpenTimeout <= 0 {
		o.Breaker.OpenTimeout = 30 * time.Second
	}
	if o.Breaker.HalfOpenMax == 0 {
		o.Breaker.HalfOpenMax = 1
	}
	return o
}

// Handler processes one job attempt. Returning an error schedules a retry
// unless attempts are exhausted or the error is wrapped with NoRetry.
type Handler func(ctx context.Context, job Job) error

// JobOptions are per-Add overrides.
//
// Priority 1 is the highest and larger numbers are lower. 0 means
// unprioritized: after every prioritized job.
type JobOptions struct {
	ID       string
	Priority int
	Delay    time.Duration
}

// Job is the handler's view of a queued unit of work.
type Job struct {
	ID       string
	Name     string
	Data     any
	Priority int
	// Attempt is the 1-based number of the current run.
	Attempt    int
	EnqueuedAt time.Time
}

// Counts are the job counts per state. Completed and Failed count retained jobs.
type Counts struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
}

// FinishedJob is a retained completed or failed job.
type FinishedJob struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Attempts int           `json:"attempts"`
	Finished time.Time     `json:"finished"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// JobEvent is published on the event bus for job lifecycle changes.
type JobEvent struct {
	Queue    string        `json:"queue"`
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Attempt  int           `json:"attempt"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	Name     string        `json:"name"`
	Running  bool          `json:"running"`
	Counts   Counts        `json:"counts"`
	Breaker  string        `json:"breaker"`
	Failures []FinishedJob `json:"recent_failures,omitempty"`
}
