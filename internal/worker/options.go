package worker

import (
	"errors"
	"fmt"
	"time"
)

// Options configures the claim and process engine shared by the outbox
// dispatcher and the inbox worker.
type Options struct {
	// BatchSize is the maximum number of due rows selected per query.
	BatchSize int
	// PollInterval is the time between drains.
	PollInterval time.Duration
	// ProcessingMaxAge is how long a row may stay Processing before it is
	// considered abandoned by a crashed instance.
	ProcessingMaxAge time.Duration
	// SafetyMargin is added to ProcessingMaxAge before a row is reclaimed.
	// The sum is a heuristic: a live but slow handler can still be
	// reclaimed and run twice.
	SafetyMargin time.Duration
	// RetryUnit is the backoff unit (see backoff.NextRetryAfter).
	RetryUnit time.Duration
	// MaxRetryCount moves a Failed row to Ignored once it has been retried
	// this many times. Zero disables the limit.
	MaxRetryCount int
	// IgnoreFailedAfter moves a Failed row to Ignored once it is older than
	// this. Zero disables the limit.
	IgnoreFailedAfter time.Duration
	// Parallelism bounds the number of groups handled at once.
	Parallelism int
	// SlowThreshold logs a warning for handlers running longer than this.
	// Handlers are never aborted.
	SlowThreshold time.Duration
	// IdleDelayMin and IdleDelayMax bound the random sleep after a drain,
	// which desynchronises instances polling the same store.
	IdleDelayMin time.Duration
	IdleDelayMax time.Duration
}

// DefaultOptions returns the default engine configuration.
func DefaultOptions() Options {
	return Options{
		BatchSize:         100,
		PollInterval:      5 * time.Second,
		ProcessingMaxAge:  5 * time.Minute,
		SafetyMargin:      time.Minute,
		RetryUnit:         60 * time.Second,
		MaxRetryCount:     0,
		IgnoreFailedAfter: 7 * 24 * time.Hour,
		Parallelism:       8,
		SlowThreshold:     30 * time.Second,
		IdleDelayMin:      100 * time.Millisecond,
		IdleDelayMax:      time.Second,
	}
}

// Validate checks the options for values the engine cannot run with.
func (o Options) Validate() error {
	var errs []error
	if o.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch size must be positive, got %d", o.BatchSize))
	}
	if o.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll interval must be positive, got %s", o.PollInterval))
	}
	if o.ProcessingMaxAge <= 0 {
		errs = append(errs, fmt.Errorf("processing max age must be positive, got %s", o.ProcessingMaxAge))
	}
	if o.SafetyMargin < 0 {
		errs = append(errs, fmt.Errorf("safety margin must not be negative, got %s", o.SafetyMargin))
	}
	if o.RetryUnit <= 0 {
		errs = append(errs, fmt.Errorf("retry unit must be positive, got %s", o.RetryUnit))
	}
	if o.MaxRetryCount < 0 {
		errs = append(errs, fmt.Errorf("max retry count must not be negative, got %d", o.MaxRetryCount))
	}
	if o.Parallelism <= 0 {
		errs = append(errs, fmt.Errorf("parallelism must be positive, got %d", o.Parallelism))
	}
	if o.IdleDelayMax < o.IdleDelayMin {
		errs = append(errs, errors.New("idle delay max must not be below idle delay min"))
	}
	return errors.Join(errs...)
}

// StuckAfter is the age after which a Processing row is reclaimed.
func (o Options) StuckAfter() time.Duration {
	return o.ProcessingMaxAge + o.SafetyMargin
}
