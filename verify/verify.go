package verify

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vinayprograms/pixelmarket/canvas"
	"github.com/vinayprograms/pixelmarket/clock"
	"github.com/vinayprograms/pixelmarket/errors"
	"github.com/vinayprograms/pixelmarket/logging"
	"github.com/vinayprograms/pixelmarket/ratelimit"
	"github.com/vinayprograms/pixelmarket/tasks"
	"github.com/vinayprograms/pixelmarket/telemetry"
)

// Defaults for Config.
const (
	DefaultMaxAttempts  = 5
	DefaultRetryBackoff = 500 * time.Millisecond
	maxRetryBackoff     = 8 * time.Second
)

// Outcome results for Verify.
const (
	OutcomeMatched  = "matched"
	OutcomeNoMatch  = "no_match"
	OutcomeLimited  = "rate_limited"
	OutcomeFailed   = "failed"
	OutcomeRejected = "rejected"
)

// Config configures a Coordinator.
type Config struct {
	// MaxAttempts bounds authority calls per Verify. Default: 5
	MaxAttempts int

	// RetryBackoff is the first delay after a transient failure; it
	// doubles per attempt. Default: 500ms
	RetryBackoff time.Duration

	Clock  clock.Clock
	Logger *logging.Logger
	Tracer *telemetry.Tracer
}

// Outcome describes a finished verification.
type Outcome struct {
	TaskID   uint64
	Matched  bool
	Observed string
	Paid     decimal.Decimal
	Attempts int

	// Waited is the total time spent waiting on the gate and backoff.
	Waited time.Duration

	// Task is the task after verification.
	Task *tasks.Task
}

// Coordinator runs verifications.
type Coordinator struct {
	tasks     tasks.Store
	authority canvas.Authority
	gate      ratelimit.Limiter

	clock        clock.Clock
	logger       *logging.Logger
	tracer       *telemetry.Tracer
	maxAttempts  int
	retryBackoff time.Duration
}

// New creates a coordinator. Every verification shares gate.
func New(store tasks.Store, authority canvas.Authority, gate ratelimit.Limiter, cfg Config) *Coordinator {
	c := &Coordinator{
		tasks:        store,
		authority:    authority,
		gate:         gate,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		tracer:       cfg.Tracer,
		maxAttempts:  cfg.MaxAttempts,
		retryBackoff: cfg.RetryBackoff,
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	if c.logger == nil {
		c.logger = logging.Nop()
	}
	c.logger = c.logger.WithComponent("verify")
	if c.tracer == nil {
		c.tracer = telemetry.GetTracer()
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = DefaultMaxAttempts
	}
	if c.retryBackoff <= 0 {
		c.retryBackoff = DefaultRetryBackoff
	}
	return c
}

// Verify checks the task's pixel and settles it on a match. A mismatch
// returns the outcome together with a NO_MATCH error and leaves the
// task untouched.
func (c *Coordinator) Verify(ctx context.Context, taskID uint64, account string) (_ *Outcome, err error) {
	ctx, span := c.tracer.StartVerifySpan(ctx, taskID)
	out := &Outcome{TaskID: taskID}
	result := OutcomeRejected
	defer func() {
		c.tracer.EndVerifySpan(span, telemetry.VerifySpanOptions{
			Attempts: out.Attempts,
			Outcome:  result,
			Waited:   out.Waited,
		}, err)
	}()

	task, err := c.reservedBy(ctx, taskID, account)
	if err != nil {
		return nil, err
	}

	var (
		lastErr error
		backoff time.Duration
	)
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		out.Attempts = attempt

		if backoff > 0 {
			out.Waited += backoff
			select {
			case <-c.clock.After(backoff):
			case <-ctx.Done():
				return nil, errors.Wrap(ctx.Err(), "verification interrupted", errors.WithTaskID(taskID))
			}
			backoff = 0
		}

		waitStart := c.clock.Now()
		permit, err := c.gate.Acquire(ctx)
		if err != nil {
			if err == ratelimit.ErrClosed {
				return nil, errors.New(errors.ErrCodeUnavailable, "verification gate closed", errors.WithTaskID(taskID))
			}
			return nil, errors.Wrap(err, "waiting for canvas cooldown", errors.WithTaskID(taskID))
		}
		out.Waited += c.clock.Now().Sub(waitStart)

		if attempt > 1 {
			// The reservation may have lapsed while we waited.
			if task, err = c.reservedBy(ctx, taskID, account); err != nil {
				permit.Release(canvas.RateLimit{})
				return nil, err
			}
		}

		callStart := c.clock.Now()
		px, rl, err := c.authority.Pixel(ctx, task.X, task.Y)
		permit.Release(rl)
		elapsed := c.clock.Now().Sub(callStart)

		switch {
		case err == nil:
		case rl.Limited || errors.Is(err, errors.ErrCodeRateLimit):
			result = OutcomeLimited
			c.logger.VerificationAttempt(taskID, attempt, OutcomeLimited, elapsed)
			lastErr = err
			continue
		case errors.IsRetryable(err) && ctx.Err() == nil:
			result = OutcomeFailed
			c.logger.VerificationAttempt(taskID, attempt, OutcomeFailed, elapsed)
			lastErr = err
			backoff = c.backoffFor(attempt)
			continue
		default:
			result = OutcomeFailed
			c.logger.VerificationAttempt(taskID, attempt, OutcomeFailed, elapsed)
			return nil, errors.Wrap(err, "canvas lookup", errors.WithTaskID(taskID))
		}

		out.Observed = px.Color
		if px.Color != task.Color {
			result = OutcomeNoMatch
			c.logger.VerificationAttempt(taskID, attempt, OutcomeNoMatch, elapsed)
			out.Task = task
			return out, errors.New(errors.ErrCodeNoMatch,
				fmt.Sprintf("pixel (%d,%d) is %s, want %s", task.X, task.Y, px.Color, task.Color),
				errors.WithTaskID(taskID),
				errors.WithMetadata("observed", px.Color),
				errors.WithMetadata("want", task.Color))
		}

		c.logger.VerificationAttempt(taskID, attempt, OutcomeMatched, elapsed)
		done, err := c.tasks.Complete(ctx, taskID, account)
		if err != nil {
			result = OutcomeRejected
			return nil, err
		}
		result = OutcomeMatched
		out.Matched = true
		out.Paid = done.Pay
		out.Task = done
		return out, nil
	}

	return nil, errors.Wrap(lastErr,
		fmt.Sprintf("verification gave up after %d attempts", c.maxAttempts),
		errors.WithTaskID(taskID),
		errors.WithMetadata("attempts", fmt.Sprint(c.maxAttempts)))
}

// reservedBy loads the task and confirms account holds its reservation.
func (c *Coordinator) reservedBy(ctx context.Context, taskID uint64, account string) (*tasks.Task, error) {
	task, err := c.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	switch task.State {
	case tasks.StateCompleted:
		return nil, errors.New(errors.ErrCodeAlreadyCompleted,
			fmt.Sprintf("task %d already completed", taskID), errors.WithTaskID(taskID))
	case tasks.StateDeleted:
		return nil, errors.New(errors.ErrCodeTaskDeleted,
			fmt.Sprintf("task %d was deleted", taskID), errors.WithTaskID(taskID))
	}
	if task.State != tasks.StateReserved || task.Reserver != account {
		return nil, errors.New(errors.ErrCodeNotReserver,
			fmt.Sprintf("task %d is not reserved by caller", taskID), errors.WithTaskID(taskID))
	}
	return task, nil
}

func (c *Coordinator) backoffFor(attempt int) time.Duration {
	d := c.retryBackoff << (attempt - 1)
	if d > maxRetryBackoff || d <= 0 {
		d = maxRetryBackoff
	}
	return d
}
