package syncer

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const (
	defaultMaxAttempts = 3
	defaultRetryDelay  = 10 * time.Second
)

// Passer runs one synchronization pass.
type Passer interface {
	Run(ctx context.Context, options Options) Result
}

// RunnerConfig describes the dependencies of a Runner.
type RunnerConfig struct {
	Engine      Passer
	MaxAttempts int
	RetryDelay  time.Duration
	Logger      *zap.Logger
}

// Runner supervises passes: transient failures are retried with a constant delay, while success,
// conflict, already-running and fatal failures end the run at once.
type Runner struct {
	engine      Passer
	maxAttempts int
	delay       time.Duration
	logger      *zap.Logger
}

// NewRunner constructs a Runner.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Engine == nil {
		return nil, errors.New("syncer: engine is required")
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{engine: cfg.Engine, maxAttempts: maxAttempts, delay: delay, logger: logger}, nil
}

// Start runs the supervised pass on its own goroutine. The returned channel delivers exactly one
// Result and is then closed.
func (r *Runner) Start(ctx context.Context, options Options) <-chan Result {
	outcome := make(chan Result, 1)
	go func() {
		defer close(outcome)
		outcome <- r.Run(ctx, options)
	}()
	return outcome
}

// Run is the blocking form of Start.
func (r *Runner) Run(ctx context.Context, options Options) Result {
	if err := ctx.Err(); err != nil {
		return Result{Status: StatusError, Message: err.Error(), Phase: PhaseFailed, Err: err}
	}
	var last Result
	attempts := 0
	backoff := retry.WithMaxRetries(uint64(r.maxAttempts-1), retry.NewConstant(r.delay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		last = r.engine.Run(ctx, options)
		if last.Status != StatusError || !last.Retryable {
			return nil
		}
		if attempts < r.maxAttempts {
			r.logger.Warn("sync attempt failed; retrying",
				zap.Int("attempt", attempts),
				zap.Int("max_attempts", r.maxAttempts),
				zap.Duration("delay", r.delay),
				zap.String("error", last.Message),
			)
		}
		return retry.RetryableError(last.Err)
	})
	last.Attempts = attempts
	if err != nil && last.Status == StatusError {
		r.logger.Error("sync failed",
			zap.Int("attempts", attempts),
			zap.Bool("retryable", last.Retryable),
			zap.Error(err),
		)
	}
	return last
}
