// Package retry provides bounded retry with exponential backoff and an
// optional circuit breaker for remote round trips.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	apperrors "swipefeed-engine/pkg/errors"
)

// Config configures retry behavior for remote operations.
//
// Key Concepts:
//   - Exponential Backoff: Delays increase exponentially between retries
//   - Jitter: Random variation to prevent thundering herd across app instances
//   - Selective Retry: Only transient errors are retried
//   - Context Awareness: Respects context cancellation
type Config struct {
	MaxAttempts    int           // Total attempts, including the first
	AttemptTimeout time.Duration // Independent timeout per attempt
	InitialDelay   time.Duration // Delay before the first retry
	MaxDelay       time.Duration // Hard cap on backoff delay
	BackoffFactor  float64       // Multiplier for exponential backoff
	JitterFactor   float64       // Random jitter factor (0.0 to 1.0)

	// ShouldRetry decides whether an error is worth another attempt.
	// Nil means "retry transient errors only".
	ShouldRetry func(error) bool

	// OnRetry is called before each retry attempt.
	OnRetry func(attempt int, err error)
}

// DefaultConfig returns sensible defaults for remote feed/swipe calls.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    4,
		AttemptTimeout: 15 * time.Second,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		BackoffFactor:  2.0,
		JitterFactor:   0.25,
	}
}

// Executor wraps remote calls with retry and an optional circuit breaker.
//
// Callers must ensure wrapped operations are safe to repeat (idempotent or
// deduplicated server-side): a slow success can race a timeout-triggered
// retry.
type Executor struct {
	config  Config
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
	rand    *rand.Rand
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option customizes an Executor.
type Option func(*Executor)

// WithBreaker attaches a circuit breaker. While the breaker is open, Run
// fails fast with a transient error so callers keep optimistic local state
// and rely on the periodic flush.
func WithBreaker(cb *gobreaker.CircuitBreaker) Option {
	return func(e *Executor) { e.breaker = cb }
}

// WithSleep overrides the backoff wait. Tests use this to avoid real delays.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = sleep }
}

// NewExecutor creates a retry executor.
func NewExecutor(config Config, logger *zap.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	e := &Executor{
		config: config,
		logger: logger.Named("retry"),
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:  sleepWithContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DefaultBreaker returns a circuit breaker tuned for the remote swipe/feed
// service.
func DefaultBreaker(name string, logger *zap.Logger) *gobreaker.CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= 0.8
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
}

// Run executes fn with bounded retries. It fails immediately with the
// original error when ShouldRetry returns false, and with
// ErrRetriesExhausted (wrapping the last error) after MaxAttempts.
func (e *Executor) Run(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= e.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return apperrors.NewTransient("context cancelled before attempt", err)
		}

		err := e.runOnce(ctx, fn)
		if err == nil {
			if attempt > 1 {
				e.logger.Info("operation succeeded after retry",
					zap.String("operation", operation),
					zap.Int("attempt", attempt),
				)
			}
			return nil
		}

		lastErr = err

		if !e.shouldRetry(err) {
			return err
		}
		if attempt >= e.config.MaxAttempts {
			break
		}

		delay := e.calculateDelay(attempt - 1)
		if e.config.OnRetry != nil {
			e.config.OnRetry(attempt, err)
		}
		e.logger.Warn("retrying operation",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		if err := e.sleep(ctx, delay); err != nil {
			return apperrors.NewTransient("context cancelled during retry delay", err)
		}
	}

	return &exhaustedError{op: operation, attempts: e.config.MaxAttempts, last: lastErr}
}

// runOnce executes one attempt with its own timeout, routed through the
// breaker when one is configured.
func (e *Executor) runOnce(ctx context.Context, fn func(ctx context.Context) error) error {
	attemptCtx := ctx
	if e.config.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, e.config.AttemptTimeout)
		defer cancel()
	}

	if e.breaker == nil {
		return fn(attemptCtx)
	}

	_, err := e.breaker.Execute(func() (any, error) {
		return nil, fn(attemptCtx)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return apperrors.NewTransient("remote service circuit open", err)
	}
	return err
}

func (e *Executor) shouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if e.config.ShouldRetry != nil {
		return e.config.ShouldRetry(err)
	}
	if apperrors.IsPermanent(err) || apperrors.IsValidation(err) {
		return false
	}
	if apperrors.IsTransient(err) {
		return true
	}
	// Timeouts show up as deadline errors from the per-attempt context.
	return err == context.DeadlineExceeded || errorsIsDeadline(err)
}

func errorsIsDeadline(err error) bool {
	type timeouter interface{ Timeout() bool }
	if te, ok := err.(timeouter); ok {
		return te.Timeout()
	}
	return false
}

// calculateDelay calculates the delay before the next retry attempt.
func (e *Executor) calculateDelay(attempt int) time.Duration {
	baseDelay := float64(e.config.InitialDelay) * math.Pow(e.config.BackoffFactor, float64(attempt))

	if baseDelay > float64(e.config.MaxDelay) {
		baseDelay = float64(e.config.MaxDelay)
	}

	// Add jitter to prevent thundering herd
	jitter := e.config.JitterFactor * baseDelay * (e.rand.Float64()*2 - 1)
	finalDelay := baseDelay + jitter

	if finalDelay < 0 {
		finalDelay = 0
	}

	return time.Duration(finalDelay)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// exhaustedError carries the attempt count and the last underlying error
// while matching errors.Is(err, apperrors.ErrRetriesExhausted).
type exhaustedError struct {
	op       string
	attempts int
	last     error
}

func (e *exhaustedError) Error() string {
	return fmt.Sprintf("operation %s: retries exhausted after %d attempts: %v", e.op, e.attempts, e.last)
}

func (e *exhaustedError) Is(target error) bool {
	return target == apperrors.ErrRetriesExhausted
}

func (e *exhaustedError) Unwrap() error {
	return e.last
}
