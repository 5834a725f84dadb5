package sagalite

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/sasha-s/go-deadlock"
	"github.com/sethvargo/go-retry"
)

// TransactionFunc is the forward action of a step. It may perform arbitrary
// I/O and returns an error to signal failure.
type TransactionFunc func(ctx context.Context, sctx *SagaContext) (interface{}, error)

// CompensationFunc undoes a previously committed TransactionFunc.
type CompensationFunc func(ctx context.Context, sctx *SagaContext) (interface{}, error)

// Step is one reversible unit of work inside a saga. Execute and Compensate
// carry their own resilience: condition gating, retry with capped exponential
// backoff, per-attempt timeout and panic recovery.
type Step interface {
	Name() string
	Status() SagaStepStatus
	Stats() ExecutionStats
	Execute(ctx context.Context, sctx *SagaContext) (*StepExecutionResult, error)
	Compensate(ctx context.Context, sctx *SagaContext) (*StepExecutionResult, error)
}

// StepHooks extends a step without touching the retry/timeout machinery.
type StepHooks interface {
	OnBeforeExecute(sctx *SagaContext)
	OnAfterExecute(sctx *SagaContext, result *StepExecutionResult)
	OnError(sctx *SagaContext, err error)
	OnBeforeCompensate(sctx *SagaContext)
	OnAfterCompensate(sctx *SagaContext, result *StepExecutionResult)
	OnCompensationError(sctx *SagaContext, err error)
}

// BaseStepHooks is the no-op StepHooks. Embed it and override what you need.
type BaseStepHooks struct{}

func (BaseStepHooks) OnBeforeExecute(*SagaContext)                         {}
func (BaseStepHooks) OnAfterExecute(*SagaContext, *StepExecutionResult)    {}
func (BaseStepHooks) OnError(*SagaContext, error)                          {}
func (BaseStepHooks) OnBeforeCompensate(*SagaContext)                      {}
func (BaseStepHooks) OnAfterCompensate(*SagaContext, *StepExecutionResult) {}
func (BaseStepHooks) OnCompensationError(*SagaContext, error)              {}

type step struct {
	mu deadlock.Mutex

	config       stepConfig
	transaction  TransactionFunc
	compensation CompensationFunc

	status     SagaStepStatus
	stats      ExecutionStats
	retryCount int
	lastResult *StepExecutionResult
}

// NewStep wraps a transaction and its compensation into a Step. A nil
// compensation makes Compensate a no-op success.
func NewStep(name string, transaction TransactionFunc, compensation CompensationFunc, opts ...StepOption) Step {
	cfg := defaultStepConfig(name)
	for _, opt := range opts {
		opt(&cfg)
	}
	return &step{
		config:       cfg,
		transaction:  transaction,
		compensation: compensation,
		status:       StepStatusPending,
	}
}

func (s *step) Name() string {
	return s.config.name
}

func (s *step) Status() SagaStepStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *step) Stats() ExecutionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *step) log() Logger {
	if s.config.logger != nil {
		return s.config.logger
	}
	return logger
}

func (s *step) Execute(ctx context.Context, sctx *SagaContext) (*StepExecutionResult, error) {
	s.mu.Lock()
	if !s.config.enabled {
		s.mu.Unlock()
		s.log().Debug(ctx, "step disabled, skipping", "step", s.config.name, "saga_id", sctx.SagaID)
		return &StepExecutionResult{Success: true}, nil
	}
	if s.status == StepStatusCompleted && s.lastResult != nil {
		res := s.lastResult
		s.mu.Unlock()
		s.log().Debug(ctx, "step already completed, returning cached result", "step", s.config.name, "saga_id", sctx.SagaID)
		return res, nil
	}
	if s.config.condition.fn != nil && !s.config.condition.fn(sctx) {
		s.status = StepStatusSkipped
		s.mu.Unlock()
		s.log().Debug(ctx, "step condition evaluated false, skipping", "step", s.config.name, "saga_id", sctx.SagaID, "condition", s.config.condition.expression)
		return &StepExecutionResult{Success: true}, nil
	}
	s.status = StepStatusRunning
	s.stats.recordExecution()
	s.retryCount = 0
	s.mu.Unlock()

	s.config.hooks.OnBeforeExecute(sctx)

	started := time.Now()
	var out interface{}

	err := retry.Do(ctx, s.executionBackoff(), func(ctx context.Context) error {
		value, err := s.runGuarded(ctx, sctx, s.transaction, s.config.timeout, ErrStepPanicked)
		if err != nil {
			s.mu.Lock()
			s.retryCount++
			attempt := s.retryCount
			s.mu.Unlock()
			s.log().Warn(ctx, "step attempt failed", "step", s.config.name, "saga_id", sctx.SagaID, "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		out = value
		return nil
	})

	duration := time.Since(started)

	if err != nil {
		s.mu.Lock()
		s.status = StepStatusFailed
		s.stats.recordFailure(duration)
		res := &StepExecutionResult{
			Err:           err,
			ExecutionTime: duration,
			RetryCount:    s.retryCount,
		}
		s.lastResult = res
		s.mu.Unlock()

		s.log().Error(ctx, "step failed", "step", s.config.name, "saga_id", sctx.SagaID, "retries", res.RetryCount, "error", err)
		s.config.hooks.OnError(sctx, err)
		return res, errors.Join(ErrStepFailed, err)
	}

	s.mu.Lock()
	s.status = StepStatusCompleted
	s.stats.recordSuccess(duration)
	res := &StepExecutionResult{
		Success:           true,
		Data:              out,
		ExecutionTime:     duration,
		RetryCount:        s.retryCount,
		NeedsCompensation: true,
	}
	s.lastResult = res
	s.mu.Unlock()

	s.log().Debug(ctx, "step completed", "step", s.config.name, "saga_id", sctx.SagaID, "retries", res.RetryCount, "duration", duration)
	s.config.hooks.OnAfterExecute(sctx, res)
	return res, nil
}

func (s *step) Compensate(ctx context.Context, sctx *SagaContext) (*StepExecutionResult, error) {
	s.mu.Lock()
	if !s.config.compensation.enabled || s.compensation == nil {
		s.mu.Unlock()
		return &StepExecutionResult{Success: true}, nil
	}
	if s.status != StepStatusCompleted {
		s.mu.Unlock()
		s.log().Debug(ctx, "step never completed, nothing to compensate", "step", s.config.name, "saga_id", sctx.SagaID, "status", s.status)
		return &StepExecutionResult{Success: true}, nil
	}
	s.status = StepStatusCompensated
	s.mu.Unlock()

	s.config.hooks.OnBeforeCompensate(sctx)

	started := time.Now()
	var out interface{}
	var attempts int

	// Compensation retries reuse the forward retry backoff parameters.
	backoff := retry.WithMaxRetries(uint64(s.config.compensation.maxAttempts), s.retryBackoff())

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		value, err := s.runGuarded(ctx, sctx, s.compensation, s.config.compensation.timeout, ErrCompensationPanicked)
		if err != nil {
			attempts++
			s.log().Warn(ctx, "compensation attempt failed", "step", s.config.name, "saga_id", sctx.SagaID, "attempt", attempts, "error", err)
			return retry.RetryableError(err)
		}
		out = value
		return nil
	})

	duration := time.Since(started)

	if err != nil {
		s.log().Error(ctx, "compensation failed", "step", s.config.name, "saga_id", sctx.SagaID, "retries", attempts, "error", err)
		res := &StepExecutionResult{
			Err:           err,
			ExecutionTime: duration,
			RetryCount:    attempts,
		}
		s.config.hooks.OnCompensationError(sctx, err)
		return res, errors.Join(ErrCompensationFailed, err)
	}

	s.mu.Lock()
	s.stats.recordCompensation()
	s.mu.Unlock()

	res := &StepExecutionResult{
		Success:       true,
		Data:          out,
		ExecutionTime: duration,
		RetryCount:    attempts,
	}
	s.log().Debug(ctx, "step compensated", "step", s.config.name, "saga_id", sctx.SagaID, "retries", attempts, "duration", duration)
	s.config.hooks.OnAfterCompensate(sctx, res)
	return res, nil
}

func (s *step) executionBackoff() retry.Backoff {
	return retry.WithMaxRetries(uint64(s.config.retry.maxAttempts), s.retryBackoff())
}

// retryBackoff yields min(backoff*2^(i-1), maxBackoff) for retry i.
func (s *step) retryBackoff() retry.Backoff {
	return newRetryBackoff(s.config.retry)
}

func newRetryBackoff(cfg retryConfig) retry.Backoff {
	base := cfg.backoff
	if base <= 0 {
		base = time.Millisecond
	}
	b := retry.NewExponential(base)
	if cfg.maxBackoff > 0 {
		b = retry.WithCappedDuration(cfg.maxBackoff, b)
	}
	return b
}

// runGuarded races one attempt of fn against the timeout, converting panics
// into errors. The timer is stopped on every branch. A timed-out attempt
// keeps running in the background; callers only get the timeout error.
func (s *step) runGuarded(ctx context.Context, sctx *SagaContext, fn func(context.Context, *SagaContext) (interface{}, error), timeout time.Duration, panicSentinel error) (interface{}, error) {
	type outcome struct {
		value interface{}
		err   error
	}

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				s.log().Error(ctx, "step panicked", "step", s.config.name, "saga_id", sctx.SagaID, "panic", r, "stack_trace", string(buf[:n]))
				done <- outcome{err: errors.Join(panicSentinel, fmt.Errorf("%v", r))}
			}
		}()
		value, err := fn(ctx, sctx)
		done <- outcome{value: value, err: err}
	}()

	if timeout <= 0 {
		select {
		case o := <-done:
			return o.value, o.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o := <-done:
		return o.value, o.err
	case <-timer.C:
		return nil, errors.Join(ErrStepTimeout, fmt.Errorf("step %s timed out after %s", s.config.name, timeout))
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
