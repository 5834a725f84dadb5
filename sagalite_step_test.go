package sagalite

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepRetryThenSuccess(t *testing.T) {
	ctx := context.Background()
	sctx := newSagaContext("order-1")

	var calls int32
	st := NewStep("reserve-stock",
		func(ctx context.Context, sctx *SagaContext) (interface{}, error) {
			if atomic.AddInt32(&calls, 1) <= 2 {
				return nil, errors.New("stock service unavailable")
			}
			return "reserved", nil
		},
		nil,
		WithRetry(3, time.Millisecond, 5*time.Millisecond),
	)

	res, err := st.Execute(ctx, sctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.RetryCount)
	assert.Equal(t, "reserved", res.Data)
	assert.True(t, res.NeedsCompensation)
	assert.Equal(t, StepStatusCompleted, st.Status())
	assert.EqualValues(t, 3, calls)

	stats := st.Stats()
	assert.EqualValues(t, 1, stats.ExecutionCount)
	assert.EqualValues(t, 1, stats.SuccessCount)
	assert.EqualValues(t, 0, stats.FailureCount)
}

func TestStepExhaustsRetries(t *testing.T) {
	ctx := context.Background()
	sctx := newSagaContext("order-2")

	boom := errors.New("payment declined")
	var calls int32
	st := NewStep("charge-card",
		func(ctx context.Context, sctx *SagaContext) (interface{}, error) {
			atomic.AddInt32(&calls, 1)
			return nil, boom
		},
		nil,
		WithRetry(2, time.Millisecond, 2*time.Millisecond),
	)

	res, err := st.Execute(ctx, sctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStepFailed)
	assert.ErrorIs(t, err, boom)
	assert.False(t, res.Success)
	assert.Equal(t, 3, res.RetryCount)
	assert.EqualValues(t, 3, calls)
	assert.Equal(t, StepStatusFailed, st.Status())

	stats := st.Stats()
	assert.EqualValues(t, 1, stats.ExecutionCount)
	assert.EqualValues(t, 1, stats.FailureCount)
}

func TestRetryBackoffFormula(t *testing.T) {
	b := newRetryBackoff(retryConfig{backoff: 100 * time.Millisecond, maxBackoff: 400 * time.Millisecond})

	for _, want := range []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		400 * time.Millisecond,
		400 * time.Millisecond,
	} {
		d, stop := b.Next()
		require.False(t, stop)
		assert.Equal(t, want, d)
	}
}

func TestStepDisabled(t *testing.T) {
	ctx := context.Background()
	sctx := newSagaContext("order-3")

	var calls int32
	st := NewStep("notify",
		func(ctx context.Context, sctx *SagaContext) (interface{}, error) {
			atomic.AddInt32(&calls, 1)
			return nil, nil
		},
		nil,
		WithStepDisabled(),
	)

	res, err := st.Execute(ctx, sctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Zero(t, res.ExecutionTime)
	assert.False(t, res.NeedsCompensation)
	assert.EqualValues(t, 0, calls)
	assert.Equal(t, StepStatusPending, st.Status())
}

func TestStepConditionSkips(t *testing.T) {
	ctx := context.Background()
	sctx := newSagaContext("order-4")
	sctx.Data = map[string]bool{"premium": false}

	var calls int32
	st := NewStep("apply-discount",
		func(ctx context.Context, sctx *SagaContext) (interface{}, error) {
			atomic.AddInt32(&calls, 1)
			return nil, nil
		},
		nil,
		WithCondition("data.premium", func(sctx *SagaContext) bool {
			return sctx.Data.(map[string]bool)["premium"]
		}),
	)

	res, err := st.Execute(ctx, sctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Zero(t, res.ExecutionTime)
	assert.False(t, res.NeedsCompensation)
	assert.EqualValues(t, 0, calls)
	assert.Equal(t, StepStatusSkipped, st.Status())
}

func TestStepTimeout(t *testing.T) {
	ctx := context.Background()
	sctx := newSagaContext("order-5")

	st := NewStep("charge-card",
		func(ctx context.Context, sctx *SagaContext) (interface{}, error) {
			select {
			case <-time.After(200 * time.Millisecond):
			case <-ctx.Done():
			}
			return "ok", nil
		},
		nil,
		WithStepTimeout(20*time.Millisecond),
		WithRetry(1, time.Millisecond, time.Millisecond),
	)

	res, err := st.Execute(ctx, sctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStepTimeout)
	assert.Contains(t, err.Error(), "charge-card")
	assert.Contains(t, err.Error(), "20ms")
	assert.Equal(t, 2, res.RetryCount)
	assert.Equal(t, StepStatusFailed, st.Status())
}

func TestStepIdempotentReentry(t *testing.T) {
	ctx := context.Background()
	sctx := newSagaContext("order-6")

	var calls int32
	st := NewStep("create-order",
		func(ctx context.Context, sctx *SagaContext) (interface{}, error) {
			atomic.AddInt32(&calls, 1)
			return "order-6", nil
		},
		nil,
	)

	first, err := st.Execute(ctx, sctx)
	require.NoError(t, err)

	second, err := st.Execute(ctx, sctx)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.EqualValues(t, 1, calls)
}

func TestStepPanicBecomesFailure(t *testing.T) {
	ctx := context.Background()
	sctx := newSagaContext("order-7")

	st := NewStep("flaky",
		func(ctx context.Context, sctx *SagaContext) (interface{}, error) {
			panic("nil map write")
		},
		nil,
	)

	res, err := st.Execute(ctx, sctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStepPanicked)
	assert.Contains(t, err.Error(), "nil map write")
	assert.False(t, res.Success)
	assert.Equal(t, StepStatusFailed, st.Status())
}

func TestStepCompensateOnlyWhenCompleted(t *testing.T) {
	ctx := context.Background()
	sctx := newSagaContext("order-8")

	var compensated int32
	st := NewStep("reserve-stock",
		func(ctx context.Context, sctx *SagaContext) (interface{}, error) {
			return nil, errors.New("out of stock")
		},
		func(ctx context.Context, sctx *SagaContext) (interface{}, error) {
			atomic.AddInt32(&compensated, 1)
			return nil, nil
		},
	)

	_, err := st.Execute(ctx, sctx)
	require.Error(t, err)

	res, err := st.Compensate(ctx, sctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.EqualValues(t, 0, compensated)
	assert.Equal(t, StepStatusFailed, st.Status())
}

func TestStepCompensationRetries(t *testing.T) {
	ctx := context.Background()
	sctx := newSagaContext("order-9")

	var compCalls int32
	st := NewStep("reserve-stock",
		func(ctx context.Context, sctx *SagaContext) (interface{}, error) {
			return "reserved", nil
		},
		func(ctx context.Context, sctx *SagaContext) (interface{}, error) {
			if atomic.AddInt32(&compCalls, 1) == 1 {
				return nil, errors.New("release failed")
			}
			return "released", nil
		},
		WithRetry(0, time.Millisecond, time.Millisecond),
		WithStepCompensation(2, time.Second),
	)

	_, err := st.Execute(ctx, sctx)
	require.NoError(t, err)

	res, err := st.Compensate(ctx, sctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.RetryCount)
	assert.EqualValues(t, 2, compCalls)
	assert.Equal(t, StepStatusCompensated, st.Status())
	assert.EqualValues(t, 1, st.Stats().CompensationCount)
}

func TestStepCompensationExhaustion(t *testing.T) {
	ctx := context.Background()
	sctx := newSagaContext("order-10")

	boom := errors.New("refund rejected")
	st := NewStep("charge-card",
		func(ctx context.Context, sctx *SagaContext) (interface{}, error) {
			return "charged", nil
		},
		func(ctx context.Context, sctx *SagaContext) (interface{}, error) {
			return nil, boom
		},
		WithRetry(0, time.Millisecond, time.Millisecond),
		WithStepCompensation(1, time.Second),
	)

	_, err := st.Execute(ctx, sctx)
	require.NoError(t, err)

	res, err := st.Compensate(ctx, sctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCompensationFailed)
	assert.ErrorIs(t, err, boom)
	assert.False(t, res.Success)
	assert.Equal(t, 2, res.RetryCount)
}

type recordingHooks struct {
	BaseStepHooks

	mu     sync.Mutex
	events []string
}

func (h *recordingHooks) record(event string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
}

func (h *recordingHooks) OnBeforeExecute(*SagaContext) { h.record("before-execute") }
func (h *recordingHooks) OnAfterExecute(*SagaContext, *StepExecutionResult) {
	h.record("after-execute")
}
func (h *recordingHooks) OnError(*SagaContext, error)     { h.record("error") }
func (h *recordingHooks) OnBeforeCompensate(*SagaContext) { h.record("before-compensate") }
func (h *recordingHooks) OnAfterCompensate(*SagaContext, *StepExecutionResult) {
	h.record("after-compensate")
}
func (h *recordingHooks) OnCompensationError(*SagaContext, error) { h.record("compensation-error") }

func TestStepHooksLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("Success Then Compensation", func(t *testing.T) {
		hooks := &recordingHooks{}
		sctx := newSagaContext("order-11")

		st := NewStep("reserve-stock",
			func(ctx context.Context, sctx *SagaContext) (interface{}, error) {
				return nil, nil
			},
			func(ctx context.Context, sctx *SagaContext) (interface{}, error) {
				return nil, nil
			},
			WithHooks(hooks),
		)

		_, err := st.Execute(ctx, sctx)
		require.NoError(t, err)
		_, err = st.Compensate(ctx, sctx)
		require.NoError(t, err)

		assert.Equal(t, []string{"before-execute", "after-execute", "before-compensate", "after-compensate"}, hooks.events)
	})

	t.Run("Failure", func(t *testing.T) {
		hooks := &recordingHooks{}
		sctx := newSagaContext("order-12")

		st := NewStep("reserve-stock",
			func(ctx context.Context, sctx *SagaContext) (interface{}, error) {
				return nil, errors.New("boom")
			},
			nil,
			WithHooks(hooks),
			WithRetry(0, time.Millisecond, time.Millisecond),
		)

		_, err := st.Execute(ctx, sctx)
		require.Error(t, err)

		assert.Equal(t, []string{"before-execute", "error"}, hooks.events)
	})
}
