package sagalite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/qmuntal/stateless"
	"github.com/sasha-s/go-deadlock"
)

var (
	ErrSagaExecute    = errors.New("failed to execute saga")
	ErrSagaCompensate = errors.New("failed to compensate saga")
	ErrSagaDisabled   = errors.New("saga is disabled")
)

// Saga drives an ordered list of steps forward and, on failure or on demand,
// backward through their compensations in strict reverse order. One instance
// executes its business logic at most once.
//
// A saga that completes has status COMPLETED.
// A saga that fails keeps status FAILED unless compensation is enabled, in
// which case it ends COMPENSATED while the original error still reaches the
// caller.
type Saga struct {
	mu deadlock.Mutex

	config  sagaConfig
	steps   []Step
	context *SagaContext
	fsm     *stateless.StateMachine
	stats   ExecutionStats

	lastErr      error
	cancelReason string

	journal *Journal
}

// SagaBuilder assembles a Saga from named steps.
type SagaBuilder struct {
	config sagaConfig
	steps  []Step
}

// NewSaga creates a new builder instance.
func NewSaga(name string, opts ...SagaOption) *SagaBuilder {
	cfg := defaultSagaConfig(name)
	for _, opt := range opts {
		opt(&cfg)
	}
	return &SagaBuilder{
		config: cfg,
		steps:  make([]Step, 0),
	}
}

// AddStep adds a saga step to the builder.
func (b *SagaBuilder) AddStep(step Step) *SagaBuilder {
	b.steps = append(b.steps, step)
	return b
}

// AddStepFunc adds a one-off step built from two plain functions.
func (b *SagaBuilder) AddStepFunc(name string, transaction TransactionFunc, compensation CompensationFunc, opts ...StepOption) *SagaBuilder {
	return b.AddStep(NewStep(name, transaction, compensation, opts...))
}

// Build creates the Saga and wires its state machine.
func (b *SagaBuilder) Build() *Saga {
	sg := &Saga{
		config:  b.config,
		steps:   b.steps,
		context: newSagaContext(b.config.aggregateID),
	}

	fsm := stateless.NewStateMachine(SagaStatusNotStarted)

	fsm.Configure(SagaStatusNotStarted).
		Permit(triggerExecute, SagaStatusRunning).
		Permit(triggerCancel, SagaStatusCancelled)

	fsm.Configure(SagaStatusRunning).
		Permit(triggerComplete, SagaStatusCompleted).
		Permit(triggerFail, SagaStatusFailed).
		Permit(triggerPause, SagaStatusPaused).
		Permit(triggerCancel, SagaStatusCancelled)

	fsm.Configure(SagaStatusPaused).
		Permit(triggerResume, SagaStatusRunning).
		Permit(triggerCancel, SagaStatusCancelled)

	fsm.Configure(SagaStatusCompleted).
		Permit(triggerCompensate, SagaStatusCompensated)

	fsm.Configure(SagaStatusFailed).
		Permit(triggerCompensate, SagaStatusCompensated)

	sg.fsm = fsm
	return sg
}

func (sg *Saga) Name() string {
	return sg.config.name
}

func (sg *Saga) Description() string {
	return sg.config.description
}

func (sg *Saga) Version() int {
	return sg.config.version
}

func (sg *Saga) ID() SagaID {
	return sg.context.SagaID
}

func (sg *Saga) Status() SagaStatus {
	return sg.fsm.MustState().(SagaStatus)
}

func (sg *Saga) Steps() []Step {
	out := make([]Step, len(sg.steps))
	copy(out, sg.steps)
	return out
}

// Context returns a snapshot of the execution context.
func (sg *Saga) Context() SagaContext {
	sg.mu.Lock()
	defer sg.mu.Unlock()
	return *sg.context
}

func (sg *Saga) Stats() ExecutionStats {
	sg.mu.Lock()
	defer sg.mu.Unlock()
	return sg.stats
}

// Err returns the error of the last failed execution, if any.
func (sg *Saga) Err() error {
	sg.mu.Lock()
	defer sg.mu.Unlock()
	return sg.lastErr
}

func (sg *Saga) log() Logger {
	if sg.config.logger != nil {
		return sg.config.logger
	}
	return logger
}

// Execute runs all steps in order. On any unrecovered step failure the saga
// turns FAILED and, when compensation is enabled, automatically compensates;
// the original step error is still returned afterwards.
func (sg *Saga) Execute(ctx context.Context, data interface{}) error {
	if !sg.config.enabled {
		sg.log().Warn(ctx, "saga is disabled, skipping execution", "saga", sg.config.name, "saga_id", sg.context.SagaID)
		return nil
	}

	sg.mu.Lock()
	if sg.Status() != SagaStatusNotStarted {
		sg.mu.Unlock()
		err := errors.Join(ErrSagaExecute, ErrSagaAlreadyStarted, fmt.Errorf("saga %s has status %s", sg.config.name, sg.Status()))
		sg.log().Error(ctx, err.Error(), "saga", sg.config.name, "saga_id", sg.context.SagaID)
		return err
	}
	if err := sg.fsm.Fire(triggerExecute); err != nil {
		sg.mu.Unlock()
		return errors.Join(ErrSagaExecute, err)
	}
	sg.context.Data = data
	sg.context.touch()
	sg.stats.recordExecution()
	sg.mu.Unlock()

	sg.log().Debug(ctx, "saga started", "saga", sg.config.name, "saga_id", sg.context.SagaID, "steps", len(sg.steps))
	sg.recordSagaStart(ctx, data)

	started := time.Now()
	err := sg.executeSteps(ctx)
	duration := time.Since(started)

	if err == nil {
		_ = sg.fsm.Fire(triggerComplete)
		sg.mu.Lock()
		sg.stats.recordSuccess(duration)
		sg.mu.Unlock()
		sg.log().Debug(ctx, "saga completed", "saga", sg.config.name, "saga_id", sg.context.SagaID, "duration", duration)
		sg.recordSagaStatus(ctx, SagaStatusCompleted, "")
		return nil
	}

	if errors.Is(err, ErrSagaCancelled) {
		sg.mu.Lock()
		sg.stats.recordFailure(duration)
		sg.lastErr = err
		sg.mu.Unlock()
		sg.log().Warn(ctx, "saga cancelled during execution", "saga", sg.config.name, "saga_id", sg.context.SagaID, "reason", sg.cancelReason)
		sg.recordSagaStatus(ctx, SagaStatusCancelled, err.Error())
		return err
	}

	_ = sg.fsm.Fire(triggerFail)
	sg.mu.Lock()
	sg.stats.recordFailure(duration)
	sg.lastErr = err
	sg.mu.Unlock()
	sg.log().Error(ctx, "saga failed", "saga", sg.config.name, "saga_id", sg.context.SagaID, "step_index", sg.Context().CurrentStepIndex, "error", err)

	if sg.config.compensation.enabled {
		if cerr := sg.Compensate(ctx, err.Error()); cerr != nil {
			sg.recordSagaStatus(ctx, sg.Status(), errors.Join(err, cerr).Error())
			return errors.Join(err, cerr)
		}
		sg.recordSagaStatus(ctx, SagaStatusCompensated, err.Error())
		return err
	}

	sg.recordSagaStatus(ctx, SagaStatusFailed, err.Error())
	return err
}

func (sg *Saga) executeSteps(ctx context.Context) error {
	for i, st := range sg.steps {
		if err := sg.waitWhilePaused(ctx); err != nil {
			return err
		}
		if sg.Status() == SagaStatusCancelled {
			return errors.Join(ErrSagaCancelled, fmt.Errorf("saga %s cancelled: %s", sg.config.name, sg.cancelReason))
		}

		sg.log().Debug(ctx, "executing step", "saga", sg.config.name, "saga_id", sg.context.SagaID, "step", st.Name(), "step_index", i)

		res, err := st.Execute(ctx, sg.context)
		sg.recordStep(ctx, st, i, executionTypeTransaction, res, err)
		if err != nil {
			return err
		}

		sg.mu.Lock()
		sg.context.CurrentStepIndex = i + 1
		sg.context.touch()
		sg.mu.Unlock()
	}
	return nil
}

// waitWhilePaused blocks the forward pass at a step boundary while the saga
// is paused. Cancellation wins over resumption.
func (sg *Saga) waitWhilePaused(ctx context.Context) error {
	if sg.Status() != SagaStatusPaused {
		return nil
	}

	sg.log().Debug(ctx, "saga paused, waiting", "saga", sg.config.name, "saga_id", sg.context.SagaID)

	ticker := time.NewTicker(time.Second / 16)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			switch sg.Status() {
			case SagaStatusPaused:
				continue
			case SagaStatusCancelled:
				return errors.Join(ErrSagaCancelled, fmt.Errorf("saga %s cancelled: %s", sg.config.name, sg.cancelReason))
			default:
				return nil
			}
		}
	}
}

// Compensate undoes completed steps in strict reverse list order. A failing
// compensation aborts the reverse walk and propagates; the steps before it
// stay uncompensated.
func (sg *Saga) Compensate(ctx context.Context, reason string) error {
	if !sg.config.compensation.enabled {
		sg.log().Warn(ctx, "compensation is disabled, skipping", "saga", sg.config.name, "saga_id", sg.context.SagaID)
		return nil
	}

	if err := sg.fsm.Fire(triggerCompensate); err != nil {
		err := errors.Join(ErrSagaCompensate, err)
		sg.log().Error(ctx, err.Error(), "saga", sg.config.name, "saga_id", sg.context.SagaID, "status", sg.Status())
		return err
	}

	sg.mu.Lock()
	sg.context.CompensationReason = reason
	sg.context.touch()
	sg.stats.recordCompensation()
	sg.mu.Unlock()

	sg.log().Debug(ctx, "compensating saga", "saga", sg.config.name, "saga_id", sg.context.SagaID, "reason", reason)

	if err := sg.executeCompensationSteps(ctx); err != nil {
		sg.recordSagaStatus(ctx, SagaStatusCompensated, err.Error())
		return err
	}
	sg.recordSagaStatus(ctx, SagaStatusCompensated, "")
	return nil
}

func (sg *Saga) executeCompensationSteps(ctx context.Context) error {
	for i := len(sg.steps) - 1; i >= 0; i-- {
		st := sg.steps[i]

		res, err := st.Compensate(ctx, sg.context)
		sg.recordStep(ctx, st, i, executionTypeCompensation, res, err)
		if err != nil {
			err := errors.Join(ErrSagaCompensate, fmt.Errorf("step %s at index %d", st.Name(), i), err)
			sg.log().Error(ctx, err.Error(), "saga", sg.config.name, "saga_id", sg.context.SagaID, "step", st.Name(), "step_index", i)
			return err
		}
	}
	return nil
}

// Pause suspends the forward pass at the next step boundary. Valid only
// while running.
func (sg *Saga) Pause(ctx context.Context) error {
	if sg.Status() != SagaStatusRunning {
		return errors.Join(ErrSagaNotRunning, fmt.Errorf("saga %s is not running, cannot pause", sg.config.name))
	}
	if err := sg.fsm.Fire(triggerPause); err != nil {
		return errors.Join(ErrSagaNotRunning, err)
	}
	sg.log().Debug(ctx, "saga paused", "saga", sg.config.name, "saga_id", sg.context.SagaID)
	return nil
}

// Resume continues a paused saga.
func (sg *Saga) Resume(ctx context.Context) error {
	if sg.Status() != SagaStatusPaused {
		return errors.Join(ErrSagaNotPaused, fmt.Errorf("saga %s is not paused, cannot resume", sg.config.name))
	}
	if err := sg.fsm.Fire(triggerResume); err != nil {
		return errors.Join(ErrSagaNotPaused, err)
	}
	sg.log().Debug(ctx, "saga resumed", "saga", sg.config.name, "saga_id", sg.context.SagaID)
	return nil
}

// Cancel moves the saga to CANCELLED from any non-terminal state. It does not
// run compensation and does not abort an in-flight step action; the forward
// pass observes the cancellation at the next step boundary.
func (sg *Saga) Cancel(ctx context.Context, reason string) error {
	if sg.Status().IsTerminal() {
		return errors.Join(ErrSagaTerminal, fmt.Errorf("saga %s has status %s, cannot cancel", sg.config.name, sg.Status()))
	}

	sg.mu.Lock()
	sg.cancelReason = reason
	sg.mu.Unlock()

	if err := sg.fsm.Fire(triggerCancel); err != nil {
		return errors.Join(ErrSagaTerminal, err)
	}
	sg.log().Warn(ctx, "saga cancelled", "saga", sg.config.name, "saga_id", sg.context.SagaID, "reason", reason)
	sg.recordSagaStatus(ctx, SagaStatusCancelled, reason)
	return nil
}

func (sg *Saga) recordSagaStart(ctx context.Context, data interface{}) {
	if sg.journal == nil {
		return
	}
	if err := sg.journal.RecordSagaExecution(sg, data); err != nil {
		sg.log().Warn(ctx, "failed to record saga execution", "saga", sg.config.name, "saga_id", sg.context.SagaID, "error", err)
	}
}

func (sg *Saga) recordSagaStatus(ctx context.Context, status SagaStatus, errMsg string) {
	if sg.journal == nil {
		return
	}
	if err := sg.journal.UpdateSagaStatus(sg.context.SagaID, status, errMsg); err != nil {
		sg.log().Warn(ctx, "failed to update saga execution", "saga", sg.config.name, "saga_id", sg.context.SagaID, "error", err)
	}
}

func (sg *Saga) recordStep(ctx context.Context, st Step, index int, executionType string, res *StepExecutionResult, stepErr error) {
	if sg.journal == nil {
		return
	}
	rec := &StepExecutionRecord{
		SagaID:    sg.context.SagaID,
		StepIndex: index,
		StepName:  st.Name(),
		Type:      executionType,
		Status:    st.Status(),
	}
	if res != nil {
		rec.RetryCount = res.RetryCount
		rec.Duration = res.ExecutionTime
	}
	if stepErr != nil {
		rec.Error = stepErr.Error()
	}
	if err := sg.journal.RecordStepExecution(rec); err != nil {
		sg.log().Warn(ctx, "failed to record step execution", "saga", sg.config.name, "saga_id", sg.context.SagaID, "step", st.Name(), "error", err)
	}
}
