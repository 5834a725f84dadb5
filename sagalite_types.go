package sagalite

import (
	"errors"
	"time"
)

type SagaID string

func (s SagaID) String() string {
	return string(s)
}

// SagaStatus is the saga-level lifecycle state.
// A saga executes its business logic at most once: only NotStarted may
// transition into Running, and never back.
type SagaStatus string

const (
	SagaStatusNotStarted  SagaStatus = "NOT_STARTED"
	SagaStatusRunning     SagaStatus = "RUNNING"
	SagaStatusPaused      SagaStatus = "PAUSED"
	SagaStatusCompleted   SagaStatus = "COMPLETED"
	SagaStatusFailed      SagaStatus = "FAILED"
	SagaStatusCompensated SagaStatus = "COMPENSATED"
	SagaStatusCancelled   SagaStatus = "CANCELLED"
)

// IsTerminal reports whether the saga can never run again from this state.
func (s SagaStatus) IsTerminal() bool {
	switch s {
	case SagaStatusCompleted, SagaStatusFailed, SagaStatusCompensated, SagaStatusCancelled:
		return true
	}
	return false
}

// SagaStepStatus is the step-level lifecycle state.
type SagaStepStatus string

const (
	StepStatusPending     SagaStepStatus = "PENDING"
	StepStatusRunning     SagaStepStatus = "RUNNING"
	StepStatusCompleted   SagaStepStatus = "COMPLETED"
	StepStatusFailed      SagaStepStatus = "FAILED"
	StepStatusSkipped     SagaStepStatus = "SKIPPED"
	StepStatusCompensated SagaStepStatus = "COMPENSATED"
)

type sagaTrigger string

const (
	triggerExecute    sagaTrigger = "execute"
	triggerComplete   sagaTrigger = "complete"
	triggerFail       sagaTrigger = "fail"
	triggerPause      sagaTrigger = "pause"
	triggerResume     sagaTrigger = "resume"
	triggerCancel     sagaTrigger = "cancel"
	triggerCompensate sagaTrigger = "compensate"
)

var (
	ErrSagaAlreadyStarted = errors.New("saga already executing or executed")
	ErrSagaNotRunning     = errors.New("saga is not running")
	ErrSagaNotPaused      = errors.New("saga is not paused")
	ErrSagaTerminal       = errors.New("saga reached a terminal state")
	ErrSagaCancelled      = errors.New("saga cancelled")
	ErrSagaCompensated    = errors.New("saga was compensated")

	ErrStepFailed           = errors.New("step failed")
	ErrStepTimeout          = errors.New("step timed out")
	ErrStepPanicked         = errors.New("step panicked")
	ErrCompensationFailed   = errors.New("compensation failed")
	ErrCompensationPanicked = errors.New("compensation panicked")

	ErrSagaNotFound          = errors.New("saga not registered")
	ErrSagaAlreadyRegistered = errors.New("saga already registered")
)

// StepExecutionResult is the outcome of one Execute or Compensate call.
// RetryCount is the number of failed attempts before the final outcome.
type StepExecutionResult struct {
	Success           bool
	Data              interface{}
	Err               error
	ExecutionTime     time.Duration
	RetryCount        int
	NeedsCompensation bool
}
