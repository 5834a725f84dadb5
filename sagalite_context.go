package sagalite

import (
	"time"

	"github.com/google/uuid"
)

// SagaContext identifies one saga execution and is threaded through every
// step call. The owning Saga is the only writer of CurrentStepIndex,
// LastUpdateTime and CompensationReason; steps may read it and mutate Data
// during their own Execute/Compensate call but must not retain the pointer
// beyond that call.
type SagaContext struct {
	SagaID      SagaID
	AggregateID string

	// CurrentStepIndex only increases during forward execution. Compensation
	// walks the step list by descending index on its own and never rewinds it.
	CurrentStepIndex int

	Data               interface{}
	LastUpdateTime     time.Time
	CompensationReason string
}

func newSagaContext(aggregateID string) *SagaContext {
	return &SagaContext{
		SagaID:         SagaID(uuid.NewString()),
		AggregateID:    aggregateID,
		LastUpdateTime: time.Now(),
	}
}

func (c *SagaContext) touch() {
	c.LastUpdateTime = time.Now()
}
