package sagalite

import "time"

// ExecutionStats accumulates counters for a saga or a single step. Only the
// owning Saga/Step mutates it, under its own lock; callers get copies.
type ExecutionStats struct {
	ExecutionCount    int64
	SuccessCount      int64
	FailureCount      int64
	CompensationCount int64

	AverageExecutionTime time.Duration

	LastExecutionAt    time.Time
	LastSuccessAt      time.Time
	LastFailureAt      time.Time
	LastCompensationAt time.Time
}

func (s *ExecutionStats) recordExecution() {
	s.ExecutionCount++
	s.LastExecutionAt = time.Now()
}

func (s *ExecutionStats) recordSuccess(d time.Duration) {
	s.SuccessCount++
	s.LastSuccessAt = time.Now()
	s.observe(d)
}

func (s *ExecutionStats) recordFailure(d time.Duration) {
	s.FailureCount++
	s.LastFailureAt = time.Now()
	s.observe(d)
}

func (s *ExecutionStats) recordCompensation() {
	s.CompensationCount++
	s.LastCompensationAt = time.Now()
}

// observe folds one finished execution into the running average.
func (s *ExecutionStats) observe(d time.Duration) {
	n := s.SuccessCount + s.FailureCount
	if n <= 0 {
		return
	}
	s.AverageExecutionTime = time.Duration((int64(s.AverageExecutionTime)*(n-1) + int64(d)) / n)
}
