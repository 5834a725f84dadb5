package sagalite

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/sasha-s/go-deadlock"
)

// SagaInfo tracks one enqueued saga execution.
type SagaInfo struct {
	tp     *Sagalite
	SagaID SagaID
	saga   *Saga

	mu   deadlock.Mutex
	err  error
	done atomic.Bool
}

func (i *SagaInfo) setError(err error) {
	i.mu.Lock()
	i.err = err
	i.mu.Unlock()
	i.done.Store(true)
}

// Status reports the saga's current state; ask again after Get for the
// terminal one.
func (i *SagaInfo) Status() SagaStatus {
	if i.saga == nil {
		return SagaStatusNotStarted
	}
	return i.saga.Status()
}

// Get blocks until the saga reaches a terminal outcome and returns its
// error: nil for COMPLETED, the original step error for FAILED or
// COMPENSATED runs.
func (i *SagaInfo) Get() error {
	ticker := time.NewTicker(time.Second / 16)
	defer ticker.Stop()

	for {
		select {
		case <-i.tp.ctx.Done():
			return i.tp.ctx.Err()
		case <-ticker.C:
			if !i.done.Load() {
				runtime.Gosched()
				continue
			}
			i.mu.Lock()
			err := i.err
			i.mu.Unlock()
			return err
		}
	}
}
