package sagalite

import (
	"context"
	"time"

	"github.com/davidroman0O/retrypool"
)

// sagaTask is one whole saga execution queued on the engine pool. Steps
// inside the saga still run strictly sequentially; the pool only lets
// distinct sagas progress concurrently.
type sagaTask struct {
	saga *Saga
	data interface{}
	info *SagaInfo
}

func (tp *Sagalite) createSagaPool(count int) *retrypool.Pool[*sagaTask] {
	workers := []retrypool.Worker[*sagaTask]{}

	for i := 0; i < count; i++ {
		workers = append(workers, sagaWorker{id: i, tp: tp})
	}

	return retrypool.New(
		tp.ctx,
		workers,
		retrypool.WithAttempts[*sagaTask](1),
		retrypool.WithOnTaskFailure[*sagaTask](tp.sagaOnFailure),
		retrypool.WithOnNewDeadTask[*sagaTask](tp.sagaOnDeadTask),
	)
}

func (tp *Sagalite) sagaOnFailure(controller retrypool.WorkerController[*sagaTask], workerID int, worker retrypool.Worker[*sagaTask], data *sagaTask, retries int, totalDuration time.Duration, timeLimit time.Duration, maxDuration time.Duration, scheduledTime time.Time, triedWorkers map[int]bool, taskErrors []error, durations []time.Duration, queuedAt []time.Time, processedAt []time.Time, err error) retrypool.DeadTaskAction {
	tp.logger.Error(tp.ctx, "saga task failed", "worker_id", workerID, "saga", data.saga.Name(), "saga_id", data.saga.ID(), "retries", retries, "error", err)

	return retrypool.DeadTaskActionDoNothing
}

// sagaOnDeadTask drains failed tasks out of the pool's dead list. The worker
// already delivered the error to the SagaInfo before the task died.
func (tp *Sagalite) sagaOnDeadTask(task *retrypool.DeadTask[*sagaTask], idx int) {
	if _, err := tp.sagaPool.PullDeadTask(idx); err != nil {
		tp.logger.Warn(tp.ctx, "failed to pull dead saga task", "saga", task.Data.saga.Name(), "saga_id", task.Data.saga.ID(), "error", err)
	}
}

type sagaWorker struct {
	id int
	tp *Sagalite
}

func (w sagaWorker) Run(ctx context.Context, task *sagaTask) error {
	err := task.saga.Execute(ctx, task.data)
	task.info.setError(err)
	if err == nil {
		w.tp.logger.Debug(ctx, "saga task completed", "worker_id", w.id, "saga", task.saga.Name(), "saga_id", task.saga.ID())
	}
	return err
}
