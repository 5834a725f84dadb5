package sagalite

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/davidroman0O/retrypool"
	"github.com/sasha-s/go-deadlock"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"
)

func init() {
	maxprocs.Set()
	deadlock.Opts.DeadlockTimeout = time.Second * 2
	deadlock.Opts.OnPotentialDeadlock = func() {
		logger.Error(context.Background(), "POTENTIAL DEADLOCK DETECTED!")
		buf := make([]byte, 1<<16)
		runtime.Stack(buf, true)
	}
}

// SagaFactory builds one fresh Saga instance per execution. A Saga runs its
// business logic at most once, so the engine asks the factory for a new
// instance on every Execute call.
type SagaFactory func() (*Saga, error)

// Sagalite is the embeddable saga engine: a registry of saga factories, a
// worker pool executing whole sagas, and an in-memory execution journal.
type Sagalite struct {
	// Sagas are pre-registered by name; each Execute builds a fresh instance
	sagas    sync.Map
	sagaPool *retrypool.Pool[*sagaTask]

	journal *Journal

	ctx    context.Context
	cancel context.CancelFunc

	logger Logger
}

func New(ctx context.Context, opts ...sagaliteOption) (*Sagalite, error) {
	cfg := sagaliteConfig{
		initialSagaWorkers: 5,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.logger == nil {
		cfg.logger = logger
	}

	journal, err := NewJournal()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)

	tp := &Sagalite{
		journal: journal,
		ctx:     ctx,
		cancel:  cancel,
		logger:  cfg.logger,
	}

	tp.sagaPool = tp.createSagaPool(cfg.initialSagaWorkers)

	tp.logger.Debug(ctx, "sagalite engine created", "saga_workers", cfg.initialSagaWorkers)

	return tp, nil
}

// RegisterSaga registers a factory under the given name.
func (tp *Sagalite) RegisterSaga(name string, factory SagaFactory) error {
	if _, loaded := tp.sagas.LoadOrStore(name, factory); loaded {
		return errors.Join(ErrSagaAlreadyRegistered, fmt.Errorf("saga %s", name))
	}
	tp.logger.Debug(tp.ctx, "registered saga", "saga", name)
	return nil
}

// Execute builds a fresh instance of the named saga and enqueues it with the
// given business payload.
func (tp *Sagalite) Execute(name string, data interface{}) *SagaInfo {
	info := &SagaInfo{tp: tp}

	value, ok := tp.sagas.Load(name)
	if !ok {
		info.setError(errors.Join(ErrSagaNotFound, fmt.Errorf("saga %s", name)))
		return info
	}

	saga, err := value.(SagaFactory)()
	if err != nil {
		info.setError(fmt.Errorf("saga factory %s failed: %w", name, err))
		return info
	}

	return tp.Enqueue(saga, data)
}

// Enqueue dispatches an already-built saga to the worker pool.
func (tp *Sagalite) Enqueue(saga *Saga, data interface{}) *SagaInfo {
	info := &SagaInfo{tp: tp, SagaID: saga.ID(), saga: saga}

	saga.journal = tp.journal
	if saga.config.logger == nil {
		saga.config.logger = tp.logger
	}

	if err := tp.journal.RecordSagaExecution(saga, data); err != nil {
		tp.logger.Warn(tp.ctx, "failed to record enqueued saga", "saga", saga.Name(), "saga_id", saga.ID(), "error", err)
	}

	if err := tp.sagaPool.Submit(&sagaTask{saga: saga, data: data, info: info}); err != nil {
		err := errors.Join(ErrSagaExecute, err)
		tp.logger.Error(tp.ctx, err.Error(), "saga", saga.Name(), "saga_id", saga.ID())
		info.setError(err)
		return info
	}

	tp.logger.Debug(tp.ctx, "enqueued saga", "saga", saga.Name(), "saga_id", saga.ID())
	return info
}

// Journal exposes the engine's execution log for queries.
func (tp *Sagalite) Journal() *Journal {
	return tp.journal
}

// Wait blocks until the saga pool drains.
func (tp *Sagalite) Wait() error {
	shutdown := errgroup.Group{}

	shutdown.Go(func() error {
		return tp.sagaPool.WaitWithCallback(tp.ctx, func(queueSize, processingCount, deadTaskCount int) bool {
			tp.logger.Debug(tp.ctx, "wait saga pool", "queue_size", queueSize, "processing_count", processingCount, "dead_task_count", deadTaskCount)
			return queueSize > 0 || processingCount > 0
		}, time.Second)
	})

	return shutdown.Wait()
}

func (tp *Sagalite) Close() {
	tp.logger.Debug(tp.ctx, "closing sagalite engine")
	tp.cancel()
	if err := tp.sagaPool.Close(); err != nil && err != context.Canceled {
		tp.logger.Warn(context.Background(), "failed to close saga pool", "error", err)
	}
}
