package bootstrap

import (
	"context"
	"errors"
	"sync"

	"engage_server/adapter/in/worker"
	"engage_server/adapter/out/messaging"
	"engage_server/pkg/logger"
)

// Worker drains the inbound stream through the worker pool.
type Worker struct {
	pool     *worker.Pool
	consumer *messaging.Consumer
	deps     *Dependencies

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker needs the durable backend: the inbound stream lives in Redis.
func NewWorker(deps *Dependencies) (*Worker, error) {
	cfg := deps.Config
	if deps.Redis == nil {
		return nil, errors.New("worker mode requires STORE_BACKEND=durable")
	}

	consumer := messaging.NewConsumer(deps.Redis, &messaging.ConsumerConfig{
		Group:                cfg.InboundGroup,
		Consumer:             cfg.ConsumerName,
		Stream:               cfg.InboundStream,
		Logger:               deps.Log,
		BatchSize:            cfg.WorkerBatchSize,
		PendingCheckInterval: cfg.PendingCheck,
		MaxRetries:           cfg.WorkerMaxRetries,
	})

	handler := worker.NewHandler(worker.NewInboundProcessor(deps.Pipeline))
	pool := worker.NewPool(handler, consumer, &worker.PoolConfig{
		Workers:        cfg.WorkerCount,
		BatchSize:      1,
		WorkerChanSize: cfg.WorkerBatchSize * 2,
	}, deps.Stats, deps.Log)

	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		pool:     pool,
		consumer: consumer,
		deps:     deps,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start runs until Stop is called.
func (w *Worker) Start() error {
	if err := w.pool.Start(); err != nil {
		return err
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.consumer.Run(w.ctx, w.pool); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Error("inbound stream consumer stopped")
			w.cancel()
		}
	}()

	logger.Info("worker consuming %s as %s/%s",
		w.deps.Config.InboundStream, w.deps.Config.InboundGroup, w.deps.Config.ConsumerName)
	<-w.ctx.Done()
	return nil
}

// Stop halts reading first, then drains submitted jobs.
func (w *Worker) Stop() {
	w.cancel()
	w.wg.Wait()
	w.pool.Stop()
}
