package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"engage_server/adapter/out/messaging"
	"engage_server/pkg/metrics"

	"github.com/go-pkgz/pool"
	"github.com/rs/zerolog"
)

// =============================================================================
// go-pkgz/pool worker group fed by the inbound stream
// =============================================================================

// Acker settles stream entries once a job is finished.
type Acker interface {
	Ack(ctx context.Context, stream, id string) error
	DeadLetter(ctx context.Context, stream, id, reason string) error
}

// PoolConfig holds worker pool configuration.
type PoolConfig struct {
	Workers        int
	BatchSize      int
	WorkerChanSize int
	JobTimeout     time.Duration
}

func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		Workers:        8,
		BatchSize:      10,
		WorkerChanSize: 100,
		JobTimeout:     30 * time.Second,
	}
}

// Pool processes messages on a fixed worker group. Failed retryable jobs are left
// pending on the stream; the consumer reclaims them after their idle timeout.
type Pool struct {
	handler *Handler
	acker   Acker
	config  *PoolConfig
	stats   *metrics.Registry
	log     zerolog.Logger

	group *pool.WorkerGroup[*Message]

	ctx    context.Context
	cancel context.CancelFunc

	processed atomic.Int64
	failed    atomic.Int64
	dead      atomic.Int64

	started bool
	mu      sync.Mutex
}

type messageWorker struct {
	pool *Pool
}

func (w *messageWorker) Do(ctx context.Context, msg *Message) error {
	return w.pool.processJob(ctx, msg)
}

func NewPool(handler *Handler, acker Acker, config *PoolConfig, stats *metrics.Registry, log zerolog.Logger) *Pool {
	if config == nil {
		config = DefaultPoolConfig()
	}
	if config.Workers <= 0 {
		config.Workers = DefaultPoolConfig().Workers
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 1
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = DefaultPoolConfig().JobTimeout
	}
	if stats == nil {
		stats = metrics.NewRegistry(0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		handler: handler,
		acker:   acker,
		config:  config,
		stats:   stats,
		log:     log.With().Str("component", "worker_pool").Logger(),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}

	p.group = pool.New[*Message](p.config.Workers, &messageWorker{pool: p}).
		WithBatchSize(p.config.BatchSize).
		WithWorkerChanSize(p.config.WorkerChanSize).
		WithContinueOnError()
	if err := p.group.Go(p.ctx); err != nil {
		return err
	}
	p.started = true

	go p.metricsReporter()

	p.log.Info().
		Int("workers", p.config.Workers).
		Int("batch_size", p.config.BatchSize).
		Msg("worker pool started")
	return nil
}

// Stop drains submitted jobs, waiting at most 30 seconds.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.mu.Unlock()

	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.group.Close(closeCtx); err != nil {
		p.log.Warn().Err(err).Msg("error closing worker group")
	}
	p.cancel()

	p.log.Info().
		Int64("processed", p.processed.Load()).
		Int64("failed", p.failed.Load()).
		Int64("dead", p.dead.Load()).
		Msg("worker pool stopped")
}

// Deliver implements messaging.Sink.
func (p *Pool) Deliver(ctx context.Context, d messaging.Delivery) bool {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return false
	}

	msg, err := FromDelivery(d)
	if err != nil {
		p.log.Warn().Err(err).Str("id", d.ID).Msg("undecodable stream entry")
		p.settleDead(ctx, d.Stream, d.ID, "undecodable envelope")
		return true
	}
	p.group.Submit(msg)
	return true
}

func (p *Pool) processJob(ctx context.Context, msg *Message) error {
	start := time.Now()
	jobCtx, cancel := context.WithTimeout(ctx, p.config.JobTimeout)
	defer cancel()

	err := p.handler.Process(jobCtx, msg)
	p.stats.Observe("worker.job", time.Since(start))

	switch {
	case err == nil:
		p.processed.Add(1)
		p.stats.Inc("worker.processed")
		if ackErr := p.acker.Ack(ctx, msg.Stream, msg.ID); ackErr != nil {
			p.log.Error().Err(ackErr).Str("id", msg.ID).Msg("error acknowledging entry")
		}
		return nil
	case errors.Is(err, ErrPermanent):
		p.settleDead(ctx, msg.Stream, msg.ID, "rejected by "+msg.Type)
		return err
	default:
		p.failed.Add(1)
		p.stats.Inc("worker.failed")
		p.log.Error().
			Err(err).
			Str("id", msg.ID).
			Str("job_type", msg.Type).
			Int64("attempts", msg.Attempts).
			Msg("job failed, leaving entry pending")
		return err
	}
}

func (p *Pool) settleDead(ctx context.Context, stream, id, reason string) {
	p.dead.Add(1)
	p.stats.Inc("worker.dead_lettered")
	if err := p.acker.DeadLetter(ctx, stream, id, reason); err != nil {
		p.log.Error().Err(err).Str("id", id).Msg("error dead-lettering entry")
	}
}

func (p *Pool) metricsReporter() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.log.Info().
				Int64("processed", p.processed.Load()).
				Int64("failed", p.failed.Load()).
				Int64("dead", p.dead.Load()).
				Msg("worker pool metrics")
		}
	}
}

var _ messaging.Sink = (*Pool)(nil)
