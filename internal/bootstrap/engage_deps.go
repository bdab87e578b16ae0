package bootstrap

import (
	"context"
	"fmt"
	"os"
	"time"

	"engage_server/adapter/in/http"
	"engage_server/adapter/out/memory"
	"engage_server/adapter/out/messaging"
	"engage_server/adapter/out/mongodb"
	"engage_server/adapter/out/persistence"
	"engage_server/adapter/out/redisstore"
	"engage_server/adapter/out/telemetry"
	"engage_server/adapter/out/telephony"
	"engage_server/config"
	"engage_server/core/port/out"
	"engage_server/core/service/callqueue"
	"engage_server/core/service/inbound"
	"engage_server/core/service/labeling"
	"engage_server/core/service/scoring"
	"engage_server/core/service/snapshot"
	"engage_server/core/service/thread"
	"engage_server/infra/database"
	"engage_server/pkg/cache"
	"engage_server/pkg/logger"
	"engage_server/pkg/metrics"
	"engage_server/pkg/ratelimit"
	"engage_server/pkg/snowflake"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
)

// recentEvents bounds the in-memory event feed served on /ops/events.
const recentEvents = 500

// Dependencies is the wired object graph shared by the API and the worker.
type Dependencies struct {
	Config *config.Config
	Log    zerolog.Logger
	Stats  *metrics.Registry

	// Connections (durable backend only)
	DB      *pgxpool.Pool
	SQLDB   *sqlx.DB
	Redis   *redis.Client
	MongoDB *mongo.Client

	// Stores
	Leads     out.LeadRepository
	Signals   out.SignalRepository
	Threads   out.ThreadRepository
	Snapshots out.SnapshotRepository
	Queue     out.CallQueueStore
	Scores    out.ScoreCache
	Guard     out.ReplayGuard

	// Integrations
	Events    out.EventSink
	Feed      *telemetry.Recorder
	Telephony *telephony.Client        // nil when TELEPHONY_URL is unset
	Producer  *messaging.RedisProducer // nil on the memory backend
	Limiter   ratelimit.Limiter

	// Services
	CallQueue   *callqueue.Service
	Scoring     *scoring.Service
	Applicator  *labeling.Applicator
	Eligibility *labeling.EligibilityEvaluator
	Resolver    *thread.Resolver
	Recorder    *snapshot.Recorder
	Pipeline    *inbound.Pipeline

	Checks map[string]http.HealthChecker
}

// NewLogger builds the zerolog logger used by the stream consumer, worker pool and event sink.
func NewLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var zl zerolog.Logger
	if cfg.IsDevelopment() {
		zl = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		zl = zerolog.New(os.Stdout)
	}
	return zl.Level(level).With().Timestamp().Str("service", "engage").Logger()
}

func NewDependencies(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	deps := &Dependencies{
		Config: cfg,
		Log:    NewLogger(cfg),
		Stats:  metrics.NewRegistry(1000),
		Feed:   telemetry.NewRecorder(recentEvents),
		Checks: map[string]http.HealthChecker{},
	}
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	deps.Events = telemetry.Fanout{telemetry.NewLogSink(deps.Log, deps.Stats), deps.Feed}

	engine := cfg.Engine
	if engine == nil {
		engine = &config.EngineConfig{}
	}
	if missing := engine.MissingKeys(); len(missing) > 0 {
		logger.Warn("engine tunables not set, dependent features disabled: %v", missing)
	}

	var err error
	if cfg.IsDurable() {
		cleanups, err = deps.openDurable(ctx, engine, cleanups)
	} else {
		deps.openMemory(engine)
	}
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	if cfg.TelephonyURL != "" {
		deps.Telephony, err = telephony.NewClient(telephony.Config{
			BaseURL:      cfg.TelephonyURL,
			ClientID:     cfg.TelephonyClientID,
			ClientSecret: cfg.TelephonyClientSecret,
			TokenURL:     cfg.TelephonyTokenURL,
			Timeout:      cfg.TelephonyTimeout,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("telephony: %w", err)
		}
		logger.Info("telephony collaborator configured at %s", cfg.TelephonyURL)
	}

	if err := deps.wireServices(engine); err != nil {
		cleanup()
		return nil, nil, err
	}
	return deps, cleanup, nil
}

func (d *Dependencies) openMemory(engine *config.EngineConfig) {
	leads := memory.NewLeadStore()
	d.Leads = leads
	d.Signals = memory.NewSignalStore()
	d.Threads = memory.NewThreadStore()
	d.Snapshots = memory.NewSnapshotStore()
	d.Queue = memory.NewCallQueueStore()
	d.Scores = memory.NewScoreCache(engine.ScoreCacheTTL)
	d.Guard = memory.NewReplayGuard()
	d.Limiter = ratelimit.NewMemoryLimiter(d.Config.RateLimitRPS, time.Second)
	logger.Info("using in-memory stores")
}

func (d *Dependencies) openDurable(ctx context.Context, engine *config.EngineConfig, cleanups []func()) ([]func(), error) {
	cfg := d.Config

	pool, err := database.NewPostgres(ctx, cfg.DatabaseURL, nil)
	if err != nil {
		return cleanups, fmt.Errorf("postgres: %w", err)
	}
	d.DB = pool
	cleanups = append(cleanups, pool.Close)

	sqlDB, err := database.NewSQLX(ctx, cfg.DatabaseURL, nil)
	if err != nil {
		return cleanups, fmt.Errorf("postgres: %w", err)
	}
	d.SQLDB = sqlDB
	cleanups = append(cleanups, func() { sqlDB.Close() })
	if err := persistence.EnsureSchema(ctx, sqlDB); err != nil {
		return cleanups, err
	}

	rdb, err := database.NewRedis(ctx, cfg.RedisURL, nil)
	if err != nil {
		return cleanups, fmt.Errorf("redis: %w", err)
	}
	d.Redis = rdb
	cleanups = append(cleanups, func() { rdb.Close() })

	mongoClient, mongoDB, err := database.NewMongo(ctx, cfg.MongoDBURL, cfg.MongoDBName)
	if err != nil {
		return cleanups, fmt.Errorf("mongodb: %w", err)
	}
	d.MongoDB = mongoClient
	cleanups = append(cleanups, func() { _ = mongoClient.Disconnect(context.Background()) })

	snapshots := mongodb.NewSnapshotAdapter(mongoDB)
	if err := snapshots.EnsureIndexes(ctx); err != nil {
		return cleanups, fmt.Errorf("mongodb indexes: %w", err)
	}

	rc := cache.NewRedisCache(rdb)
	leads := persistence.NewLeadAdapter(sqlDB)
	signals := persistence.NewSignalAdapter(pool)
	queue := redisstore.NewCallQueueStore(rc)

	d.Leads = leads
	d.Signals = signals
	d.Threads = persistence.NewThreadAdapter(sqlDB)
	d.Snapshots = snapshots
	d.Queue = queue
	d.Scores = redisstore.NewScoreCache(rc, engine.ScoreCacheTTL)
	d.Guard = redisstore.NewReplayGuard(rc)
	d.Producer = messaging.NewRedisProducer(rdb, cfg.InboundStream)
	d.Limiter = ratelimit.NewSlidingWindowLimiter(rdb, "engage:ratelimit:", cfg.RateLimitRPS, time.Second)

	d.Checks["postgres"] = leads
	d.Checks["postgres_pool"] = signals
	d.Checks["redis"] = queue
	d.Checks["mongodb"] = http.CheckFunc(func(ctx context.Context) error {
		return mongoClient.Ping(ctx, nil)
	})

	logger.Info("durable stores connected (postgres, redis, mongodb)")
	return cleanups, nil
}

func (d *Dependencies) wireServices(engine *config.EngineConfig) error {
	ids, err := snowflake.NewGenerator(d.Config.NodeID)
	if err != nil {
		return fmt.Errorf("snowflake: %w", err)
	}

	var phone out.Telephony
	if d.Telephony != nil {
		phone = d.Telephony
	}
	d.CallQueue = callqueue.NewService(callqueue.Deps{
		Store:     d.Queue,
		Leads:     d.Leads,
		Telephony: phone,
		Events:    d.Events,
		IDs:       ids,
		Config: callqueue.Config{
			Concurrency: engine.BatchConcurrency,
			CallbackURL: d.Config.TelephonyCallbackURL,
		},
	})

	d.Scoring = scoring.NewService(scoring.ServiceDeps{
		Engine:      scoring.NewEngine(scoringConfig(engine)),
		Leads:       d.Leads,
		Signals:     d.Signals,
		Cache:       d.Scores,
		Events:      d.Events,
		Concurrency: engine.BatchConcurrency,
	})

	d.Applicator = labeling.NewApplicator(d.Leads, d.Events, labelWeights(engine))
	d.Eligibility = labeling.NewEligibilityEvaluator(queueConfig(engine), d.Events)
	d.Resolver = thread.NewResolver(d.Threads, d.Leads, d.Events, thread.Config{
		AutoResolve: engine.AutoResolveThreads,
		Concurrency: engine.BatchConcurrency,
	})
	d.Recorder = snapshot.NewRecorder(snapshot.Deps{
		Repo:    d.Snapshots,
		Signals: d.Signals,
		Leads:   d.Leads,
		Events:  d.Events,
		IDs:     ids,
	})

	d.Pipeline = inbound.NewPipeline(inbound.Deps{
		Leads:       d.Leads,
		Signals:     d.Signals,
		Guard:       d.Guard,
		Applicator:  d.Applicator,
		Scores:      d.Scoring,
		Threads:     d.Resolver,
		Eligibility: d.Eligibility,
		Queue:       d.CallQueue,
		Snapshots:   d.Recorder,
		Events:      d.Events,
		Config: inbound.Config{
			AutoEnqueue:    engine.AutoEnqueueEligible,
			EnqueuePersona: engine.AutoEnqueuePersona,
			EnqueueLane:    engine.AutoEnqueueLane,
			ReplayTTL:      engine.ReplayGuardTTL,
		},
	})
	return nil
}
