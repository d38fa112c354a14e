// Package control assembles the ingestion pipeline and manages its
// lifecycle: storage, dead-letter queue, committer, buffer, checkpoint
// manager, per-stream supervisors and the health server.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/lumenlabs/streamwatch/internal/core/checkpoint"
	"github.com/lumenlabs/streamwatch/internal/core/config"
	"github.com/lumenlabs/streamwatch/internal/core/domain"
	redisclient "github.com/lumenlabs/streamwatch/internal/infra/redis"
	"github.com/lumenlabs/streamwatch/internal/infra/storage"
	"github.com/lumenlabs/streamwatch/internal/infra/storage/memory"
	"github.com/lumenlabs/streamwatch/internal/infra/storage/postgres"
	"github.com/lumenlabs/streamwatch/internal/infra/stream"
	"github.com/lumenlabs/streamwatch/internal/ingest/breaker"
	"github.com/lumenlabs/streamwatch/internal/ingest/buffer"
	"github.com/lumenlabs/streamwatch/internal/ingest/committer"
	"github.com/lumenlabs/streamwatch/internal/ingest/handler"
	"github.com/lumenlabs/streamwatch/internal/ingest/health"
	"github.com/lumenlabs/streamwatch/internal/ingest/supervisor"
)

// Orchestrator owns every pipeline component and shuts them down in
// dependency order.
type Orchestrator struct {
	cfg config.AppConfig
	log *slog.Logger

	db          *postgres.DB
	redisClient *redisclient.Client

	checkpoints  *checkpoint.Manager
	committer    *committer.Committer
	buf          *buffer.Buffer
	provider     stream.Provider
	supervisors  map[string]*supervisor.Supervisor
	healthServer *health.Server

	// shutdown is read by every supervisor before reconnecting.
	shutdown atomic.Bool
}

// New builds the pipeline. Postgres and Redis are used when configured;
// without them state is kept in process, which is only useful for tests
// and local runs.
func New(cfg config.AppConfig, log *slog.Logger) (*Orchestrator, error) {
	if log == nil {
		log = slog.Default()
	}

	o := &Orchestrator{
		cfg:         cfg,
		log:         log,
		supervisors: make(map[string]*supervisor.Supervisor, len(cfg.Streams)),
	}

	var (
		store  storage.Store
		cpRepo storage.CheckpointRepository
		dlq    storage.DeadLetterStore
	)

	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(context.Background(), cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("init db: %w", err)
		}
		if err := db.Migrate(); err != nil {
			return nil, fmt.Errorf("migrate db: %w", err)
		}
		o.db = db
		store = db
		cpRepo = postgres.NewCheckpointRepo(db)
		log.Info("using postgres storage")
	} else {
		mem := memory.NewStore()
		store = mem
		cpRepo = memory.NewCheckpointRepo(mem)
		dlq = memory.NewDeadLetterStore(mem)
		log.Info("using in-memory storage")
	}

	if cfg.Redis.URL != "" {
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("init redis: %w", err)
		}
		o.redisClient = client
		dlq = client
	} else if dlq == nil {
		dlq = memory.NewDeadLetterStore(memory.NewStore())
		log.Warn("redis not configured, dead letters are not durable")
	}

	o.checkpoints = checkpoint.NewManager(cpRepo, log)
	o.committer = committer.New(cfg.Commit, store, handler.NewRegistry(), dlq, log)
	o.buf = buffer.New(cfg.Buffer, func(ctx context.Context, batch *domain.Batch) {
		// Commit failures are dead-lettered inside the committer.
		_ = o.committer.Commit(ctx, batch)
	}, log)
	o.provider = stream.NewClient(cfg.RPC, log)

	for _, sc := range cfg.Streams {
		brk := breaker.New(sc.ID, cfg.Breaker)
		o.supervisors[sc.ID] = supervisor.New(sc, o.provider, brk, o.buf, o.checkpoints, &o.shutdown, log)
	}

	o.healthServer = health.NewServer(health.NewMonitor(o.StreamStates), cfg.Server.Port)

	return o, nil
}

// Start launches the health server and all stream supervisors. It returns
// immediately; the pipeline runs until Stop.
func (o *Orchestrator) Start(ctx context.Context) error {
	go func() {
		if err := o.healthServer.Start(); err != nil {
			o.log.Error("health server failed", "error", err)
		}
	}()

	if o.db != nil {
		o.db.StartMetricsCollector(ctx)
	}

	for id, sup := range o.supervisors {
		o.log.Info("starting stream supervisor", "stream", id)
		sup.Start(ctx)
	}
	return nil
}

// Stop drains the pipeline: supervisors first so no new items arrive,
// then buffered batches, then pending checkpoint writes. In-flight work
// completes unless ctx expires.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.log.Info("stopping orchestrator")
	o.shutdown.Store(true)

	for _, sup := range o.supervisors {
		sup.Stop()
	}

	if err := o.buf.FlushAll(ctx); err != nil {
		o.log.Error("flushing buffered batches", "error", err)
	}
	if err := o.checkpoints.Flush(ctx); err != nil {
		o.log.Error("flushing checkpoints", "error", err)
	}

	if o.redisClient != nil {
		if err := o.redisClient.Close(); err != nil {
			o.log.Warn("closing redis", "error", err)
		}
	}
	if o.db != nil {
		if err := o.db.Close(); err != nil {
			o.log.Warn("closing db", "error", err)
		}
	}
	return o.healthServer.Stop(ctx)
}

// StreamStates reports the live state of every stream for health checks
// and the status endpoint.
func (o *Orchestrator) StreamStates(ctx context.Context) []health.StreamState {
	states := make([]health.StreamState, 0, len(o.supervisors))
	for id, sup := range o.supervisors {
		st := health.StreamState{
			StreamID:      id,
			Breaker:       sup.Breaker().Snapshot(),
			QueueDepth:    o.buf.Depth(id),
			ActiveBatches: o.committer.ActiveFor(id),
		}
		if cp, ok := o.checkpoints.Snapshot(id); ok {
			st.CheckpointPosition = cp.Position
		}
		states = append(states, st)
	}
	return states
}
