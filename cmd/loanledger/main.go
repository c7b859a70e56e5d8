package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"LoanLedger/internal/config"
	"LoanLedger/internal/core"
	"LoanLedger/internal/event"
	"LoanLedger/internal/ingestion"
	"LoanLedger/internal/observability"
	"LoanLedger/internal/oracle"
	"LoanLedger/internal/persistence"
	"LoanLedger/internal/projection"
	"LoanLedger/internal/query"
	"LoanLedger/internal/server"

	"github.com/facebookgo/clock"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	log := observability.NewLogger("main")
	log.Info().Msg("LoanLedger starting")

	cfg, err := config.Load("")
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("postgres ping")
	}
	log.Info().Msg("Postgres connected")

	// --- Run SQL migrations ---
	applied, err := persistence.NewMigrator(db, cfg.MigrationsDir).Up(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}
	log.Info().Int("applied", applied).Msg("migrations up to date")

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()
	healthChecker.AddCheck("postgres", db.PingContext)

	// --- Oracle ---
	// NATS price updates land in memory first; Redis carries quotes written
	// by other services and survives restarts.
	memFeed := oracle.NewMemoryFeed()
	feed := oracle.Chain{memFeed}
	prices := []oracle.PriceStore{memFeed}
	if cfg.RedisAddr != "" {
		rdb, err := oracle.OpenRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Fatal().Err(err).Msg("redis connect")
		}
		defer rdb.Close()
		redisFeed := oracle.NewRedisFeed(rdb)
		feed = append(feed, redisFeed)
		prices = append(prices, redisFeed)
		healthChecker.AddCheck("redis", redisCheck(rdb))
		log.Info().Str("addr", cfg.RedisAddr).Msg("Redis price feed connected")
	}

	// --- Channels ---
	// The persist channel blocks (backpressure); projection and publish drop.
	persistChan := make(chan *event.EventEnvelope, cfg.PersistChanSize)
	projectionChan := make(chan *event.EventEnvelope, cfg.ProjectionChanSize)
	sinks := event.FanOut{
		event.NewChannelSink(persistChan, true, nil),
		event.NewChannelSink(projectionChan, false, func(*event.EventEnvelope) {
			metrics.ProjectionDrops.WithLabelValues("main").Inc()
		}),
	}

	var publishChan chan *event.EventEnvelope
	if cfg.NATSURL != "" {
		publishChan = make(chan *event.EventEnvelope, cfg.PublishChanSize)
		sinks = append(sinks, event.NewChannelSink(publishChan, false, func(*event.EventEnvelope) {
			metrics.PublishDrops.Inc()
		}))
	}

	// --- Engine ---
	st := persistence.NewPostgresStore(db)
	dbChecker := persistence.NewPostgresIdempotencyChecker(db)
	engine := core.NewEngine(st, feed, sinks, dbChecker, metrics, core.Config{
		MaxPriceAge:         cfg.MaxPriceAge,
		DefaultPolicy:       cfg.DefaultPolicy,
		IdempotencyCapacity: cfg.IdempotencyLRUCapacity,
	})
	if err := engine.Restore(ctx); err != nil {
		log.Fatal().Err(err).Msg("restore engine")
	}

	// --- LRU Warming ---
	if cfg.IdempotencyWarmKeys > 0 {
		keys, err := dbChecker.RecentKeys(ctx, cfg.IdempotencyWarmKeys)
		if err != nil {
			log.Warn().Err(err).Msg("idempotency warm-up failed, continuing cold")
		} else {
			engine.WarmIdempotency(keys)
			log.Info().Int("keys", len(keys)).Msg("idempotency LRU warmed")
		}
	}

	// --- Chain check against the event log ---
	eventReader := persistence.NewEventLogReader(db)
	if logged, err := eventReader.LatestSequence(ctx); err != nil {
		log.Warn().Err(err).Msg("read event log head")
	} else if logged > engine.Sequence() {
		log.Fatal().Int64("logged", logged).Int64("engine", engine.Sequence()).
			Msg("event log is ahead of the engine state")
	}

	runner := core.NewRunner(engine, clock.New(), cfg.CommandQueueSize, metrics)

	// --- Projections catch up before serving history ---
	projWorker := projection.NewProjectionWorker(db, projectionChan)
	if _, err := projWorker.CatchUp(ctx, eventReader, 1000); err != nil {
		log.Warn().Err(err).Msg("projection catch-up failed, history may lag")
	}

	// --- Services ---
	queryService := query.NewQueryService(
		runner,
		projection.NewHistoryReader(db),
		eventReader,
		func(ctx context.Context) (int64, error) { return projection.Watermark(ctx, db) },
		metrics,
	)
	commandService := ingestion.NewCommandService(runner, prices...)

	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		Commands: commandService,
		Queries:  queryService,
		Health:   healthChecker,
	})

	// --- Start goroutines ---
	errChan := make(chan error, 10)

	// 1. Engine runner
	runnerDone := make(chan struct{})
	go func() {
		defer close(runnerDone)
		errChan <- runner.Run(ctx)
	}()

	// 2. Persistence worker. It outlives ctx so the final batch is flushed
	// after the runner stops.
	persistDone := make(chan struct{})
	persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics)
	go func() {
		defer close(persistDone)
		if err := persistWorker.Run(context.Background()); err != nil {
			log.Error().Err(err).Msg("persistence worker stopped")
		}
	}()

	// 3. Projection worker
	go func() {
		if err := projWorker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("projection worker: %w", err)
		}
	}()

	// 4. NATS ingestion and outbound publisher
	var natsSubscriber *ingestion.NATSSubscriber
	if cfg.NATSURL != "" {
		nc, js, err := ingestion.ConnectNATS(cfg.NATSURL)
		if err != nil {
			log.Fatal().Err(err).Msg("nats connect")
		}
		defer nc.Close()
		healthChecker.AddCheck("nats", natsCheck(nc))

		if err := ingestion.EnsureStreams(ctx, js); err != nil {
			log.Fatal().Err(err).Msg("ensure NATS streams")
		}
		if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
			log.Fatal().Err(err).Msg("ensure outbound stream")
		}

		rawChan := make(chan ingestion.RawMessage, cfg.IngestChanSize)
		natsSubscriber = ingestion.NewNATSSubscriber(js, rawChan)
		if err := natsSubscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
			log.Fatal().Err(err).Msg("nats subscribe")
		}

		dispatcher := ingestion.NewDispatcher(runner, metrics, prices...)
		go func() {
			if err := dispatcher.Run(ctx, rawChan); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("dispatcher: %w", err)
			}
		}()

		publisher := ingestion.NewOutboundPublisher(js, publishChan, metrics)
		go func() {
			if err := publisher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("outbound publisher: %w", err)
			}
		}()
		log.Info().Str("url", cfg.NATSURL).Msg("NATS connected")
	}

	// 5. gRPC server
	go func() {
		errChan <- grpcServer.StartGRPC(ctx)
	}()

	// 6. HTTP/JSON gateway
	go func() {
		errChan <- grpcServer.StartHTTPGateway(ctx)
	}()

	// 7. Prometheus metrics server
	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			metricsServer.Shutdown(shutCtx)
		}()
		log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	// Mark service as ready after all goroutines started
	healthChecker.SetReady(true)
	grpcServer.SetServing(true)

	log.Info().
		Int64("sequence", engine.Sequence()).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("LoanLedger ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		log.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop intake, let the runner finish its current command, then drain
	// the persistence channel.
	healthChecker.SetReady(false)
	grpcServer.SetServing(false)
	if natsSubscriber != nil {
		natsSubscriber.Stop()
	}
	cancel()
	<-runnerDone

	close(persistChan)
	close(projectionChan)
	if publishChan != nil {
		close(publishChan)
	}

	select {
	case <-persistDone:
		log.Info().Int64("sequence", engine.Sequence()).Msg("event log flushed")
	case <-time.After(30 * time.Second):
		log.Error().Msg("timed out flushing event log; projections will catch up on restart")
	}

	log.Info().Msg("LoanLedger shutdown complete")
}

func redisCheck(rdb *redis.Client) observability.CheckFunc {
	return func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}
}

func natsCheck(nc *nats.Conn) observability.CheckFunc {
	return func(context.Context) error {
		if status := nc.Status(); status != nats.CONNECTED {
			return fmt.Errorf("nats %s", status)
		}
		return nil
	}
}
