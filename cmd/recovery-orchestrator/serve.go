package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/miradorstack/mirador-recovery/internal/api"
	"github.com/miradorstack/mirador-recovery/internal/breaker"
	"github.com/miradorstack/mirador-recovery/internal/cache"
	"github.com/miradorstack/mirador-recovery/internal/checkpoint"
	"github.com/miradorstack/mirador-recovery/internal/config"
	"github.com/miradorstack/mirador-recovery/internal/engine"
	"github.com/miradorstack/mirador-recovery/internal/escalation"
	"github.com/miradorstack/mirador-recovery/internal/health"
	"github.com/miradorstack/mirador-recovery/internal/incident"
	"github.com/miradorstack/mirador-recovery/internal/learning"
	"github.com/miradorstack/mirador-recovery/internal/metrics"
	"github.com/miradorstack/mirador-recovery/internal/models"
	"github.com/miradorstack/mirador-recovery/internal/orchestrator"
	"github.com/miradorstack/mirador-recovery/internal/repo"
	"github.com/miradorstack/mirador-recovery/internal/services"
	"github.com/miradorstack/mirador-recovery/internal/storage"
	"github.com/miradorstack/mirador-recovery/internal/utils"
)

// closers run in reverse order on shutdown.
type closers []func(ctx context.Context) error

func (c *closers) add(fn func(ctx context.Context) error) { *c = append(*c, fn) }

func (c closers) run(ctx context.Context, logger *slog.Logger) {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](ctx); err != nil {
			logger.Warn("shutdown step failed", slog.Any("error", err))
		}
	}
}

func runServe(parent context.Context, configPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		return err
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting mirador-recovery",
		slog.String("address", cfg.Server.Address),
		slog.String("mode", cfg.Recovery.Mode),
		slog.Int("targets", len(cfg.Targets)))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup closers
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
		defer cancel()
		cleanup.run(cleanupCtx, logger)
	}()

	if cfg.Tracing.Enabled {
		shutdownTracing, err := utils.InitTracing(cfg.Tracing.ServiceName, version, os.Stdout)
		if err != nil {
			return err
		}
		cleanup.add(shutdownTracing)
	}

	db, err := openStorage(cfg.Storage, logger)
	if err != nil {
		return err
	}
	cleanup.add(func(context.Context) error { return db.Close() })

	var cacheProvider cache.Provider = cache.NewMemoryProvider()
	var redisClient *redis.Client
	if cfg.Cache.Enabled && cfg.Cache.Addr != "" {
		provider, err := cache.NewRedisProvider(ctx, cache.RedisConfig{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			MaxRetries:   cfg.Cache.MaxRetries,
			TLS:          cfg.Cache.TLS,
		})
		if err != nil {
			logger.Warn("redis cache unavailable", slog.Any("error", err))
		} else {
			cacheProvider = provider
			redisClient = provider.Client()
			cleanup.add(func(context.Context) error { return provider.Close() })
		}
	}

	configStore, err := openConfigStore(ctx, cfg.ConfigStore, &cleanup)
	if err != nil {
		return err
	}
	graph, err := openDependencyGraph(ctx, cfg, &cleanup)
	if err != nil {
		return err
	}

	targetClient := repo.NewTargetClient(targetEndpoints(cfg), cfg.Recovery.ControlPlaneTimeout)

	blobs, err := openBlobs(ctx, cfg.Checkpoint, db, &cleanup)
	if err != nil {
		return err
	}
	checkpoints := checkpoint.NewStore(db, blobs, map[string]checkpoint.Source{
		models.ComponentConfig: repo.NewConfigSource(configStore),
		models.ComponentData:   targetClient.DataSource(),
	}, checkpoint.Options{Retention: cfg.Checkpoint.Retention, Logger: logger})

	targetIDs := make([]string, 0, len(cfg.Targets))
	for _, t := range cfg.Targets {
		targetIDs = append(targetIDs, t.ID)
	}
	scheduler := checkpoint.NewScheduler(checkpoints, targetIDs, cfg.Checkpoint.Interval, logger)

	breakers := breaker.NewRegistry(breaker.Settings{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
		CallTimeout:      cfg.Breaker.CallTimeout,
	}, logger)
	breakers.Configure(engine.DependencyControlPlane, breaker.Settings{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
		CallTimeout:      cfg.Recovery.ControlPlaneTimeout,
	})

	monitor := health.NewMonitor(health.MonitorOptions{
		Window:        cfg.Monitor.Window,
		ProbeTimeout:  cfg.Monitor.ProbeTimeout,
		LatencyZScore: cfg.Monitor.LatencyZScore,
		Logger:        logger,
	})
	targets := make([]models.Target, 0, len(cfg.Targets))
	for _, t := range cfg.Targets {
		prober, err := health.NewProber(t, cfg.Monitor, nil, logger)
		if err != nil {
			return err
		}
		if grpcProber, ok := prober.(*health.GRPCProber); ok {
			cleanup.add(func(context.Context) error { return grpcProber.Close() })
		}
		target := t.Model(cfg.Monitor)
		if err := monitor.Add(target, prober); err != nil {
			return err
		}
		targets = append(targets, target)
	}

	classifier, err := engine.NewRuleClassifier(cfg.Rules.Path, logger)
	if err != nil {
		return fmt.Errorf("load classification rules: %w", err)
	}
	manager := incident.NewManager(incident.Options{
		Threshold:     cfg.Monitor.Threshold,
		Stabilization: cfg.Monitor.Stabilization,
		Store:         db,
		Classifier:    classifier,
		Logger:        logger,
	})

	learned := learning.NewStore(db, nil, logger)
	selector := engine.NewSelector(learned, engine.SelectorOptions{
		Floor:      cfg.Recovery.LearningFloor,
		MinSamples: cfg.Recovery.LearningMinSamples,
		Logger:     logger,
	})
	executor := engine.NewExecutor(engine.ExecutorDeps{
		Attempts:     manager,
		Controller:   targetClient,
		Checkpoints:  checkpoints,
		Breakers:     breakers,
		Health:       monitor,
		Learning:     learned,
		Dependencies: engine.NewDependencyPlanner(graph, logger),
	}, engine.ExecutorOptions{
		Timeout:         cfg.Recovery.StrategyTimeout,
		SafeModeProfile: cfg.Recovery.SafeModeProfile,
		RecheckTimeout:  cfg.Recovery.RecheckTimeout,
		RecheckInterval: cfg.Recovery.RecheckInterval,
		Logger:          logger,
	})

	sinks, err := buildSinks(cfg.Escalation.Sinks, redisClient, logger)
	if err != nil {
		return err
	}
	escalations := escalation.NewEngine(sinks, escalation.Options{
		Thresholds: cfg.Escalation.Thresholds,
		Rate:       cfg.Escalation.NotifyRate,
		Burst:      cfg.Escalation.NotifyBurst,
		Dedupe:     cacheProvider,
		DedupeTTL:  cfg.Escalation.DedupeTTL,
		Lookup:     manager.Get,
		OnLevel: func(ctx context.Context, incidentID string, level int) {
			if err := manager.NoteEscalationLevel(ctx, incidentID, level); err != nil {
				logger.Warn("escalation level not persisted", slog.String("incident_id", incidentID), slog.Any("error", err))
			}
		},
		Logger: logger,
	})

	grpcServer, err := api.NewServer(cfg.Server)
	if err != nil {
		return fmt.Errorf("create gRPC server: %w", err)
	}

	deps := orchestrator.Deps{
		Incidents:   manager,
		Selector:    selector,
		Executor:    executor,
		Escalation:  escalations,
		Monitor:     monitor,
		Checkpoints: checkpoints,
		Scheduler:   scheduler,
		Breakers:    breakers,
		Learning:    learned,
		Miner:       learning.NewMiner(cfg.Recovery.LearningMinSamples),
		ConfigStore: configStore,
		Health:      grpcServer.Health(),
	}
	if archive := repo.NewIncidentArchive(cfg.Archive.Endpoint, cfg.Archive.APIKey, cfg.Archive.Timeout, cacheProvider, time.Hour); archive.Enabled() {
		deps.Archive = archive
	}
	orch, err := orchestrator.New(deps, orchestrator.Options{
		Mode:                models.OperatingMode(cfg.Recovery.Mode),
		Targets:             targets,
		RetryDelay:          cfg.Recovery.RetryDelay,
		NoCheckpointLevel:   cfg.Escalation.NoCheckpointLevel,
		ApprovalLevel:       cfg.Escalation.ApprovalLevel,
		BootstrapWithoutAck: cfg.Recovery.BootstrapWithoutAck,
		Logger:              logger,
	})
	if err != nil {
		return err
	}

	router := api.NewRouter(services.NewOperatorService(logger, orch), cfg.Server.JWTSecret, logger)
	httpServer, err := api.NewHTTPServer(cfg.Server.Address, router)
	if err != nil {
		return err
	}

	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		logger.Info("gRPC health server listening", slog.String("address", grpcServer.Address()))
		if serveErr := grpcServer.Start(); serveErr != nil {
			logger.Error("gRPC server exited", slog.Any("error", serveErr))
			stop()
		}
	}()
	go func() {
		logger.Info("operator API listening", slog.String("address", httpServer.Address()))
		if serveErr := httpServer.Start(); serveErr != nil {
			logger.Error("operator API exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("operator API shutdown", slog.Any("error", err))
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Warn("orchestrator shutdown", slog.Any("error", err))
	}
	grpcServer.Shutdown(shutdownCtx)

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	logger.Info("mirador-recovery stopped")
	return nil
}

func openStorage(cfg config.StorageConfig, logger *slog.Logger) (*storage.DB, error) {
	if cfg.InMemory {
		return storage.OpenInMemory()
	}
	sc := storage.DefaultConfig(cfg.Path)
	sc.Logger = logger
	db, err := storage.Open(sc)
	if err != nil {
		return nil, fmt.Errorf("open storage at %s: %w", cfg.Path, err)
	}
	return db, nil
}

func openConfigStore(ctx context.Context, cfg config.ConfigStoreConfig, cleanup *closers) (repo.ConfigStore, error) {
	switch cfg.Backend {
	case "mongo":
		store, err := repo.NewMongoConfigStore(ctx, cfg.Mongo.URI, cfg.Mongo.Database, cfg.Mongo.Collection, cfg.Mongo.Timeout)
		if err != nil {
			return nil, err
		}
		cleanup.add(store.Close)
		return store, nil
	default:
		return repo.NewFileConfigStore(cfg.Directory)
	}
}

func openDependencyGraph(ctx context.Context, cfg *config.Config, cleanup *closers) (engine.DependencyGraph, error) {
	if cfg.DependencyGraph.Backend == "neo4j" {
		n := cfg.DependencyGraph.Neo4j
		graph, err := repo.NewNeo4jGraph(ctx, n.URI, n.Username, n.Password, n.Database)
		if err != nil {
			return nil, err
		}
		cleanup.add(graph.Close)
		return graph, nil
	}
	static := repo.StaticGraph{}
	for _, t := range cfg.Targets {
		static[t.ID] = t.Dependencies
	}
	return static, nil
}

func openBlobs(ctx context.Context, cfg config.CheckpointConfig, db *storage.DB, cleanup *closers) (checkpoint.BlobStore, error) {
	switch cfg.Backend {
	case "filesystem":
		return checkpoint.NewFileBlobs(cfg.Directory)
	case "s3":
		return checkpoint.NewS3Blobs(ctx, cfg.S3.Bucket, cfg.S3.Region, cfg.S3.Prefix)
	case "gcs":
		blobs, err := checkpoint.NewGCSBlobs(ctx, cfg.GCS.Bucket, cfg.GCS.Prefix, cfg.GCS.CredentialsFile)
		if err != nil {
			return nil, err
		}
		cleanup.add(func(context.Context) error { return blobs.Close() })
		return blobs, nil
	default:
		return checkpoint.NewBadgerBlobs(db), nil
	}
}

// targetEndpoints resolves the control base URL of every target. A shared control plane
// serves all targets under /targets/<id>.
func targetEndpoints(cfg *config.Config) map[string]string {
	endpoints := make(map[string]string, len(cfg.Targets))
	shared := strings.TrimRight(cfg.Recovery.ControlPlaneEndpoint, "/")
	for _, t := range cfg.Targets {
		if shared != "" {
			endpoints[t.ID] = shared + "/targets/" + url.PathEscape(t.ID)
			continue
		}
		endpoints[t.ID] = t.Endpoint
	}
	return endpoints
}

func buildSinks(cfgs []config.SinkConfig, redisClient *redis.Client, logger *slog.Logger) ([]escalation.Notifier, error) {
	sinks := make([]escalation.Notifier, 0, len(cfgs))
	for _, sc := range cfgs {
		switch sc.Type {
		case "webhook":
			sinks = append(sinks, escalation.NewWebhookSink(sc.URL, sc.Timeout))
		case "redis":
			if redisClient == nil {
				logger.Warn("redis escalation sink skipped: cache disabled", slog.String("channel", sc.Channel))
				continue
			}
			sinks = append(sinks, escalation.NewRedisSink(redisClient, sc.Channel))
		case "file":
			sink, err := escalation.NewFileSink(sc.Directory)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, sink)
		default:
			sinks = append(sinks, escalation.NewLogSink(logger))
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, escalation.NewLogSink(logger))
	}
	return sinks, nil
}
