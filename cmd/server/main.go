package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/programme-lv/grader/blobstore"
	"github.com/programme-lv/grader/callback"
	"github.com/programme-lv/grader/conf"
	"github.com/programme-lv/grader/dlcache"
	"github.com/programme-lv/grader/event"
	"github.com/programme-lv/grader/eventbus"
	"github.com/programme-lv/grader/grading"
	"github.com/programme-lv/grader/http"
	"github.com/programme-lv/grader/metrics"
	"github.com/programme-lv/grader/sandbox"
	"github.com/programme-lv/grader/strategy"
	"github.com/programme-lv/grader/tracing"
)

var version = "dev"

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := conf.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	if err := run(cfg); err != nil {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *conf.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.OTLPEndpoint != "" {
		tp, err := tracing.NewTracerProvider(ctx, "grader", cfg.OTLPEndpoint)
		if err != nil {
			return err
		}
		defer tp.Shutdown(context.Background())
	}

	m := metrics.New()

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.AWSRegion))
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}

	tr, err := dialTransport(ctx, cfg, m)
	if err != nil {
		return err
	}

	var files blobstore.Store
	if cfg.BlobBucket != "" {
		files = blobstore.NewS3Bucket(awsCfg, cfg.BlobBucket)
	} else {
		files, err = blobstore.NewLocalDir(cfg.BlobDir)
		if err != nil {
			return err
		}
	}

	cache, err := dlcache.New(files, cfg.CacheDir, dlcache.WithTTL(cfg.CacheTTL), dlcache.WithMetrics(m))
	if err != nil {
		return err
	}
	defer cache.Close()

	repo, closeRepo, err := openRepo(ctx, cfg, awsCfg)
	if err != nil {
		return err
	}
	defer closeRepo()

	sb := sandbox.NewClient(cfg.SandboxURL, nil)
	trackerOpts := []callback.Option{
		callback.WithMetrics(m),
		callback.WithDeadline(cfg.CallbackDeadline),
	}
	var results blobstore.Store
	if cfg.ResultBucket != "" {
		results = blobstore.NewS3Bucket(awsCfg, cfg.ResultBucket)
		trackerOpts = append(trackerOpts, callback.WithArchive(results))
	}
	tracker := callback.NewTracker(repo, sb, trackerOpts...)

	tokenTTL := 24 * time.Hour
	if cfg.CallbackDeadline > 0 {
		tokenTTL = cfg.CallbackDeadline
	}
	signer := callback.NewSigner(cfg.CallbackSecret, tokenTTL)

	registry := buildRegistry(cfg, tracker, sb, signer)
	if len(registry) == 0 {
		return errors.New("no grading plugin is configured")
	}

	svc := grading.NewService(registry, cache, grading.BusPublisher{Transporter: tr},
		grading.WithMaxParallel(cfg.MaxParallelCriteria),
		grading.WithMetrics(m),
	)
	if err := svc.Consume(ctx, tr); err != nil {
		return err
	}
	if cfg.Transport == conf.TransportMemory {
		if err := logOutcomes(ctx, tr); err != nil {
			return err
		}
	}
	if err := tr.Bind(ctx, event.TopicCriterionGraded, event.TopicCriterionFailed); err != nil {
		return err
	}

	server := http.NewHttpServer(tracker, signer, tr, svc.Validate, m, http.Options{
		Results:        results,
		AllowedOrigins: cfg.CORSOrigins,
		LogLevel:       cfg.SlogLevel(),
		Version:        version,
		Env:            cfg.Env,
	})

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server", "address", cfg.HTTPAddr, "plugins", len(registry))
		errCh <- server.Start(cfg.HTTPAddr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(
		runErr,
		server.Shutdown(shutdownCtx),
		svc.Shutdown(shutdownCtx),
		tr.Shutdown(shutdownCtx),
	)
}

func dialTransport(ctx context.Context, cfg *conf.Config, m *metrics.Metrics) (*eventbus.Transporter, error) {
	var tf event.Transformer = event.JSONTransformer{}
	if cfg.Envelope == conf.EnvelopeInterop {
		tf = event.NewEnvelopeTransformer()
	}
	return eventbus.Dial(ctx, eventbus.Options{
		Kind:               cfg.Transport,
		URL:                cfg.TransportURL,
		Transformer:        tf,
		Exchange:           cfg.AMQPExchange,
		DeadLetterExchange: cfg.DeadLetterExchange,
		Prefetch:           cfg.ConsumerPrefetch,
		Logger:             slog.Default().With("module", "eventbus"),
		Metrics:            m,
	})
}

func openRepo(ctx context.Context, cfg *conf.Config, awsCfg aws.Config) (callback.Repo, func(), error) {
	switch cfg.Store {
	case conf.StorePostgres:
		connStr, err := conf.GetPgConnStrFromEnv(ctx)
		if err != nil {
			return nil, nil, err
		}
		pool, err := pgxpool.New(ctx, connStr)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		repo := callback.NewPgRepo(pool)
		if err := repo.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return repo, pool.Close, nil
	case conf.StoreDynamoDB:
		return callback.NewDynamoDbRepo(dynamodb.NewFromConfig(awsCfg), cfg.DynamoTable), func() {}, nil
	default:
		return callback.NewInMemRepo(), func() {}, nil
	}
}

// buildRegistry enables every plugin whose backing service is configured.
func buildRegistry(cfg *conf.Config, tracker *callback.Tracker, sb *sandbox.Client, signer *callback.Signer) grading.Registry {
	registry := grading.Registry{}
	if cfg.SandboxURL != "" {
		registry[event.PluginTestRunner] = &strategy.TestRunner{
			Tracker:   tracker,
			Sandbox:   sb,
			Signer:    signer,
			PublicURL: cfg.PublicURL,
		}
	}
	if cfg.AnalysisURL != "" {
		registry[event.PluginStaticAnalysis] = &strategy.StaticAnalysis{Engine: strategy.NewEngineClient(cfg.AnalysisURL, nil)}
	}
	if cfg.CoverageURL != "" {
		registry[event.PluginTypeCoverage] = &strategy.TypeCoverage{Engine: strategy.NewEngineClient(cfg.CoverageURL, nil)}
	}
	if cfg.LLMURL != "" {
		registry[event.PluginAIGrader] = &strategy.AIGrader{LLM: strategy.NewLLMClient(cfg.LLMURL, cfg.LLMModel, nil)}
	}
	return registry
}

// logOutcomes stands in for downstream consumers when running on the
// in-process broker.
func logOutcomes(ctx context.Context, tr *eventbus.Transporter) error {
	log := slog.Default().With("module", "outcomes")
	err := eventbus.Consume(ctx, tr, event.CriterionGradedEvent, func(_ context.Context, e event.CriterionGraded) error {
		log.Info("criterion graded", "assessment_id", e.AssessmentID, "criterion", e.CriterionName, "score", e.Score)
		return nil
	})
	if err != nil {
		return err
	}
	return eventbus.Consume(ctx, tr, event.CriterionFailedEvent, func(_ context.Context, e event.CriterionFailed) error {
		log.Warn("criterion failed", "assessment_id", e.AssessmentID, "criterion", e.CriterionName, "message", e.Message)
		return nil
	})
}
