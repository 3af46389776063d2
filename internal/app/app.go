// Package app は設定からサービス群を組み立てます。API サーバーとワーカーの両方が使います。
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/yourusername/doc-forge/internal/config"
	"github.com/yourusername/doc-forge/internal/convert"
	"github.com/yourusername/doc-forge/internal/database"
	"github.com/yourusername/doc-forge/internal/documents"
	"github.com/yourusername/doc-forge/internal/jobs"
	"github.com/yourusername/doc-forge/internal/storage"
)

const (
	workerShutdownTimeout = 30 * time.Second
	reaperBatchSize       = 100
)

// App は組み立て済みのサービス群です。
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Documents *documents.Service
	Registry  *jobs.Registry
	Bridge    *jobs.Bridge
	Worker    *jobs.Worker
	Manager   *jobs.Manager
	Status    *jobs.StatusService
	Reaper    *jobs.Reaper

	pool  *pgxpool.Pool
	redis *redis.Client

	stopReaper context.CancelFunc
	reaperDone chan struct{}
}

// New は接続を確立し、マイグレーションを適用してサービスを組み立てます。
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required for the document registry")
	}
	if err := os.MkdirAll(cfg.WorkDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}

	a := &App{Config: cfg, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	pool, err := database.Connect(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, err
	}
	a.pool = pool
	if err := database.Migrate(ctx, pool, logger); err != nil {
		return nil, err
	}

	blobs, err := newBlobs(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := blobs.EnsureBuckets(ctx, documents.Buckets()); err != nil {
		return nil, fmt.Errorf("failed to prepare buckets: %w", err)
	}
	a.Documents = documents.NewService(documents.NewPostgresStore(pool), blobs, documents.Options{
		MaxFileSize: cfg.MaxFileSize,
		TempDir:     cfg.WorkDir,
	}, logger)

	store, err := a.newTaskStore(cfg)
	if err != nil {
		return nil, err
	}
	a.Registry = jobs.NewRegistry(store, a.Documents, jobs.RegistryOptions{
		// asynq の再試行と合わせて、初回 + 再試行回数まで claim を許す
		MaxAttempts: cfg.QueueMaxRetry + 1,
	}, logger)

	redisOpt, err := asynq.ParseRedisURI(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid QUEUE_REDIS_URL: %w", err)
	}
	a.Bridge = jobs.NewBridge(redisOpt, jobs.BridgeOptions{
		Concurrency:     cfg.WorkerConcurrency,
		MaxRetry:        cfg.QueueMaxRetry,
		Timeout:         cfg.VisibilityTimeout(),
		ShutdownTimeout: workerShutdownTimeout,
	}, logger)

	converter := convert.NewService(convert.Options{SofficePath: cfg.SofficePath}, logger)
	a.Worker = jobs.NewWorker(a.Registry, a.Documents, converter, jobs.WorkerOptions{
		WorkDir:          cfg.WorkDir,
		ConvertTimeout:   cfg.ConvertTimeout(),
		ProgressInterval: cfg.ProgressInterval(),
	}, logger)

	a.Manager, err = jobs.NewManager(a.Registry, a.Bridge, a.Worker, jobs.ManagerOptions{
		SyncThresholdBytes: cfg.SyncThresholdBytes,
	}, logger)
	if err != nil {
		return nil, err
	}
	a.Status = jobs.NewStatusService(a.Registry, cfg.StatusCacheSize, cfg.TaskRetention())
	a.Reaper = jobs.NewReaper(a.Registry, a.Bridge, jobs.ReaperOptions{
		Interval:   cfg.ReaperInterval(),
		StaleAfter: cfg.StaleTaskThreshold(),
		Retention:  cfg.TaskRetention(),
		BatchSize:  reaperBatchSize,
	}, logger)

	ok = true
	return a, nil
}

func newBlobs(ctx context.Context, cfg *config.Config) (storage.Blobs, error) {
	switch cfg.StorageBackend {
	case config.StorageS3:
		return storage.NewS3(ctx, storage.S3Config{
			Endpoint:     cfg.S3Endpoint,
			Region:       cfg.S3Region,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			BucketPrefix: cfg.S3BucketPrefix,
		})
	default:
		return storage.NewLocal(cfg.StorageDir)
	}
}

func (a *App) newTaskStore(cfg *config.Config) (jobs.Store, error) {
	if cfg.TaskStore == config.TaskStorePostgres {
		return jobs.NewPostgresStore(a.pool), nil
	}
	opt, err := redis.ParseURL(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid QUEUE_REDIS_URL: %w", err)
	}
	a.redis = redis.NewClient(opt)
	return jobs.NewRedisStore(a.redis, cfg.TaskRetention()), nil
}

// StartWorkers はキューの消費と回収処理を開始します。
func (a *App) StartWorkers(ctx context.Context) error {
	a.Bridge.OnDeadLetter(jobs.FailOnDeadLetter(a.Registry, a.Logger))
	if err := a.Bridge.Start(a.Worker); err != nil {
		return err
	}

	reaperCtx, cancel := context.WithCancel(ctx)
	a.stopReaper = cancel
	a.reaperDone = make(chan struct{})
	go func() {
		defer close(a.reaperDone)
		a.Reaper.Run(reaperCtx)
	}()
	return nil
}

// Close はワーカーを止め、接続を閉じます。
func (a *App) Close() {
	if a.stopReaper != nil {
		a.stopReaper()
		<-a.reaperDone
	}
	if a.Bridge != nil {
		a.Bridge.Shutdown()
		if err := a.Bridge.Close(); err != nil {
			a.Logger.Warn("failed to close queue client", slog.Any("error", err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.Logger.Warn("failed to close redis client", slog.Any("error", err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
