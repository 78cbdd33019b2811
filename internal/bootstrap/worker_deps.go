package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	httpadapter "intake_server/adapter/in/http"
	"intake_server/adapter/out/extract"
	"intake_server/adapter/out/messaging"
	"intake_server/adapter/out/mongodb"
	"intake_server/adapter/out/persistence"
	"intake_server/adapter/out/provider"
	"intake_server/adapter/out/realtime"
	"intake_server/adapter/out/storage"
	"intake_server/config"
	"intake_server/core/agent/llm"
	"intake_server/core/port/in"
	"intake_server/core/port/out"
	"intake_server/core/service/auth"
	"intake_server/core/service/ingest"
	"intake_server/core/service/intake"
	"intake_server/core/service/prefilter"
	"intake_server/core/service/scoring"
	"intake_server/core/service/watch"
	"intake_server/infra/database"
	"intake_server/pkg/cache"
	"intake_server/pkg/crypto"
	"intake_server/pkg/logger"
	"intake_server/pkg/metrics"
)

const connectTimeout = 15 * time.Second

type Dependencies struct {
	Config  *config.Config
	DB      *pgxpool.Pool
	SQLDB   *sqlx.DB
	Redis   *redis.Client
	MongoDB *mongo.Client
	AMQP    *amqp.Connection

	// Repositories
	ConnectionRepo *persistence.ConnectionAdapter
	InboundRepo    *persistence.InboundAdapter
	CandidateRepo  *persistence.CandidateAdapter
	JobRepo        *persistence.JobAdapter
	ScoreRepo      *persistence.ScoreAdapter
	OAuthStates    *persistence.RedisOAuthStateStore // nil without Redis

	// Providers
	GmailProvider *provider.GmailAdapter
	LLMClient     *llm.Client
	Storage       out.FileStorage
	Extractor     *extract.DocconvExtractor

	// Infrastructure
	Locker       out.Locker
	ScoringQueue out.ScoringQueue // nil: inline scoring
	Notifier     out.NotificationSink
	Meter        out.UsageMeter
	UsageMeter   *realtime.RedisUsageMeter // nil without Redis

	// Services
	Tokens      *auth.TokenManager
	Connections *auth.ConnectionService
	Prefilter   *prefilter.Engine
	Processor   *ingest.Processor
	Scorer      *scoring.Scorer
	Dispatcher  in.ScoringDispatcher
	SyncService *intake.SyncService
	Watches     *watch.Manager
	Janitor     *ingest.Janitor
}

func NewDependencies(cfg *config.Config) (*Dependencies, func(), error) {
	deps := &Dependencies{Config: cfg}
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	// Postgres (pgxpool + sqlx over the same pool)
	db, err := database.NewPostgres(ctx, cfg.DatabaseURL, database.DefaultPostgresConfig(cfg.DBMaxConns))
	if err != nil {
		return fail(err)
	}
	deps.DB = db
	cleanups = append(cleanups, db.Close)

	deps.SQLDB = database.NewSQLX(db)
	cleanups = append(cleanups, func() { deps.SQLDB.Close() })

	if err := persistence.Migrate(ctx, deps.SQLDB); err != nil {
		return fail(fmt.Errorf("migrate: %w", err))
	}
	if err := metrics.RegisterPool("postgres", func() metrics.PoolStats { return metrics.PgxPoolStats(db) }); err != nil {
		logger.WithError(err).Warn("postgres pool metrics not registered")
	}

	// Redis (optional: dedup, locks, queue, notifications, metering)
	if cfg.RedisURL != "" {
		rdb, err := database.NewRedis(ctx, cfg.RedisURL, database.DefaultRedisConfig())
		if err != nil {
			logger.WithError(err).Warn("Redis connection failed, running without Redis")
		} else {
			deps.Redis = rdb
			cleanups = append(cleanups, func() { rdb.Close() })
		}
	}

	// Token cipher
	cipher, err := crypto.NewTokenCipher(cfg.EncryptionKey)
	if err != nil {
		if cfg.IsProduction() {
			return fail(fmt.Errorf("token encryption: %w", err))
		}
		logger.Warn("ENCRYPTION_KEY not set, OAuth tokens are stored unencrypted")
	}

	// Repositories
	deps.ConnectionRepo = persistence.NewConnectionAdapter(deps.SQLDB, cipher)
	deps.InboundRepo = persistence.NewInboundAdapter(deps.SQLDB)
	deps.CandidateRepo = persistence.NewCandidateAdapter(deps.SQLDB)
	deps.JobRepo = persistence.NewJobAdapter(deps.SQLDB)
	deps.ScoreRepo = persistence.NewScoreAdapter(deps.SQLDB)
	if deps.Redis != nil {
		deps.OAuthStates = persistence.NewRedisOAuthStateStore(deps.Redis)
	}

	// Résumé storage
	if err := deps.initStorage(cfg, &cleanups); err != nil {
		return fail(err)
	}

	// Providers
	deps.GmailProvider = provider.NewGmailAdapter(&provider.GmailConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
		ProjectID:    cfg.GoogleProjectID,
		TopicName:    cfg.PushTopic(),
	})
	if cfg.OpenAIAPIKey == "" {
		logger.Warn("OPENAI_API_KEY not set, classification and scoring calls will fail")
	}
	deps.LLMClient = llm.NewClientWithConfig(llm.ClientConfig{
		APIKey:      cfg.OpenAIAPIKey,
		Model:       cfg.LLMModel,
		MaxTokens:   cfg.LLMMaxTokens,
		Temperature: cfg.LLMTemperature,
		Timeout:     time.Duration(cfg.LLMTimeoutSec) * time.Second,
	})
	deps.Extractor = extract.NewDocconvExtractor()

	// Locks, notifications, metering
	zlog := logger.Component("intake")
	if deps.Redis != nil {
		deps.Locker = cache.NewRedisLocker(deps.Redis)
		deps.Notifier = realtime.NewRedisNotifier(deps.Redis, zlog)
		deps.UsageMeter = realtime.NewRedisUsageMeter(deps.Redis)
		deps.Meter = deps.UsageMeter
	} else {
		deps.Locker = cache.NewMemoryLocker()
		deps.Notifier = realtime.NewLogNotifier(zlog)
		deps.Meter = realtime.NewLogUsageMeter(zlog)
	}

	// Scoring queue
	if err := deps.initScoringQueue(cfg, &cleanups); err != nil {
		return fail(err)
	}

	// Services
	deps.Tokens = auth.NewTokenManager(deps.ConnectionRepo, deps.GmailProvider)
	deps.Connections = auth.NewConnectionService(deps.ConnectionRepo, deps.GmailProvider)
	deps.Prefilter = prefilter.NewEngine(cfg.PrefilterAutoClassify)

	deps.Scorer = scoring.NewScorer(deps.CandidateRepo, deps.JobRepo, deps.ScoreRepo, deps.LLMClient, deps.Meter)
	deps.Dispatcher = scoring.NewDispatcher(deps.ScoringQueue, deps.Scorer)

	deps.Processor = ingest.NewProcessor(ingest.Deps{
		Inbound:    deps.InboundRepo,
		Candidates: deps.CandidateRepo,
		Jobs:       deps.JobRepo,
		Reader:     deps.GmailProvider,
		Tokens:     deps.Tokens,
		AI:         deps.LLMClient,
		Storage:    deps.Storage,
		Extractor:  deps.Extractor,
		Dispatcher: deps.Dispatcher,
		Meter:      deps.Meter,
		Prefilter:  deps.Prefilter,
	}, ingest.Config{
		ImportThreshold:         cfg.ImportConfidenceThreshold,
		MinExtractionConfidence: cfg.MinExtractionConfidence,
	})

	deps.SyncService = intake.NewSyncService(
		deps.ConnectionRepo,
		deps.InboundRepo,
		deps.GmailProvider,
		deps.GmailProvider,
		deps.Tokens,
		deps.Processor,
		deps.Notifier,
		cfg.PollPageSize,
		cfg.SyncConcurrency,
	).WithLocker(deps.Locker)

	deps.Watches = watch.NewManager(deps.ConnectionRepo, deps.GmailProvider, deps.Tokens).WithWindow(cfg.WatchRenewWindow)
	deps.Connections.SetConnectHook(watch.OnConnect(deps.Watches, deps.SyncService))
	deps.Connections.SetDisconnectHook(deps.Watches.Cancel)

	deps.Janitor = ingest.NewJanitor(deps.InboundRepo, cfg.RecordRetentionDays)

	logger.Info("dependencies ready (redis=%v storage=%s scoring=%s)", deps.Redis != nil, cfg.StorageBackend, cfg.ScoringQueue)
	return deps, cleanup, nil
}

// initStorage picks GridFS when MongoDB is configured, local disk otherwise.
func (d *Dependencies) initStorage(cfg *config.Config, cleanups *[]func()) error {
	if cfg.StorageBackend == "gridfs" && cfg.MongoDBURL != "" {
		client, err := mongodb.NewClient(cfg.MongoDBURL)
		if err != nil {
			logger.WithError(err).Warn("MongoDB connection failed, falling back to local storage")
		} else {
			d.MongoDB = client
			*cleanups = append(*cleanups, func() { client.Disconnect(context.Background()) })

			gfs, err := mongodb.NewResumeStorage(client.Database(cfg.MongoDBName))
			if err != nil {
				return fmt.Errorf("gridfs: %w", err)
			}
			d.Storage = gfs
			return nil
		}
	}

	local, err := storage.NewLocalStorage(cfg.StorageLocalDir)
	if err != nil {
		return fmt.Errorf("local storage: %w", err)
	}
	d.Storage = local
	return nil
}

// initScoringQueue wires the configured broker. A broker that cannot be
// reached degrades to inline scoring.
func (d *Dependencies) initScoringQueue(cfg *config.Config, cleanups *[]func()) error {
	switch cfg.ScoringQueue {
	case config.QueueRedis:
		if d.Redis == nil {
			logger.Warn("scoring queue redis unavailable, scoring inline")
			return nil
		}
		d.ScoringQueue = messaging.NewRedisScoringQueue(d.Redis)

	case config.QueueAMQP:
		conn, err := messaging.DialAMQP(cfg.AMQPURL)
		if err != nil {
			logger.WithError(err).Warn("RabbitMQ unavailable, scoring inline")
			return nil
		}
		d.AMQP = conn
		*cleanups = append(*cleanups, func() { conn.Close() })

		q, err := messaging.NewAMQPScoringQueue(conn)
		if err != nil {
			return fmt.Errorf("amqp scoring queue: %w", err)
		}
		*cleanups = append(*cleanups, func() { q.Close() })
		d.ScoringQueue = q
	}
	return nil
}

// HealthChecks lists the stores /ready pings. Unconfigured stores are
// reported, not failed.
func (d *Dependencies) HealthChecks() map[string]httpadapter.HealthChecker {
	checks := map[string]httpadapter.HealthChecker{
		"postgres": d.DB,
		"redis":    nil,
		"mongodb":  nil,
	}
	if d.Redis != nil {
		rdb := d.Redis
		checks["redis"] = httpadapter.HealthCheckFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
	}
	if d.MongoDB != nil {
		client := d.MongoDB
		checks["mongodb"] = httpadapter.HealthCheckFunc(func(ctx context.Context) error {
			return client.Ping(ctx, nil)
		})
	}
	if d.AMQP != nil {
		conn := d.AMQP
		checks["rabbitmq"] = httpadapter.HealthCheckFunc(func(ctx context.Context) error {
			if conn.IsClosed() {
				return amqp.ErrClosed
			}
			return nil
		})
	}
	return checks
}
