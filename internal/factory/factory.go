package factory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"rada-service/internal/bucketing"
	"rada-service/internal/client"
	"rada-service/internal/config"
	"rada-service/internal/hashing"
	"rada-service/internal/rate"
	"rada-service/internal/repository"
	"rada-service/internal/repository/memory"
	redisrepo "rada-service/internal/repository/redis"
	"rada-service/internal/service"
	"rada-service/internal/tls"
	"rada-service/internal/util"
	"rada-service/internal/worker"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	redisClient    *client.RedisClient
	kafkaProducer  *client.KafkaProducer
	clickhouse     *client.ClickHouseClient
	minmoClient    *client.MinmoClient
	telegramClient *client.TelegramClient

	// Managers
	userLocks         *bucketing.KeyedMutex
	signatureVerifier *hashing.SignatureVerifier
	oracle            *rate.Oracle
	lockManager       *rate.LockManager

	// Repositories
	sessionStore     repository.SessionStore
	correlationIndex repository.CorrelationIndex
	rateLimiter      repository.RateLimiter

	serviceFactory *service.ServiceFactory
	sweeper        *worker.SessionSweeper

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return New(cfg)
}

// New builds a factory from an already loaded configuration.
func New(cfg *config.Config) (*Factory, error) {
	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		factory.tlsManager = tls.NewTLSManager(&tls.TLSConfig{
			EnableTLS:   cfg.Server.EnableTLS,
			AutoCert:    cfg.Server.AutoCert,
			Domain:      cfg.Server.Domain,
			CertFile:    cfg.Server.CertFile,
			KeyFile:     cfg.Server.KeyFile,
			AutoCertDir: cfg.Server.AutoCertDir,
			Email:       cfg.Server.Email,
			Environment: cfg.Environment,
		})
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	if err := factory.initializeRepositories(); err != nil {
		return nil, fmt.Errorf("failed to initialize repositories: %w", err)
	}
	factory.initializeManagers()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("redis_enabled", factory.redisClient != nil),
		util.Bool("kafka_enabled", factory.kafkaProducer != nil),
		util.Bool("ledger_enabled", factory.clickhouse != nil),
	)

	return factory, nil
}

// initializeClients initializes all external service clients with health checks
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis
	if f.config.RedisEnabled() {
		if c, err := client.NewRedisClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
		} else if err := c.HealthCheck(ctx); err != nil {
			_ = c.Close()
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		} else {
			f.redisClient = c
			util.Info("Redis client initialized and healthy")
		}
	} else if f.config.IsProduction() {
		initErrors = append(initErrors, errors.New("redis: REDIS_URL is required in production"))
	}

	// Kafka
	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
		}
	}

	// ClickHouse
	if f.config.ClickHouseEnabled() {
		if c, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
			util.Warn("ClickHouse initialization failed - settlement ledger disabled", util.ErrorField(err))
		} else {
			f.clickhouse = c
		}
	}

	f.minmoClient = client.NewMinmoClient(f.config, util.Get())
	f.telegramClient = client.NewTelegramClient(f.config, util.Get())

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %w", errors.Join(initErrors...))
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning, using in-memory stores", util.ErrorField(err))
		}
	}

	return nil
}

// initializeRepositories picks Redis-backed stores when Redis is up and
// in-memory ones otherwise.
func (f *Factory) initializeRepositories() error {
	p := f.config.Payment
	indexTTL := 2 * p.SessionTTL

	if f.redisClient != nil {
		f.sessionStore = redisrepo.NewSessionStore(f.redisClient, p.SessionTTL)
		f.correlationIndex = redisrepo.NewInvoiceIndex(f.redisClient, indexTTL)
		f.rateLimiter = redisrepo.NewRateLimitCache(f.redisClient, f.config.Telegram.MessagesPerMinute, time.Minute)
		util.Info("Using Redis session store")
		return nil
	}
	if f.config.IsProduction() {
		return errors.New("in-memory session store is not allowed in production")
	}

	f.sessionStore = memory.NewSessionStore(p.SessionTTL)
	f.correlationIndex = memory.NewInvoiceIndex(indexTTL)
	f.rateLimiter = memory.AllowAllLimiter{}
	util.Warn("Using in-memory session store; sessions are lost on restart")
	return nil
}

// initializeManagers initializes locking, signing and rate managers
func (f *Factory) initializeManagers() {
	p := f.config.Payment

	f.userLocks = bucketing.NewKeyedMutex(p.LockShards)
	f.signatureVerifier = hashing.NewSignatureVerifier(f.config.Minmo.WebhookSecret, f.config.Minmo.PreviousWebhookSecrets...)

	f.oracle = rate.NewOracle(f.minmoClient, util.Get(),
		rate.WithPollInterval(p.RatePollInterval),
		rate.WithMaxAge(p.RateMaxAge),
		rate.WithFallbackRate(p.FallbackRate),
	)
	f.lockManager = rate.NewLockManager(f.oracle, util.Get(), rate.WithSweepInterval(p.LockSweepInterval))

	util.Info("Managers initialized successfully",
		util.Int("lock_shards", p.LockShards),
		util.Bool("webhook_secret_configured", f.signatureVerifier.Configured()),
		util.Bool("fallback_rate_configured", p.FallbackRate.IsPositive()),
	)
}

// ==============================
// Service Factory
// ==============================
func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		p := f.config.Payment
		f.serviceFactory = service.NewServiceFactory(
			f.sessionStore,
			f.correlationIndex,
			f.rateLimiter,
			f.oracle,
			f.lockManager,
			f.minmoClient,
			f.telegramClient,
			f.eventPublisher(),
			f.userLocks,
			service.ConversationConfig{
				Limits:        service.Limits{Min: p.MinAmount, Max: p.MaxAmount},
				InvoiceExpiry: p.InvoiceExpiry,
				RateLockTTL:   p.RateLockTTL,
			},
			util.Get(),
		)
	}
	return f.serviceFactory
}

func (f *Factory) eventPublisher() service.EventPublisher {
	logger := util.Get().Named("events")

	var stream service.EventPublisher = service.NewLogPublisher(logger)
	if f.kafkaProducer != nil {
		stream = service.NewKafkaPublisher(f.kafkaProducer, f.config.Kafka.SettlementTopic, 1024, logger)
	}
	if f.clickhouse == nil {
		return stream
	}

	ch := f.config.ClickHouse
	ledger := service.NewLedgerPublisher(f.clickhouse, ch.BatchSize, ch.FlushInterval, logger.Named("ledger"))
	return service.FanoutPublisher{stream, ledger}
}

// ==============================
// Background workers
// ==============================

// StartBackground primes the rate oracle and starts the pollers and sweepers.
func (f *Factory) StartBackground(ctx context.Context) {
	f.oracle.Start(ctx)
	f.lockManager.Start()

	f.sweeper = worker.NewSessionSweeper(
		f.sessionStore,
		f.ServiceFactory().SettlementService(),
		f.config.Payment.SessionSweepInterval,
		util.Get(),
	)
	f.sweeper.Start()

	util.Info("Background workers started",
		util.Bool("rate_available", f.oracle.Healthy()),
		util.Duration("sweep_interval", f.config.Payment.SessionSweepInterval),
	)
}

// ==============================
// Health Checks
// ==============================

func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	if f.clickhouse != nil {
		if err := f.clickhouse.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	}

	if f.oracle == nil || !f.oracle.Healthy() {
		healthErrors["rate_oracle"] = rate.ErrRateUnavailable
	}
	if !f.signatureVerifier.Configured() {
		healthErrors["webhook_secret"] = errors.New("webhook secret not configured")
	}

	return healthErrors
}

// ==============================
// Other Utility Methods
// ==============================

// IsHealthy fails only on the session store and the webhook secret. The event
// sinks and the rate oracle degrade the service without taking it down.
func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	delete(healthErrors, "clickhouse")
	delete(healthErrors, "rate_oracle")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.sweeper != nil {
			f.sweeper.Stop()
		}
		if f.oracle != nil {
			f.oracle.Stop()
		}
		if f.lockManager != nil {
			f.lockManager.Stop()
		}

		if f.serviceFactory != nil {
			f.serviceFactory.Cleanup()
			util.Info("Service factory cleaned up")
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}

		if f.clickhouse != nil {
			if err := f.clickhouse.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})

	return nil
}

// StoreMode names the backing store for sessions and the invoice index.
func (f *Factory) StoreMode() string {
	if f.redisClient != nil {
		return "redis"
	}
	return "memory"
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) Oracle() *rate.Oracle {
	return f.oracle
}

func (f *Factory) SignatureVerifier() *hashing.SignatureVerifier {
	return f.signatureVerifier
}

func (f *Factory) TelegramClient() *client.TelegramClient {
	return f.telegramClient
}
