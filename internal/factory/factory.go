package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"master-session-service/internal/apiclient"
	"master-session-service/internal/bucketing"
	"master-session-service/internal/client"
	"master-session-service/internal/config"
	"master-session-service/internal/encryption"
	"master-session-service/internal/events"
	"master-session-service/internal/hashing"
	"master-session-service/internal/models"
	"master-session-service/internal/repository"
	redisrepo "master-session-service/internal/repository/redis"
	"master-session-service/internal/repository/scylla"
	"master-session-service/internal/service"
	"master-session-service/internal/tls"
	"master-session-service/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient
	kmsClient        *kms.Client
	apiClient        *apiclient.Client

	// Managers
	hasher            *hashing.Hasher
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager

	// Stores and services
	keyedStore     repository.KeyedStore
	eventLog       *events.SecurityEventLog
	alertStore     events.AlertStore
	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		tlsConfig := &tls.TLSConfig{
			EnableTLS:   cfg.Server.EnableTLS,
			AutoCert:    cfg.Server.AutoCert,
			Domain:      cfg.Server.Domain,
			CertFile:    cfg.Server.CertFile,
			KeyFile:     cfg.Server.KeyFile,
			AutoCertDir: cfg.Server.AutoCertDir,
			Email:       cfg.Server.Email,
			Environment: cfg.Environment,
		}
		factory.tlsManager = tls.NewTLSManager(tlsConfig)
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := factory.initializeManagers(); err != nil {
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}

	factory.initializeEventLog()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("store_backend", cfg.Auth.StoreBackend),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
	)

	return factory, nil
}

// initializeClients initializes external service clients with health checks.
// The backend selected by AUTH_STORE_BACKEND is mandatory; the event sinks
// degrade to whatever subset came up.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	switch f.config.Auth.StoreBackend {
	case "scylla":
		if sc, err := scylla.NewScyllaClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
		} else {
			f.scyllaClient = sc
			if err := f.scyllaClient.HealthCheck(); err != nil {
				initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
			} else {
				f.keyedStore = scylla.NewKeyedStore(f.scyllaClient)
				util.Info("ScyllaDB keyed store initialized and healthy")
			}
		}
	default:
		if rc, err := client.NewRedisClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
		} else {
			f.redisClient = rc
			if err := f.redisClient.HealthCheck(ctx); err != nil {
				initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
			} else {
				f.keyedStore = redisrepo.NewKeyedStore(f.redisClient)
				util.Info("Redis keyed store initialized and healthy")
			}
		}
	}

	// Kafka
	if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
		util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
	} else {
		f.kafkaProducer = producer
		util.Info("Kafka producer initialized")
	}

	// Elasticsearch
	if es, err := client.NewElasticsearchClient(f.config, util.Get()); err != nil {
		util.Warn("Elasticsearch initialization failed - alerts will not be persisted", util.ErrorField(err))
	} else {
		f.esClient = es
		if err := f.esClient.HealthCheck(); err != nil {
			util.Warn("Elasticsearch unhealthy - alerts will not be persisted", util.ErrorField(err))
			f.esClient = nil
		} else {
			util.Info("Elasticsearch client initialized and healthy")
		}
	}

	// ClickHouse
	if ch, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
		util.Warn("ClickHouse initialization failed - proceeding without indexed events", util.ErrorField(err))
	} else {
		f.clickhouseClient = ch
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			util.Warn("ClickHouse unhealthy - proceeding without indexed events", util.ErrorField(err))
			f.clickhouseClient = nil
		} else {
			util.Info("ClickHouse client initialized and healthy")
		}
	}

	// KMS
	if f.config.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			initErrors = append(initErrors, fmt.Errorf("kms: %w", err))
		} else {
			f.kmsClient = kms.NewFromConfig(awsCfg)
			util.Info("KMS client initialized", util.String("region", f.config.KMS.Region))
		}
	}

	f.apiClient = apiclient.NewClient(f.config, util.Get())

	if f.keyedStore == nil {
		initErrors = append(initErrors,
			fmt.Errorf("no keyed store available for backend %q", f.config.Auth.StoreBackend))
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
		if f.keyedStore == nil {
			return fmt.Errorf("no keyed store available for backend %q", f.config.Auth.StoreBackend)
		}
	}

	return nil
}

// initializeManagers initializes hashing, encryption, and bucketing managers
func (f *Factory) initializeManagers() error {
	f.hasher = hashing.NewHasher(f.config)

	encryptionManager, err := encryption.NewEncryptionManager(f.config, f.kmsClient)
	if err != nil {
		return err
	}
	f.encryptionManager = encryptionManager
	f.bucketingManager = bucketing.NewBucketingManager(f.config)

	util.Info("Managers initialized successfully",
		util.Bool("hashing_initialized", f.hasher != nil),
		util.Bool("encryption_initialized", f.encryptionManager != nil),
		util.Bool("bucketing_initialized", f.bucketingManager != nil),
	)
	return nil
}

// initializeEventLog wires the security event log to whatever sinks are up.
func (f *Factory) initializeEventLog() {
	var sinks []events.EventSink
	if f.kafkaProducer != nil {
		sinks = append(sinks, events.NewKafkaSink(f.kafkaProducer, f.config.Events.KafkaTopic))
	}
	if f.clickhouseClient != nil {
		sinks = append(sinks, events.NewClickHouseSink(f.clickhouseClient, f.config.Events.ClickhouseTable))
	}

	var sink events.EventSink
	switch len(sinks) {
	case 0:
		sink = events.NopSink{}
		util.Warn("No durable event sinks available, events stay in memory only")
	case 1:
		sink = sinks[0]
	default:
		sink = events.NewMultiSink(sinks...)
	}

	if f.esClient != nil {
		f.alertStore = events.NewESAlertStore(f.esClient, f.config.Events.AlertIndex)
	}

	f.eventLog = events.NewSecurityEventLog(f.config, sink, f.alertStore, f.bucketingManager, util.Get())

	// Severe events always leave a trace in the service log even when the
	// alert store is down.
	f.eventLog.RegisterAlertHandler(func(event models.SecurityEvent) {
		util.Warn("Security alert",
			util.String("event_type", event.EventType),
			util.String("level", event.Level),
			util.String("user_id", event.UserID),
			util.String("message", event.Message),
		)
	})
}

// ServiceFactory returns the lazily built service factory.
func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		f.serviceFactory = service.NewServiceFactory(
			f.keyedStore,
			f.hasher,
			f.encryptionManager,
			f.eventLog,
			service.NewAPIVerifier(f.apiClient),
			f.config,
			util.Get(),
		)
	}
	return f.serviceFactory
}

// HealthCheck reports the state of every dependency.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	switch f.config.Auth.StoreBackend {
	case "scylla":
		if f.scyllaClient != nil {
			if err := f.scyllaClient.HealthCheck(); err != nil {
				healthErrors["scylla"] = err
			}
		} else {
			healthErrors["scylla"] = fmt.Errorf("scylla client not initialized")
		}
	default:
		if f.redisClient != nil {
			if err := f.redisClient.HealthCheck(ctx); err != nil {
				healthErrors["redis"] = err
			}
		} else {
			healthErrors["redis"] = fmt.Errorf("redis client not initialized")
		}
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}
	if f.esClient != nil {
		if err := f.esClient.HealthCheck(); err != nil {
			healthErrors["elasticsearch"] = err
		}
	}
	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	}

	if f.hasher == nil {
		healthErrors["hasher"] = fmt.Errorf("hasher not initialized")
	}
	if f.encryptionManager == nil {
		healthErrors["encryption"] = fmt.Errorf("encryption manager not initialized")
	}
	if f.eventLog == nil {
		healthErrors["event_log"] = fmt.Errorf("event log not initialized")
	}

	return healthErrors
}

// HealthStatus renders the health check for the HTTP endpoint.
func (f *Factory) HealthStatus() map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status := map[string]string{
		"store":     "healthy",
		"event_log": "healthy",
	}
	for name, err := range f.HealthCheck(ctx) {
		switch name {
		case "redis", "scylla":
			status["store"] = err.Error()
		case "event_log":
			status["event_log"] = err.Error()
		default:
			status[name] = err.Error()
		}
	}
	return status
}

func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	// Sinks are best effort; only the keyed store gates readiness.
	delete(healthErrors, "kafka")
	delete(healthErrors, "elasticsearch")
	delete(healthErrors, "clickhouse")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		// Stop session monitors before the stores they poll go away.
		if f.serviceFactory != nil {
			f.serviceFactory.Cleanup()
			util.Info("Service factory cleaned up")
		}

		// Final flush runs before the sink clients close.
		if f.eventLog != nil {
			f.eventLog.Close()
			util.Info("Event log flushed and closed")
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
			util.Info("Elasticsearch client closed")
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
			util.Info("ScyllaDB client closed")
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
			util.Info("Encryption manager cache cleared")
		}

		util.Sync()
		util.Info("Factory shutdown completed")
	})

	return nil
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

func (f *Factory) EventLog() *events.SecurityEventLog {
	return f.eventLog
}

func (f *Factory) AlertStore() events.AlertStore {
	return f.alertStore
}

func (f *Factory) Hasher() *hashing.Hasher {
	return f.hasher
}

func (f *Factory) EncryptionManager() *encryption.EncryptionManager {
	return f.encryptionManager
}

func (f *Factory) BucketingManager() *bucketing.BucketingManager {
	return f.bucketingManager
}
