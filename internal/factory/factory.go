// Package factory wires the application together: configuration, logging,
// external clients, the OTP core and the auth service, with a single ordered
// shutdown path.
package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"golang.org/x/sync/errgroup"

	"assist-auth/internal/bucketing"
	"assist-auth/internal/client"
	"assist-auth/internal/config"
	"assist-auth/internal/encryption"
	"assist-auth/internal/events"
	"assist-auth/internal/notify"
	"assist-auth/internal/otp"
	"assist-auth/internal/repository/scylla"
	"assist-auth/internal/secret"
	"assist-auth/internal/service"
	"assist-auth/internal/tls"
	"assist-auth/internal/token"
	"assist-auth/internal/util"
)

// Factory manages the lifecycle of all application dependencies.
type Factory struct {
	config     *config.Config
	tlsManager *tls.Manager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	clickhouseClient *client.ClickHouseClient

	// Managers
	encryptionManager *encryption.Manager
	bucketingManager  *bucketing.Manager
	tokenManager      *token.Manager

	// Core
	secretStore    secret.Store
	memoryStore    *secret.MemoryStore
	otpService     *otp.Service
	userRepository scylla.UserRepository
	publisher      *events.Publisher
	notifier       notify.Notifier
	authService    *service.AuthService

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory loads configuration and initializes every dependency. In
// production any client failure is fatal; in development optional backends
// degrade with a warning.
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	f := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		f.tlsManager = tls.NewManager(&tls.Config{
			EnableTLS:   cfg.Server.EnableTLS,
			AutoCert:    cfg.Server.AutoCert,
			Domain:      cfg.Server.Domain,
			CertFile:    cfg.Server.CertFile,
			KeyFile:     cfg.Server.KeyFile,
			AutoCertDir: cfg.Server.AutoCertDir,
			Email:       cfg.Server.Email,
		})
	}

	if err := f.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := f.initializeCore(); err != nil {
		return nil, fmt.Errorf("failed to initialize core services: %w", err)
	}

	util.Info("Factory initialized",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.Bool("scylla_available", f.scyllaClient != nil),
		util.Bool("kafka_available", f.kafkaProducer != nil),
		util.Bool("clickhouse_available", f.clickhouseClient != nil),
	)

	return f, nil
}

// initializeClients brings up the external backends, running their health
// checks in parallel. Redis is the only hard dependency outside production.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		c, err := client.NewRedisClient(f.config, util.Get())
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		if err := c.HealthCheck(gctx); err != nil {
			c.Close()
			return fmt.Errorf("redis health check: %w", err)
		}
		f.redisClient = c
		return nil
	})

	g.Go(func() error {
		c, err := scylla.NewScyllaClient(f.config)
		if err != nil {
			return fmt.Errorf("scylla: %w", err)
		}
		if err := c.HealthCheck(); err != nil {
			c.Close()
			return fmt.Errorf("scylla health check: %w", err)
		}
		f.scyllaClient = c
		return nil
	})

	g.Go(func() error {
		p, err := client.NewKafkaProducer(f.config)
		if err != nil {
			// Kafka is best-effort even in production; events fall back to
			// ClickHouse only.
			util.Warn("Kafka producer unavailable, proceeding without it", util.ErrorField(err))
			return nil
		}
		f.kafkaProducer = p
		return nil
	})

	g.Go(func() error {
		c, err := client.NewClickHouseClient(f.config)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		f.clickhouseClient = c
		return nil
	})

	if err := g.Wait(); err != nil {
		if f.config.IsProduction() {
			return err
		}
		util.Warn("Backend initialization degraded in development", util.ErrorField(err))
	}

	return nil
}

// initializeCore builds the OTP core and the auth service on top of the
// clients. The digest salt is resolved exactly once, at startup.
func (f *Factory) initializeCore() error {
	cfg := f.config

	salt, generated, err := cfg.ResolveOTPSalt()
	if err != nil {
		return err
	}
	if generated {
		util.Warn("No OTP salt configured, generated a process-lifetime salt; " +
			"outstanding codes will not survive a restart")
	}

	if f.redisClient != nil {
		f.secretStore = secret.NewRedisStore(f.redisClient)
	} else {
		// Development fallback: a single-process store, useful for local
		// work without a Redis instance.
		f.memoryStore = secret.NewMemoryStore(time.Minute)
		f.secretStore = f.memoryStore
		util.Warn("Redis unavailable, using in-memory secret store")
	}

	f.otpService = otp.NewService(f.secretStore, salt, otp.Params{
		CodeLength:  cfg.OTP.CodeLength,
		TTL:         cfg.OTP.TTL,
		Cooldown:    cfg.OTP.Cooldown,
		MaxAttempts: cfg.OTP.MaxAttempts,
		LockFor:     cfg.OTP.LockFor,
	})

	var kmsClient *kms.Client
	if cfg.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(cfg.KMS.Region))
		if err != nil {
			return fmt.Errorf("failed to load AWS config: %w", err)
		}
		kmsClient = kms.NewFromConfig(awsCfg)
	}

	f.encryptionManager = encryption.NewManager(cfg.KMS, kmsClient)
	f.bucketingManager = bucketing.NewManager(cfg.Bucketing)

	jwtSecret := cfg.JWT.Secret
	if jwtSecret == "" {
		// Validate already rejected this in production.
		jwtSecret = "dev-only-jwt-secret"
	}
	f.tokenManager, err = token.NewManager(jwtSecret, cfg.JWT.AccessExpiry, cfg.JWT.RefreshExpiry)
	if err != nil {
		return err
	}

	if f.scyllaClient != nil {
		f.userRepository = scylla.NewUserRepository(f.scyllaClient)
	}

	f.publisher = events.NewPublisher(f.kafkaProducer, f.clickhouseClient, f.bucketingManager)

	emailSender := notify.NewEmailSender(cfg.SMTP, cfg.OTP.TTL)
	f.notifier = notify.NewDispatcher(emailSender, cfg.OTP.DevMode)

	f.authService = service.NewAuthService(service.AuthServiceParams{
		OTP:       f.otpService,
		Notifier:  f.notifier,
		Users:     f.userRepository,
		Tokens:    f.tokenManager,
		Publisher: f.publisher,
		Encryptor: f.encryptionManager,
		Buckets:   f.bucketingManager,
		Admins:    cfg.Auth.AdminIdentifiers,
		Cooldown:  cfg.OTP.Cooldown,
		LockFor:   cfg.OTP.LockFor,
	})

	return nil
}

// HealthCheck reports per-backend health.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	} else if f.memoryStore == nil {
		healthErrors["redis"] = fmt.Errorf("redis client not initialized")
	}

	if f.scyllaClient != nil {
		if err := f.scyllaClient.HealthCheck(); err != nil {
			healthErrors["scylla"] = err
		}
	}

	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	return healthErrors
}

func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}

		if f.memoryStore != nil {
			f.memoryStore.Close()
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
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

func (f *Factory) TLSManager() *tls.Manager {
	return f.tlsManager
}

func (f *Factory) AuthService() *service.AuthService {
	return f.authService
}
