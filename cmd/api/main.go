package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/karigai/settlement/internal/di"
	"github.com/karigai/settlement/internal/handlers"
	"github.com/karigai/settlement/internal/payments"
	"github.com/karigai/settlement/internal/platform/auth"
	"github.com/karigai/settlement/internal/platform/config"
	"github.com/karigai/settlement/internal/platform/events"
	pfirestore "github.com/karigai/settlement/internal/platform/firestore"
	"github.com/karigai/settlement/internal/platform/idempotency"
	"github.com/karigai/settlement/internal/platform/inflight"
	"github.com/karigai/settlement/internal/platform/observability"
	"github.com/karigai/settlement/internal/platform/secrets"
	platformstorage "github.com/karigai/settlement/internal/platform/storage"
	"github.com/karigai/settlement/internal/repositories"
	firestoreRepo "github.com/karigai/settlement/internal/repositories/firestore"
	"github.com/karigai/settlement/internal/services"
)

const (
	couponValidateLimit  = 10
	couponValidateWindow = time.Minute
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("api")

	fetcher, err := newSecretFetcher(ctx, logger)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(fetcher),
		config.WithRequiredSecrets("Razorpay.KeySecret"),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(cfg, startedAt)

	var redisClient *redis.Client
	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close error", zap.Error(err))
			}
		}()
	}

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	registry, err := firestoreRepo.NewRegistry(firestoreProvider, time.Now, dependencyProbes(redisClient, fetcher, cfg)...)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	gateway, err := payments.NewRazorpayGateway(payments.RazorpayConfig{
		KeyID:          cfg.Razorpay.KeyID,
		KeySecret:      cfg.Razorpay.KeySecret,
		BreakerTimeout: cfg.Razorpay.BreakerTimeout,
		MaxFailures:    uint32(max(cfg.Razorpay.MaxFailures, 0)),
		Logger:         payments.Logger(observability.NewEventLogger(logger.Named("payments"))),
	})
	if err != nil {
		logger.Fatal("failed to initialise razorpay gateway", zap.Error(err))
	}

	transport, err := newEventTransport(ctx, cfg, logger.Named("events"))
	if err != nil {
		logger.Fatal("failed to initialise event transport", zap.Error(err))
	}
	defer transport.close()

	var guard inflight.Guard = inflight.NewMemoryGuard(time.Now)
	var idempotencyStore idempotency.Store = idempotency.NewFirestoreStore(firestoreProvider)
	if redisClient != nil {
		guard = inflight.NewRedisGuard(redisClient)
		idempotencyStore = idempotency.NewRedisStore(redisClient)
	}

	infra := di.Infrastructure{
		Gateway:   gateway,
		Publisher: transport.publisher,
		Guard:     guard,
		Logger:    logger,
		Build:     buildInfo,
	}
	if bucket := strings.TrimSpace(cfg.Storage.IncidentsBucket); bucket != "" {
		storageClient, err := cloudstorage.NewClient(ctx)
		if err != nil {
			logger.Fatal("failed to initialise storage client", zap.Error(err))
		}
		defer func() {
			if err := storageClient.Close(); err != nil {
				logger.Warn("storage close error", zap.Error(err))
			}
		}()
		archive, err := platformstorage.NewGCSIncidentArchive(storageClient, bucket, cfg.Storage.IncidentsPrefix)
		if err != nil {
			logger.Fatal("failed to initialise incident archive", zap.Error(err))
		}
		infra.Incidents = archive
	} else {
		logger.Warn("incident bucket not configured; payment issues will only be logged")
	}

	container, err := di.NewContainer(ctx, cfg, registry, infra)
	if err != nil {
		logger.Fatal("failed to build services", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("repository close error", zap.Error(err))
		}
	}()
	svc := container.Services

	workerCtx, workerCancel := context.WithCancel(context.Background())
	var workerWG sync.WaitGroup
	if transport.consumer != nil {
		workerWG.Add(1)
		go func() {
			defer workerWG.Done()
			if err := transport.consumer.Run(workerCtx, svc.Webhooks.Dispatch); err != nil {
				logger.Error("kafka consumer stopped", zap.Error(err))
			}
		}()
	}

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier)

	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
	)

	checkoutHandlers := handlers.NewCheckoutHandlers(authenticator, svc.Pricing, svc.Coupons, svc.Settlement,
		handlers.WithCheckoutSessionMiddlewares(idempotencyMiddleware),
		handlers.WithCouponRateLimit(couponValidateLimit, couponValidateWindow, time.Now),
	)
	orderHandlers := handlers.NewOrderHandlers(authenticator, svc.Orders)
	pushHandlers := handlers.NewEventPushHandlers(svc.Webhooks)

	healthOpts := []handlers.HealthOption{handlers.WithHealthBuildInfo(buildInfo)}
	if svc.System != nil {
		healthOpts = append(healthOpts, handlers.WithHealthSystemService(svc.System))
	}
	healthHandlers := handlers.NewHealthHandlers(healthOpts...)

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(),
	}

	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithCheckoutRoutes(checkoutHandlers.Routes),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithInternalRoutes(pushHandlers.Routes),
	}
	if oidcMiddleware := buildOIDCMiddleware(logger.Named("auth"), cfg); oidcMiddleware != nil {
		opts = append(opts, handlers.WithInternalMiddlewares(oidcMiddleware))
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("settlement api listening", zap.String("events", cfg.Events.Transport))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}

	workerCancel()
	workerWG.Wait()
}

// eventTransport owns the publisher handed to the notifier and, for Kafka, the consumer feeding
// the webhook dispatcher. Pub/Sub delivers to the dispatcher through the push endpoint instead.
type eventTransport struct {
	publisher services.EventPublisher
	consumer  *events.KafkaConsumer
	closers   []func()
}

func (t *eventTransport) close() {
	for i := len(t.closers) - 1; i >= 0; i-- {
		t.closers[i]()
	}
}

func newEventTransport(ctx context.Context, cfg config.Config, logger *zap.Logger) (*eventTransport, error) {
	switch cfg.Events.Transport {
	case config.TransportPubSub:
		client, err := pubsub.NewClient(ctx, traceProjectID(cfg))
		if err != nil {
			return nil, fmt.Errorf("pubsub client: %w", err)
		}
		publisher, err := events.NewPubSubPublisher(client.Topic(cfg.Events.PubSubTopic))
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return &eventTransport{
			publisher: publisher,
			closers: []func(){
				func() {
					if err := client.Close(); err != nil {
						logger.Warn("pubsub close error", zap.Error(err))
					}
				},
				publisher.Close,
			},
		}, nil
	case config.TransportKafka:
		publisher, err := events.NewKafkaPublisher(cfg.Events.KafkaTopic, cfg.Events.KafkaBrokers...)
		if err != nil {
			return nil, err
		}
		consumer, err := events.NewKafkaConsumer(cfg.Events.KafkaTopic, cfg.Events.KafkaGroupID, logger, cfg.Events.KafkaBrokers...)
		if err != nil {
			_ = publisher.Close()
			return nil, err
		}
		closeWith := func(name string, fn func() error) func() {
			return func() {
				if err := fn(); err != nil {
					logger.Warn("kafka close error", zap.String("component", name), zap.Error(err))
				}
			}
		}
		return &eventTransport{
			publisher: publisher,
			consumer:  consumer,
			closers:   []func(){closeWith("publisher", publisher.Close), closeWith("consumer", consumer.Close)},
		}, nil
	default:
		logger.Warn("event transport disabled; lifecycle events are dropped")
		return &eventTransport{publisher: events.NopPublisher{}}, nil
	}
}

func dependencyProbes(redisClient *redis.Client, fetcher *secrets.Fetcher, cfg config.Config) []repositories.Probe {
	var probes []repositories.Probe
	if redisClient != nil {
		guard := inflight.NewRedisGuard(redisClient)
		probes = append(probes, repositories.Probe{
			Name:     "redis",
			Timeout:  time.Second,
			Critical: true,
			Check:    guard.Ping,
		})
	}
	if fetcher != nil && strings.TrimSpace(secretProjectID(cfg)) != "" {
		const secretHealthReference = "secret://system/healthz?version=latest"
		probes = append(probes, repositories.Probe{
			Name:    "secretManager",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				_, err := fetcher.Resolve(ctx, secretHealthReference)
				if err == nil || status.Code(err) == codes.NotFound {
					return nil
				}
				return err
			},
		})
	}
	return probes
}

func buildInfoFromEnv(cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(os.Getenv("API_BUILD_VERSION"))
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(os.Getenv("API_BUILD_COMMIT_SHA"))
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) == "" {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, auth.WithJWKSLogger(logger))
	validator := auth.NewOIDCValidator(cache, auth.WithOIDCLogger(logger))

	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	return validator.RequireOIDC(audience, cfg.Security.OIDC.Issuers)
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func secretProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(os.Getenv("API_SECRET_PROJECT_ID")); id != "" {
		return id
	}
	return traceProjectID(cfg)
}

// newSecretFetcher runs before config is loaded, so it reads its own settings from the process
// environment and the .env file.
func newSecretFetcher(ctx context.Context, logger *zap.Logger) (*secrets.Fetcher, error) {
	project := strings.TrimSpace(os.Getenv("API_SECRET_PROJECT_ID"))
	if project == "" {
		project = strings.TrimSpace(os.Getenv("API_FIREBASE_PROJECT_ID"))
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithProject(project),
		secrets.WithFallbackFile(config.SecretFallbackFile()),
	}
	if credentials := strings.TrimSpace(os.Getenv("API_FIREBASE_CREDENTIALS_FILE")); credentials != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentials)))
	}
	return secrets.NewFetcher(ctx, opts...)
}
