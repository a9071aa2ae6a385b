package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"

	"github.com/storefront/api/internal/handlers"
	"github.com/storefront/api/internal/payments"
	"github.com/storefront/api/internal/platform/auth"
	"github.com/storefront/api/internal/platform/config"
	"github.com/storefront/api/internal/platform/events"
	pfirestore "github.com/storefront/api/internal/platform/firestore"
	"github.com/storefront/api/internal/platform/idempotency"
	"github.com/storefront/api/internal/platform/observability"
	"github.com/storefront/api/internal/platform/secrets"
	"github.com/storefront/api/internal/repositories"
	firestoreRepo "github.com/storefront/api/internal/repositories/firestore"
	"github.com/storefront/api/internal/repositories/memory"
	mysqlRepo "github.com/storefront/api/internal/repositories/mysql"
	"github.com/storefront/api/internal/services"
)

const tracerName = "github.com/storefront/api"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "storefront api: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	startedAt := time.Now().UTC()

	envValues, err := config.EnvironmentValues()
	if err != nil {
		return fmt.Errorf("read environment: %w", err)
	}

	baseLogger, err := observability.NewLogger(envValues["API_LOG_LEVEL"])
	if err != nil {
		return fmt.Errorf("initialise logger: %w", err)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		return fmt.Errorf("initialise secret fetcher: %w", err)
	}
	defer closeQuietly(logger, "secret fetcher", fetcher)

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(fetcher),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Error("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		return fmt.Errorf("load configuration: %w", err)
	}
	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	tracerProvider, err := observability.InitTracerProvider(observability.TracingOptions{
		Exporter:       cfg.Tracing.Exporter,
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: buildInfo.Version,
		SampleRatio:    cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracerProvider.Shutdown(flushCtx); err != nil {
			logger.Warn("tracer shutdown error", zap.Error(err))
		}
	}()
	tracer := tracerProvider.Tracer(tracerName)
	metrics := observability.NewMetrics()

	var firestoreProvider *pfirestore.Provider
	if cfg.Store.Backend == "firestore" || cfg.Idempotency.Backend == "firestore" {
		firestoreProvider = pfirestore.NewProvider(pfirestore.Settings{
			ProjectID:    cfg.Firestore.ProjectID,
			EmulatorHost: cfg.Firestore.EmulatorHost,
		})
	}

	registry, err := newRegistry(ctx, cfg, firestoreProvider, envValues)
	if err != nil {
		return fmt.Errorf("initialise %s store: %w", cfg.Store.Backend, err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := registry.Close(closeCtx); err != nil {
			logger.Warn("store close error", zap.Error(err))
		}
	}()

	var redisClient redis.UniversalClient
	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer closeQuietly(logger, "redis", redisClient)
	}

	publisher, closePublisher, err := newEventPublisher(ctx, cfg, baseLogger.Named("events"))
	if err != nil {
		return fmt.Errorf("initialise event publisher: %w", err)
	}
	defer closeQuietly(logger, "event publisher", closePublisher)

	idempotencyStore, err := newIdempotencyStore(ctx, cfg, firestoreProvider, redisClient)
	if err != nil {
		return fmt.Errorf("initialise idempotency store: %w", err)
	}
	idempotencyMiddleware := idempotency.New(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(baseLogger.Named("idempotency")),
	).Wrap

	orderService, err := services.NewOrderService(services.OrderServiceDeps{
		Products: registry.Products(),
		Coupons:  registry.Coupons(),
		Orders:   registry.Orders(),
		Counters: registry.Counters(),
		Shipping: services.FlatShippingResolver{
			Method:        cfg.Pricing.ShippingMethod,
			Cost:          cfg.Pricing.ShippingFlatCost,
			FreeThreshold: cfg.Pricing.FreeShippingThreshold,
		},
		TaxRateBps:           cfg.Pricing.TaxRateBps,
		Currency:             cfg.PSP.Currency,
		RetainCouponOnCancel: cfg.Orders.RetainCouponOnCancel,
		Events:               publisher,
		Metrics:              metrics,
		Tracer:               tracer,
		Logger:               observability.EventLogger(baseLogger.Named("orders")),
	})
	if err != nil {
		return fmt.Errorf("initialise order service: %w", err)
	}

	var paymentService services.PaymentService
	gateway, err := payments.NewStripeGateway(payments.StripeGatewayConfig{
		APIKey:           cfg.PSP.StripeAPIKey,
		WebhookSecret:    cfg.PSP.StripeWebhookSecret,
		WebhookTolerance: cfg.PSP.WebhookTolerance,
		Logger:           observability.EventLogger(baseLogger.Named("stripe")),
	})
	if err != nil {
		logger.Warn("payments disabled: stripe gateway not configured", zap.Error(err))
	} else {
		paymentService, err = services.NewPaymentService(services.PaymentServiceDeps{
			Orders:        registry.Orders(),
			Products:      registry.Products(),
			Coupons:       registry.Coupons(),
			Gateway:       gateway,
			RestockPolicy: services.RefundRestockPolicy(cfg.Orders.RefundRestockPolicy),
			ReturnURL:     cfg.PSP.ReturnURL,
			Events:        publisher,
			Metrics:       metrics,
			Tracer:        tracer,
			Logger:        observability.EventLogger(baseLogger.Named("payments")),
		})
		if err != nil {
			return fmt.Errorf("initialise payment service: %w", err)
		}
	}

	sweeper, err := services.NewReservationSweeper(services.ReservationSweeperDeps{
		Orders:      registry.Orders(),
		Service:     orderService,
		Payments:    paymentService,
		TTL:         cfg.Reservations.TTL,
		BatchSize:   cfg.Reservations.BatchSize,
		Concurrency: cfg.Reservations.Concurrency,
		Metrics:     metrics,
		Tracer:      tracer,
		Logger:      observability.EventLogger(baseLogger.Named("sweeper")),
	})
	if err != nil {
		return fmt.Errorf("initialise reservation sweeper: %w", err)
	}

	systemService, err := newSystemService(registry, redisClient, buildInfo)
	if err != nil {
		return fmt.Errorf("initialise system service: %w", err)
	}

	authenticator := newAuthenticator(ctx, logger, cfg)
	oidcMiddleware := newOIDCMiddleware(baseLogger.Named("oidc"), cfg, metrics)

	orderHandlers := handlers.NewOrderHandlers(authenticator, orderService,
		handlers.WithOrderIdempotency(idempotencyMiddleware),
		handlers.WithOrderLimiter(newRateLimiter(redisClient, cfg.RateLimits.AuthenticatedPerMinute, baseLogger)),
		handlers.WithTrackingLimiter(newRateLimiter(redisClient, cfg.RateLimits.DefaultPerMinute, baseLogger)),
	)
	paymentHandlers := handlers.NewPaymentHandlers(authenticator, paymentService, idempotencyMiddleware)
	adminHandlers := handlers.NewAdminOrderHandlers(authenticator, orderService, paymentService)
	webhookHandlers := handlers.NewWebhookHandlers(paymentService)
	maintenanceHandlers := handlers.NewMaintenanceHandlers(sweeper)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(systemService),
	)

	projectID := traceProjectID(cfg)
	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(baseLogger.Named("http")),
			observability.TraceMiddleware(projectID),
			observability.RecoveryMiddleware(baseLogger.Named("http")),
			observability.RequestLoggerMiddleware(projectID),
			metrics.Middleware(),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithMetricsHandler(metrics.Handler()),
		handlers.WithPublicRoutes(orderHandlers.PublicRoutes),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithPaymentRoutes(paymentHandlers.Routes),
		handlers.WithAdminRoutes(adminHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
		handlers.WithWebhookMiddlewares(handlers.RateLimitMiddleware(newRateLimiter(redisClient, cfg.RateLimits.WebhookBurst, baseLogger), nil)),
		handlers.WithInternalRoutes(maintenanceHandlers.Routes),
		handlers.WithInternalMiddlewares(oidcMiddleware),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("storefront api listening", zap.String("addr", server.Addr), zap.String("version", buildInfo.Version))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutdown signal received; draining requests")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		return nil
	})
	if cfg.Reservations.SweepInterval > 0 {
		group.Go(func() error {
			runPeriodically(groupCtx, cfg.Reservations.SweepInterval, func(ctx context.Context) {
				if _, err := sweeper.Sweep(ctx); err != nil {
					logger.Warn("reservation sweep failed", zap.Error(err))
				}
			})
			return nil
		})
	}
	group.Go(func() error {
		runPeriodically(groupCtx, cfg.Idempotency.CleanupInterval, func(ctx context.Context) {
			removed, err := idempotencyStore.Purge(ctx, time.Now().UTC(), cfg.Idempotency.CleanupBatchSize)
			if err != nil {
				logger.Warn("idempotency cleanup failed", zap.Error(err))
				return
			}
			if removed > 0 {
				logger.Debug("idempotency keys expired", zap.Int("removed", removed))
			}
		})
		return nil
	})

	return group.Wait()
}

// runPeriodically invokes fn every interval until ctx is cancelled.
func runPeriodically(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func newRegistry(ctx context.Context, cfg config.Config, provider *pfirestore.Provider, env map[string]string) (repositories.Registry, error) {
	switch cfg.Store.Backend {
	case "firestore":
		return firestoreRepo.NewRegistry(provider)
	case "mysql":
		autoMigrate, _ := strconv.ParseBool(strings.TrimSpace(env["API_MYSQL_AUTO_MIGRATE"]))
		db, err := mysqlRepo.Open(ctx, mysqlRepo.Settings{
			DSN:             cfg.MySQL.DSN,
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
			AutoMigrate:     autoMigrate,
		})
		if err != nil {
			return nil, err
		}
		return mysqlRepo.NewRegistry(db)
	case "memory":
		store := memory.NewStore()
		if path := strings.TrimSpace(env["API_MEMORY_SEED_FILE"]); path != "" {
			if err := store.LoadFixturesFile(path); err != nil {
				return nil, err
			}
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.Store.Backend)
	}
}

func newIdempotencyStore(ctx context.Context, cfg config.Config, provider *pfirestore.Provider, client redis.UniversalClient) (idempotency.Store, error) {
	switch cfg.Idempotency.Backend {
	case "redis":
		if client == nil {
			return nil, errors.New("redis address is required")
		}
		return idempotency.NewRedisStore(client), nil
	case "firestore":
		fsClient, err := provider.Client(ctx)
		if err != nil {
			return nil, err
		}
		return idempotency.NewFirestoreStore(fsClient), nil
	case "memory":
		return idempotency.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported idempotency backend %q", cfg.Idempotency.Backend)
	}
}

func newEventPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (services.OrderEventPublisher, io.Closer, error) {
	switch cfg.Events.Backend {
	case "pubsub":
		client, err := pubsub.NewClient(ctx, cfg.Firebase.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("pubsub client: %w", err)
		}
		publisher, err := events.NewPubSubPublisher(client.Topic(cfg.Events.PubSubTopic))
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return publisher, closerFunc(func() error {
			_ = publisher.Close()
			return client.Close()
		}), nil
	case "kafka":
		publisher, err := events.NewKafkaPublisher(events.KafkaConfig{
			Brokers: cfg.Events.KafkaBrokers,
			Topic:   cfg.Events.KafkaTopic,
		})
		if err != nil {
			return nil, nil, err
		}
		return publisher, publisher, nil
	default:
		return events.NewLogPublisher(logger), closerFunc(func() error { return nil }), nil
	}
}

func newAuthenticator(ctx context.Context, logger *zap.Logger, cfg config.Config) *auth.Authenticator {
	var verifier auth.TokenVerifier
	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Warn("firebase auth unavailable; authenticated routes will respond 503", zap.Error(err))
	} else {
		verifier = firebaseVerifier
	}
	return auth.NewAuthenticator(verifier)
}

func newOIDCMiddleware(logger *zap.Logger, cfg config.Config, recorder auth.VerificationRecorder) func(http.Handler) http.Handler {
	keys := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, auth.WithJWKSLogger(logger))
	validator := auth.NewOIDCValidator(keys,
		auth.WithOIDCLogger(logger),
		auth.WithOIDCRecorder(recorder),
	)
	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("OIDC audience not configured; internal routes will reject requests")
	}
	return validator.RequireOIDC(audience, cfg.Security.OIDC.Issuers)
}

func newRateLimiter(client redis.UniversalClient, perMinute int, logger *zap.Logger) handlers.RateLimiter {
	if client != nil {
		return handlers.NewRedisRateLimiter(client, perMinute, time.Minute, logger.Named("ratelimit"))
	}
	return handlers.NewMemoryRateLimiter(perMinute, time.Minute, time.Now)
}

func newSystemService(registry repositories.Registry, client redis.UniversalClient, build services.BuildInfo) (services.SystemService, error) {
	probes := []repositories.Probe{{
		Name:  "store",
		Check: registry.Ping,
	}}
	if client != nil {
		probes = append(probes, repositories.Probe{
			Name:    "redis",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				return client.Ping(ctx).Err()
			},
		})
	}
	collector, err := repositories.NewHealthCollector(probes, time.Now)
	if err != nil {
		return nil, err
	}
	return services.NewSystemService(services.SystemServiceDeps{
		Health: collector,
		Clock:  time.Now,
		Build:  build,
	})
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
	}
	project := lookup("API_SECRET_PROJECT_ID")
	if project == "" {
		project = lookup("API_FIREBASE_PROJECT_ID")
	}
	if project == "" {
		opts = append(opts, secrets.WithoutSecretManager())
	} else {
		opts = append(opts, secrets.WithProject(project))
	}
	if path := lookup("API_SECRET_FALLBACK_FILE"); path != "" {
		opts = append(opts, secrets.WithFallbackFile(path))
	}
	if raw := lookup("API_SECRET_CACHE_TTL"); raw != "" {
		ttl, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("API_SECRET_CACHE_TTL: %w", err)
		}
		opts = append(opts, secrets.WithCacheTTL(ttl))
	}
	if credentials := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentials != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentials)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists config fields that must resolve to a non-empty value. Local runs
// may omit Stripe credentials, which disables the payment routes.
func requiredSecretNames(env map[string]string) []string {
	var required []string
	environment := strings.ToLower(strings.TrimSpace(env["API_SECURITY_ENVIRONMENT"]))
	if environment != "" && environment != "local" {
		required = append(required, "PSP.StripeAPIKey", "PSP.StripeWebhookSecret")
	}
	if strings.EqualFold(strings.TrimSpace(env["API_STORE_BACKEND"]), "mysql") {
		required = append(required, "MySQL.DSN")
	}
	return required
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
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

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func closeQuietly(logger *zap.Logger, name string, closer io.Closer) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		logger.Warn(name+" close error", zap.Error(err))
	}
}
