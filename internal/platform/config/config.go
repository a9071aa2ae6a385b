package config

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile               = ".env"
	defaultPort                  = "8080"
	defaultReadTimeout           = 15 * time.Second
	defaultWriteTimeout          = 30 * time.Second
	defaultIdleTimeout           = 120 * time.Second
	defaultShutdownTimeout       = 20 * time.Second
	defaultStoreBackend          = "firestore"
	defaultMySQLMaxOpenConns     = 20
	defaultMySQLMaxIdleConns     = 5
	defaultMySQLConnMaxLifetime  = 30 * time.Minute
	defaultPSPCurrency           = "USD"
	defaultWebhookTolerance      = 5 * time.Minute
	defaultTaxRateBps            = 1000
	defaultShippingMethod        = "standard"
	defaultRefundRestockPolicy   = "full_only"
	defaultEventsBackend         = "log"
	defaultReservationTTL        = 30 * time.Minute
	defaultSweepInterval         = 5 * time.Minute
	defaultSweepBatchSize        = 100
	defaultSweepConcurrency      = 4
	defaultRateLimitDefault      = 120
	defaultRateLimitAuth         = 240
	defaultRateLimitWebhookBurst = 60
	defaultSecurityEnvironment   = "local"
	defaultOIDCJWKSURL           = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSecurityIssuer        = "https://accounts.google.com"
	defaultSecurityIAPIssuer     = "https://cloud.google.com/iap"
	defaultIdempotencyBackend    = "memory"
	defaultIdempotencyHeader     = "Idempotency-Key"
	defaultIdempotencyTTL        = 24 * time.Hour
	defaultIdempotencyInterval   = time.Hour
	defaultIdempotencyBatchSize  = 200
	defaultTracingExporter       = "none"
	defaultTracingServiceName    = "storefront-api"
	defaultTracingSampleRatio    = 0.1
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server       ServerConfig
	Store        StoreConfig
	Firebase     FirebaseConfig
	Firestore    FirestoreConfig
	MySQL        MySQLConfig
	Redis        RedisConfig
	PSP          PSPConfig
	Pricing      PricingConfig
	Orders       OrderPolicyConfig
	Events       EventsConfig
	Reservations ReservationConfig
	RateLimits   RateLimitConfig
	Security     SecurityConfig
	Idempotency  IdempotencyConfig
	Tracing      TracingConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// StoreConfig selects the persistence backend: firestore, mysql, or memory.
type StoreConfig struct {
	Backend string
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
	// CheckRevoked adds a round trip per request to reject tokens of disabled or signed-out users.
	CheckRevoked bool
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// MySQLConfig configures the relational backend.
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig locates the Redis instance backing idempotency records.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// PSPConfig collects payment gateway credentials.
type PSPConfig struct {
	StripeAPIKey        string
	StripeWebhookSecret string
	Currency            string
	ReturnURL           string
	WebhookTolerance    time.Duration
}

// PricingConfig controls tax and shipping applied at order placement. Amounts are minor units.
type PricingConfig struct {
	TaxRateBps            int64
	ShippingMethod        string
	ShippingFlatCost      int64
	FreeShippingThreshold int64
}

// OrderPolicyConfig toggles reversal behaviour.
type OrderPolicyConfig struct {
	RefundRestockPolicy  string
	RetainCouponOnCancel bool
}

// EventsConfig selects where order domain events are published: log, pubsub, or kafka.
type EventsConfig struct {
	Backend      string
	PubSubTopic  string
	KafkaBrokers []string
	KafkaTopic   string
}

// ReservationConfig controls expiry of unpaid orders.
type ReservationConfig struct {
	TTL           time.Duration
	SweepInterval time.Duration
	BatchSize     int
	Concurrency   int
}

// RateLimitConfig controls request throttling.
type RateLimitConfig struct {
	DefaultPerMinute       int
	AuthenticatedPerMinute int
	WebhookBurst           int
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
}

// OIDCConfig controls Google-signed token verification.
type OIDCConfig struct {
	JWKSURL   string
	Audience  string
	Audiences map[string]string
	Issuers   []string
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Backend          string
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// TracingConfig selects the span exporter: none or jaeger.
type TracingConfig struct {
	Exporter       string
	JaegerEndpoint string
	ServiceName    string
	SampleRatio    float64
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets failed to resolve.
type MissingSecretsError struct {
	secrets []missingSecret
}

type missingSecret struct {
	name     string
	redacted string
}

// Error implements the error interface.
func (e *MissingSecretsError) Error() string {
	if e == nil || len(e.secrets) == 0 {
		return "missing required secrets"
	}
	names := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		names = append(names, secret.redacted)
	}
	sort.Strings(names)
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(names, ", "))
}

// RedactedNames returns a copy of the redacted secret identifiers.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil || len(e.secrets) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		out = append(out, secret.redacted)
	}
	sort.Strings(out)
	return out
}

// Names returns the underlying secret identifiers.
func (e *MissingSecretsError) Names() []string {
	if e == nil || len(e.secrets) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		out = append(out, secret.name)
	}
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// sources merges the three configuration layers; later layers win: .env, process
// environment, explicit map.
func (o loaderOptions) sources() (map[string]string, error) {
	values, err := loadDotEnv(o.envFile)
	if err != nil {
		return nil, err
	}
	if values == nil {
		values = make(map[string]string)
	}
	if o.useSystemEnv {
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			if key = strings.TrimSpace(key); ok && key != "" {
				values[key] = value
			}
		}
	}
	for key, value := range o.envMap {
		values[key] = value
	}
	return values, nil
}

// EnvironmentValues returns the merged environment Load would read. cmd/api uses it to build
// the logger and secret fetcher before the configuration itself can be loaded.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	return newLoaderOptions(opts).sources()
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks config fields, by name ("PSP.StripeAPIKey", "MySQL.DSN"), that
// must resolve to a non-empty value.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// Load reads the API_* environment (defaults, then .env, process environment and explicit
// map), resolves secret references and validates the result.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)
	values, err := options.sources()
	if err != nil {
		return Config{}, err
	}
	env := envReader(values)

	cfg := Config{
		Server: ServerConfig{
			Port:            env.str("API_SERVER_PORT", defaultPort),
			ReadTimeout:     env.duration("API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:    env.duration("API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:     env.duration("API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			ShutdownTimeout: env.duration("API_SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		},
		Store: StoreConfig{
			Backend: env.lower("API_STORE_BACKEND", defaultStoreBackend),
		},
		Firebase: FirebaseConfig{
			ProjectID:       env.str("API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: env.str("API_FIREBASE_CREDENTIALS_FILE", ""),
			CheckRevoked:    env.boolean("API_FIREBASE_CHECK_REVOKED", false),
		},
		Firestore: FirestoreConfig{
			ProjectID:    env.str("API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: env.str("API_FIRESTORE_EMULATOR_HOST", ""),
		},
		MySQL: MySQLConfig{
			DSN:             env.str("API_MYSQL_DSN", ""),
			MaxOpenConns:    env.integer("API_MYSQL_MAX_OPEN_CONNS", defaultMySQLMaxOpenConns),
			MaxIdleConns:    env.integer("API_MYSQL_MAX_IDLE_CONNS", defaultMySQLMaxIdleConns),
			ConnMaxLifetime: env.duration("API_MYSQL_CONN_MAX_LIFETIME", defaultMySQLConnMaxLifetime),
		},
		Redis: RedisConfig{
			Addr:     env.str("API_REDIS_ADDR", ""),
			Password: env.str("API_REDIS_PASSWORD", ""),
			DB:       env.integer("API_REDIS_DB", 0),
		},
		PSP: PSPConfig{
			StripeAPIKey:        env.str("API_PSP_STRIPE_API_KEY", ""),
			StripeWebhookSecret: env.str("API_PSP_STRIPE_WEBHOOK_SECRET", ""),
			Currency:            strings.ToUpper(env.str("API_PSP_CURRENCY", defaultPSPCurrency)),
			ReturnURL:           env.str("API_PSP_RETURN_URL", ""),
			WebhookTolerance:    env.duration("API_PSP_WEBHOOK_TOLERANCE", defaultWebhookTolerance),
		},
		Pricing: PricingConfig{
			TaxRateBps:            env.int64("API_PRICING_TAX_RATE_BPS", defaultTaxRateBps),
			ShippingMethod:        env.str("API_PRICING_SHIPPING_METHOD", defaultShippingMethod),
			ShippingFlatCost:      env.int64("API_PRICING_SHIPPING_FLAT_COST", 0),
			FreeShippingThreshold: env.int64("API_PRICING_FREE_SHIPPING_THRESHOLD", 0),
		},
		Orders: OrderPolicyConfig{
			RefundRestockPolicy:  env.lower("API_REFUND_RESTOCK_POLICY", defaultRefundRestockPolicy),
			RetainCouponOnCancel: env.boolean("API_COUPON_RETAIN_ON_CANCEL", false),
		},
		Events: EventsConfig{
			Backend:      env.lower("API_EVENTS_BACKEND", defaultEventsBackend),
			PubSubTopic:  env.str("API_EVENTS_PUBSUB_TOPIC", ""),
			KafkaBrokers: env.list("API_EVENTS_KAFKA_BROKERS"),
			KafkaTopic:   env.str("API_EVENTS_KAFKA_TOPIC", ""),
		},
		Reservations: ReservationConfig{
			TTL:           env.duration("API_RESERVATION_TTL", defaultReservationTTL),
			SweepInterval: env.duration("API_RESERVATION_SWEEP_INTERVAL", defaultSweepInterval),
			BatchSize:     env.integer("API_RESERVATION_SWEEP_BATCH", defaultSweepBatchSize),
			Concurrency:   env.integer("API_RESERVATION_SWEEP_CONCURRENCY", defaultSweepConcurrency),
		},
		RateLimits: RateLimitConfig{
			DefaultPerMinute:       env.integer("API_RATELIMIT_DEFAULT_PER_MIN", defaultRateLimitDefault),
			AuthenticatedPerMinute: env.integer("API_RATELIMIT_AUTH_PER_MIN", defaultRateLimitAuth),
			WebhookBurst:           env.integer("API_RATELIMIT_WEBHOOK_BURST", defaultRateLimitWebhookBurst),
		},
		Security: SecurityConfig{
			Environment: env.lower("API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment),
			OIDC: OIDCConfig{
				JWKSURL:   env.str("API_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience:  env.str("API_SECURITY_OIDC_AUDIENCE", ""),
				Audiences: env.pairs("API_SECURITY_OIDC_AUDIENCES"),
				Issuers:   env.list("API_SECURITY_OIDC_ISSUERS"),
			},
		},
		Idempotency: IdempotencyConfig{
			Backend:          env.lower("API_IDEMPOTENCY_BACKEND", defaultIdempotencyBackend),
			Header:           env.str("API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              env.duration("API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  env.duration("API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: env.integer("API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
		Tracing: TracingConfig{
			Exporter:       env.lower("API_TRACING_EXPORTER", defaultTracingExporter),
			JaegerEndpoint: env.str("API_TRACING_JAEGER_ENDPOINT", ""),
			ServiceName:    env.str("API_TRACING_SERVICE_NAME", defaultTracingServiceName),
			SampleRatio:    env.float("API_TRACING_SAMPLE_RATIO", defaultTracingSampleRatio),
		},
	}

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultSecurityIssuer, defaultSecurityIAPIssuer}
	}
	if cfg.Security.OIDC.Audience == "" {
		cfg.Security.OIDC.Audience = cfg.Security.OIDC.Audiences[cfg.Security.Environment]
	}

	resolved, err := cfg.resolveSecrets(ctx, options.secret)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		return Config{}, missing
	}
	return cfg, nil
}

// resolveSecrets replaces secret references in the credential fields and returns every
// credential's final value keyed by field name.
func (cfg *Config) resolveSecrets(ctx context.Context, resolver SecretResolver) (map[string]string, error) {
	fields := []struct {
		name  string
		value *string
	}{
		{"PSP.StripeAPIKey", &cfg.PSP.StripeAPIKey},
		{"PSP.StripeWebhookSecret", &cfg.PSP.StripeWebhookSecret},
		{"MySQL.DSN", &cfg.MySQL.DSN},
		{"Redis.Password", &cfg.Redis.Password},
	}
	resolved := make(map[string]string, len(fields))
	for _, f := range fields {
		if isSecretReference(*f.value) {
			ref := normalizeSecretReference(*f.value)
			if resolver == nil {
				return nil, &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
			}
			secret, err := resolver.ResolveSecret(ctx, ref)
			if err != nil {
				return nil, &SecretError{Ref: ref, Err: err}
			}
			*f.value = secret
		}
		resolved[f.name] = strings.TrimSpace(*f.value)
	}
	return resolved, nil
}

// problems collects the names of invalid fields in the order they are checked.
type problems []string

func (p *problems) require(ok bool, field string) {
	if !ok {
		*p = append(*p, field)
	}
}

func (cfg Config) validate() error {
	var p problems
	p.require(cfg.Server.Port != "", "Server.Port")
	p.require(cfg.Firebase.ProjectID != "", "Firebase.ProjectID")

	switch cfg.Store.Backend {
	case "firestore":
		p.require(cfg.Firestore.ProjectID != "", "Firestore.ProjectID")
	case "mysql":
		p.require(cfg.MySQL.DSN != "", "MySQL.DSN")
	case "memory":
	default:
		p.require(false, "Store.Backend")
	}

	cfg.PSP.validate(&p, cfg.Security.Environment != defaultSecurityEnvironment)
	p.require(cfg.Pricing.TaxRateBps >= 0, "Pricing.TaxRateBps")
	p.require(cfg.Pricing.ShippingFlatCost >= 0, "Pricing.ShippingFlatCost")

	switch cfg.Orders.RefundRestockPolicy {
	case "full_only", "always", "never":
	default:
		p.require(false, "Orders.RefundRestockPolicy")
	}

	cfg.Events.validate(&p)
	p.require(cfg.Reservations.TTL > 0, "Reservations.TTL")
	p.require(cfg.Reservations.SweepInterval >= 0, "Reservations.SweepInterval")

	switch cfg.Idempotency.Backend {
	case "memory":
	case "firestore":
		p.require(cfg.Firestore.ProjectID != "", "Firestore.ProjectID")
	case "redis":
		p.require(cfg.Redis.Addr != "", "Redis.Addr")
	default:
		p.require(false, "Idempotency.Backend")
	}
	cfg.Idempotency.validate(&p)
	cfg.Tracing.validate(&p)

	if len(p) > 0 {
		return &ValidationError{fields: p}
	}
	return nil
}

// validate requires Stripe credentials outside local development.
func (c PSPConfig) validate(p *problems, live bool) {
	if live {
		p.require(c.StripeAPIKey != "", "PSP.StripeAPIKey")
		p.require(c.StripeWebhookSecret != "", "PSP.StripeWebhookSecret")
	}
	p.require(len(c.Currency) == 3, "PSP.Currency")
}

func (c EventsConfig) validate(p *problems) {
	switch c.Backend {
	case "log":
	case "pubsub":
		p.require(c.PubSubTopic != "", "Events.PubSubTopic")
	case "kafka":
		p.require(len(c.KafkaBrokers) > 0, "Events.KafkaBrokers")
		p.require(c.KafkaTopic != "", "Events.KafkaTopic")
	default:
		p.require(false, "Events.Backend")
	}
}

func (c IdempotencyConfig) validate(p *problems) {
	p.require(strings.TrimSpace(c.Header) != "", "Idempotency.Header")
	p.require(c.TTL > 0, "Idempotency.TTL")
	p.require(c.CleanupInterval > 0, "Idempotency.CleanupInterval")
	p.require(c.CleanupBatchSize > 0, "Idempotency.CleanupBatchSize")
}

func (c TracingConfig) validate(p *problems) {
	switch c.Exporter {
	case "none":
	case "jaeger":
		p.require(c.JaegerEndpoint != "", "Tracing.JaegerEndpoint")
	default:
		p.require(false, "Tracing.Exporter")
	}
	p.require(c.SampleRatio >= 0 && c.SampleRatio <= 1, "Tracing.SampleRatio")
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	var missing []missingSecret
	seen := make(map[string]struct{}, len(required))
	for _, name := range required {
		name = strings.TrimSpace(name)
		if _, dup := seen[name]; dup || name == "" {
			continue
		}
		seen[name] = struct{}{}
		if resolved[name] == "" {
			missing = append(missing, missingSecret{name: name, redacted: redactSecretName(name)})
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{secrets: missing}
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

// normalizeSecretReference rewrites the short sm:// scheme to secret://.
func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(trimmed, "sm://"); ok {
		return "secret://" + rest
	}
	return trimmed
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

// loadDotEnv parses KEY=value lines, tolerating comments, blank lines, an export prefix and
// quoted values. A missing file is not an error.
func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", path, err)
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		if key = strings.TrimSpace(key); !ok || key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", path, err)
	}
	return values, nil
}

// envReader reads typed values from the merged environment. Unparseable values fall back to
// the default.
type envReader map[string]string

func (e envReader) str(key, fallback string) string {
	if value := e[key]; value != "" {
		return value
	}
	return fallback
}

func (e envReader) lower(key, fallback string) string {
	return strings.ToLower(e.str(key, fallback))
}

func (e envReader) duration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(e[key]); err == nil {
		return d
	}
	return fallback
}

func (e envReader) integer(key string, fallback int) int {
	if n, err := strconv.Atoi(e[key]); err == nil {
		return n
	}
	return fallback
}

func (e envReader) int64(key string, fallback int64) int64 {
	if n, err := strconv.ParseInt(e[key], 10, 64); err == nil {
		return n
	}
	return fallback
}

func (e envReader) float(key string, fallback float64) float64 {
	if f, err := strconv.ParseFloat(e[key], 64); err == nil {
		return f
	}
	return fallback
}

func (e envReader) boolean(key string, fallback bool) bool {
	switch strings.ToLower(e[key]) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return fallback
}

// list splits a comma-separated value, dropping blanks.
func (e envReader) list(key string) []string {
	out := []string{}
	for _, part := range strings.Split(e[key], ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// pairs parses "env=value,env=value" with lowercase keys.
func (e envReader) pairs(key string) map[string]string {
	values := make(map[string]string)
	for _, entry := range e.list(key) {
		name, value, ok := strings.Cut(entry, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if ok && name != "" && value != "" {
			values[name] = value
		}
	}
	return values
}
