package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
)

const (
	defaultEnvFile              = ".env"
	defaultPort                 = "8080"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 30 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultSecurityEnvironment  = "local"
	defaultOIDCJWKSURL          = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSecurityIssuer       = "https://accounts.google.com"
	defaultRazorpayBreakerTTL   = 30 * time.Second
	defaultRazorpayMaxFailures  = 5
	defaultUpdateAttempts       = 3
	defaultUpdateDelay          = time.Second
	defaultInFlightTTL          = 15 * time.Minute
	defaultShippingCacheTTL     = time.Hour
	defaultConfirmationPath     = "/order-confirmation"
	defaultEventsTransport      = TransportPubSub
	defaultPubSubTopic          = "checkout-events"
	defaultKafkaTopic           = "checkout-events"
	defaultKafkaGroup           = "settlement-webhooks"
	defaultWebhookTimeout       = 8 * time.Second
	defaultWebhookRetries       = 3
	defaultWebhookUserAgent     = "KarigaiWebhooks/1.0"
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIncidentPrefix       = "incidents"
	defaultSecretFallbackEnvKey = "API_SECRET_FALLBACK_FILE"
)

// Event transports understood by the events group.
const (
	TransportPubSub = "pubsub"
	TransportKafka  = "kafka"
	TransportNone   = "none"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	Razorpay    RazorpayConfig
	Checkout    CheckoutConfig
	Events      EventsConfig
	Webhooks    WebhookConfig
	Redis       RedisConfig
	Storage     StorageConfig
	Security    SecurityConfig
	Idempotency IdempotencyConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// RazorpayConfig holds gateway credentials. KeySecret is usually an sm:// reference.
type RazorpayConfig struct {
	KeyID          string
	KeySecret      string
	BreakerTimeout time.Duration
	MaxFailures    int
}

// CheckoutConfig tunes the settlement saga.
type CheckoutConfig struct {
	UpdateAttempts   int
	UpdateDelay      time.Duration
	InFlightTTL      time.Duration
	ShippingCacheTTL time.Duration
	ConfirmationPath string
	MerchantName     string
}

// EventsConfig selects the transport carrying lifecycle events to the webhook dispatcher.
type EventsConfig struct {
	Transport    string
	PubSubTopic  string
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string
}

// WebhookConfig holds defaults for outgoing webhook deliveries.
type WebhookConfig struct {
	Timeout   time.Duration
	Retries   int
	UserAgent string
}

// RedisConfig locates the Redis instance backing the in-flight guard and idempotency keys.
// An empty Addr keeps both in process memory.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// StorageConfig lists bucket names used by the application.
type StorageConfig struct {
	IncidentsBucket string
	IncidentsPrefix string
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
}

// OIDCConfig controls Google-signed token verification for Pub/Sub push deliveries.
type OIDCConfig struct {
	JWKSURL   string
	Audience  string
	Audiences map[string]string
	Issuers   []string
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header string
	TTL    time.Duration
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

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets failed to resolve.
type MissingSecretsError struct {
	secrets []missingSecret
}

type missingSecret struct {
	name     string
	redacted string
}

func (e *MissingSecretsError) Error() string {
	if e == nil || len(e.secrets) == 0 {
		return "missing required secrets"
	}
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(e.RedactedNames(), ", "))
}

// RedactedNames returns the hashed secret identifiers, safe for logs.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil {
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
	if e == nil {
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

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map. Values in the map take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for sm:// and secret:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks config fields (e.g. "Razorpay.KeySecret") as mandatory secrets.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// SecretFallbackFile reports the local secrets file configured for development, if any.
func SecretFallbackFile(opts ...Option) string {
	options := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		opt(&options)
	}
	dotEnv, _ := loadDotEnv(options.envFile)
	if value, ok := options.envMap[defaultSecretFallbackEnvKey]; ok {
		return value
	}
	if options.useSystemEnv {
		if value, ok := os.LookupEnv(defaultSecretFallbackEnvKey); ok {
			return value
		}
	}
	return dotEnv[defaultSecretFallbackEnvKey]
}

// Load assembles the configuration: defaults < .env < OS env < explicit map, then resolves secret references.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
		secret: SecretResolverFunc(func(ctx context.Context, ref string) (string, error) {
			return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
		}),
	}
	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if value, ok := dotEnvValues[key]; ok {
			return value, true
		}
		return "", false
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "API_SERVER_PORT", defaultPort),
			ReadTimeout:  durationWithDefault(lookup, "API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       stringWithDefault(lookup, "API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: stringWithDefault(lookup, "API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Razorpay: RazorpayConfig{
			KeyID:          stringWithDefault(lookup, "API_RAZORPAY_KEY_ID", ""),
			KeySecret:      stringWithDefault(lookup, "API_RAZORPAY_KEY_SECRET", ""),
			BreakerTimeout: durationWithDefault(lookup, "API_RAZORPAY_BREAKER_TIMEOUT", defaultRazorpayBreakerTTL),
			MaxFailures:    intWithDefault(lookup, "API_RAZORPAY_BREAKER_MAX_FAILURES", defaultRazorpayMaxFailures),
		},
		Checkout: CheckoutConfig{
			UpdateAttempts:   intWithDefault(lookup, "API_CHECKOUT_UPDATE_ATTEMPTS", defaultUpdateAttempts),
			UpdateDelay:      durationWithDefault(lookup, "API_CHECKOUT_UPDATE_DELAY", defaultUpdateDelay),
			InFlightTTL:      durationWithDefault(lookup, "API_CHECKOUT_INFLIGHT_TTL", defaultInFlightTTL),
			ShippingCacheTTL: durationWithDefault(lookup, "API_CHECKOUT_SHIPPING_CACHE_TTL", defaultShippingCacheTTL),
			ConfirmationPath: stringWithDefault(lookup, "API_CHECKOUT_CONFIRMATION_PATH", defaultConfirmationPath),
			MerchantName:     stringWithDefault(lookup, "API_CHECKOUT_MERCHANT_NAME", "Karigai"),
		},
		Events: EventsConfig{
			Transport:    strings.ToLower(stringWithDefault(lookup, "API_EVENTS_TRANSPORT", defaultEventsTransport)),
			PubSubTopic:  stringWithDefault(lookup, "API_EVENTS_PUBSUB_TOPIC", defaultPubSubTopic),
			KafkaBrokers: csvWithDefault(lookup, "API_EVENTS_KAFKA_BROKERS"),
			KafkaTopic:   stringWithDefault(lookup, "API_EVENTS_KAFKA_TOPIC", defaultKafkaTopic),
			KafkaGroupID: stringWithDefault(lookup, "API_EVENTS_KAFKA_GROUP", defaultKafkaGroup),
		},
		Webhooks: WebhookConfig{
			Timeout:   durationWithDefault(lookup, "API_WEBHOOK_TIMEOUT", defaultWebhookTimeout),
			Retries:   intWithDefault(lookup, "API_WEBHOOK_RETRIES", defaultWebhookRetries),
			UserAgent: stringWithDefault(lookup, "API_WEBHOOK_USER_AGENT", defaultWebhookUserAgent),
		},
		Redis: RedisConfig{
			Addr:     stringWithDefault(lookup, "API_REDIS_ADDR", ""),
			Password: stringWithDefault(lookup, "API_REDIS_PASSWORD", ""),
			DB:       intWithDefault(lookup, "API_REDIS_DB", 0),
		},
		Storage: StorageConfig{
			IncidentsBucket: stringWithDefault(lookup, "API_STORAGE_INCIDENTS_BUCKET", ""),
			IncidentsPrefix: stringWithDefault(lookup, "API_STORAGE_INCIDENTS_PREFIX", defaultIncidentPrefix),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(stringWithDefault(lookup, "API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			OIDC: OIDCConfig{
				JWKSURL:   stringWithDefault(lookup, "API_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience:  stringWithDefault(lookup, "API_SECURITY_OIDC_AUDIENCE", ""),
				Audiences: mapWithDefault(lookup, "API_SECURITY_OIDC_AUDIENCES"),
				Issuers:   csvWithDefault(lookup, "API_SECURITY_OIDC_ISSUERS"),
			},
		},
		Idempotency: IdempotencyConfig{
			Header: stringWithDefault(lookup, "API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:    durationWithDefault(lookup, "API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
		},
	}

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultSecurityIssuer}
	}
	if cfg.Security.OIDC.Audience == "" {
		if audience, ok := cfg.Security.OIDC.Audiences[cfg.Security.Environment]; ok {
			cfg.Security.OIDC.Audience = audience
		}
	}

	resolved := make(map[string]string)
	secretFields := []struct {
		name  string
		field *string
	}{
		{"Razorpay.KeySecret", &cfg.Razorpay.KeySecret},
		{"Redis.Password", &cfg.Redis.Password},
	}
	for _, target := range secretFields {
		value, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = value
		resolved[target.name] = strings.TrimSpace(value)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		return Config{}, missing
	}
	return cfg, nil
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if cfg.Firebase.ProjectID == "" {
		missing = append(missing, "Firebase.ProjectID")
	}
	if cfg.Razorpay.KeyID == "" {
		missing = append(missing, "Razorpay.KeyID")
	}
	if cfg.Checkout.UpdateAttempts < 1 {
		missing = append(missing, "Checkout.UpdateAttempts")
	}
	if cfg.Checkout.UpdateDelay < 0 {
		missing = append(missing, "Checkout.UpdateDelay")
	}
	if cfg.Checkout.InFlightTTL <= 0 {
		missing = append(missing, "Checkout.InFlightTTL")
	}
	if !strings.HasPrefix(cfg.Checkout.ConfirmationPath, "/") {
		missing = append(missing, "Checkout.ConfirmationPath")
	}
	switch cfg.Events.Transport {
	case TransportPubSub:
		if cfg.Events.PubSubTopic == "" {
			missing = append(missing, "Events.PubSubTopic")
		}
	case TransportKafka:
		if len(cfg.Events.KafkaBrokers) == 0 {
			missing = append(missing, "Events.KafkaBrokers")
		}
		if cfg.Events.KafkaTopic == "" {
			missing = append(missing, "Events.KafkaTopic")
		}
	case TransportNone:
	default:
		missing = append(missing, "Events.Transport")
	}
	if cfg.Webhooks.Retries < 0 {
		missing = append(missing, "Webhooks.Retries")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		missing = append(missing, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		missing = append(missing, "Idempotency.TTL")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}
