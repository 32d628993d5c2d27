package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	NATS          NATSConfig
	JWT           JWTConfig
	Firebase      FirebaseConfig
	Sentry        SentryConfig
	Tracing       TracingConfig
	RateLimit     RateLimitConfig
	Resilience    ResilienceConfig
	Routing       RoutingConfig
	Assignment    AssignmentConfig
	Availability  AvailabilityConfig
	Notifications NotificationWorkerConfig
	Billing       BillingWorkerConfig
	Heartbeat     HeartbeatConfig
	Gateways      GatewayConfig
	Secrets       SecretsConfig
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Port         string
	Environment  string
	ServiceName  string
	ReadTimeout  int
	WriteTimeout int
	CORSOrigins  string // Comma-separated list of allowed origins
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// NATSConfig holds the real-time fan-out bus configuration
type NATSConfig struct {
	URL     string
	Enabled bool
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret     string
	Expiration int // in hours
}

// FirebaseConfig holds Firebase configuration
type FirebaseConfig struct {
	ProjectID       string
	CredentialsPath string
	Enabled         bool
}

// SentryConfig holds error tracking configuration
type SentryConfig struct {
	DSN         string
	Enabled     bool
	SampleRate  float64
	Environment string
}

// TracingConfig holds OpenTelemetry exporter configuration
type TracingConfig struct {
	Enabled      bool
	OTLPEndpoint string
	SampleRatio  float64
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool
	WindowSeconds     int
	DefaultLimit      int
	DefaultBurst      int
	AnonymousLimit    int
	AnonymousBurst    int
	RedisPrefix       string
	EndpointOverrides map[string]EndpointRateLimitConfig
}

// EndpointRateLimitConfig allows customizing limits per endpoint
type EndpointRateLimitConfig struct {
	AuthenticatedLimit int `json:"authenticated_limit"`
	AuthenticatedBurst int `json:"authenticated_burst"`
	AnonymousLimit     int `json:"anonymous_limit"`
	AnonymousBurst     int `json:"anonymous_burst"`
	WindowSeconds      int `json:"window_seconds"`
}

// ResilienceConfig groups runtime resilience controls
type ResilienceConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

// CircuitBreakerConfig captures default and per-service breaker tuning
type CircuitBreakerConfig struct {
	Enabled          bool
	FailureThreshold int
	SuccessThreshold int
	TimeoutSeconds   int
	IntervalSeconds  int
	ServiceOverrides map[string]CircuitBreakerSettings
}

// CircuitBreakerSettings overrides defaults for a specific upstream service
type CircuitBreakerSettings struct {
	FailureThreshold int `json:"failure_threshold"`
	SuccessThreshold int `json:"success_threshold"`
	TimeoutSeconds   int `json:"timeout_seconds"`
	IntervalSeconds  int `json:"interval_seconds"`
}

// RoutingConfig points at the geocoding and routing engines
type RoutingConfig struct {
	NominatimURL          string
	ValhallaURL           string
	GeocodeTimeoutSeconds int
	TripTimeoutSeconds    int
	MatrixTimeoutSeconds  int
	Costing               string
}

// AssignmentConfig tunes the assignment engine
type AssignmentConfig struct {
	OfferDurationSeconds     int
	SearchRadiusKm           float64
	MaxAttempts              int
	RetryBackoffSeconds      int
	OfferScanIntervalMs      int
	RetryScanIntervalMs      int
	CandidateCheckConcurrency int
}

// AvailabilityConfig tunes the partitioned availability synchronizer
type AvailabilityConfig struct {
	SyncIntervalMs  int
	BatchSize       int
	TotalWorkers    int
	WorkerID        int
	CacheTTLSeconds int
}

// NotificationWorkerConfig tunes the push pipeline stream consumer
type NotificationWorkerConfig struct {
	MaxPerPoll          int
	BlockTimeoutMs      int
	ClaimIdleMs         int
	MaxRetry            int
	DeadConsumerIdleMs  int
	ClaimCheckFrequency int
}

// BillingWorkerConfig tunes the payout stream consumer
type BillingWorkerConfig struct {
	MaxPerPoll          int
	BlockTimeoutMs      int
	ClaimIdleMs         int
	MaxRetry            int
	ReconcileIntervalMs int
}

// HeartbeatConfig tunes the driver liveness monitor
type HeartbeatConfig struct {
	IntervalSeconds        int
	MonitorIntervalSeconds int
}

// GatewayConfig groups outbound payment and messaging providers
type GatewayConfig struct {
	MobileMoneyBaseURL string
	MobileMoneyAPIKey  string
	StripeSecretKey    string
	TwilioAccountSID   string
	TwilioAuthToken    string
	TwilioFromNumber   string
	TwilioEnabled      bool
}

// SecretsConfig selects the backend used to resolve named secrets
type SecretsConfig struct {
	Backend      string // env, file, vault, aws, gcp
	FilePath     string
	VaultAddress string
	VaultToken   string
	VaultMount   string
	AWSRegion    string
	GCPProjectID string
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			Environment:  getEnv("ENVIRONMENT", "development"),
			ServiceName:  serviceName,
			ReadTimeout:  getEnvAsInt("READ_TIMEOUT", 10),
			WriteTimeout: getEnvAsInt("WRITE_TIMEOUT", 10),
			CORSOrigins:  getEnv("CORS_ORIGINS", "http://localhost:3000"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "dispatch"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: getEnvAsInt("DB_MAX_CONNS", 25),
			MinConns: getEnvAsInt("DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		NATS: NATSConfig{
			URL:     getEnv("NATS_URL", "nats://localhost:4222"),
			Enabled: getEnvAsBool("NATS_ENABLED", true),
		},
		JWT: JWTConfig{
			Secret:     getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
			Expiration: getEnvAsInt("JWT_EXPIRATION", 24),
		},
		Firebase: FirebaseConfig{
			ProjectID:       getEnv("FIREBASE_PROJECT_ID", ""),
			CredentialsPath: getEnv("FIREBASE_CREDENTIALS_PATH", ""),
			Enabled:         getEnvAsBool("FIREBASE_ENABLED", false),
		},
		Sentry: SentryConfig{
			DSN:         getEnv("SENTRY_DSN", ""),
			Enabled:     getEnvAsBool("SENTRY_ENABLED", false),
			SampleRate:  getEnvAsFloat("SENTRY_SAMPLE_RATE", 1.0),
			Environment: getEnv("ENVIRONMENT", "development"),
		},
		Tracing: TracingConfig{
			Enabled:      getEnvAsBool("TRACING_ENABLED", false),
			OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			SampleRatio:  getEnvAsFloat("TRACING_SAMPLE_RATIO", 0.1),
		},
		RateLimit: RateLimitConfig{
			Enabled:        getEnvAsBool("RATE_LIMIT_ENABLED", false),
			WindowSeconds:  getEnvAsInt("RATE_LIMIT_WINDOW_SECONDS", 60),
			DefaultLimit:   getEnvAsInt("RATE_LIMIT_DEFAULT_LIMIT", 120),
			DefaultBurst:   getEnvAsInt("RATE_LIMIT_DEFAULT_BURST", 40),
			AnonymousLimit: getEnvAsInt("RATE_LIMIT_ANON_LIMIT", 60),
			AnonymousBurst: getEnvAsInt("RATE_LIMIT_ANON_BURST", 20),
			RedisPrefix:    getEnv("RATE_LIMIT_REDIS_PREFIX", "rate-limit"),
		},
		Resilience: ResilienceConfig{
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          getEnvAsBool("CB_ENABLED", false),
				FailureThreshold: getEnvAsInt("CB_FAILURE_THRESHOLD", 5),
				SuccessThreshold: getEnvAsInt("CB_SUCCESS_THRESHOLD", 1),
				TimeoutSeconds:   getEnvAsInt("CB_TIMEOUT_SECONDS", 30),
				IntervalSeconds:  getEnvAsInt("CB_INTERVAL_SECONDS", 60),
			},
		},
		Routing: RoutingConfig{
			NominatimURL:          getEnv("NOMINATIM_URL", "http://localhost:8088"),
			ValhallaURL:           getEnv("VALHALLA_URL", "http://localhost:8002"),
			GeocodeTimeoutSeconds: getEnvAsInt("GEOCODE_TIMEOUT_SECONDS", 30),
			TripTimeoutSeconds:    getEnvAsInt("ROUTING_TIMEOUT_SECONDS", 20),
			MatrixTimeoutSeconds:  getEnvAsInt("MATRIX_TIMEOUT_SECONDS", 7),
			Costing:               getEnv("ROUTING_COSTING", "motor_scooter"),
		},
		Assignment: AssignmentConfig{
			OfferDurationSeconds:      getEnvAsInt("DRIVER_OFFER_DURATION_SECONDS", 60),
			SearchRadiusKm:            getEnvAsFloat("DRIVER_SEARCH_RADIUS_KM", 5.0),
			MaxAttempts:               getEnvAsInt("MAX_ASSIGNMENT_ATTEMPTS", 5),
			RetryBackoffSeconds:       getEnvAsInt("RETRY_BACKOFF_S", 30),
			OfferScanIntervalMs:       getEnvAsInt("OFFER_EXPIRATION_SCAN_INTERVAL_MS", 5000),
			RetryScanIntervalMs:       getEnvAsInt("ASSIGNMENT_EXPIRATION_SCAN_INTERVAL_MS", 5000),
			CandidateCheckConcurrency: getEnvAsInt("CANDIDATE_CHECK_CONCURRENCY", 8),
		},
		Availability: AvailabilityConfig{
			SyncIntervalMs:  getEnvAsInt("AVAILABILITY_SYNC_INTERVAL_MS", 60000),
			BatchSize:       getEnvAsInt("AVAILABILITY_SYNC_BATCH_SIZE", 200),
			TotalWorkers:    getEnvAsInt("AVAILABILITY_SYNC_TOTAL_WORKERS", 1),
			WorkerID:        getEnvAsInt("AVAILABILITY_SYNC_WORKER_ID", 0),
			CacheTTLSeconds: getEnvAsInt("AVAILABILITY_SYNC_CACHE_TTL_SECONDS", 300),
		},
		Notifications: NotificationWorkerConfig{
			MaxPerPoll:          getEnvAsInt("NOTIFICATION_WORKER_MAX_PER_POLL", 10),
			BlockTimeoutMs:      getEnvAsInt("NOTIFICATION_WORKER_BLOCK_TIMEOUT_MS", 5000),
			ClaimIdleMs:         getEnvAsInt("NOTIFICATION_WORKER_CLAIM_IDLE_MS", 60000),
			MaxRetry:            getEnvAsInt("NOTIFICATION_WORKER_MAX_RETRY", 5),
			DeadConsumerIdleMs:  getEnvAsInt("NOTIFICATION_WORKER_DEAD_CONSUMER_IDLE_MS", 3600000),
			ClaimCheckFrequency: getEnvAsInt("NOTIFICATION_WORKER_CLAIM_CHECK_FREQUENCY", 10),
		},
		Billing: BillingWorkerConfig{
			MaxPerPoll:          getEnvAsInt("BILLING_WORKER_MAX_PER_POLL", 10),
			BlockTimeoutMs:      getEnvAsInt("BILLING_WORKER_BLOCK_TIMEOUT_MS", 5000),
			ClaimIdleMs:         getEnvAsInt("BILLING_WORKER_CLAIM_IDLE_MS", 60000),
			MaxRetry:            getEnvAsInt("BILLING_WORKER_MAX_RETRY", 5),
			ReconcileIntervalMs: getEnvAsInt("BILLING_WORKER_RECONCILE_INTERVAL_MS", 300000),
		},
		Heartbeat: HeartbeatConfig{
			IntervalSeconds:        getEnvAsInt("HEARTBEAT_INTERVAL_SECONDS", 30),
			MonitorIntervalSeconds: getEnvAsInt("HEARTBEAT_MONITOR_INTERVAL_SECONDS", 60),
		},
		Gateways: GatewayConfig{
			MobileMoneyBaseURL: getEnv("MOBILE_MONEY_BASE_URL", ""),
			MobileMoneyAPIKey:  getEnv("MOBILE_MONEY_API_KEY", ""),
			StripeSecretKey:    getEnv("STRIPE_SECRET_KEY", ""),
			TwilioAccountSID:   getEnv("TWILIO_ACCOUNT_SID", ""),
			TwilioAuthToken:    getEnv("TWILIO_AUTH_TOKEN", ""),
			TwilioFromNumber:   getEnv("TWILIO_FROM_NUMBER", ""),
			TwilioEnabled:      getEnvAsBool("TWILIO_ENABLED", false),
		},
		Secrets: SecretsConfig{
			Backend:      getEnv("SECRETS_BACKEND", "env"),
			FilePath:     getEnv("SECRETS_FILE_PATH", ""),
			VaultAddress: getEnv("VAULT_ADDR", ""),
			VaultToken:   getEnv("VAULT_TOKEN", ""),
			VaultMount:   getEnv("VAULT_MOUNT", "secret"),
			AWSRegion:    getEnv("AWS_REGION", ""),
			GCPProjectID: getEnv("GCP_PROJECT_ID", ""),
		},
	}

	if overrides := getEnv("RATE_LIMIT_ENDPOINTS", ""); overrides != "" {
		var endpointConfig map[string]EndpointRateLimitConfig
		if err := json.Unmarshal([]byte(overrides), &endpointConfig); err != nil {
			return nil, fmt.Errorf("invalid RATE_LIMIT_ENDPOINTS value: %w", err)
		}
		cfg.RateLimit.EndpointOverrides = endpointConfig
	}

	if breakerOverrides := getEnv("CB_SERVICE_OVERRIDES", ""); breakerOverrides != "" {
		var serviceConfig map[string]CircuitBreakerSettings
		if err := json.Unmarshal([]byte(breakerOverrides), &serviceConfig); err != nil {
			return nil, fmt.Errorf("invalid CB_SERVICE_OVERRIDES value: %w", err)
		}
		cfg.Resilience.CircuitBreaker.ServiceOverrides = serviceConfig
	}

	if cfg.RateLimit.WindowSeconds <= 0 {
		cfg.RateLimit.WindowSeconds = int((time.Minute).Seconds())
	}

	if cfg.Availability.TotalWorkers <= 0 {
		return nil, fmt.Errorf("AVAILABILITY_SYNC_TOTAL_WORKERS must be >= 1")
	}
	if cfg.Availability.WorkerID < 0 || cfg.Availability.WorkerID >= cfg.Availability.TotalWorkers {
		return nil, fmt.Errorf("AVAILABILITY_SYNC_WORKER_ID must be in [0, %d)", cfg.Availability.TotalWorkers)
	}

	if cfg.Assignment.MaxAttempts <= 0 {
		cfg.Assignment.MaxAttempts = 5
	}
	if cfg.Assignment.OfferDurationSeconds <= 0 {
		cfg.Assignment.OfferDurationSeconds = 60
	}

	if cfg.Resilience.CircuitBreaker.TimeoutSeconds <= 0 {
		cfg.Resilience.CircuitBreaker.TimeoutSeconds = 30
	}

	if cfg.Resilience.CircuitBreaker.IntervalSeconds <= 0 {
		cfg.Resilience.CircuitBreaker.IntervalSeconds = 60
	}

	if cfg.Resilience.CircuitBreaker.FailureThreshold <= 0 {
		cfg.Resilience.CircuitBreaker.FailureThreshold = 5
	}

	if cfg.Resilience.CircuitBreaker.SuccessThreshold <= 0 {
		cfg.Resilience.CircuitBreaker.SuccessThreshold = 1
	}

	return cfg, nil
}

// SettingsFor returns effective breaker settings for a specific upstream service name
func (c CircuitBreakerConfig) SettingsFor(service string) CircuitBreakerSettings {
	settings := CircuitBreakerSettings{
		FailureThreshold: c.FailureThreshold,
		SuccessThreshold: c.SuccessThreshold,
		TimeoutSeconds:   c.TimeoutSeconds,
		IntervalSeconds:  c.IntervalSeconds,
	}

	if c.ServiceOverrides != nil {
		if override, ok := c.ServiceOverrides[service]; ok {
			if override.FailureThreshold > 0 {
				settings.FailureThreshold = override.FailureThreshold
			}
			if override.SuccessThreshold > 0 {
				settings.SuccessThreshold = override.SuccessThreshold
			}
			if override.TimeoutSeconds > 0 {
				settings.TimeoutSeconds = override.TimeoutSeconds
			}
			if override.IntervalSeconds > 0 {
				settings.IntervalSeconds = override.IntervalSeconds
			}
		}
	}

	if settings.SuccessThreshold <= 0 {
		settings.SuccessThreshold = 1
	}
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = 5
	}
	if settings.TimeoutSeconds <= 0 {
		settings.TimeoutSeconds = 30
	}
	if settings.IntervalSeconds <= 0 {
		settings.IntervalSeconds = 60
	}

	return settings
}

// DSN returns the database connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// RedisAddr returns the Redis address
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// OfferDuration returns the offer validity window.
func (c AssignmentConfig) OfferDuration() time.Duration {
	return time.Duration(c.OfferDurationSeconds) * time.Second
}

// RetryBackoff returns the delay before re-running a no-candidate attempt.
func (c AssignmentConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffSeconds) * time.Second
}

// CacheTTL returns the availability cache entry lifetime.
func (c AvailabilityConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// HeartbeatTTL returns the liveness key lifetime, twice the beat interval.
func (c HeartbeatConfig) HeartbeatTTL() time.Duration {
	return 2 * time.Duration(c.IntervalSeconds) * time.Second
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// Window returns the configured rate limit window duration
func (c RateLimitConfig) Window() time.Duration {
	if c.WindowSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.WindowSeconds) * time.Second
}
