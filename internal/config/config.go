/**
 * @description
 * This package handles the configuration management for the escrow service. It
 * uses the Viper library to read configuration from environment variables (and
 * an optional .env file), providing a centralized way to manage settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config holds all the configuration variables for the escrow service.
type Config struct {
	ServerPort  string `mapstructure:"SERVER_PORT"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	StoreDriver string `mapstructure:"STORE_DRIVER"`
	AutoMigrate bool   `mapstructure:"AUTO_MIGRATE"`

	RabbitMQURL    string `mapstructure:"RABBITMQ_URL"`
	RailEventQueue string `mapstructure:"RAIL_EVENT_QUEUE"`

	RedisURL                      string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix          string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	OfferSubmitRateLimitPerMinute int    `mapstructure:"OFFER_SUBMIT_RATE_LIMIT_PER_MINUTE"`
	OfferListingRateLimitPerHour  int    `mapstructure:"OFFER_LISTING_RATE_LIMIT_PER_HOUR"`

	ClerkJWKSURL       string `mapstructure:"CLERK_JWKS_URL"`
	ClerkAudience      string `mapstructure:"CLERK_AUDIENCE"`
	ClerkIssuer        string `mapstructure:"CLERK_ISSUER"`
	InternalAPIKey     string `mapstructure:"INTERNAL_API_KEY"`
	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	StripeSecretKey    string `mapstructure:"STRIPE_SECRET_KEY"`
	StripeCurrency     string `mapstructure:"STRIPE_CURRENCY"`
	ChainRelayerURL    string `mapstructure:"CHAIN_RELAYER_URL"`
	ChainRelayerAPIKey string `mapstructure:"CHAIN_RELAYER_API_KEY"`
	ChainEscrowWallet  string `mapstructure:"CHAIN_ESCROW_WALLET"`

	IdentityServiceURL      string `mapstructure:"IDENTITY_SERVICE_URL"`
	IdentityServiceAPIKey   string `mapstructure:"IDENTITY_SERVICE_API_KEY"`
	HighValueOfferThreshold int64  `mapstructure:"HIGH_VALUE_OFFER_THRESHOLD"`

	EscrowSweepSchedule      string `mapstructure:"ESCROW_SWEEP_SCHEDULE"`
	OfferExpirySweepSchedule string `mapstructure:"OFFER_EXPIRY_SWEEP_SCHEDULE"`

	PayoutMaxAttempts        int `mapstructure:"ESCROW_PAYOUT_MAX_ATTEMPTS"`
	PayoutBackoffBaseSeconds int `mapstructure:"ESCROW_PAYOUT_BACKOFF_BASE_SECONDS"`
	PayoutBackoffMaxSeconds  int `mapstructure:"ESCROW_PAYOUT_BACKOFF_MAX_SECONDS"`
	SettlementLeaseSeconds   int `mapstructure:"ESCROW_SETTLEMENT_LEASE_SECONDS"`
	RailCallTimeoutSeconds   int `mapstructure:"RAIL_CALL_TIMEOUT_SECONDS"`
	RailCallMaxRetries       int `mapstructure:"RAIL_CALL_MAX_RETRIES"`
}

// LoadConfig reads configuration from environment variables and an optional
// .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("STORE_DRIVER", StoreDriverPostgres)
	viper.SetDefault("AUTO_MIGRATE", false)
	viper.SetDefault("RAIL_EVENT_QUEUE", "escrow_service.rail_events")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "escrow:rate_limit")
	viper.SetDefault("OFFER_SUBMIT_RATE_LIMIT_PER_MINUTE", 10)
	viper.SetDefault("OFFER_LISTING_RATE_LIMIT_PER_HOUR", 3)
	viper.SetDefault("STRIPE_CURRENCY", "usd")
	viper.SetDefault("HIGH_VALUE_OFFER_THRESHOLD", 0)
	viper.SetDefault("ESCROW_SWEEP_SCHEDULE", "@every 1m")
	viper.SetDefault("OFFER_EXPIRY_SWEEP_SCHEDULE", "@every 5m")
	viper.SetDefault("ESCROW_PAYOUT_MAX_ATTEMPTS", 5)
	viper.SetDefault("ESCROW_PAYOUT_BACKOFF_BASE_SECONDS", 60)
	viper.SetDefault("ESCROW_PAYOUT_BACKOFF_MAX_SECONDS", 3600)
	viper.SetDefault("ESCROW_SETTLEMENT_LEASE_SECONDS", 300)
	viper.SetDefault("RAIL_CALL_TIMEOUT_SECONDS", 20)
	viper.SetDefault("RAIL_CALL_MAX_RETRIES", 2)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("STORE_DRIVER")
	_ = viper.BindEnv("AUTO_MIGRATE")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("RAIL_EVENT_QUEUE")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "ESCROW_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("OFFER_SUBMIT_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("OFFER_LISTING_RATE_LIMIT_PER_HOUR")
	_ = viper.BindEnv("CLERK_JWKS_URL")
	_ = viper.BindEnv("CLERK_AUDIENCE")
	_ = viper.BindEnv("CLERK_ISSUER")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "ESCROW_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("STRIPE_SECRET_KEY")
	_ = viper.BindEnv("STRIPE_CURRENCY")
	_ = viper.BindEnv("CHAIN_RELAYER_URL")
	_ = viper.BindEnv("CHAIN_RELAYER_API_KEY")
	_ = viper.BindEnv("CHAIN_ESCROW_WALLET")
	_ = viper.BindEnv("IDENTITY_SERVICE_URL")
	_ = viper.BindEnv("IDENTITY_SERVICE_API_KEY")
	_ = viper.BindEnv("HIGH_VALUE_OFFER_THRESHOLD")
	_ = viper.BindEnv("ESCROW_SWEEP_SCHEDULE")
	_ = viper.BindEnv("OFFER_EXPIRY_SWEEP_SCHEDULE")
	_ = viper.BindEnv("ESCROW_PAYOUT_MAX_ATTEMPTS")
	_ = viper.BindEnv("ESCROW_PAYOUT_BACKOFF_BASE_SECONDS")
	_ = viper.BindEnv("ESCROW_PAYOUT_BACKOFF_MAX_SECONDS")
	_ = viper.BindEnv("ESCROW_SETTLEMENT_LEASE_SECONDS")
	_ = viper.BindEnv("RAIL_CALL_TIMEOUT_SECONDS")
	_ = viper.BindEnv("RAIL_CALL_MAX_RETRIES")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("ESCROW_SERVICE_INTERNAL_API_KEY"))
	}
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.IdentityServiceAPIKey = strings.TrimSpace(config.IdentityServiceAPIKey)
	if config.IdentityServiceAPIKey == "" {
		config.IdentityServiceAPIKey = config.InternalAPIKey
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "escrow:rate_limit"
	}

	config.StoreDriver = strings.ToLower(strings.TrimSpace(config.StoreDriver))
	switch config.StoreDriver {
	case StoreDriverPostgres, StoreDriverMemory:
	default:
		log.Printf("level=warn component=config msg=\"unknown STORE_DRIVER; using postgres\" value=%q", config.StoreDriver)
		config.StoreDriver = StoreDriverPostgres
	}

	config.StripeCurrency = strings.ToLower(strings.TrimSpace(config.StripeCurrency))
	if config.StripeCurrency == "" {
		config.StripeCurrency = "usd"
	}

	if config.HighValueOfferThreshold < 0 {
		log.Printf("level=warn component=config msg=\"negative high-value threshold configured; disabling verification gate\" threshold=%d", config.HighValueOfferThreshold)
		config.HighValueOfferThreshold = 0
	}
	if config.OfferSubmitRateLimitPerMinute < 0 {
		log.Printf("level=warn component=config msg=\"negative offer rate limit configured; disabling limiter\" limit=%d", config.OfferSubmitRateLimitPerMinute)
		config.OfferSubmitRateLimitPerMinute = 0
	}
	if config.OfferListingRateLimitPerHour < 0 {
		log.Printf("level=warn component=config msg=\"negative listing rate limit configured; disabling listing scope\" limit=%d", config.OfferListingRateLimitPerHour)
		config.OfferListingRateLimitPerHour = 0
	}

	if strings.TrimSpace(config.EscrowSweepSchedule) == "" {
		config.EscrowSweepSchedule = "@every 1m"
	}
	if strings.TrimSpace(config.OfferExpirySweepSchedule) == "" {
		config.OfferExpirySweepSchedule = "@every 5m"
	}
	if config.PayoutMaxAttempts <= 0 {
		config.PayoutMaxAttempts = 5
	}
	if config.PayoutBackoffBaseSeconds <= 0 {
		config.PayoutBackoffBaseSeconds = 60
	}
	if config.PayoutBackoffMaxSeconds < config.PayoutBackoffBaseSeconds {
		log.Printf("level=warn component=config msg=\"payout backoff cap below base; raising to base\" base_seconds=%d max_seconds=%d", config.PayoutBackoffBaseSeconds, config.PayoutBackoffMaxSeconds)
		config.PayoutBackoffMaxSeconds = config.PayoutBackoffBaseSeconds
	}
	if config.SettlementLeaseSeconds <= 0 {
		config.SettlementLeaseSeconds = 300
	}
	if config.RailCallTimeoutSeconds <= 0 {
		config.RailCallTimeoutSeconds = 20
	}
	if config.RailCallMaxRetries < 0 {
		config.RailCallMaxRetries = 0
	}

	return
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS; empty means any origin.
func (c Config) AllowedOrigins() []string {
	origins := make([]string, 0)
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func (c Config) PayoutBackoffBase() time.Duration {
	return time.Duration(c.PayoutBackoffBaseSeconds) * time.Second
}

func (c Config) PayoutBackoffMax() time.Duration {
	return time.Duration(c.PayoutBackoffMaxSeconds) * time.Second
}

func (c Config) SettlementLease() time.Duration {
	return time.Duration(c.SettlementLeaseSeconds) * time.Second
}

func (c Config) RailCallTimeout() time.Duration {
	return time.Duration(c.RailCallTimeoutSeconds) * time.Second
}
