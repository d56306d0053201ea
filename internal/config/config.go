/**
 * @description
 * This package handles the configuration management for the pool-service. It uses the
 * Viper library to read configuration from environment variables and an optional .env file.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config holds all the configuration variables for the pool-service.
type Config struct {
	ServerPort         string `mapstructure:"SERVER_PORT"`
	StoreDriver        string `mapstructure:"STORE_DRIVER"`
	DatabaseURL        string `mapstructure:"DATABASE_URL"`
	RedisURL           string `mapstructure:"REDIS_URL"`
	RateLimitPrefix    string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RateLimitPerMinute int    `mapstructure:"OPERATION_RATE_LIMIT_PER_MINUTE"`
	RabbitMQURL        string `mapstructure:"RABBITMQ_URL"`
	EventsExchange     string `mapstructure:"EVENTS_EXCHANGE"`
	PayoutCommandQueue string `mapstructure:"PAYOUT_COMMAND_QUEUE"`
	ConsumerPrefetch   int    `mapstructure:"CONSUMER_PREFETCH"`
	AuthJWKSURL        string `mapstructure:"AUTH_JWKS_URL"`
	AuthIssuer         string `mapstructure:"AUTH_ISSUER"`
	AuthAudience       string `mapstructure:"AUTH_AUDIENCE"`
	CustodyAPIBaseURL  string `mapstructure:"CUSTODY_API_BASE_URL"`
	CustodyAPIKey      string `mapstructure:"CUSTODY_API_KEY"`
	ProgramID          string `mapstructure:"PROGRAM_ID"`
	PayoutReminderCron string `mapstructure:"PAYOUT_REMINDER_SCHEDULE"`
	VaultReconcileCron string `mapstructure:"VAULT_RECONCILE_SCHEDULE"`
	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`
}

// LoadConfig reads configuration from environment variables and the optional .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "ajo:rate_limit")
	viper.SetDefault("OPERATION_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("EVENTS_EXCHANGE", "ajo.events")
	viper.SetDefault("PAYOUT_COMMAND_QUEUE", "pool_service.payout_commands")
	viper.SetDefault("CONSUMER_PREFETCH", 10)
	viper.SetDefault("PAYOUT_REMINDER_SCHEDULE", "0 8 * * *")
	viper.SetDefault("VAULT_RECONCILE_SCHEDULE", "*/30 * * * *")
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")

	// Explicit binds so Unmarshal sees variables that have no default.
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("STORE_DRIVER")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "POOL_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("OPERATION_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("PAYOUT_COMMAND_QUEUE")
	_ = viper.BindEnv("CONSUMER_PREFETCH")
	_ = viper.BindEnv("AUTH_JWKS_URL", "AUTH_JWKS_URL", "CLERK_JWKS_URL")
	_ = viper.BindEnv("AUTH_ISSUER")
	_ = viper.BindEnv("AUTH_AUDIENCE")
	_ = viper.BindEnv("CUSTODY_API_BASE_URL")
	_ = viper.BindEnv("CUSTODY_API_KEY")
	_ = viper.BindEnv("PROGRAM_ID")
	_ = viper.BindEnv("PAYOUT_REMINDER_SCHEDULE")
	_ = viper.BindEnv("VAULT_RECONCILE_SCHEDULE")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")

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
	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.CustodyAPIBaseURL = strings.TrimSpace(config.CustodyAPIBaseURL)
	config.RateLimitPrefix = strings.TrimSpace(config.RateLimitPrefix)
	if config.RateLimitPrefix == "" {
		config.RateLimitPrefix = "ajo:rate_limit"
	}
	if config.RateLimitPerMinute < 0 {
		log.Printf("level=warn component=config msg=\"negative OPERATION_RATE_LIMIT_PER_MINUTE; disabling\" value=%d", config.RateLimitPerMinute)
		config.RateLimitPerMinute = 0
	}
	if config.ConsumerPrefetch <= 0 {
		config.ConsumerPrefetch = 10
	}

	config.StoreDriver = strings.ToLower(strings.TrimSpace(config.StoreDriver))
	switch config.StoreDriver {
	case "":
		config.StoreDriver = StoreDriverMemory
		if config.DatabaseURL != "" {
			config.StoreDriver = StoreDriverPostgres
		}
	case StoreDriverPostgres:
		if config.DatabaseURL == "" {
			return config, fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=%s", StoreDriverPostgres)
		}
	case StoreDriverMemory:
	default:
		return config, fmt.Errorf("unsupported STORE_DRIVER %q", config.StoreDriver)
	}

	return
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS into its entries.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

// SandboxCustody reports whether transfers settle against the in-process ledger.
func (c Config) SandboxCustody() bool {
	return c.CustodyAPIBaseURL == ""
}
