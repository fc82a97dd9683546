package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"marketplace-sync-service/internal/models"
)

// requiredCredentials lists the credential keys each marketplace needs. A
// marketplace enabled without all of its keys fails startup.
var requiredCredentials = map[models.MarketplaceType][]string{
	models.MarketplaceTrendyol: {"api_key", "api_secret", "supplier_id"},
	models.MarketplaceAmazon:   {"client_id", "client_secret", "refresh_token", "seller_id", "marketplace_id"},
	models.MarketplaceN11:      {"app_key", "app_secret"},
}

// MarketplaceConfig holds credentials and webhook settings for one
// marketplace
type MarketplaceConfig struct {
	Type          models.MarketplaceType
	Credentials   map[string]string
	WebhookSecret string
}

// Config holds all configuration for the sync service
type Config struct {
	// Server
	Port        string
	Environment string

	// Database
	DatabaseURL string

	// GCP
	GCPProjectID string

	// Sync Settings
	SyncInterval   time.Duration
	SyncMaxRetries int
	SyncRetryDelay time.Duration

	// Reconciliation
	PriceAuthority models.MarketplaceType

	// Enabled marketplaces
	Marketplaces []MarketplaceConfig
}

// Load loads configuration from environment variables and validates it,
// failing fast on missing credentials or inconsistent settings
func Load() (*Config, error) {
	databaseURL := getEnv("DATABASE_URL", "")
	if databaseURL == "" {
		dbHost := getEnv("DB_HOST", "localhost")
		dbPort := getEnv("DB_PORT", "5432")
		dbUser := getEnv("DB_USER", "postgres")
		dbPassword := getEnv("DB_PASSWORD", "")
		dbName := getEnv("DB_NAME", "marketplace_sync")
		dbSSLMode := getEnv("DB_SSLMODE", "disable")

		databaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
			dbUser, dbPassword, dbHost, dbPort, dbName, dbSSLMode)
	}

	config := &Config{
		Port:        getEnv("PORT", "8099"),
		Environment: getEnv("ENVIRONMENT", "development"),
		DatabaseURL: databaseURL,

		GCPProjectID: getEnv("GCP_PROJECT_ID", ""),

		SyncInterval:   getEnvAsDuration("SYNC_INTERVAL", 15*time.Minute),
		SyncMaxRetries: getEnvAsInt("SYNC_MAX_RETRIES", 4),
		SyncRetryDelay: getEnvAsDuration("SYNC_RETRY_DELAY", 1*time.Second),
	}

	if config.SyncInterval <= 0 {
		return nil, fmt.Errorf("SYNC_INTERVAL must be positive")
	}
	if config.SyncMaxRetries < 1 {
		return nil, fmt.Errorf("SYNC_MAX_RETRIES must be at least 1")
	}

	enabled := getEnv("MARKETPLACES", "")
	if enabled == "" {
		return nil, fmt.Errorf("MARKETPLACES is required (comma-separated marketplace names)")
	}
	for _, name := range strings.Split(enabled, ",") {
		mp, err := models.ParseMarketplaceType(name)
		if err != nil {
			return nil, err
		}
		mpConfig, err := loadMarketplace(mp)
		if err != nil {
			return nil, err
		}
		config.Marketplaces = append(config.Marketplaces, *mpConfig)
	}

	authority := getEnv("PRICE_AUTHORITY", "")
	if authority == "" {
		return nil, fmt.Errorf("PRICE_AUTHORITY is required")
	}
	mp, err := models.ParseMarketplaceType(authority)
	if err != nil {
		return nil, fmt.Errorf("invalid PRICE_AUTHORITY: %w", err)
	}
	found := false
	for _, mc := range config.Marketplaces {
		if mc.Type == mp {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("PRICE_AUTHORITY %s is not an enabled marketplace", mp)
	}
	config.PriceAuthority = mp

	return config, nil
}

// loadMarketplace reads the credential env vars for one marketplace. The
// scheme is <NAME>_<KEY> uppercased, e.g. TRENDYOL_API_KEY.
func loadMarketplace(mp models.MarketplaceType) (*MarketplaceConfig, error) {
	keys, ok := requiredCredentials[mp]
	if !ok {
		return nil, fmt.Errorf("no adapter available for marketplace %s", mp)
	}

	credentials := make(map[string]string, len(keys))
	for _, key := range keys {
		envKey := fmt.Sprintf("%s_%s", mp, strings.ToUpper(key))
		value := os.Getenv(envKey)
		if value == "" {
			return nil, fmt.Errorf("missing %s for marketplace %s", envKey, mp)
		}
		credentials[key] = value
	}

	// Optional base URL override, used in integration environments
	if base := os.Getenv(fmt.Sprintf("%s_BASE_URL", mp)); base != "" {
		credentials["base_url"] = base
	}

	return &MarketplaceConfig{
		Type:          mp,
		Credentials:   credentials,
		WebhookSecret: os.Getenv(fmt.Sprintf("%s_WEBHOOK_SECRET", mp)),
	}, nil
}

// WebhookSecretFor returns the webhook secret for a marketplace
func (c *Config) WebhookSecretFor(mp models.MarketplaceType) string {
	for _, mc := range c.Marketplaces {
		if mc.Type == mp {
			return mc.WebhookSecret
		}
	}
	return ""
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return intValue
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return duration
}
