package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config holds all configuration for the service
type Config struct {
	Environment string
	Port        string
	DatabaseURL string

	NATSURL  string
	RedisURL string

	StaffServiceURL string
	StaffServiceRPS float64
	RoleCacheTTL    time.Duration
	// StaticRoles is used when no staff service is configured
	StaticRoles map[string][]string

	JWTSecret           string
	AllowHeaderIdentity bool
	AdminRole           string
	CORSOrigins         []string

	SweepInterval time.Duration
	SeedFlows     bool
}

// Load loads configuration from environment variables
func Load() *Config {
	env := getEnv("ENVIRONMENT", "development")
	return &Config{
		Environment:         env,
		Port:                getEnv("PORT", "8099"),
		DatabaseURL:         getEnv("DATABASE_URL", ""),
		NATSURL:             getEnv("NATS_URL", ""),
		RedisURL:            getEnv("REDIS_URL", ""),
		StaffServiceURL:     getEnv("STAFF_SERVICE_URL", ""),
		StaffServiceRPS:     getEnvFloat("STAFF_SERVICE_RPS", 20),
		RoleCacheTTL:        getEnvDuration("ROLE_CACHE_TTL", 5*time.Minute),
		StaticRoles:         ParseStaticRoles(getEnv("STATIC_ROLES", "")),
		JWTSecret:           getEnv("JWT_SECRET", ""),
		AllowHeaderIdentity: getEnvBool("ALLOW_HEADER_IDENTITY", env == "development"),
		AdminRole:           getEnv("ADMIN_ROLE", "approval_admin"),
		CORSOrigins:         splitList(getEnv("CORS_ORIGINS", "")),
		SweepInterval:       getEnvDuration("SWEEP_INTERVAL", 15*time.Minute),
		SeedFlows:           getEnvBool("SEED_FLOWS", false),
	}
}

// ParseStaticRoles parses "alice=manager|finance;bob=finance"
func ParseStaticRoles(value string) map[string][]string {
	roles := make(map[string][]string)
	for _, entry := range strings.Split(value, ";") {
		user, list, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok || strings.TrimSpace(user) == "" {
			continue
		}
		for _, role := range strings.Split(list, "|") {
			if role = strings.TrimSpace(role); role != "" {
				roles[strings.TrimSpace(user)] = append(roles[strings.TrimSpace(user)], role)
			}
		}
	}
	return roles
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, err := time.ParseDuration(os.Getenv(key)); err == nil && value > 0 {
		return value
	}
	return defaultValue
}

func splitList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

// DSN returns DATABASE_URL, or builds a DSN from the DB_* variables
func (c *Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		getEnv("DB_HOST", "localhost"),
		getEnv("DB_PORT", "5432"),
		getEnv("DB_USER", "postgres"),
		getEnv("DB_PASSWORD", ""),
		getEnv("DB_NAME", "approval_db"),
		getEnv("DB_SSLMODE", "disable"),
	)
}

// InitDB initializes the database connection
func InitDB(cfg *Config) (*gorm.DB, error) {
	logLevel := logger.Silent
	if cfg.Environment == "development" {
		logLevel = logger.Info
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger:         logger.Default.LogMode(logLevel),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return db, nil
}
