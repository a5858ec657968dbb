package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	AppMode   string
	Port      string
	Database  DatabaseConfig
	JWT       JWTConfig
	Cookie    CookieConfig
	Log       LogConfig
	Storage   StorageConfig
	Redis     RedisConfig
	Notify    NotifyConfig
	PromptPay PromptPayConfig
	Cron      CronConfig
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret           string
	RefreshSecret    string
	AccessTokenMins  int
	RefreshTokenDays int
}

// CookieConfig holds cookie configuration
type CookieConfig struct {
	Secure   bool
	SameSite string
	Domain   string
}

// LogConfig selects zap level and encoder
type LogConfig struct {
	Level  string
	Format string
}

// StorageConfig locates evidence files on disk and the URL they are served from
type StorageConfig struct {
	Dir           string
	PublicBaseURL string
	MaxUploadMB   int
}

// RedisConfig is optional; an empty Addr keeps rate-limit counters in memory
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NotifyConfig holds LINE Notify settings; an empty Token disables notifications
type NotifyConfig struct {
	BaseURL string
	Token   string
}

// PromptPayConfig holds the receiving PromptPay account
type PromptPayConfig struct {
	MerchantID string
}

// CronConfig holds schedule specs for background jobs
type CronConfig struct {
	Enabled          bool
	TokenCleanupSpec string
	OverdueSweepSpec string
}

// Global config instance
var AppConfig *Config

// Load reads configuration from .env file and environment variables
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	appMode := strings.TrimSpace(getEnv("APP_MODE", "dev"))
	if appMode != "dev" && appMode != "prod" {
		return nil, fmt.Errorf("invalid APP_MODE: '%s' (must be 'dev' or 'prod')", appMode)
	}

	config := &Config{
		AppMode:   appMode,
		Port:      getEnv("PORT", "3000"),
		Database:  loadDatabaseConfig(appMode),
		JWT:       loadJWTConfig(appMode),
		Cookie:    loadCookieConfig(appMode),
		Log:       loadLogConfig(appMode),
		Storage:   loadStorageConfig(),
		Redis:     loadRedisConfig(),
		Notify:    loadNotifyConfig(),
		PromptPay: PromptPayConfig{MerchantID: getEnv("PROMPTPAY_ID", "")},
		Cron:      loadCronConfig(),
	}

	if config.IsProd() && config.JWT.Secret == "default_secret" {
		return nil, fmt.Errorf("PROD_JWT_SECRET must be set in prod mode")
	}

	AppConfig = config

	log.Printf("✅ Configuration loaded successfully [MODE: %s]", appMode)
	return config, nil
}

func modePrefix(mode string) string {
	if mode == "prod" {
		return "PROD_"
	}
	return "DEV_"
}

// loadDatabaseConfig loads database config based on mode
func loadDatabaseConfig(mode string) DatabaseConfig {
	prefix := modePrefix(mode)

	return DatabaseConfig{
		Host:     getEnv(prefix+"DB_HOST", "localhost"),
		Port:     getEnv(prefix+"DB_PORT", "3306"),
		User:     getEnv(prefix+"DB_USER", "root"),
		Password: getEnv(prefix+"DB_PASS", ""),
		DBName:   getEnv(prefix+"DB_NAME", "rentmeter"),
	}
}

// loadJWTConfig loads JWT config based on mode
func loadJWTConfig(mode string) JWTConfig {
	prefix := modePrefix(mode)

	return JWTConfig{
		Secret:           getEnv(prefix+"JWT_SECRET", "default_secret"),
		RefreshSecret:    getEnv(prefix+"JWT_REFRESH_SECRET", "default_refresh_secret"),
		AccessTokenMins:  getEnvInt("ACCESS_TOKEN_MINUTES", 15),
		RefreshTokenDays: getEnvInt("REFRESH_TOKEN_DAYS", 7),
	}
}

// loadCookieConfig loads cookie config based on mode
func loadCookieConfig(mode string) CookieConfig {
	secure, _ := strconv.ParseBool(getEnv(modePrefix(mode)+"COOKIE_SECURE", "false"))

	return CookieConfig{
		Secure:   secure,
		SameSite: getEnv("COOKIE_SAMESITE", "lax"),
		Domain:   getEnv("COOKIE_DOMAIN", ""),
	}
}

func loadLogConfig(mode string) LogConfig {
	format := "json"
	level := "info"
	if mode == "dev" {
		format = "console"
		level = "debug"
	}
	return LogConfig{
		Level:  getEnv("LOG_LEVEL", level),
		Format: getEnv("LOG_FORMAT", format),
	}
}

func loadStorageConfig() StorageConfig {
	return StorageConfig{
		Dir:           getEnv("STORAGE_DIR", "./storage"),
		PublicBaseURL: strings.TrimRight(getEnv("STORAGE_PUBLIC_URL", "/files"), "/"),
		MaxUploadMB:   getEnvInt("MAX_UPLOAD_MB", 5),
	}
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:     getEnv("REDIS_ADDR", ""),
		Password: getEnv("REDIS_PASSWORD", ""),
		DB:       getEnvInt("REDIS_DB", 0),
	}
}

func loadNotifyConfig() NotifyConfig {
	return NotifyConfig{
		BaseURL: getEnv("LINE_NOTIFY_URL", "https://notify-api.line.me"),
		Token:   getEnv("LINE_NOTIFY_TOKEN", ""),
	}
}

func loadCronConfig() CronConfig {
	enabled, _ := strconv.ParseBool(getEnv("CRON_ENABLED", "true"))
	return CronConfig{
		Enabled:          enabled,
		TokenCleanupSpec: getEnv("CRON_TOKEN_CLEANUP", "0 3 * * *"),
		OverdueSweepSpec: getEnv("CRON_OVERDUE_SWEEP", "30 8 * * *"),
	}
}

// getEnv gets environment variable with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	n, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return n
}

// IsDev returns true if running in development mode
func (c *Config) IsDev() bool {
	return c.AppMode == "dev"
}

// IsProd returns true if running in production mode
func (c *Config) IsProd() bool {
	return c.AppMode == "prod"
}

// MaxUploadBytes returns the evidence size limit in bytes
func (c *Config) MaxUploadBytes() int64 {
	return int64(c.Storage.MaxUploadMB) << 20
}

// GetAllowedOrigins returns allowed origins for CORS
func (c *Config) GetAllowedOrigins() string {
	origins := getEnv("ALLOWED_ORIGINS", "")
	if origins == "" {
		if c.IsDev() {
			return "*"
		}
		return "https://rentmeter.app"
	}
	return origins
}
