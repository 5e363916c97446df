package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	CORS     CORSConfig
	Log      LogConfig
	SIS      SISConfig
	Email    EmailConfig
	Grid     GridConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// SISConfig holds the OneRoster collaborator settings. TokenURL, APIBase,
// OAuthKey and OAuthSecret carry no defaults: when one is absent the sync
// unit records a configuration error and returns without touching the
// database.
type SISConfig struct {
	TokenURL     string
	APIBase      string
	OAuthKey     string
	OAuthSecret  string
	SyncInterval time.Duration
	PageSize     int
	HTTPTimeout  time.Duration
}

// EmailConfig governs the report generator and its scheduling tick.
type EmailConfig struct {
	BaseURL         string
	DefaultTimezone string
	DiscardAfter    time.Duration
	TickInterval    time.Duration
	Workers         int
}

// GridConfig tunes the cached grid projection.
type GridConfig struct {
	CacheEnabled bool
	CacheTTL     time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret: v.GetString("JWT_SECRET"),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.SIS = SISConfig{
		TokenURL:     v.GetString("SIS_TOKEN_URL"),
		APIBase:      v.GetString("SIS_API_BASE"),
		OAuthKey:     v.GetString("SIS_OAUTH_KEY"),
		OAuthSecret:  v.GetString("SIS_OAUTH_SECRET"),
		SyncInterval: parseDuration(v.GetString("SIS_SYNC_INTERVAL"), time.Hour),
		PageSize:     v.GetInt("SIS_PAGE_SIZE"),
		HTTPTimeout:  parseDuration(v.GetString("SIS_HTTP_TIMEOUT"), 30*time.Second),
	}

	cfg.Email = EmailConfig{
		BaseURL:         strings.TrimRight(v.GetString("EMAIL_BASE_URL"), "/"),
		DefaultTimezone: v.GetString("EMAIL_DEFAULT_TIMEZONE"),
		DiscardAfter:    parseDuration(v.GetString("EMAIL_DISCARD_AFTER"), 24*time.Hour),
		TickInterval:    parseDuration(v.GetString("EMAIL_TICK_INTERVAL"), 5*time.Minute),
		Workers:         v.GetInt("EMAIL_TICK_WORKERS"),
	}

	cfg.Grid = GridConfig{
		CacheEnabled: v.GetBool("ENABLE_GRID_CACHE"),
		CacheTTL:     parseDuration(v.GetString("GRID_CACHE_TTL"), 2*time.Minute),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "enrichment")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("SIS_SYNC_INTERVAL", "1h")
	v.SetDefault("SIS_PAGE_SIZE", 100)
	v.SetDefault("SIS_HTTP_TIMEOUT", "30s")

	v.SetDefault("EMAIL_BASE_URL", "http://localhost:8080")
	v.SetDefault("EMAIL_DEFAULT_TIMEZONE", "America/New_York")
	v.SetDefault("EMAIL_DISCARD_AFTER", "24h")
	v.SetDefault("EMAIL_TICK_INTERVAL", "5m")
	v.SetDefault("EMAIL_TICK_WORKERS", 1)

	v.SetDefault("ENABLE_GRID_CACHE", false)
	v.SetDefault("GRID_CACHE_TTL", "2m")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
