package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/exp/slog"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	// InsecureDevSecret signs tokens in development when JWT_SECRET_KEY is unset.
	// It is public; production refuses to start with it.
	InsecureDevSecret = "insecure-development-secret-do-not-use-in-production"

	DefaultBcryptCost = 12
)

var ErrMissingSecret = errors.New("config: JWT_SECRET_KEY must be set in production")

type Config struct {
	Env        string
	ListenAddr string
	LogLevel   slog.Level

	JWTSecret  string
	JWTTTL     time.Duration
	BcryptCost int

	DBDriver   string
	Postgres   PostgresConfig
	SQLitePath string

	StorageDir     string
	MaxUploadSize  int64
	AllowedOrigins []string
}

type PostgresConfig struct {
	User     string
	Password string
	Host     string
	Port     string
	Name     string
	SSLMode  string
}

func (c PostgresConfig) ConnString() string {
	return fmt.Sprintf("user=%s password=%s host=%s port=%s dbname=%s sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

// LoadConfig reads .env (if there is one) and then the process environment.
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}

	return configFromEnv(os.Getenv)
}

func configFromEnv(getenv func(string) string) (Config, error) {
	env := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	cfg := Config{
		Env:        strings.ToLower(env("APP_ENV", EnvDevelopment)),
		ListenAddr: env("APP_HOST", "") + ":" + env("APP_PORT", "3000"),
		JWTSecret:  getenv("JWT_SECRET_KEY"),
		DBDriver:   strings.ToLower(env("DB_DRIVER", DriverPostgres)),
		Postgres: PostgresConfig{
			User:     env("POSTGRES_USER", "postgres"),
			Password: getenv("POSTGRES_PASSWORD"),
			Host:     env("DB_HOST", "localhost"),
			Port:     env("DB_PORT", "5432"),
			Name:     env("DB_NAME", "db"),
			SSLMode:  env("DB_SSLMODE", "disable"),
		},
		SQLitePath: env("SQLITE_PATH", "gallery.db"),
		StorageDir: env("STORAGE_DIR", "storage"),
	}

	var err error

	if cfg.JWTTTL, err = time.ParseDuration(env("JWT_TTL", "1h")); err != nil {
		return Config{}, fmt.Errorf("config: JWT_TTL: %w", err)
	}

	if cfg.BcryptCost, err = strconv.Atoi(env("BCRYPT_COST", strconv.Itoa(DefaultBcryptCost))); err != nil {
		return Config{}, fmt.Errorf("config: BCRYPT_COST: %w", err)
	}

	if cfg.MaxUploadSize, err = strconv.ParseInt(env("MAX_UPLOAD_SIZE", strconv.Itoa(50<<20)), 10, 64); err != nil {
		return Config{}, fmt.Errorf("config: MAX_UPLOAD_SIZE: %w", err)
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(env("LOG_LEVEL", "info"))); err != nil {
		return Config{}, fmt.Errorf("config: LOG_LEVEL: %w", err)
	}

	for _, o := range strings.Split(env("CORS_ALLOWED_ORIGINS", "*"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
		}
	}

	return cfg, cfg.Validate()
}

// Validate checks the configuration and, in development only, fills in the
// insecure signing secret.
func (c *Config) Validate() error {
	switch c.Env {
	case EnvDevelopment, EnvProduction:
	default:
		return fmt.Errorf("config: unknown APP_ENV %q", c.Env)
	}

	switch c.DBDriver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("config: unknown DB_DRIVER %q", c.DBDriver)
	}

	if c.JWTTTL <= 0 {
		return fmt.Errorf("config: JWT_TTL must be positive, got %s", c.JWTTTL)
	}

	if c.BcryptCost < bcrypt.MinCost || c.BcryptCost > bcrypt.MaxCost {
		return fmt.Errorf("config: BCRYPT_COST must be in [%d, %d]", bcrypt.MinCost, bcrypt.MaxCost)
	}

	if c.MaxUploadSize <= 0 {
		return fmt.Errorf("config: MAX_UPLOAD_SIZE must be positive")
	}

	if c.JWTSecret == "" {
		if c.Env == EnvProduction {
			return ErrMissingSecret
		}

		c.JWTSecret = InsecureDevSecret
	}

	return nil
}

// InsecureSecret reports whether tokens are signed with the development
// fallback secret.
func (c *Config) InsecureSecret() bool {
	return c.JWTSecret == InsecureDevSecret
}
